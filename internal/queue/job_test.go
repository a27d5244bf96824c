package queue

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMarshalUnmarshal(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	reason := FailureHandlerError
	j := Job{
		ID:          7,
		JobType:     "email",
		Payload:     json.RawMessage(`{"to":"a@x"}`),
		Tags:        []string{"urgent", "billing"},
		Priority:    5,
		RunAt:       now,
		CreatedAt:   now,
		MaxAttempts: 3,
		Attempts:    1,
		Status:      StatusFailed,
		ErrorHistory: []ErrorEntry{
			{Message: "boom", Timestamp: now},
		},
		FailureReason: &reason,
		StepData: map[string]Step{
			"a": {Completed: true, Result: json.RawMessage(`42`)},
		},
		UpdatedAt: now,
	}

	s, err := j.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	j2, err := UnmarshalJob(s)
	if err != nil {
		t.Fatal(err)
	}
	if j2.ID != j.ID || j2.JobType != j.JobType || j2.Priority != j.Priority {
		t.Fatalf("roundtrip mismatch: %#v vs %#v", j, j2)
	}
	if len(j2.Tags) != 2 || j2.Tags[0] != "urgent" {
		t.Fatalf("tags did not round-trip: %#v", j2.Tags)
	}
	if j2.FailureReason == nil || *j2.FailureReason != FailureHandlerError {
		t.Fatalf("failureReason did not round-trip: %#v", j2.FailureReason)
	}
	if j2.StepData["a"].Result == nil || string(j2.StepData["a"].Result) != "42" {
		t.Fatalf("stepData did not round-trip: %#v", j2.StepData)
	}
}

func TestIsProcessing(t *testing.T) {
	locked := time.Now()
	worker := "worker-1"
	j := &Job{Status: StatusProcessing, LockedAt: &locked, LockedBy: &worker}
	if !j.IsProcessing() {
		t.Fatal("expected IsProcessing true when status=processing and lease fields set")
	}
	j.LockedBy = nil
	if j.IsProcessing() {
		t.Fatal("expected IsProcessing false when lockedBy is nil")
	}
}

func TestIsWaiting(t *testing.T) {
	until := time.Now().Add(time.Hour)
	token := "wp_abc"

	j := &Job{Status: StatusWaiting, WaitUntil: &until}
	if !j.IsWaiting() {
		t.Fatal("expected IsWaiting true with only waitUntil set")
	}

	j2 := &Job{Status: StatusWaiting, WaitUntil: &until, WaitTokenID: &token}
	if j2.IsWaiting() {
		t.Fatal("expected IsWaiting false when both waitUntil and waitTokenId set")
	}

	j3 := &Job{Status: StatusWaiting}
	if j3.IsWaiting() {
		t.Fatal("expected IsWaiting false when neither wait field set")
	}
}

func TestCanRetry(t *testing.T) {
	j := &Job{Attempts: 2, MaxAttempts: 3}
	if !j.CanRetry() {
		t.Fatal("expected CanRetry true when attempts < maxAttempts")
	}
	j.Attempts = 3
	if j.CanRetry() {
		t.Fatal("expected CanRetry false when attempts == maxAttempts")
	}
}
