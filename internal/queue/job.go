// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"time"
)

// Status is the job lifecycle state, per spec.md section 3.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusWaiting    Status = "waiting"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// FailureReason classifies why a job failed.
type FailureReason string

const (
	FailureTimeout      FailureReason = "timeout"
	FailureHandlerError FailureReason = "handler_error"
	FailureNoHandler    FailureReason = "no_handler"
)

// RetryPolicy controls the delay before a failed job is retried.
// The zero value selects the legacy exponential formula (spec.md 4.3).
type RetryPolicy struct {
	RetryDelay    *int  `json:"retryDelay,omitempty"` // seconds
	RetryBackoff  *bool `json:"retryBackoff,omitempty"`
	RetryDelayMax *int  `json:"retryDelayMax,omitempty"` // seconds
}

// IsZero reports whether none of the three retry fields were set, which
// selects the legacy delay formula per spec.md section 4.3.
func (p RetryPolicy) IsZero() bool {
	return p.RetryDelay == nil && p.RetryBackoff == nil && p.RetryDelayMax == nil
}

// Group bears a per-group concurrency cap (spec.md sections 3, 4.2).
type Group struct {
	ID   string `json:"id"`
	Tier string `json:"tier,omitempty"`
}

// ErrorEntry is one entry in a job's error history.
type ErrorEntry struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// DeadLetter links a source job to the envelope job created when it
// exhausts retries.
type DeadLetter struct {
	JobType      string     `json:"deadLetterJobType,omitempty"`
	JobID        *int64     `json:"deadLetterJobId,omitempty"`
	DeadLetteredAt *time.Time `json:"deadLetteredAt,omitempty"`
}

// Step is one memoised step result, persisted as JSON. See spec.md
// section 9: "stepData[step] = {completed:true, result:value}".
type Step struct {
	Completed bool            `json:"completed"`
	Result    json.RawMessage `json:"result"`
}

// Job is the durable record of one unit of work. Field names mirror
// spec.md section 3 so the relational column mapping and the
// key-value hash field mapping are a direct transliteration.
type Job struct {
	ID             int64           `json:"id"`
	JobType        string          `json:"jobType"`
	Payload        json.RawMessage `json:"payload"`
	Tags           []string        `json:"tags,omitempty"`
	IdempotencyKey *string         `json:"idempotencyKey,omitempty"`
	Group          *Group          `json:"group,omitempty"`

	Priority  int       `json:"priority"`
	RunAt     time.Time `json:"runAt"`
	CreatedAt time.Time `json:"createdAt"`

	MaxAttempts        int         `json:"maxAttempts"`
	Attempts           int         `json:"attempts"`
	TimeoutMs          *int64      `json:"timeoutMs,omitempty"`
	ForceKillOnTimeout bool        `json:"forceKillOnTimeout"`
	RetryPolicy        RetryPolicy `json:"retryPolicy"`

	LockedAt *time.Time `json:"lockedAt,omitempty"`
	LockedBy *string    `json:"lockedBy,omitempty"`

	Status        Status          `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	ErrorHistory  []ErrorEntry    `json:"errorHistory,omitempty"`
	FailureReason *FailureReason  `json:"failureReason,omitempty"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
	DeadLetter    DeadLetter      `json:"deadLetter"`

	WaitUntil   *time.Time      `json:"waitUntil,omitempty"`
	WaitTokenID *string         `json:"waitTokenId,omitempty"`
	StepData    map[string]Step `json:"stepData,omitempty"`

	UpdatedAt       time.Time  `json:"updatedAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	LastRetriedAt   *time.Time `json:"lastRetriedAt,omitempty"`
	LastFailedAt    *time.Time `json:"lastFailedAt,omitempty"`
	LastCancelledAt *time.Time `json:"lastCancelledAt,omitempty"`

	Progress *int `json:"progress,omitempty"`
}

// IsProcessing reports the (lockedAt, lockedBy) <=> processing invariant.
func (j *Job) IsProcessing() bool {
	return j.Status == StatusProcessing && j.LockedAt != nil && j.LockedBy != nil
}

// IsWaiting reports the waitUntil/waitTokenId xor invariant.
func (j *Job) IsWaiting() bool {
	if j.Status != StatusWaiting {
		return false
	}
	return (j.WaitUntil != nil) != (j.WaitTokenID != nil)
}

// CanRetry reports whether the job still has attempts budget left.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// Marshal serialises the job as JSON, used by the key-value backend to
// store the job hash's structured fields (tags, stepData, errorHistory).
func (j Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalJob parses a JSON-encoded job.
func UnmarshalJob(b []byte) (Job, error) {
	var j Job
	err := json.Unmarshal(b, &j)
	return j, err
}
