// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"time"
)

// AddJobOptions is the argument to addJob/addJobs (spec.md section 4.1).
type AddJobOptions struct {
	JobType           string
	Payload           json.RawMessage
	Tags              []string
	IdempotencyKey    *string
	Group             *Group
	Priority          int
	RunAt             *time.Time
	MaxAttempts       int
	TimeoutMs         *int64
	ForceKillOnTimeout bool
	RetryPolicy       RetryPolicy
	DeadLetterJobType string
}

// EditJobOptions lists the fields editJob/editAllPendingJobs may change.
// A nil pointer leaves the field untouched; TimeoutMs and Tags additionally
// distinguish "untouched" from "set to null" via the *Clear flags.
type EditJobOptions struct {
	Payload         json.RawMessage
	Priority        *int
	MaxAttempts     *int
	RunAt           *time.Time
	TimeoutMs       *int64
	ClearTimeoutMs  bool
	Tags            []string
	ClearTags       bool
	RetryPolicy     *RetryPolicy
}

// TagMode selects how GetJobsByTags matches a job's tag set against the
// requested tags (spec.md section 4.1).
type TagMode string

const (
	TagModeAll   TagMode = "all"   // superset
	TagModeAny   TagMode = "any"   // non-empty intersection
	TagModeExact TagMode = "exact" // set equality
	TagModeNone  TagMode = "none"  // empty intersection
)

// RunAtComparator filters getJobs by runAt using a comparison operator
// instead of an exact instant (spec.md section 4.1).
type RunAtComparator struct {
	Op string // "gt", "gte", "lt", "lte", "eq"
	At time.Time
}

// JobFilter narrows getJobs/editAllPendingJobs/getJobsByStatus results.
type JobFilter struct {
	Status  []Status
	JobType []string
	Tags    []string
	TagMode TagMode
	RunAt   *RunAtComparator
	GroupID *string

	Limit  int
	Offset int
	Cursor string
}

// CronScheduleOptions is the argument to addCronSchedule.
type CronScheduleOptions struct {
	ScheduleName      string
	CronExpression    string
	JobType           string
	Payload           json.RawMessage
	Timezone          string // IANA, default UTC
	AllowOverlap      bool
	Tags              []string
	Priority          int
	MaxAttempts       int
	TimeoutMs         *int64
	RetryPolicy       RetryPolicy
	DeadLetterJobType string
}

// CronScheduleEditOptions lists the fields editCronSchedule may change.
type CronScheduleEditOptions struct {
	CronExpression *string
	Payload        json.RawMessage
	Timezone       *string
	AllowOverlap   *bool
	Tags           []string
	Priority       *int
	MaxAttempts    *int
	TimeoutMs      *int64
	RetryPolicy    *RetryPolicy
}

// CronScheduleStatus is the activation state of a cron schedule.
type CronScheduleStatus string

const (
	CronActive CronScheduleStatus = "active"
	CronPaused CronScheduleStatus = "paused"
)

// CronSchedule is the durable record of one recurring job definition
// (spec.md section 3).
type CronSchedule struct {
	ID                int64
	ScheduleName      string
	CronExpression    string
	JobType           string
	Payload           json.RawMessage
	Timezone          string
	AllowOverlap      bool
	Status            CronScheduleStatus
	LastEnqueuedAt    *time.Time
	LastJobID         *int64
	NextRunAt         time.Time
	Tags              []string
	Priority          int
	MaxAttempts       int
	TimeoutMs         *int64
	RetryPolicy       RetryPolicy
	DeadLetterJobType string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TokenStatus is the lifecycle state of a waitpoint token.
type TokenStatus string

const (
	TokenWaiting   TokenStatus = "waiting"
	TokenCompleted TokenStatus = "completed"
	TokenTimedOut  TokenStatus = "timed_out"
)

// TokenOptions is the argument to createToken.
type TokenOptions struct {
	JobID     *int64
	Timeout   *time.Duration
	Tags      []string
}

// Token is a waitpoint: an external-signal rendezvous a job can suspend on.
type Token struct {
	ID          string
	JobID       *int64
	Status      TokenStatus
	Output      json.RawMessage
	TimeoutAt   *time.Time
	CreatedAt   time.Time
	CompletedAt *time.Time
	Tags        []string
}

// EventType enumerates the append-only job event log entries
// (spec.md section 2, "Event stream").
type EventType string

const (
	EventAdded      EventType = "added"
	EventProcessing EventType = "processing"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
	EventRetried    EventType = "retried"
	EventEdited     EventType = "edited"
	EventProlonged  EventType = "prolonged"
	EventWaiting    EventType = "waiting"
)

// JobEvent is one append-only entry in a job's event log.
type JobEvent struct {
	ID        int64
	JobID     int64
	EventType EventType
	CreatedAt time.Time
	Metadata  json.RawMessage
}
