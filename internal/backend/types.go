// Copyright 2025 James Ross
package backend

import (
	"context"
	"time"

	"github.com/flyingrobots/dataqueue/internal/queue"
)

// BatchOptions configures a single getNextBatch call (spec.md section 4.2).
type BatchOptions struct {
	WorkerID string
	BatchSize int
	// JobTypeFilter, when non-empty, restricts the claim to these job types.
	JobTypeFilter []string
	// GroupConcurrency, when > 0, caps the number of in-flight jobs sharing
	// a Group.ID that may be claimed process-wide at once.
	GroupConcurrency int
}

// AddJobConfig is built up by AddJobOption and consulted by backends that
// support transactional enqueue (spec.md section 5).
type AddJobConfig struct {
	// Tx is a backend-specific transaction handle (e.g. *sql.Tx for the
	// relational backend). Backends that cannot honor it (the key-value
	// backend) return ErrTransactionsUnsupported when it is non-nil.
	Tx any
}

// AddJobOption customizes a single AddJob/AddJobs call.
type AddJobOption func(*AddJobConfig)

// WithTx attaches a caller-owned transaction handle to an enqueue so a
// rollback on the caller's side undoes the enqueue.
func WithTx(tx any) AddJobOption {
	return func(c *AddJobConfig) { c.Tx = tx }
}

// Stats is a point-in-time snapshot of backend-wide counters, exposed for
// operational visibility (ambient, not part of the job-engine contract
// itself, kept because the teacher's storage.BackendStats plays the same
// role for every QueueBackend implementation).
type Stats struct {
	Pending    int64
	Processing int64
	Waiting    int64
	Completed  int64
	Failed     int64
	Cancelled  int64
	CheckedAt  time.Time
}

// HealthStatus describes backend reachability, mirroring the teacher's
// storage.HealthStatus shape.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Message   string
	CheckedAt time.Time
}

// Backend is the single storage contract every implementation satisfies
// (spec.md section 4.1). All operations are atomic with respect to
// concurrent callers.
type Backend interface {
	// Job operations
	AddJob(ctx context.Context, opts queue.AddJobOptions, options ...AddJobOption) (int64, error)
	AddJobs(ctx context.Context, batch []queue.AddJobOptions, options ...AddJobOption) ([]int64, error)
	GetJob(ctx context.Context, id int64) (*queue.Job, error)
	GetJobs(ctx context.Context, filter queue.JobFilter) ([]*queue.Job, error)
	GetJobsByStatus(ctx context.Context, status queue.Status, limit, offset int) ([]*queue.Job, error)
	GetJobsByTags(ctx context.Context, tags []string, mode queue.TagMode, limit, offset int) ([]*queue.Job, error)
	GetAllJobs(ctx context.Context) ([]*queue.Job, error)

	GetNextBatch(ctx context.Context, opts BatchOptions) ([]*queue.Job, error)

	CompleteJob(ctx context.Context, id int64, output []byte, hasOutput bool) error
	FailJob(ctx context.Context, id int64, message string, reason queue.FailureReason) error
	RetryJob(ctx context.Context, id int64) error
	CancelJob(ctx context.Context, id int64) error
	EditJob(ctx context.Context, id int64, updates queue.EditJobOptions) error
	EditAllPendingJobs(ctx context.Context, filter queue.JobFilter, updates queue.EditJobOptions) (int, error)

	ProlongJob(ctx context.Context, id int64) error
	UpdateProgress(ctx context.Context, id int64, pct int) error
	UpdateOutput(ctx context.Context, id int64, value []byte) error

	ReclaimStuckJobs(ctx context.Context, maxProcessingMinutes int) (int, error)
	CleanupOldJobs(ctx context.Context, daysToKeep int, batchSize int) (int, error)
	CleanupOldJobEvents(ctx context.Context, daysToKeep int, batchSize int) (int, error)

	WaitJob(ctx context.Context, jobID int64, waitUntil *time.Time, tokenID *string, stepData map[string]queue.Step) error
	CreateToken(ctx context.Context, opts queue.TokenOptions) (*queue.Token, error)
	GetToken(ctx context.Context, id string) (*queue.Token, error)
	CompleteToken(ctx context.Context, id string, output []byte) error
	ExpireTimedOutTokens(ctx context.Context) (int, error)

	AddCronSchedule(ctx context.Context, opts queue.CronScheduleOptions) (*queue.CronSchedule, error)
	GetCronSchedule(ctx context.Context, id int64) (*queue.CronSchedule, error)
	GetCronScheduleByName(ctx context.Context, name string) (*queue.CronSchedule, error)
	ListCronSchedules(ctx context.Context, status *queue.CronScheduleStatus) ([]*queue.CronSchedule, error)
	PauseCronSchedule(ctx context.Context, id int64) error
	ResumeCronSchedule(ctx context.Context, id int64) error
	EditCronSchedule(ctx context.Context, id int64, updates queue.CronScheduleEditOptions) error
	RemoveCronSchedule(ctx context.Context, id int64) error
	GetDueCronSchedules(ctx context.Context) ([]*queue.CronSchedule, error)
	UpdateCronScheduleAfterEnqueue(ctx context.Context, id int64, lastEnqueuedAt time.Time, lastJobID int64, nextRunAt time.Time) error

	RecordJobEvent(ctx context.Context, jobID int64, eventType queue.EventType, metadata []byte) error
	GetJobEvents(ctx context.Context, jobID int64) ([]queue.JobEvent, error)

	Health(ctx context.Context) HealthStatus
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
