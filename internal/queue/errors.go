// Copyright 2025 James Ross
package queue

import "errors"

var (
	// ErrJobNotFound is returned when a job id does not resolve to a record.
	ErrJobNotFound = errors.New("dataqueue: job not found")

	// ErrNotProcessing is returned by completeJob/failJob/waitJob when the
	// target job is not currently in the processing status.
	ErrNotProcessing = errors.New("dataqueue: job is not processing")

	// ErrInvalidCronExpression is returned when a cron expression fails to parse.
	ErrInvalidCronExpression = errors.New("dataqueue: invalid cron expression")

	// ErrDuplicateScheduleName is returned by addCronSchedule for a name collision.
	ErrDuplicateScheduleName = errors.New("dataqueue: cron schedule name already exists")

	// ErrCronScheduleNotFound is returned when a schedule id/name does not resolve.
	ErrCronScheduleNotFound = errors.New("dataqueue: cron schedule not found")

	// ErrTokenNotFound is returned when a waitpoint token id does not resolve.
	ErrTokenNotFound = errors.New("dataqueue: waitpoint token not found")

	// ErrTokenAlreadyBound is returned when a token already references a job.
	ErrTokenAlreadyBound = errors.New("dataqueue: waitpoint token already bound to a job")

	// ErrInvalidGroupConcurrency is returned for a non-positive groupConcurrency.
	ErrInvalidGroupConcurrency = errors.New("dataqueue: groupConcurrency must be > 0")

	// ErrUnknownJobTypeFilter is returned when a processor's jobType filter is empty.
	ErrUnknownJobTypeFilter = errors.New("dataqueue: jobType filter must name at least one type")

	// ErrTransactionsUnsupported is returned by a backend whose storage has no
	// notion of a caller-supplied transaction (spec.md section 5).
	ErrTransactionsUnsupported = errors.New("dataqueue: backend does not support caller-supplied transactions")
)
