// Copyright 2025 James Ross
package relational

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flyingrobots/dataqueue/internal/queue"
	"go.uber.org/zap"
)

// recordEvent appends one entry to the job_events log. Failures are
// logged, not propagated: the event stream is observability, never load
// bearing for the state machine itself (spec.md section 2).
func (b *Backend) recordEvent(ctx context.Context, ex execer, jobID int64, eventType queue.EventType, metadata []byte) {
	_, err := ex.ExecContext(ctx, b.rebind(`INSERT INTO job_events (job_id, event_type, created_at, metadata) VALUES (?,?,?,?)`),
		jobID, string(eventType), b.now(), nullStringOrEmpty(jsonOrEmpty(metadata)))
	if err != nil {
		b.log.Warn("record job event failed", zap.Error(err))
	}
}

// RecordJobEvent implements backend.Backend.RecordJobEvent.
func (b *Backend) RecordJobEvent(ctx context.Context, jobID int64, eventType queue.EventType, metadata []byte) error {
	_, err := b.db.ExecContext(ctx, b.rebind(`INSERT INTO job_events (job_id, event_type, created_at, metadata) VALUES (?,?,?,?)`),
		jobID, string(eventType), b.now(), nullStringOrEmpty(jsonOrEmpty(metadata)))
	if err != nil {
		return fmt.Errorf("dataqueue: record job event: %w", err)
	}
	return nil
}

// GetJobEvents implements backend.Backend.GetJobEvents.
func (b *Backend) GetJobEvents(ctx context.Context, jobID int64) ([]queue.JobEvent, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(`SELECT id, job_id, event_type, created_at, metadata
		FROM job_events WHERE job_id = ? ORDER BY id ASC`), jobID)
	if err != nil {
		return nil, fmt.Errorf("dataqueue: get job events: %w", err)
	}
	defer rows.Close()

	var out []queue.JobEvent
	for rows.Next() {
		var e queue.JobEvent
		var eventType string
		var metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &eventType, &e.CreatedAt, &metadata); err != nil {
			return nil, err
		}
		e.EventType = queue.EventType(eventType)
		if metadata.Valid {
			e.Metadata = []byte(metadata.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
