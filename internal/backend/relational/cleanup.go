// Copyright 2025 James Ross
package relational

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/dataqueue/internal/queue"
)

// CleanupOldJobs implements backend.Backend.CleanupOldJobs: deletes
// completed jobs older than the cutoff, in batches, along with their
// events (spec.md section 4.1).
func (b *Backend) CleanupOldJobs(ctx context.Context, daysToKeep int, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	cutoff := b.now().Add(-time.Duration(daysToKeep) * 24 * time.Hour)

	total := 0
	for {
		rows, err := b.db.QueryContext(ctx, b.rebind(`SELECT id FROM job_queue WHERE status=? AND updated_at < ? LIMIT ?`),
			string(queue.StatusCompleted), cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("dataqueue: cleanup scan: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return total, err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return total, err
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			if _, err := b.execUpdate(ctx, `DELETE FROM job_events WHERE job_id=?`, id); err != nil {
				return total, err
			}
			n, err := b.execUpdate(ctx, `DELETE FROM job_queue WHERE id=? AND status=?`, id, string(queue.StatusCompleted))
			if err != nil {
				return total, err
			}
			total += int(n)
		}
		if len(ids) < batchSize {
			break
		}
	}
	return total, nil
}

// CleanupOldJobEvents implements backend.Backend.CleanupOldJobEvents: purges
// event rows older than the cutoff, including orphaned events whose job
// no longer exists.
func (b *Backend) CleanupOldJobEvents(ctx context.Context, daysToKeep int, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	cutoff := b.now().Add(-time.Duration(daysToKeep) * 24 * time.Hour)

	total := 0
	for {
		res, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM job_events WHERE id IN (
			SELECT id FROM job_events WHERE created_at < ? LIMIT ?)`), cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("dataqueue: cleanup events: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
		if n == 0 || n < int64(batchSize) {
			break
		}
	}
	return total, nil
}
