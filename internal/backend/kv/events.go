// Copyright 2025 James Ross
package kv

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flyingrobots/dataqueue/internal/queue"
)

// RecordJobEvent implements backend.Backend.RecordJobEvent: unlike
// appendEvent (mutations.go), used internally by every status
// transition and allowed to fail silently, this path propagates errors
// to the caller per spec.md section 4.1.
func (b *Backend) RecordJobEvent(ctx context.Context, jobID int64, eventType queue.EventType, metadata []byte) error {
	eventID, err := b.rdb.Incr(ctx, b.k("event_id_seq")).Result()
	if err != nil {
		return fmt.Errorf("dataqueue: reserve event id: %w", err)
	}
	ev := queue.JobEvent{ID: eventID, JobID: jobID, EventType: eventType, CreatedAt: b.now(), Metadata: json.RawMessage(metadata)}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.RPush(ctx, b.k("events", fmt.Sprint(jobID)), payload).Err()
}

func (b *Backend) GetJobEvents(ctx context.Context, jobID int64) ([]queue.JobEvent, error) {
	raws, err := b.rdb.LRange(ctx, b.k("events", fmt.Sprint(jobID)), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dataqueue: get job events: %w", err)
	}
	out := make([]queue.JobEvent, 0, len(raws))
	for _, raw := range raws {
		var ev queue.JobEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
