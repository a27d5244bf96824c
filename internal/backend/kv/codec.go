// Copyright 2025 James Ross
package kv

import (
	"encoding/json"

	"github.com/flyingrobots/dataqueue/internal/queue"
)

// encodeJob serialises a job plus an extra createdAtUnix field the Lua
// scripts use for zset scoring (spec.md section 6's
// "priority·10^15 + (10^15 − createdAt)" formula), since Lua has no
// RFC3339 parser.
func encodeJob(j *queue.Job) ([]byte, error) {
	type alias queue.Job
	return json.Marshal(struct {
		alias
		CreatedAtUnix int64 `json:"createdAtUnix"`
	}{alias: alias(*j), CreatedAtUnix: j.CreatedAt.Unix()})
}

func decodeJob(data []byte) (*queue.Job, error) {
	j, err := queue.UnmarshalJob(data)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

const priorityScale = 1_000_000_000_000_000

// queueScore implements spec.md section 6's ready-queue ordering: higher
// priority first, then older createdAt first.
func queueScore(priority int, createdAtUnix int64) float64 {
	return float64(priority)*priorityScale + (priorityScale - float64(createdAtUnix))
}
