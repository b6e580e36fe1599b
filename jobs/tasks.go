// Package jobs defines background task types and the worker that processes
// them.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPermissionsRecompute pre-warms a user's permission snapshot after
	// invalidation.
	TaskPermissionsRecompute = "permissions:recompute"
	// TaskPermissionsSweep recomputes every user whose snapshot went stale,
	// the nightly safety net behind synchronous invalidation.
	TaskPermissionsSweep = "permissions:sweep"
)

// RecomputePayload identifies the cache key to recompute. An empty
// ApplicationID targets the platform-wide set.
type RecomputePayload struct {
	UserID        string `json:"user_id"`
	ApplicationID string `json:"application_id,omitempty"`
}

// SweepPayload bounds the sweep.
type SweepPayload struct {
	MaxAge time.Duration `json:"max_age"`
}

// NewRecomputeTask constructs an Asynq task for one cache key.
func NewRecomputeTask(payload RecomputePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermissionsRecompute, data), nil
}

// NewSweepTask constructs the nightly sweep task.
func NewSweepTask(maxAge time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(SweepPayload{MaxAge: maxAge})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermissionsSweep, data), nil
}
