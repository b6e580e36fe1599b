package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/bullseye-dist/bullseye/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// PermissionRecomputer is the cache surface the jobs need.
type PermissionRecomputer interface {
	Recompute(ctx context.Context, userID, applicationID string) ([]string, error)
}

// StaleLister reports users whose snapshots need recomputation.
type StaleLister interface {
	StaleUsers(ctx context.Context, cutoff time.Time) ([]string, error)
}

// RecomputeJob processes permission recompute tasks.
type RecomputeJob struct {
	cache   PermissionRecomputer
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewRecomputeJob wires the job dependencies. Metrics may be nil.
func NewRecomputeJob(cache PermissionRecomputer, logger *slog.Logger, metrics *jobmetrics.Metrics) *RecomputeJob {
	return &RecomputeJob{cache: cache, logger: logger, metrics: metrics}
}

func (j *RecomputeJob) jobMetrics() *jobmetrics.Metrics {
	if j.metrics != nil {
		return j.metrics
	}
	return defaultJobMetrics
}

// Handle processes one TaskPermissionsRecompute task.
func (j *RecomputeJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.jobMetrics().Track("permissions_recompute")
	var payload RecomputePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(asynq.SkipRetry)
	}
	if payload.UserID == "" {
		return tracker.End(asynq.SkipRetry)
	}
	caps, err := j.cache.Recompute(ctx, payload.UserID, payload.ApplicationID)
	if err != nil {
		return tracker.End(err)
	}
	j.logger.Info("permissions recomputed",
		slog.String("user_id", payload.UserID),
		slog.String("application_id", payload.ApplicationID),
		slog.Int("allowed", len(caps)))
	return tracker.End(nil)
}

// SweepJob recomputes stale users in bulk.
type SweepJob struct {
	cache   PermissionRecomputer
	stale   StaleLister
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewSweepJob wires the sweep dependencies. Metrics may be nil.
func NewSweepJob(cache PermissionRecomputer, stale StaleLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *SweepJob {
	return &SweepJob{cache: cache, stale: stale, logger: logger, metrics: metrics}
}

func (j *SweepJob) jobMetrics() *jobmetrics.Metrics {
	if j.metrics != nil {
		return j.metrics
	}
	return defaultJobMetrics
}

// Handle processes one TaskPermissionsSweep task.
func (j *SweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.jobMetrics().Track("permissions_sweep")
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(asynq.SkipRetry)
	}
	maxAge := payload.MaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	users, err := j.stale.StaleUsers(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return tracker.End(err)
	}
	var failed int
	for _, userID := range users {
		if _, err := j.cache.Recompute(ctx, userID, ""); err != nil {
			failed++
			j.logger.Warn("sweep recompute", slog.String("user_id", userID), slog.Any("error", err))
		}
	}
	j.jobMetrics().AddSwept(len(users) - failed)
	j.logger.Info("permission sweep finished",
		slog.Int("users", len(users)),
		slog.Int("failed", failed))
	return tracker.End(nil)
}
