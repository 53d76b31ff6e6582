package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/scholaris-erp/scholaris-erp/internal/jobs"
	"github.com/scholaris-erp/scholaris-erp/internal/shared"
)

// KeySweepJob prunes payment submission keys past their retention window.
// Keys only need to outlive any plausible client retry, not the school year.
type KeySweepJob struct {
	Pool      *pgxpool.Pool
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	Retention time.Duration
}

// NewKeySweepJob wires dependencies for the sweep handler.
func NewKeySweepJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics, retention time.Duration) *KeySweepJob {
	return &KeySweepJob{Pool: pool, Logger: logger, Metrics: metrics, Retention: retention}
}

// Handle processes TaskKeySweep tasks.
func (j *KeySweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("key sweep: handler not configured")
	}
	tracker := j.Metrics.Track("key_sweep")

	var payload KeySweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := j.Retention
	if payload.RetentionHours > 0 {
		retention = time.Duration(payload.RetentionHours) * time.Hour
	}

	removed, err := shared.NewSubmissionKeys(j.Pool).Sweep(ctx, retention)
	if err != nil {
		j.Logger.Error("key sweep failed", slog.Any("error", err))
		return tracker.End(err)
	}
	j.Logger.Info("key sweep complete",
		slog.Int64("removed", removed),
		slog.Duration("retention", retention))
	return tracker.End(nil)
}
