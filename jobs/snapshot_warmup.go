package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/scholaris-erp/scholaris-erp/internal/jobs"
	"github.com/scholaris-erp/scholaris-erp/internal/ledger"
)

const defaultWarmupLimit = 200

// SnapshotWarmupJob rebuilds ledger snapshot caches ahead of demand, so the
// first fee-desk lookup of the day does not pay the load cost.
type SnapshotWarmupJob struct {
	Service *ledger.Service
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSnapshotWarmupJob wires dependencies for the warmup handler.
func NewSnapshotWarmupJob(service *ledger.Service, pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *SnapshotWarmupJob {
	return &SnapshotWarmupJob{Service: service, Pool: pool, Logger: logger, Metrics: metrics}
}

// Handle processes TaskSnapshotWarmup tasks.
func (j *SnapshotWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("snapshot warmup: handler not configured")
	}
	tracker := j.Metrics.Track("snapshot_warmup")

	var payload SnapshotWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	students := payload.StudentIDs
	if len(students) == 0 {
		var err error
		students, err = j.recentStudents(ctx, payload.Limit)
		if err != nil {
			j.Logger.Error("snapshot warmup: list students", slog.Any("error", err))
			return tracker.End(err)
		}
	}

	warmed := 0
	for _, studentID := range students {
		if ctx.Err() != nil {
			return tracker.End(ctx.Err())
		}
		if _, err := j.Service.Snapshot(ctx, studentID); err != nil {
			j.Logger.Warn("snapshot warmup: skip student",
				slog.String("student_id", studentID), slog.Any("error", err))
			continue
		}
		warmed++
	}
	j.Logger.Info("snapshot warmup complete", slog.Int("warmed", warmed))
	return tracker.End(nil)
}

func (j *SnapshotWarmupJob) recentStudents(ctx context.Context, limit int) ([]string, error) {
	if j.Pool == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultWarmupLimit
	}
	rows, err := j.Pool.Query(ctx, `
		SELECT DISTINCT student_id
		FROM payments
		WHERE created_at > NOW() - INTERVAL '7 days'
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
