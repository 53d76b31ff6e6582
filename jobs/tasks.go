package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskKeySweep removes expired payment submission keys.
	TaskKeySweep = "ledger:key_sweep"
	// TaskSnapshotWarmup pre-populates ledger snapshot caches.
	TaskSnapshotWarmup = "ledger:snapshot_warmup"
)

// KeySweepPayload configures one submission-key sweep run.
type KeySweepPayload struct {
	// RetentionHours overrides the configured retention when positive.
	RetentionHours int `json:"retention_hours,omitempty"`
}

// NewKeySweepTask constructs an Asynq task for the sweep.
func NewKeySweepTask(payload KeySweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskKeySweep, data), nil
}

// SnapshotWarmupPayload names the students whose ledger snapshots should be
// rebuilt ahead of demand.
type SnapshotWarmupPayload struct {
	StudentIDs []string `json:"student_ids,omitempty"`
	// Limit caps how many recently active students are warmed when no
	// explicit ids are given.
	Limit int `json:"limit,omitempty"`
}

// NewSnapshotWarmupTask constructs an Asynq task for the warmup.
func NewSnapshotWarmupTask(payload SnapshotWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSnapshotWarmup, data), nil
}
