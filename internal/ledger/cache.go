package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotCache keeps recently served ledger snapshots in Redis for a short
// TTL. Preview calculations are never cached; only the persisted state view
// is, and it is dropped the moment a submission commits.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache instantiates the cache helper.
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, ttl: ttl}
}

func snapshotKey(studentID string) string {
	return fmt.Sprintf("ledger:snapshot:%s", studentID)
}

// Get returns the cached snapshot when present and decodable. Cache errors
// degrade to a miss.
func (c *SnapshotCache) Get(ctx context.Context, studentID string) (*Snapshot, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, snapshotKey(studentID)).Bytes()
	if err != nil {
		return nil, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false
	}
	return &snap, true
}

// Set stores a snapshot. Failures are ignored; the cache is best effort.
func (c *SnapshotCache) Set(ctx context.Context, snap *Snapshot) {
	if c == nil || c.client == nil || snap == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, snapshotKey(snap.StudentID), raw, c.ttl).Err()
}

// Invalidate removes a student's cached snapshot.
func (c *SnapshotCache) Invalidate(ctx context.Context, studentID string) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Del(ctx, snapshotKey(studentID)).Err()
}
