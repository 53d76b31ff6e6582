package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StudentLockKey builds redis keys guarding payment submission critical
// sections per student.
func StudentLockKey(studentID string) string {
	return fmt.Sprintf("ledger:student:%s:submission", studentID)
}

// SubmissionGuard is the cross-instance reentrancy lock backing payment
// submission. At most one submission per student may hold the guard at a
// time; a second acquisition is refused, never queued.
type SubmissionGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSubmissionGuard constructs the guard. The TTL bounds how long a crashed
// holder can block a student's ledger.
func NewSubmissionGuard(client *redis.Client, ttl time.Duration) *SubmissionGuard {
	return &SubmissionGuard{client: client, ttl: ttl}
}

// Acquire claims the per-student lock. ok is false when another submission
// is already in flight for the student.
func (g *SubmissionGuard) Acquire(ctx context.Context, studentID string) (bool, error) {
	if g == nil || g.client == nil {
		return true, nil
	}
	return g.client.SetNX(ctx, StudentLockKey(studentID), "1", g.ttl).Result()
}

// Release frees the per-student lock.
func (g *SubmissionGuard) Release(ctx context.Context, studentID string) error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Del(ctx, StudentLockKey(studentID)).Err()
}
