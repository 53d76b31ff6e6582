package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateSubmission indicates a submission key that was already
// committed.
var ErrDuplicateSubmission = errors.New("submission already processed")

// Querier is the subset of pgx used by the idempotency helpers, satisfied by
// both pools and open transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SubmissionKeys records which payment submission keys have been committed,
// together with the receipt they produced. The unique index on the key makes
// a retried submission fail closed instead of double-charging.
type SubmissionKeys struct {
	q Querier
}

// NewSubmissionKeys constructs the store over a pool or transaction.
func NewSubmissionKeys(q Querier) *SubmissionKeys {
	return &SubmissionKeys{q: q}
}

// Claim inserts the submission key with its receipt number. A duplicate key
// returns ErrDuplicateSubmission.
func (s *SubmissionKeys) Claim(ctx context.Context, key, receiptNumber string) error {
	if s == nil || s.q == nil {
		return errors.New("submission key store not initialised")
	}
	if key == "" {
		return errors.New("submission key required")
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO payment_submission_keys (key, receipt_number, created_at) VALUES ($1, $2, $3)`,
		key, receiptNumber, time.Now())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSubmission
		}
		return err
	}
	return nil
}

// ReceiptFor returns the receipt number previously committed under key, or
// ErrNotFound when the key was never claimed.
func (s *SubmissionKeys) ReceiptFor(ctx context.Context, key string) (string, error) {
	if s == nil || s.q == nil {
		return "", errors.New("submission key store not initialised")
	}
	var receipt string
	err := s.q.QueryRow(ctx,
		`SELECT receipt_number FROM payment_submission_keys WHERE key = $1`, key).Scan(&receipt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return receipt, nil
}

// Sweep removes keys older than the retention window.
func (s *SubmissionKeys) Sweep(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.q == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.q.Exec(ctx, `DELETE FROM payment_submission_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
