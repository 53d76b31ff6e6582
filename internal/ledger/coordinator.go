package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scholaris-erp/scholaris-erp/internal/shared"
)

// SubmissionState tracks where a student's in-flight submission sits in its
// lifecycle.
type SubmissionState string

const (
	StateIdle       SubmissionState = "IDLE"
	StateValidating SubmissionState = "VALIDATING"
	StateSubmitting SubmissionState = "SUBMITTING"
	StateApplying   SubmissionState = "APPLYING"
)

// ErrSubmissionInProgress is the benign guard rejection returned when a
// second submission arrives for a student whose first is still in flight. It
// is refused immediately, never queued, and must not clear the caller's
// pending edits.
var ErrSubmissionInProgress = errors.New("ledger: a submission for this student is already in progress")

// PersistenceErrorKind classifies persistence boundary failures.
type PersistenceErrorKind string

const (
	PersistNetworkFailure PersistenceErrorKind = "NETWORK_FAILURE"
	PersistServerRejected PersistenceErrorKind = "SERVER_REJECTED"
	PersistTimeout        PersistenceErrorKind = "TIMEOUT"
)

// PersistenceError is a failure of the one call that crosses the process
// boundary. The ledger is guaranteed unchanged when it is returned.
type PersistenceError struct {
	Kind      PersistenceErrorKind
	Message   string
	Retryable bool
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger: persistence %s: %s", e.Kind, e.Message)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PaymentReceipt is the persistence layer's acknowledgement of a committed
// payment. Deltas are authoritative and may differ from the request when the
// server recomputed.
type PaymentReceipt struct {
	ReceiptNumber string      `json:"receipt_number"`
	Deltas        []ItemDelta `json:"per_item_deltas"`
}

// PersistencePort is the boundary to the payment persistence service.
type PersistencePort interface {
	SubmitPayment(ctx context.Context, sub PaymentSubmission) (*PaymentReceipt, error)
}

// SubmissionResult is handed back to the caller after a fully applied
// payment.
type SubmissionResult struct {
	ReceiptNumber string       `json:"receipt_number"`
	Deltas        []ItemDelta  `json:"per_item_deltas"`
	UpdatedTotals LedgerTotals `json:"updated_totals"`
}

// Coordinator drives a payment submission through
// validate -> submit -> apply. It owns the only mutation point of the ledger
// model: settled amounts change exclusively in the applying step, exclusively
// from acknowledged deltas, so a failed attempt is all-or-nothing.
type Coordinator struct {
	port      PersistencePort
	validator *PaymentValidator
	guard     *shared.SubmissionGuard // optional cross-instance lock
	logger    *slog.Logger
	timeout   time.Duration

	mu       sync.Mutex
	inflight map[string]SubmissionState
}

// CoordinatorConfig collects optional coordinator settings.
type CoordinatorConfig struct {
	// SubmitTimeout bounds the persistence call. Zero defers entirely to the
	// caller's context.
	SubmitTimeout time.Duration
	// Guard extends the per-student reentrancy lock across instances.
	Guard *shared.SubmissionGuard
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(port PersistencePort, validator *PaymentValidator, logger *slog.Logger, cfg CoordinatorConfig) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		port:      port,
		validator: validator,
		guard:     cfg.Guard,
		logger:    logger,
		timeout:   cfg.SubmitTimeout,
		inflight:  make(map[string]SubmissionState),
	}
}

// State reports the lifecycle state for a student. Idle unless a submission
// is in flight.
func (c *Coordinator) State(studentID string) SubmissionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.inflight[studentID]; ok {
		return st
	}
	return StateIdle
}

// Submit runs the full pipeline for one confirmed payment.
//
// Validation failures return a *RejectedError and never reach persistence.
// Persistence failures return a *PersistenceError with retry metadata. In
// both cases the ledger is exactly as it was before the attempt. A second
// call for the same student while one is in flight fails fast with
// ErrSubmissionInProgress.
func (c *Coordinator) Submit(ctx context.Context, led *Ledger, sub PaymentSubmission) (*SubmissionResult, error) {
	if led == nil {
		return nil, errors.New("ledger: ledger required")
	}
	if sub.StudentID == "" {
		sub.StudentID = led.StudentID
	}
	if sub.StudentID != led.StudentID {
		return nil, fmt.Errorf("ledger: submission student %q does not match ledger %q", sub.StudentID, led.StudentID)
	}

	totals, _ := ComputeTotals(led.Items)
	if verrs := c.validator.Validate(sub, led.Items, totals); len(verrs) > 0 {
		c.logger.Info("payment submission rejected",
			slog.String("student_id", sub.StudentID),
			slog.Int("errors", len(verrs)))
		return nil, &RejectedError{Errors: verrs}
	}

	if !c.enter(sub.StudentID) {
		return nil, ErrSubmissionInProgress
	}
	defer c.leave(sub.StudentID)

	if c.guard != nil {
		ok, err := c.guard.Acquire(ctx, sub.StudentID)
		if err != nil {
			return nil, &PersistenceError{
				Kind:      PersistNetworkFailure,
				Message:   "submission guard unavailable",
				Retryable: true,
				Err:       err,
			}
		}
		if !ok {
			return nil, ErrSubmissionInProgress
		}
		defer func() {
			if err := c.guard.Release(context.WithoutCancel(ctx), sub.StudentID); err != nil {
				c.logger.Warn("release submission guard",
					slog.String("student_id", sub.StudentID), slog.Any("error", err))
			}
		}()
	}

	c.setState(sub.StudentID, StateSubmitting)
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	receipt, err := c.port.SubmitPayment(callCtx, sub)
	if err != nil {
		perr := asPersistenceError(err)
		c.logger.Error("payment persistence failed",
			slog.String("student_id", sub.StudentID),
			slog.String("kind", string(perr.Kind)),
			slog.Bool("retryable", perr.Retryable),
			slog.Any("error", err))
		return nil, perr
	}

	c.setState(sub.StudentID, StateApplying)
	if err := led.ApplyDeltas(receipt.Deltas); err != nil {
		// The payment is committed server-side but the local model cannot
		// absorb the deltas; surface as non-retryable so the caller reloads.
		return nil, &PersistenceError{
			Kind:      PersistServerRejected,
			Message:   "acknowledged deltas could not be applied",
			Retryable: false,
			Err:       err,
		}
	}

	updated, _ := ComputeTotals(led.Items)
	c.logger.Info("payment applied",
		slog.String("student_id", sub.StudentID),
		slog.String("receipt", receipt.ReceiptNumber),
		slog.String("amount", sub.DeclaredTotal.StringFixed(2)))

	return &SubmissionResult{
		ReceiptNumber: receipt.ReceiptNumber,
		Deltas:        receipt.Deltas,
		UpdatedTotals: updated,
	}, nil
}

func (c *Coordinator) enter(studentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[studentID]; busy {
		return false
	}
	c.inflight[studentID] = StateValidating
	return true
}

func (c *Coordinator) setState(studentID string, st SubmissionState) {
	c.mu.Lock()
	c.inflight[studentID] = st
	c.mu.Unlock()
}

func (c *Coordinator) leave(studentID string) {
	c.mu.Lock()
	delete(c.inflight, studentID)
	c.mu.Unlock()
}

// asPersistenceError normalises boundary failures: typed errors pass
// through, deadline expiry becomes a retryable timeout, everything else a
// retryable network failure.
func asPersistenceError(err error) *PersistenceError {
	var perr *PersistenceError
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &PersistenceError{
			Kind:      PersistTimeout,
			Message:   "persistence call did not resolve within the deadline",
			Retryable: true,
			Err:       err,
		}
	}
	return &PersistenceError{
		Kind:      PersistNetworkFailure,
		Message:   "persistence call failed",
		Retryable: true,
		Err:       err,
	}
}
