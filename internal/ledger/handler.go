package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/scholaris-erp/scholaris-erp/internal/observability"
	"github.com/scholaris-erp/scholaris-erp/internal/platform/httpx"
)

// Handler exposes the fee ledger over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	metrics  *observability.Metrics
	validate *validator.Validate
}

// NewHandler builds a Handler instance. metrics may be nil.
func NewHandler(logger *slog.Logger, service *Service, metrics *observability.Metrics) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		metrics:  metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/students/{studentID}/ledger", h.getLedger)
	r.Post("/students/{studentID}/ledger/preview", h.previewTotals)
	r.Post("/students/{studentID}/payments", h.submitPayment)
}

type editPayload struct {
	ItemID          string           `json:"item_id" validate:"required"`
	Selected        bool             `json:"selected"`
	CurrentDiscount decimal.Decimal  `json:"current_discount"`
	PayableOverride *decimal.Decimal `json:"payable_override"`
}

type previewRequest struct {
	Items []editPayload `json:"items" validate:"required,dive"`
}

type linePayload struct {
	FeeLineItemID   string          `json:"fee_line_item_id" validate:"required"`
	DiscountApplied decimal.Decimal `json:"discount_applied"`
	AmountApplied   decimal.Decimal `json:"amount_applied"`
}

type submitRequest struct {
	PaymentMode      string          `json:"payment_mode" validate:"required"`
	PaymentReference string          `json:"payment_reference"`
	PaymentSource    string          `json:"payment_source"`
	DepositDate      string          `json:"deposit_date"`
	Lines            []linePayload   `json:"items" validate:"required,min=1,dive"`
	DeclaredTotal    decimal.Decimal `json:"declared_total_paid"`
	IdempotencyKey   string          `json:"idempotency_key"`
}

type previewResponse struct {
	Totals    LedgerTotals    `json:"totals"`
	Breakdown []ItemBreakdown `json:"breakdown"`
}

// getLedger returns the student's persisted ledger snapshot with totals.
func (h *Handler) getLedger(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")
	snap, err := h.service.Snapshot(r.Context(), studentID)
	if errors.Is(err, ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Student Not Found", "")
		return
	}
	if err != nil {
		h.logger.Error("load ledger snapshot", slog.String("student_id", studentID), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Ledger Unavailable", "")
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

// previewTotals recomputes totals for the caller's in-progress edits. The
// computation is synchronous; the response always reflects exactly the
// edits in the request body.
func (h *Handler) previewTotals(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")

	var req previewRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}

	edits := make([]ItemEdit, 0, len(req.Items))
	for _, it := range req.Items {
		edits = append(edits, ItemEdit{
			ItemID:          it.ItemID,
			Selected:        it.Selected,
			CurrentDiscount: it.CurrentDiscount,
			PayableOverride: it.PayableOverride,
		})
	}

	totals, breakdown, err := h.service.Preview(r.Context(), studentID, edits)
	if err != nil {
		h.logger.Error("preview totals", slog.String("student_id", studentID), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Preview Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, previewResponse{Totals: totals, Breakdown: breakdown})
}

// submitPayment validates and commits a confirmed payment.
func (h *Handler) submitPayment(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")

	var req submitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}

	var depositDate time.Time
	if req.DepositDate != "" {
		var err error
		depositDate, err = time.Parse("2006-01-02", req.DepositDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "deposit_date must be YYYY-MM-DD")
			return
		}
	}

	lines := make([]SubmissionLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, SubmissionLine{
			FeeLineItemID:   l.FeeLineItemID,
			DiscountApplied: l.DiscountApplied,
			AmountApplied:   l.AmountApplied,
		})
	}

	sub := PaymentSubmission{
		StudentID:      studentID,
		Mode:           PaymentMode(req.PaymentMode),
		Reference:      req.PaymentReference,
		Source:         req.PaymentSource,
		DepositDate:    depositDate,
		Lines:          lines,
		DeclaredTotal:  req.DeclaredTotal,
		IdempotencyKey: req.IdempotencyKey,
	}

	result, err := h.service.Submit(r.Context(), studentID, sub)
	if err != nil {
		h.respondSubmitError(w, studentID, err)
		return
	}

	h.metrics.RecordSubmission("applied")
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) respondSubmitError(w http.ResponseWriter, studentID string, err error) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		h.metrics.RecordSubmission("rejected")
		httpx.ProblemWithErrors(w, http.StatusUnprocessableEntity, "Submission Rejected", rejected.Errors)
		return
	}
	if errors.Is(err, ErrSubmissionInProgress) {
		h.metrics.RecordSubmission("busy")
		httpx.Problem(w, http.StatusConflict, "Submission In Progress", err.Error())
		return
	}
	if errors.Is(err, ErrBadSubmissionLine) {
		h.metrics.RecordSubmission("rejected")
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	if errors.Is(err, ErrNotFound) {
		h.metrics.RecordSubmission("rejected")
		httpx.Problem(w, http.StatusNotFound, "Student Not Found", "")
		return
	}
	var perr *PersistenceError
	if errors.As(err, &perr) {
		h.metrics.RecordSubmission("failed")
		h.logger.Error("payment persistence error",
			slog.String("student_id", studentID),
			slog.String("kind", string(perr.Kind)),
			slog.Bool("retryable", perr.Retryable))
		status := http.StatusBadGateway
		if perr.Kind == PersistTimeout {
			status = http.StatusGatewayTimeout
		}
		if perr.Kind == PersistServerRejected {
			status = http.StatusUnprocessableEntity
		}
		httpx.JSON(w, status, map[string]any{
			"error_kind": perr.Kind,
			"message":    perr.Message,
			"retryable":  perr.Retryable,
		})
		return
	}
	h.metrics.RecordSubmission("failed")
	h.logger.Error("submit payment", slog.String("student_id", studentID), slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
