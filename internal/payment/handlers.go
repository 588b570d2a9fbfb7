package payment

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-terminal/internal/common"
	"github.com/noah-isme/pos-terminal/internal/events"
	"github.com/noah-isme/pos-terminal/internal/finalize"
	"github.com/noah-isme/pos-terminal/internal/pricing"
	"github.com/noah-isme/pos-terminal/internal/split"
)

// EventReader lists recent journal entries.
type EventReader interface {
	Recent(ctx context.Context, n int64) ([]events.Event, error)
}

// Handler exposes the controller to the operator UI.
type Handler struct {
	Ctrl     *Controller
	Validate *validator.Validate
	Events   EventReader
	Logger   zerolog.Logger
	// Idempotent wraps tender endpoints when set.
	Idempotent func(http.Handler) http.Handler
}

// Routes mounts the session API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/session", func(r chi.Router) {
		r.Post("/", h.Start)
		r.Get("/", h.Get)
		r.Delete("/", h.Abandon)
		r.Post("/navigate", h.Navigate)
		r.Post("/back", h.Back)
		r.Post("/split", h.SelectSplit)
		r.Group(func(r chi.Router) {
			if h.Idempotent != nil {
				r.Use(h.Idempotent)
			}
			r.Post("/cash", h.PayCash)
			r.Post("/card/capture", h.CaptureCard)
		})
		r.Post("/card/cancel", h.CancelCapture)
		r.Post("/finalize", h.Finalize)
		r.Get("/events", h.RecentEvents)
	})
}

type startReq struct {
	OrderID        string          `json:"orderId" validate:"required,max=64"`
	Subtotal       decimal.Decimal `json:"subtotal" validate:"dgt=0"`
	DiscountID     string          `json:"discountId" validate:"omitempty,max=64"`
	DiscountAmount decimal.Decimal `json:"discountAmount" validate:"dgte=0"`
}

type navigateReq struct {
	View string `json:"view" validate:"required,oneof=InitialOptions Cash Credit Split Completion"`
}

type splitReq struct {
	Mode         string          `json:"mode" validate:"required,oneof=remaining equal custom"`
	Parts        int             `json:"parts" validate:"gte=0,lte=50"`
	CustomAmount decimal.Decimal `json:"customAmount" validate:"dgte=0"`
}

type cashReq struct {
	Tendered decimal.Decimal `json:"tendered" validate:"dgt=0"`
}

// Start opens a payment session for an order.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req startReq
	if err := common.DecodeJSON(r, h.Validate, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	snap, err := h.Ctrl.Start(r.Context(), StartInput{
		OrderID:  req.OrderID,
		Subtotal: req.Subtotal,
		Discount: finalize.Discount{ID: req.DiscountID, Amount: req.DiscountAmount},
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	common.JSON(w, http.StatusCreated, snap)
}

// Get returns the current session.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Ctrl.Snapshot()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, snap)
}

// Abandon drops the current session.
func (h *Handler) Abandon(w http.ResponseWriter, r *http.Request) {
	if err := h.Ctrl.Abandon(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Navigate moves forward to the requested view.
func (h *Handler) Navigate(w http.ResponseWriter, r *http.Request) {
	var req navigateReq
	if err := common.DecodeJSON(r, h.Validate, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r)(h.Ctrl.Navigate(r.Context(), View(req.View)))
}

// Back moves to the previous logical view.
func (h *Handler) Back(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.Ctrl.Back(r.Context()))
}

// SelectSplit sets the split mode for the next step.
func (h *Handler) SelectSplit(w http.ResponseWriter, r *http.Request) {
	var req splitReq
	if err := common.DecodeJSON(r, h.Validate, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r)(h.Ctrl.SelectSplit(r.Context(), split.Selection{
		Mode:         split.Mode(req.Mode),
		Parts:        req.Parts,
		CustomAmount: req.CustomAmount,
	}))
}

// PayCash records a cash tender.
func (h *Handler) PayCash(w http.ResponseWriter, r *http.Request) {
	var req cashReq
	if err := common.DecodeJSON(r, h.Validate, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.Ctrl.PayCash(r.Context(), CashTender{Tendered: req.Tendered})
	h.outcome(w, r, out, err)
}

// CaptureCard blocks until the customer display reports the card result.
// Dropping the request cancels the capture.
func (h *Handler) CaptureCard(w http.ResponseWriter, r *http.Request) {
	out, err := h.Ctrl.CaptureCard(r.Context())
	h.outcome(w, r, out, err)
}

// CancelCapture aborts a pending card capture.
func (h *Handler) CancelCapture(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.Ctrl.CancelCapture(r.Context()))
}

// Finalize retries completion of a settled order.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	out, err := h.Ctrl.Finalize(r.Context())
	h.outcome(w, r, out, err)
}

// RecentEvents lists the newest journal entries.
func (h *Handler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "event journal not configured", nil)
		return
	}
	limit := int64(common.AtoiDefault(r.URL.Query().Get("limit"), 50))
	if limit <= 0 || limit > 500 {
		h.fail(w, r, common.ValidationError("limit must be between 1 and 500", nil))
		return
	}
	list, err := h.Events.Recent(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": list, "count": len(list)})
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request) func(Snapshot, error) {
	return func(snap Snapshot, err error) {
		if err != nil {
			h.fail(w, r, err)
			return
		}
		common.JSON(w, http.StatusOK, snap)
	}
}

// outcome reports a capture. When a tender was captured but a later step
// failed, the error carries the captured transaction so the UI can show it.
func (h *Handler) outcome(w http.ResponseWriter, r *http.Request, out Outcome, err error) {
	if err == nil {
		common.JSON(w, http.StatusOK, out)
		return
	}
	appErr := toAppError(err)
	if out.Transaction.ID != "" || out.Settled {
		details := map[string]any{"session": out.Snapshot}
		if out.Transaction.ID != "" {
			details["transaction"] = out.Transaction
			details["change"] = out.Change
		}
		appErr.Details = details
	}
	h.fail(w, r, appErr)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	appErr := toAppError(err)
	ev := h.Logger.Debug()
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		ev = h.Logger.Error()
	}
	ev.Err(err).Str("code", appErr.Code).Str("path", r.URL.Path).Msg("payment_request_failed")
	common.WriteError(w, appErr)
}

// toAppError maps controller errors onto the API error taxonomy.
func toAppError(err error) *common.AppError {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var fe *finalize.Error
	if errors.As(err, &fe) {
		if finalize.IsTransient(err) {
			return common.NewAppError("FINALIZATION_RETRY", fe.Hint(), http.StatusServiceUnavailable, err).
				WithDetails(map[string]any{"reason": fe.Message})
		}
		return common.NewAppError("FINALIZATION_REJECTED", fe.Hint(), http.StatusBadGateway, err).
			WithDetails(map[string]any{"reason": fe.Message})
	}

	switch {
	case errors.Is(err, ErrNoSession):
		return common.NewAppError("NO_SESSION", err.Error(), http.StatusNotFound, err)
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInsufficientTender),
		errors.Is(err, split.ErrInvalidSelection),
		errors.Is(err, split.ErrNoCustomAmount),
		errors.Is(err, pricing.ErrNegativeAmount),
		errors.Is(err, pricing.ErrTipExceedsCharge):
		return common.ValidationError(err.Error(), err)
	case errors.Is(err, ErrSessionActive):
		return common.NewAppError("SESSION_ACTIVE", err.Error(), http.StatusConflict, err)
	case errors.Is(err, ErrCaptureInProgress),
		errors.Is(err, ErrFinalizing):
		return common.NewAppError("BUSY", err.Error(), http.StatusConflict, err)
	case errors.Is(err, ErrCaptureFailed):
		return common.NewAppError("CAPTURE_FAILED", err.Error(), http.StatusPaymentRequired, err)
	case errors.Is(err, ErrCaptureCancelled):
		return common.NewAppError("CAPTURE_CANCELLED", err.Error(), http.StatusConflict, err)
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrWrongView),
		errors.Is(err, ErrNoCaptureInProgress),
		errors.Is(err, ErrAlreadySettled),
		errors.Is(err, ErrNotSettled),
		errors.Is(err, ErrAlreadyCompleted),
		errors.Is(err, split.ErrModeLocked):
		return common.NewAppError("INVALID_TRANSITION", err.Error(), http.StatusConflict, err)
	case errors.Is(err, ErrUnreachableState),
		errors.Is(err, ErrSessionFaulted):
		return common.NewAppError("SESSION_FAULT", err.Error(), http.StatusInternalServerError, err)
	case errors.Is(err, ErrDisplayUnavailable):
		return common.NewAppError("DISPLAY_UNAVAILABLE", err.Error(), http.StatusServiceUnavailable, err)
	case errors.Is(err, pricing.ErrInvalidRates):
		return common.NewAppError("RATE_CONFIG", "rate configuration cannot price this step", http.StatusInternalServerError, err)
	}
	return common.NewAppError(common.CodeInternal, "internal error", http.StatusInternalServerError, err)
}
