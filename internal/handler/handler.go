// Package handler contains the HTTP handlers of the payments service.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/veiledletter/payments/internal/middleware"
	"github.com/veiledletter/payments/internal/model"
	"github.com/veiledletter/payments/internal/psp"
	"github.com/veiledletter/payments/internal/repository"
	"github.com/veiledletter/payments/internal/service"
)

// Service defines the business-logic contract used by the HTTP handlers.
type Service interface {
	Ping(ctx context.Context) error
	CreateOrder(ctx context.Context, amountCents int64, couponCode string, scheduledFor *time.Time) (*model.Order, error)
	ApplyCoupon(ctx context.Context, orderID, couponCode string) (*model.Order, error)
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	IssueCharge(ctx context.Context, orderID, provider string, amountCents int64, description string) (*service.IssuedCharge, error)
	ConfirmPayment(ctx context.Context, provider string, n *psp.Notification) (bool, error)
}

// Handler implements the HTTP API of the payments service.
type Handler struct {
	service   Service
	logger    *zap.Logger
	providers *psp.Registry
	signature *middleware.SignatureMiddleware
}

// NewHandler creates a new HTTP handler.
func NewHandler(s Service, logger *zap.Logger, providers *psp.Registry, signature *middleware.SignatureMiddleware) *Handler {
	return &Handler{
		service:   s,
		logger:    logger,
		providers: providers,
		signature: signature,
	}
}

type createOrderRequest struct {
	AmountCents  int64      `json:"amount_cents"`
	CouponCode   string     `json:"coupon_code,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

type orderSummaryResponse struct {
	OrderID       string `json:"order_id"`
	AmountCents   int64  `json:"amount_cents"`
	DiscountCents int64  `json:"discount_cents"`
	Status        string `json:"status"`
}

// CreateOrder registers a submitted order.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.CreateOrder(r.Context(), req.AmountCents, req.CouponCode, req.ScheduledFor)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrCouponNotFound):
			http.Error(w, "coupon not found", http.StatusUnprocessableEntity)
		default:
			h.logger.Error("create order error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, orderSummaryResponse{
		OrderID:       order.ID,
		AmountCents:   order.AmountCents,
		DiscountCents: order.DiscountCents,
		Status:        string(order.Status),
	})
}

type applyCouponRequest struct {
	Code string `json:"code"`
}

// ApplyCoupon re-prices an order with a coupon, invalidating any issued charge.
func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req applyCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.ApplyCoupon(r.Context(), orderID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrCouponNotFound):
			http.Error(w, "coupon not found", http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrOrderNotEditable):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("apply coupon error", zap.Error(err), zap.String("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, orderSummaryResponse{
		OrderID:       order.ID,
		AmountCents:   order.AmountCents,
		DiscountCents: order.DiscountCents,
		Status:        string(order.Status),
	})
}

type issueChargeRequest struct {
	Provider    string `json:"provider"`
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description"`
}

type issueChargeResponse struct {
	ChargeRef    string           `json:"charge_ref"`
	Presentation psp.Presentation `json:"presentation"`
	ExpiresAt    string           `json:"expires_at"`
}

// IssueCharge creates or returns the payment charge for an order.
func (h *Handler) IssueCharge(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req issueChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	charge, err := h.service.IssueCharge(r.Context(), orderID, req.Provider, req.AmountCents, req.Description)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, "amount must be positive", http.StatusUnprocessableEntity)
		case errors.Is(err, service.ErrStaleCharge):
			http.Error(w, "amount is stale, reload the order", http.StatusConflict)
		case errors.Is(err, service.ErrOrderClosed), errors.Is(err, repository.ErrNotPending):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, service.ErrUnknownProvider):
			http.Error(w, "unknown payment provider", http.StatusBadRequest)
		case errors.Is(err, psp.ErrProviderUnavailable):
			// Retryable by the client with backoff.
			http.Error(w, "payment provider unavailable", http.StatusBadGateway)
		default:
			h.logger.Error("issue charge error", zap.Error(err), zap.String("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, issueChargeResponse{
		ChargeRef:    charge.ChargeRef,
		Presentation: charge.Presentation,
		ExpiresAt:    charge.ExpiresAt.Format(time.RFC3339),
	})
}

type orderStatusResponse struct {
	Status         string  `json:"status"`
	TransactionRef *string `json:"transaction_ref,omitempty"`
	PaidAt         *string `json:"paid_at,omitempty"`
}

// GetOrder returns the current order state. Read-only: this is the endpoint
// the confirmation poller hits.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	order, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.String("orderID", orderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := orderStatusResponse{
		Status:         string(order.Status),
		TransactionRef: order.TransactionRef,
	}
	if order.PaidAt != nil {
		s := order.PaidAt.Format(time.RFC3339)
		resp.PaidAt = &s
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Webhook ingests provider notifications. Any payload that parses and gets
// evaluated is acknowledged with 200, including deliberately ignored events,
// unknown charge references and confirmation conflicts: the provider must
// retry only genuine delivery failures.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	provider, ok := h.providers.Get(providerName)
	if !ok {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	n, err := provider.ParseNotification(body)
	if err != nil {
		h.logger.Warn("malformed webhook payload", zap.Error(err), zap.String("provider", providerName))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !n.Completed {
		h.logger.Info("ignoring webhook event",
			zap.String("provider", providerName), zap.String("event", n.Event))
		w.WriteHeader(http.StatusOK)
		return
	}

	applied, err := h.service.ConfirmPayment(r.Context(), providerName, n)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			// Unknown or invalidated (stale) charge reference. Acknowledge and
			// leave it to manual reconciliation.
			h.logger.Warn("webhook for unknown charge",
				zap.String("provider", providerName), zap.String("chargeRef", n.ChargeRef))
			w.WriteHeader(http.StatusOK)
		case errors.Is(err, service.ErrStaleCharge), errors.Is(err, repository.ErrNotPending):
			h.logger.Warn("webhook rejected by state machine",
				zap.Error(err), zap.String("provider", providerName), zap.String("chargeRef", n.ChargeRef))
			w.WriteHeader(http.StatusOK)
		case errors.Is(err, repository.ErrConflictingConfirmation):
			// Data-integrity conflict: a second transaction for a paid order.
			// Never overwritten; loud enough for operators to notice.
			h.logger.Error("conflicting confirmation",
				zap.String("provider", providerName),
				zap.String("chargeRef", n.ChargeRef),
				zap.String("transactionRef", n.TransactionRef))
			w.WriteHeader(http.StatusOK)
		default:
			h.logger.Error("confirm payment error", zap.Error(err), zap.String("provider", providerName))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	if applied {
		h.logger.Info("order confirmed",
			zap.String("provider", providerName),
			zap.String("chargeRef", n.ChargeRef),
			zap.String("transactionRef", n.TransactionRef))
	} else {
		h.logger.Info("duplicate confirmation",
			zap.String("provider", providerName), zap.String("transactionRef", n.TransactionRef))
	}

	w.WriteHeader(http.StatusOK)
}

// Ping reports storage connectivity.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}
