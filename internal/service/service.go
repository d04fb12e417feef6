// Package service implements the payment reconciliation logic.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veiledletter/payments/internal/model"
	"github.com/veiledletter/payments/internal/psp"
	"github.com/veiledletter/payments/internal/repository"
)

// ErrInvalidAmount is returned when an order or charge amount is not positive.
var (
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrStaleCharge is returned when a request is based on an amount the order
	// no longer carries: the caller must re-derive the price and start over.
	ErrStaleCharge = errors.New("charge amount is stale")
	// ErrUnknownProvider is returned for payment channels nobody registered.
	ErrUnknownProvider = errors.New("unknown payment provider")
	// ErrOrderClosed is returned when a charge is requested for an order that
	// already reached a terminal state.
	ErrOrderClosed = errors.New("order already closed")
)

// Repository defines the order store contract used by the service.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrderByChargeRef(ctx context.Context, provider, chargeRef string) (*model.Order, error)
	AttachCharge(ctx context.Context, orderID, provider, chargeRef string, amountCents int64, payload []byte, expiresAt time.Time) error
	UpdateAmount(ctx context.Context, orderID string, amountCents int64, couponCode *string, discountCents int64) error
	MarkPaid(ctx context.Context, orderID, chargeRef, transactionRef string, amountCents int64) (*model.Order, error)
	ExpireStaleCharges(ctx context.Context) (int64, error)
	GetCoupon(ctx context.Context, code string) (*model.Coupon, error)
	RedeemCoupon(ctx context.Context, orderID, code string) (bool, error)
	RecordPurchaseEvent(ctx context.Context, transactionRef, orderID string, amountCents int64) (bool, error)
}

// Dispatcher performs the one-time side effects of a paid order.
type Dispatcher interface {
	OnOrderPaid(ctx context.Context, order *model.Order) error
}

// IssuedCharge is what the client needs to present a payment instrument.
type IssuedCharge struct {
	ChargeRef    string
	Presentation psp.Presentation
	ExpiresAt    time.Time
}

// Service wires the order store, the provider clients and the side-effect
// dispatcher together.
type Service struct {
	repo       Repository
	providers  *psp.Registry
	dispatcher Dispatcher
	logger     *zap.Logger
	chargeTTL  time.Duration
}

// NewService creates the service. chargeTTL is the validity window of an
// issued charge.
func NewService(repo Repository, providers *psp.Registry, dispatcher Dispatcher, logger *zap.Logger, chargeTTL time.Duration) *Service {
	return &Service{
		repo:       repo,
		providers:  providers,
		dispatcher: dispatcher,
		logger:     logger,
		chargeTTL:  chargeTTL,
	}
}

// Close releases the service resources.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping checks the order store.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// CreateOrder registers a submitted order, applying the coupon discount when a
// code is given. The stored amount is the discounted one; the discount itself
// is captured so the gross price can be reconstructed.
func (s *Service) CreateOrder(ctx context.Context, amountCents int64, couponCode string, scheduledFor *time.Time) (*model.Order, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	order := &model.Order{
		ID:           uuid.NewString(),
		AmountCents:  amountCents,
		Status:       model.OrderStatusDraft,
		ScheduledFor: scheduledFor,
	}

	if couponCode != "" {
		coupon, err := s.repo.GetCoupon(ctx, couponCode)
		if err != nil {
			return nil, err
		}
		if coupon.DiscountCents >= amountCents {
			return nil, ErrInvalidAmount
		}
		order.AmountCents = amountCents - coupon.DiscountCents
		order.DiscountCents = coupon.DiscountCents
		order.CouponCode = &coupon.Code
	}

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// ApplyCoupon re-prices an existing order with the given coupon. The store
// clears any issued charge in the same write: a charge is a fixed-amount
// instrument and does not survive a price change.
func (s *Service) ApplyCoupon(ctx context.Context, orderID, couponCode string) (*model.Order, error) {
	coupon, err := s.repo.GetCoupon(ctx, couponCode)
	if err != nil {
		return nil, err
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	gross := order.AmountCents + order.DiscountCents
	if coupon.DiscountCents >= gross {
		return nil, ErrInvalidAmount
	}

	newAmount := gross - coupon.DiscountCents
	if err := s.repo.UpdateAmount(ctx, orderID, newAmount, &coupon.Code, coupon.DiscountCents); err != nil {
		return nil, err
	}

	return s.repo.GetOrder(ctx, orderID)
}

// GetOrder returns the current order state. Read-only; this is what the
// confirmation poller observes.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// IssueCharge creates (or returns) the charge for an order at the given
// amount. Safe to call repeatedly: a live charge for the same amount and
// channel is returned unchanged instead of creating a duplicate at the
// provider. A charge issued for a different amount is stale and gets replaced.
func (s *Service) IssueCharge(ctx context.Context, orderID, provider string, amountCents int64, description string) (*IssuedCharge, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() || order.PaidAt != nil {
		return nil, ErrOrderClosed
	}
	if order.AmountCents != amountCents {
		return nil, ErrStaleCharge
	}

	now := time.Now()
	if order.LiveChargeFor(amountCents, now) && order.Provider != nil && *order.Provider == provider {
		var pres psp.Presentation
		if err := json.Unmarshal(order.Payload, &pres); err != nil {
			return nil, fmt.Errorf("decode stored presentation: %w", err)
		}
		return &IssuedCharge{
			ChargeRef:    *order.ChargeRef,
			Presentation: pres,
			ExpiresAt:    *order.ExpiresAt,
		}, nil
	}

	p, ok := s.providers.Get(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %q, expected one of %s",
			ErrUnknownProvider, provider, strings.Join(s.providers.Names(), ", "))
	}

	charge, err := p.CreateCharge(ctx, psp.ChargeRequest{
		OrderID:     orderID,
		AmountCents: amountCents,
		Description: description,
		ExpiresIn:   s.chargeTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create charge: %w", err)
	}

	payload, err := json.Marshal(charge.Presentation)
	if err != nil {
		return nil, fmt.Errorf("encode presentation: %w", err)
	}

	expiresAt := now.Add(s.chargeTTL)
	if err := s.repo.AttachCharge(ctx, orderID, provider, charge.Ref, amountCents, payload, expiresAt); err != nil {
		if errors.Is(err, repository.ErrAmountChanged) {
			return nil, ErrStaleCharge
		}
		return nil, err
	}

	return &IssuedCharge{
		ChargeRef:    charge.Ref,
		Presentation: charge.Presentation,
		ExpiresAt:    expiresAt,
	}, nil
}

// ConfirmPayment applies a completed-charge notification. It reports whether
// this call performed the paid transition. The order is located by the charge
// reference embedded at issue time, never by a client-supplied order id.
//
// Duplicate deliveries re-run the dispatcher: every side effect behind it is
// idempotent, so a provider retry after a crash between the state write and
// the side effects still completes them.
func (s *Service) ConfirmPayment(ctx context.Context, provider string, n *psp.Notification) (bool, error) {
	order, err := s.repo.GetOrderByChargeRef(ctx, provider, n.ChargeRef)
	if err != nil {
		return false, err
	}

	if n.AmountCents != 0 && n.AmountCents != order.AmountCents {
		return false, fmt.Errorf("%w: charge %s paid %d, order wants %d",
			ErrStaleCharge, n.ChargeRef, n.AmountCents, order.AmountCents)
	}

	// The charge ref and amount travel into the conditional update: a re-price
	// committing after the read above detaches the charge, and the write must
	// see that, not this snapshot.
	paid, err := s.repo.MarkPaid(ctx, order.ID, n.ChargeRef, n.TransactionRef, n.AmountCents)
	if err != nil {
		if errors.Is(err, repository.ErrChargeMismatch) {
			return false, fmt.Errorf("%w: charge %s: %v", ErrStaleCharge, n.ChargeRef, err)
		}
		if errors.Is(err, repository.ErrDuplicateConfirmation) {
			current, getErr := s.repo.GetOrder(ctx, order.ID)
			if getErr != nil {
				return false, getErr
			}
			if dispErr := s.dispatcher.OnOrderPaid(ctx, current); dispErr != nil {
				s.logger.Error("side effects on duplicate confirmation",
					zap.Error(dispErr), zap.String("orderID", order.ID))
			}
			return false, nil
		}
		return false, err
	}

	if err := s.dispatcher.OnOrderPaid(ctx, paid); err != nil {
		// The transition is already durable; the provider's webhook retry will
		// land on the duplicate path above and finish the side effects.
		s.logger.Error("side effects after paid transition",
			zap.Error(err), zap.String("orderID", paid.ID))
	}

	return true, nil
}

// StartExpiry runs the server-side enforcement of the charge validity window:
// pending orders past expires_at are conditionally moved to expired.
func (s *Service) StartExpiry(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.repo.ExpireStaleCharges(ctx)
				if err != nil {
					s.logger.Warn("expire stale charges", zap.Error(err))
					continue
				}
				if n > 0 {
					s.logger.Info("expired stale charges", zap.Int64("count", n))
				}
			}
		}
	}()
}
