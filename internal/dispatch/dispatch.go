// Package dispatch performs the one-time side effects of payment confirmation.
package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/veiledletter/payments/internal/model"
)

// Repository is the subset of the order store the dispatcher writes through.
type Repository interface {
	RedeemCoupon(ctx context.Context, orderID, code string) (bool, error)
	RecordPurchaseEvent(ctx context.Context, transactionRef, orderID string, amountCents int64) (bool, error)
}

// Emitter sends purchase analytics. Implementations are fire-and-forget.
type Emitter interface {
	EmitPurchase(transactionRef, orderID string, amountCents int64)
}

// Dispatcher runs the post-payment actions. Every action is guarded by a
// durable marker (redemption row, purchase event row), so re-running against
// the same order is a no-op: duplicate webhook deliveries never double-count.
type Dispatcher struct {
	repo      Repository
	analytics Emitter
	logger    *zap.Logger
}

// NewDispatcher creates the dispatcher.
func NewDispatcher(repo Repository, analytics Emitter, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		repo:      repo,
		analytics: analytics,
		logger:    logger,
	}
}

// OnOrderPaid applies the side effects for an order that reached paid (or
// scheduled, for deferred delivery). The order must carry its transaction
// reference and paid_at; those are set atomically with the status, so their
// presence proves the transition happened.
func (d *Dispatcher) OnOrderPaid(ctx context.Context, order *model.Order) error {
	if order.PaidAt == nil || order.TransactionRef == nil {
		return fmt.Errorf("order %s is not paid", order.ID)
	}

	if order.CouponCode != nil {
		redeemed, err := d.repo.RedeemCoupon(ctx, order.ID, *order.CouponCode)
		if err != nil {
			return fmt.Errorf("redeem coupon: %w", err)
		}
		if redeemed {
			d.logger.Info("coupon redeemed",
				zap.String("orderID", order.ID), zap.String("coupon", *order.CouponCode))
		}
	}

	recorded, err := d.repo.RecordPurchaseEvent(ctx, *order.TransactionRef, order.ID, order.AmountCents)
	if err != nil {
		return fmt.Errorf("record purchase event: %w", err)
	}

	// The analytics emission rides on the purchase-event insert: exactly one
	// delivery attempt per transaction reference.
	if recorded && d.analytics != nil {
		d.analytics.EmitPurchase(*order.TransactionRef, order.ID, order.AmountCents)
	}

	return nil
}
