package dispatch

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/veiledletter/payments/internal/model"
)

type stubRepo struct {
	redeemCalls  int
	redeemResult bool
	redeemErr    error

	recordCalls  int
	recordResult bool
	recordErr    error
}

func (s *stubRepo) RedeemCoupon(ctx context.Context, orderID, code string) (bool, error) {
	s.redeemCalls++
	return s.redeemResult, s.redeemErr
}

func (s *stubRepo) RecordPurchaseEvent(ctx context.Context, transactionRef, orderID string, amountCents int64) (bool, error) {
	s.recordCalls++
	return s.recordResult, s.recordErr
}

type stubEmitter struct {
	calls   int
	lastRef string
}

func (e *stubEmitter) EmitPurchase(transactionRef, orderID string, amountCents int64) {
	e.calls++
	e.lastRef = transactionRef
}

func strPtr(s string) *string { return &s }

func paidOrder(coupon string) *model.Order {
	now := time.Now()
	o := &model.Order{
		ID:             "o1",
		AmountCents:    500,
		Status:         model.OrderStatusPaid,
		TransactionRef: strPtr("T1"),
		PaidAt:         &now,
	}
	if coupon != "" {
		o.CouponCode = &coupon
	}
	return o
}

func TestOnOrderPaid_FirstRun(t *testing.T) {
	repo := &stubRepo{redeemResult: true, recordResult: true}
	emitter := &stubEmitter{}
	d := NewDispatcher(repo, emitter, zap.NewNop())

	if err := d.OnOrderPaid(context.Background(), paidOrder("SAVE1")); err != nil {
		t.Fatalf("OnOrderPaid error: %v", err)
	}
	if repo.redeemCalls != 1 {
		t.Fatalf("redeem calls = %d, want 1", repo.redeemCalls)
	}
	if emitter.calls != 1 || emitter.lastRef != "T1" {
		t.Fatalf("emitter calls = %d (ref %q), want 1 (T1)", emitter.calls, emitter.lastRef)
	}
}

func TestOnOrderPaid_RerunDoesNotDoubleCount(t *testing.T) {
	// Markers already present: the redemption and the purchase event landed on
	// the first run, so the second run must not emit again.
	repo := &stubRepo{redeemResult: false, recordResult: false}
	emitter := &stubEmitter{}
	d := NewDispatcher(repo, emitter, zap.NewNop())

	if err := d.OnOrderPaid(context.Background(), paidOrder("SAVE1")); err != nil {
		t.Fatalf("OnOrderPaid error: %v", err)
	}
	if emitter.calls != 0 {
		t.Fatalf("emitter calls = %d on re-run, want 0", emitter.calls)
	}
}

func TestOnOrderPaid_NoCoupon(t *testing.T) {
	repo := &stubRepo{recordResult: true}
	d := NewDispatcher(repo, &stubEmitter{}, zap.NewNop())

	if err := d.OnOrderPaid(context.Background(), paidOrder("")); err != nil {
		t.Fatalf("OnOrderPaid error: %v", err)
	}
	if repo.redeemCalls != 0 {
		t.Fatalf("redeem must not run without a coupon")
	}
}

func TestOnOrderPaid_RejectsUnpaidOrder(t *testing.T) {
	d := NewDispatcher(&stubRepo{}, &stubEmitter{}, zap.NewNop())

	err := d.OnOrderPaid(context.Background(), &model.Order{ID: "o1", Status: model.OrderStatusPending})
	if err == nil {
		t.Fatalf("expected error for an order without paid markers")
	}
}
