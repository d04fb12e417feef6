// Package model contains the domain entities of the payments service.
package model

import "time"

// OrderStatus describes where an order is in its payment lifecycle.
type OrderStatus string

const (
	OrderStatusDraft     OrderStatus = "draft"
	OrderStatusPending   OrderStatus = "pending_payment"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusScheduled OrderStatus = "scheduled"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusExpired   OrderStatus = "expired"
)

// Terminal reports whether the engine makes no further transition from s.
// A downstream delivery process may still move paid/scheduled orders onward.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusPaid, OrderStatusScheduled, OrderStatusFailed, OrderStatusExpired:
		return true
	}
	return false
}

// Order is a single message purchase and its payment state.
// AmountCents is fixed at charge-issue time; changing it invalidates ChargeRef.
type Order struct {
	ID             string
	AmountCents    int64
	Status         OrderStatus
	Provider       *string
	ChargeRef      *string
	TransactionRef *string
	CouponCode     *string
	DiscountCents  int64
	Payload        []byte
	ScheduledFor   *time.Time
	PaidAt         *time.Time
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// LiveChargeFor reports whether the order already holds an unexpired charge
// issued for exactly this amount, i.e. whether a re-issue may return it as is.
func (o *Order) LiveChargeFor(amountCents int64, now time.Time) bool {
	if o.ChargeRef == nil || o.AmountCents != amountCents {
		return false
	}
	return o.ExpiresAt != nil && now.Before(*o.ExpiresAt)
}

// Coupon is a discount code with a usage counter incremented once per paid order.
type Coupon struct {
	Code          string
	DiscountCents int64
	UsedCount     int64
	Active        bool
}
