// Package poller implements the client-side payment confirmation loop.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/veiledletter/payments/internal/model"
)

// Status is the order state as seen through the read-only status endpoint.
type Status struct {
	Status         model.OrderStatus
	TransactionRef *string
	PaidAt         *time.Time
}

// Confirmed reports whether the state is a terminal success: paid with a
// transaction reference, or scheduled (deferred delivery) that nonetheless
// carries both paid_at and the transaction reference.
func (s *Status) Confirmed() bool {
	switch s.Status {
	case model.OrderStatusPaid:
		return s.TransactionRef != nil
	case model.OrderStatusScheduled:
		return s.TransactionRef != nil && s.PaidAt != nil
	}
	return false
}

// StatusReader reads the current order state. It must have no side effects.
type StatusReader interface {
	OrderStatus(ctx context.Context, orderID string) (*Status, error)
}

// DefaultInterval is the poll period between status reads.
const DefaultInterval = 5 * time.Second

// DefaultDeadline matches the charge validity window.
const DefaultDeadline = 15 * time.Minute

var errNotConfirmed = errors.New("not confirmed yet")

// Poller watches one order until it is confirmed, the countdown runs out or
// the session is cancelled. All state is scoped to the instance; nothing here
// is a package-level singleton.
type Poller struct {
	reader      StatusReader
	interval    time.Duration
	deadline    time.Duration
	onConfirmed func(Status)
	onExpired   func()

	fired bool
}

// New creates a poller for one checkout session. interval is the poll period,
// deadline the wall-clock countdown after which the session surfaces expiry.
func New(reader StatusReader, interval, deadline time.Duration, onConfirmed func(Status), onExpired func()) *Poller {
	return &Poller{
		reader:      reader,
		interval:    interval,
		deadline:    deadline,
		onConfirmed: onConfirmed,
		onExpired:   onExpired,
	}
}

// Run polls until a terminal success state is observed, firing onConfirmed
// exactly once, or until the countdown elapses, firing onExpired. A failed
// poll is never fatal: the next tick simply tries again. Cancelling ctx stops
// the loop without firing anything; the server, not this loop, owns expiry of
// the order itself.
func (p *Poller) Run(ctx context.Context, orderID string) error {
	pollCtx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	backoff := retry.NewConstant(p.interval)

	err := retry.Do(pollCtx, backoff, func(ctx context.Context) error {
		st, err := p.reader.OrderStatus(ctx, orderID)
		if err != nil {
			return retry.RetryableError(err)
		}

		if st.Confirmed() {
			if !p.fired {
				p.fired = true
				p.onConfirmed(*st)
			}
			return nil
		}

		return retry.RetryableError(errNotConfirmed)
	})
	if err == nil {
		return nil
	}

	// The session was unmounted: stop silently.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// The countdown elapsed without a confirmation.
	if errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
		if p.onExpired != nil {
			p.onExpired()
		}
		return nil
	}

	return err
}
