// Package repository implements the order store on PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/veiledletter/payments/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderNotFound is returned when no order matches the given identifier.
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrCouponNotFound is returned when no active coupon matches the code.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrOrderNotEditable is returned when an amount change targets an order
	// that already left the draft/pending stage.
	ErrOrderNotEditable = errors.New("order no longer editable")
	// ErrAmountChanged is returned when a charge attach loses the race against
	// a concurrent re-price of the same order.
	ErrAmountChanged = errors.New("order amount changed while issuing charge")
	// ErrNotPending is returned when a paid transition targets an order that is
	// not awaiting payment (failed, expired or still draft).
	ErrNotPending = errors.New("order is not pending payment")
	// ErrChargeMismatch is returned when a confirmation refers to a charge the
	// order no longer carries: a re-price cleared or replaced it mid-flight.
	ErrChargeMismatch = errors.New("charge no longer attached to order")
	// ErrDuplicateConfirmation is returned when the same transaction confirms
	// an already paid order a second time. Harmless; callers treat it as success.
	ErrDuplicateConfirmation = errors.New("confirmation already applied")
	// ErrConflictingConfirmation is returned when a different transaction tries
	// to confirm an already paid order. The stored state is never overwritten.
	ErrConflictingConfirmation = errors.New("conflicting confirmation for paid order")
)

// PostgresRepository provides access to the payments data store.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates the repository and brings the schema up to date.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// Retries matter for serialization failures and deadlocks;
			// pgxpool handles reconnects on its own.
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close closes the underlying connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping verifies database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// CreateOrder stores a freshly submitted order in draft state.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO orders (id, amount_cents, status, coupon_code, discount_cents, scheduled_for)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.AmountCents, string(model.OrderStatusDraft), o.CouponCode, o.DiscountCents, o.ScheduledFor,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

const orderColumns = `id, amount_cents, status, provider, charge_ref, transaction_ref,
	coupon_code, discount_cents, charge_payload, scheduled_for, paid_at, expires_at, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var status string
	err := row.Scan(
		&o.ID, &o.AmountCents, &status, &o.Provider, &o.ChargeRef, &o.TransactionRef,
		&o.CouponCode, &o.DiscountCents, &o.Payload, &o.ScheduledFor, &o.PaidAt, &o.ExpiresAt, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

// GetOrder returns the order with the given identifier.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

// GetOrderByChargeRef resolves an inbound notification back to its order via
// the charge reference embedded at issue time. A cleared (stale) charge
// reference therefore no longer correlates to anything.
func (r *PostgresRepository) GetOrderByChargeRef(ctx context.Context, provider, chargeRef string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE provider = $1 AND charge_ref = $2`,
		provider, chargeRef)
	return scanOrder(row)
}

// AttachCharge persists a newly issued charge on the order and moves it to
// pending_payment. The update is conditional on the amount the charge was
// created for, so a concurrent re-price invalidates the attach instead of
// leaving a charge bound to the wrong amount.
func (r *PostgresRepository) AttachCharge(ctx context.Context, orderID, provider, chargeRef string, amountCents int64, payload []byte, expiresAt time.Time) error {
	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE orders
			 SET provider = $2, charge_ref = $3, charge_payload = $4, expires_at = $5, status = $6
			 WHERE id = $1 AND amount_cents = $7 AND status IN ($8, $9) AND paid_at IS NULL`,
			orderID, provider, chargeRef, payload, expiresAt, string(model.OrderStatusPending),
			amountCents, string(model.OrderStatusDraft), string(model.OrderStatusPending),
		)
		if err != nil {
			return fmt.Errorf("attach charge: %w", err)
		}
		if cmdTag.RowsAffected() == 1 {
			return nil
		}

		current, err := r.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if current.PaidAt != nil || current.Status.Terminal() {
			return ErrNotPending
		}
		return ErrAmountChanged
	})
}

// UpdateAmount re-prices a not-yet-paid order and clears any issued charge in
// the same statement: a charge is only valid for the amount it was created for.
func (r *PostgresRepository) UpdateAmount(ctx context.Context, orderID string, amountCents int64, couponCode *string, discountCents int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET amount_cents = $2, coupon_code = $3, discount_cents = $4,
		     provider = NULL, charge_ref = NULL, charge_payload = NULL, expires_at = NULL
		 WHERE id = $1 AND status IN ($5, $6) AND paid_at IS NULL`,
		orderID, amountCents, couponCode, discountCents,
		string(model.OrderStatusDraft), string(model.OrderStatusPending),
	)
	if err != nil {
		return fmt.Errorf("update amount: %w", err)
	}
	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	if _, err := r.GetOrder(ctx, orderID); err != nil {
		return err
	}
	return ErrOrderNotEditable
}

// MarkPaid performs the single atomic paid transition. The WHERE clause is the
// transition guard: only a pending order that still carries the confirmed
// charge (and, when the notification echoes one, the amount it was issued
// for) may move, so neither a concurrent confirmation nor a re-price that
// commits between correlation and this write can slip a stale charge through.
// Orders with a deferred delivery time land in scheduled instead of paid;
// both carry paid_at and the transaction reference from the same write.
func (r *PostgresRepository) MarkPaid(ctx context.Context, orderID, chargeRef, transactionRef string, amountCents int64) (*model.Order, error) {
	var paid *model.Order

	err := r.withRetry(ctx, func() error {
		row := r.pool.QueryRow(ctx,
			`UPDATE orders
			 SET status = CASE WHEN scheduled_for IS NOT NULL THEN $3 ELSE $4 END,
			     paid_at = now(),
			     transaction_ref = $2
			 WHERE id = $1 AND status = $5 AND paid_at IS NULL
			   AND charge_ref = $6
			   AND ($7 = 0 OR amount_cents = $7)
			 RETURNING `+orderColumns,
			orderID, transactionRef,
			string(model.OrderStatusScheduled), string(model.OrderStatusPaid),
			string(model.OrderStatusPending),
			chargeRef, amountCents,
		)

		o, err := scanOrder(row)
		if err == nil {
			paid = o
			return nil
		}
		if !errors.Is(err, ErrOrderNotFound) {
			return fmt.Errorf("mark paid: %w", err)
		}

		// Zero rows: classify against the current state instead of guessing.
		current, getErr := r.GetOrder(ctx, orderID)
		if getErr != nil {
			return getErr
		}
		if current.PaidAt != nil && current.TransactionRef != nil {
			if *current.TransactionRef == transactionRef {
				return ErrDuplicateConfirmation
			}
			return ErrConflictingConfirmation
		}
		if current.ChargeRef == nil || *current.ChargeRef != chargeRef ||
			(amountCents != 0 && amountCents != current.AmountCents) {
			return ErrChargeMismatch
		}
		return ErrNotPending
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// ExpireStaleCharges moves pending orders past their charge window to expired
// and returns how many rows were touched.
func (r *PostgresRepository) ExpireStaleCharges(ctx context.Context) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $1
		 WHERE status = $2 AND paid_at IS NULL AND expires_at IS NOT NULL AND expires_at < now()`,
		string(model.OrderStatusExpired), string(model.OrderStatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale charges: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

// GetCoupon returns an active coupon by code.
func (r *PostgresRepository) GetCoupon(ctx context.Context, code string) (*model.Coupon, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT code, discount_cents, used_count, active FROM coupons WHERE code = $1 AND active`,
		code,
	)

	var c model.Coupon
	if err := row.Scan(&c.Code, &c.DiscountCents, &c.UsedCount, &c.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	return &c, nil
}

// RedeemCoupon records the coupon redemption for an order and increments the
// usage counter, at most once per order. The redemption row is the idempotency
// marker: the counter only moves when the insert actually lands.
func (r *PostgresRepository) RedeemCoupon(ctx context.Context, orderID, code string) (bool, error) {
	var redeemed bool

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO coupon_redemptions (order_id, coupon_code) VALUES ($1, $2)
			 ON CONFLICT (order_id) DO NOTHING`,
			orderID, code,
		)
		if err != nil {
			return fmt.Errorf("insert redemption: %w", err)
		}

		redeemed = cmdTag.RowsAffected() == 1
		if redeemed {
			if _, err := tx.Exec(ctx,
				`UPDATE coupons SET used_count = used_count + 1 WHERE code = $1`,
				code,
			); err != nil {
				return fmt.Errorf("increment coupon usage: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return redeemed, nil
}

// RecordPurchaseEvent stores the purchase analytics record keyed by the
// transaction reference, so webhook retries never produce a second row.
func (r *PostgresRepository) RecordPurchaseEvent(ctx context.Context, transactionRef, orderID string, amountCents int64) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO purchase_events (transaction_ref, order_id, amount_cents) VALUES ($1, $2, $3)
		 ON CONFLICT (transaction_ref) DO NOTHING`,
		transactionRef, orderID, amountCents,
	)
	if err != nil {
		return false, fmt.Errorf("insert purchase event: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}
