package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/RecipePlayground/internal/models"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `id, user_id, order_id, COALESCE(payment_key, ''), recipe_slug, step_number, tool_slug,
amount, currency, order_name, COALESCE(method, ''), status, confirmed_at, cancelled_at, created_at`

func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	const query = `
INSERT INTO payments (user_id, order_id, recipe_slug, step_number, tool_slug, amount, currency, order_name, status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, payment.UserID, payment.OrderID, payment.RecipeSlug, payment.StepNumber, payment.ToolSlug, payment.Amount, payment.Currency, payment.OrderName, payment.Status)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	payment.ID = id
	return nil
}

// FindByOrderID returns nil without an error when the order does not exist.
func (r *PaymentRepository) FindByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = ? LIMIT 1`, orderID)
	return scanPayment(row)
}

func (r *PaymentRepository) FindByPaymentKey(ctx context.Context, paymentKey string) (*models.Payment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_key = ? LIMIT 1`, paymentKey)
	return scanPayment(row)
}

// Confirm moves a pending order to confirmed. It reports false when the order
// was no longer pending.
func (r *PaymentRepository) Confirm(ctx context.Context, orderID, paymentKey, method string) (bool, error) {
	const query = `
UPDATE payments SET payment_key = ?, method = NULLIF(?, ''), status = ?, confirmed_at = NOW(), updated_at = NOW()
WHERE order_id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, query, paymentKey, method, models.PaymentConfirmed, orderID, models.PaymentPending)
	if err != nil {
		return false, fmt.Errorf("confirm payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirm rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *PaymentRepository) MarkCancelledByOrder(ctx context.Context, orderID string) error {
	const query = `UPDATE payments SET status = ?, cancelled_at = NOW(), updated_at = NOW() WHERE order_id = ?`
	if _, err := r.db.ExecContext(ctx, query, models.PaymentCancelled, orderID); err != nil {
		return fmt.Errorf("cancel payment: %w", err)
	}
	return nil
}

func (r *PaymentRepository) MarkRefundedByKey(ctx context.Context, paymentKey string) error {
	const query = `UPDATE payments SET status = ?, cancelled_at = NOW(), updated_at = NOW() WHERE payment_key = ?`
	if _, err := r.db.ExecContext(ctx, query, models.PaymentRefunded, paymentKey); err != nil {
		return fmt.Errorf("refund payment: %w", err)
	}
	return nil
}

func (r *PaymentRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.Payment, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*models.Payment, error) {
	var (
		p           models.Payment
		status      string
		confirmedAt sql.NullTime
		cancelledAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.UserID, &p.OrderID, &p.PaymentKey, &p.RecipeSlug, &p.StepNumber, &p.ToolSlug,
		&p.Amount, &p.Currency, &p.OrderName, &p.Method, &status, &confirmedAt, &cancelledAt, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	p.Status = models.PaymentStatus(status)
	if confirmedAt.Valid {
		p.ConfirmedAt = &confirmedAt.Time
	}
	if cancelledAt.Valid {
		p.CancelledAt = &cancelledAt.Time
	}
	return &p, nil
}
