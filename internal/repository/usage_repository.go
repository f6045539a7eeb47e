package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/digkill/RecipePlayground/internal/models"
)

const dateLayout = "2006-01-02"

type UsageRepository struct {
	db *sql.DB
}

func NewUsageRepository(db *sql.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Get returns the user's counters, creating the row on first use and zeroing
// the daily counter when its reset date is before today.
func (r *UsageRepository) Get(ctx context.Context, userID string, today time.Time) (models.UsageRecord, error) {
	day := today.UTC().Format(dateLayout)

	const ensure = `INSERT IGNORE INTO user_executions (user_id, daily_reset_date) VALUES (?, ?)`
	if _, err := r.db.ExecContext(ctx, ensure, userID, day); err != nil {
		return models.UsageRecord{}, fmt.Errorf("ensure usage row: %w", err)
	}

	const reset = `
UPDATE user_executions SET daily_free_used = 0, daily_reset_date = ?, updated_at = NOW()
WHERE user_id = ? AND daily_reset_date < ?`
	if _, err := r.db.ExecContext(ctx, reset, day, userID, day); err != nil {
		return models.UsageRecord{}, fmt.Errorf("reset daily usage: %w", err)
	}

	const query = `
SELECT user_id, daily_free_used, daily_reset_date, total_free_used, total_paid_used, total_paid_amount
FROM user_executions WHERE user_id = ?`
	var rec models.UsageRecord
	row := r.db.QueryRowContext(ctx, query, userID)
	if err := row.Scan(&rec.UserID, &rec.DailyFreeUsed, &rec.DailyResetDate, &rec.TotalFreeUsed, &rec.TotalPaidUsed, &rec.TotalPaidAmount); err != nil {
		return models.UsageRecord{}, fmt.Errorf("scan usage: %w", err)
	}
	return rec, nil
}

// ConsumeFree takes one free execution if fewer than limit were used today.
// The check and increment are a single statement.
func (r *UsageRepository) ConsumeFree(ctx context.Context, userID string, limit int) (bool, error) {
	const query = `
UPDATE user_executions
SET daily_free_used = daily_free_used + 1, total_free_used = total_free_used + 1, updated_at = NOW()
WHERE user_id = ? AND daily_free_used < ?`
	res, err := r.db.ExecContext(ctx, query, userID, limit)
	if err != nil {
		return false, fmt.Errorf("consume free execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("free rows affected: %w", err)
	}
	return affected > 0, nil
}

// ReleaseFree gives back a free execution whose backend call failed.
func (r *UsageRepository) ReleaseFree(ctx context.Context, userID string) error {
	const query = `
UPDATE user_executions
SET daily_free_used = GREATEST(daily_free_used - 1, 0), total_free_used = GREATEST(total_free_used - 1, 0), updated_at = NOW()
WHERE user_id = ?`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("release free execution: %w", err)
	}
	return nil
}

func (r *UsageRepository) AddPaid(ctx context.Context, userID string, amount int) error {
	const query = `
UPDATE user_executions
SET total_paid_used = total_paid_used + 1, total_paid_amount = total_paid_amount + ?, updated_at = NOW()
WHERE user_id = ?`
	if _, err := r.db.ExecContext(ctx, query, amount, userID); err != nil {
		return fmt.Errorf("add paid execution: %w", err)
	}
	return nil
}
