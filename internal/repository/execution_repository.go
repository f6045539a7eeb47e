package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/digkill/RecipePlayground/internal/models"
)

type ExecutionRepository struct {
	db *sql.DB
}

func NewExecutionRepository(db *sql.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func (r *ExecutionRepository) Log(ctx context.Context, entry *models.ExecutionLog) error {
	const query = `
INSERT INTO recipe_executions (user_id, recipe_slug, step_number, tool_slug, execution_type, provider, model,
    is_free, paid_amount, payment_id, status, error_message, artifact_url)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''))`
	res, err := r.db.ExecContext(ctx, query, entry.UserID, entry.RecipeSlug, entry.StepNumber, entry.ToolSlug,
		entry.ExecutionType, entry.Provider, entry.Model, entry.IsFree, entry.PaidAmount, entry.PaymentID,
		entry.Status, entry.ErrorMessage, entry.ArtifactURL)
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	entry.ID = id
	return nil
}

func (r *ExecutionRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.ExecutionLog, error) {
	const query = `
SELECT id, user_id, recipe_slug, step_number, tool_slug, execution_type, provider, model, is_free, paid_amount,
    COALESCE(payment_id, ''), status, COALESCE(error_message, ''), COALESCE(artifact_url, ''), created_at
FROM recipe_executions WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionLog
	for rows.Next() {
		var (
			e        models.ExecutionLog
			execType string
			status   string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.RecipeSlug, &e.StepNumber, &e.ToolSlug, &execType, &e.Provider, &e.Model,
			&e.IsFree, &e.PaidAmount, &e.PaymentID, &status, &e.ErrorMessage, &e.ArtifactURL, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.ExecutionType = models.ExecutionType(execType)
		e.Status = models.ExecutionStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}
