package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelforge/backend/internal/models"
)

type SubmissionRepo struct {
	pool *pgxpool.Pool
}

func NewSubmissionRepo(pool *pgxpool.Pool) *SubmissionRepo {
	return &SubmissionRepo{pool: pool}
}

func (r *SubmissionRepo) CreateTx(ctx context.Context, tx pgx.Tx, s *models.Submission) error {
	return tx.QueryRow(ctx, `
		INSERT INTO submissions (id, user_id, operation_type, status, input_payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, s.ID, s.UserID, s.OperationType, s.Status, s.InputPayload).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *SubmissionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Submission, error) {
	var s models.Submission
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, operation_type, status, input_payload, output_payload, failure_reason, created_at, updated_at
		FROM submissions WHERE id = $1
	`, id).Scan(&s.ID, &s.UserID, &s.OperationType, &s.Status, &s.InputPayload, &s.OutputPayload, &s.FailureReason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SubmissionRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Submission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, operation_type, status, input_payload, output_payload, failure_reason, created_at, updated_at
		FROM submissions WHERE user_id = $1 ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Submission
	for rows.Next() {
		var s models.Submission
		if err := rows.Scan(&s.ID, &s.UserID, &s.OperationType, &s.Status, &s.InputPayload, &s.OutputPayload, &s.FailureReason, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &s)
	}
	return list, rows.Err()
}

func (r *SubmissionRepo) MarkRunning(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE submissions SET status = 'running', updated_at = now() WHERE id = $1
	`, id)
	return err
}

func (r *SubmissionRepo) MarkCompleted(ctx context.Context, id uuid.UUID, output json.RawMessage) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE submissions SET status = 'completed', output_payload = $1, updated_at = now() WHERE id = $2
	`, output, id)
	return err
}

func (r *SubmissionRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE submissions SET status = 'failed', failure_reason = $1, updated_at = now() WHERE id = $2
	`, reason, id)
	return err
}
