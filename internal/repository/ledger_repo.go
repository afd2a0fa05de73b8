package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelforge/backend/internal/models"
)

type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// CreateTx appends a ledger entry inside the given transaction.
func (r *LedgerRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, user_id, amount, kind, submission_id, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, e.ID, e.UserID, e.Amount, e.Kind, e.SubmissionID, e.Description).Scan(&e.CreatedAt)
}

// FindBySubmission returns the entry of the given kind for (userID, submissionID),
// or nil if none exists. Call within the deduct/refund transaction so the
// at-most-one check is serialized with the insert.
func (r *LedgerRepo) FindBySubmission(ctx context.Context, tx pgx.Tx, userID, submissionID uuid.UUID, kind string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := tx.QueryRow(ctx, `
		SELECT id, user_id, amount, kind, submission_id, description, created_at
		FROM ledger_entries
		WHERE user_id = $1 AND submission_id = $2 AND kind = $3
	`, userID, submissionID, kind).Scan(&e.ID, &e.UserID, &e.Amount, &e.Kind, &e.SubmissionID, &e.Description, &e.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *LedgerRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, amount, kind, submission_id, description, created_at
		FROM ledger_entries
		WHERE user_id = $1 ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Kind, &e.SubmissionID, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
