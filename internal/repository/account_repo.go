package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelforge/backend/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func (r *AccountRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *AccountRepo) CreateTx(ctx context.Context, tx pgx.Tx, a *models.Account) error {
	return tx.QueryRow(ctx, `
		INSERT INTO accounts (user_id, balance)
		VALUES ($1, $2)
		RETURNING created_at, updated_at
	`, a.UserID, a.Balance).Scan(&a.CreatedAt, &a.UpdatedAt)
}

// GetBalance reads the current balance outside any transaction.
// Returns pgx.ErrNoRows if the account does not exist.
func (r *AccountRepo) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	var balance int
	err := r.pool.QueryRow(ctx, `
		SELECT balance FROM accounts WHERE user_id = $1
	`, userID).Scan(&balance)
	return balance, err
}

// GetForUpdate locks the account row. Call within a transaction.
func (r *AccountRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := tx.QueryRow(ctx, `
		SELECT user_id, balance, created_at, updated_at
		FROM accounts WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&a.UserID, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// DeductBalance atomically deducts amount if balance >= amount. Returns
// pgx.ErrNoRows when the condition fails, so the balance can never go negative
// even without the row lock.
func (r *AccountRepo) DeductBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance - $1, updated_at = now()
		WHERE user_id = $2 AND balance >= $1
		RETURNING balance
	`, amount, userID).Scan(&newBalance)
	return newBalance, err
}

// AddBalance adds amount to the account and returns the new balance.
func (r *AccountRepo) AddBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance + $1, updated_at = now()
		WHERE user_id = $2
		RETURNING balance
	`, amount, userID).Scan(&newBalance)
	return newBalance, err
}
