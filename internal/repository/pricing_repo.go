package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelforge/backend/internal/models"
)

type PricingRepo struct {
	pool *pgxpool.Pool
}

func NewPricingRepo(pool *pgxpool.Pool) *PricingRepo {
	return &PricingRepo{pool: pool}
}

// GetByOperationType returns pgx.ErrNoRows for an unknown operation type;
// the ledger maps that to a configuration error rather than defaulting a price.
func (r *PricingRepo) GetByOperationType(ctx context.Context, operationType string) (*models.PricingEntry, error) {
	var p models.PricingEntry
	err := r.pool.QueryRow(ctx, `
		SELECT operation_type, cost, label, updated_at
		FROM pricing WHERE operation_type = $1
	`, operationType).Scan(&p.OperationType, &p.Cost, &p.Label, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PricingRepo) List(ctx context.Context) ([]*models.PricingEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT operation_type, cost, label, updated_at
		FROM pricing ORDER BY operation_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.PricingEntry
	for rows.Next() {
		var p models.PricingEntry
		if err := rows.Scan(&p.OperationType, &p.Cost, &p.Label, &p.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &p)
	}
	return list, rows.Err()
}

// Upsert creates or updates a pricing entry. Admin tooling only; in-flight
// deducts keep the cost they read.
func (r *PricingRepo) Upsert(ctx context.Context, p *models.PricingEntry) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO pricing (operation_type, cost, label)
		VALUES ($1, $2, $3)
		ON CONFLICT (operation_type)
		DO UPDATE SET cost = EXCLUDED.cost, label = EXCLUDED.label, updated_at = now()
		RETURNING updated_at
	`, p.OperationType, p.Cost, p.Label).Scan(&p.UpdatedAt)
}
