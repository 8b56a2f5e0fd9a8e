package item

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository loads item costing configuration from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get loads one item with its conversion table, scoped to the organisation.
func (r *Repository) Get(ctx context.Context, orgID, itemID int64) (Item, error) {
	if r == nil {
		return Item{}, errors.New("item repository not initialised")
	}
	var (
		it         Item
		fixedPrice string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, org_id, code, base_unit, costing_method, fixed_price::text, batch_tracked, stock_controlled, updated_at
FROM items WHERE org_id=$1 AND id=$2`, orgID, itemID).
		Scan(&it.ID, &it.OrgID, &it.Code, &it.BaseUnit, &it.CostingMethod, &fixedPrice, &it.BatchTracked, &it.StockControlled, &it.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, err
	}
	it.FixedPrice, err = decimal.NewFromString(fixedPrice)
	if err != nil {
		return Item{}, err
	}

	rows, err := r.pool.Query(ctx, `SELECT alt_unit, base_qty_per_alt::text FROM item_conversions WHERE item_id=$1 ORDER BY alt_unit`, itemID)
	if err != nil {
		return Item{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			conv   Conversion
			factor string
		)
		if err := rows.Scan(&conv.AltUnit, &factor); err != nil {
			return Item{}, err
		}
		conv.BaseQuantityPerAlt, err = decimal.NewFromString(factor)
		if err != nil {
			return Item{}, err
		}
		it.Conversions = append(it.Conversions, conv)
	}
	if err := rows.Err(); err != nil {
		return Item{}, err
	}
	return it, nil
}
