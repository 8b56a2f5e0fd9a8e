package movement

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PgRepository persists movements in PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Insert appends one movement row.
func (r *PgRepository) Insert(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO inventory_movements
(org_id, plant_id, transaction_type, trx_no, parent_trx_no, direction, category, quantity, base_quantity, unit_price, total_price, item_id, location_id, batch_id, costing_method, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9::numeric,$10::numeric,$11::numeric,$12,$13,$14,$15,NOW())
RETURNING id`,
		m.OrgID, m.PlantID, m.TransactionType, m.TrxNo, m.ParentTrxNo, string(m.Direction), string(m.Category),
		m.Quantity.String(), m.BaseQuantity.String(), m.UnitPrice.String(), m.TotalPrice.String(),
		m.ItemID, m.LocationID, m.BatchID, string(m.CostingMethod)).Scan(&id)
	return id, err
}

// Delete removes a row written by a failed attempt.
func (r *PgRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM inventory_movements WHERE id=$1`, id)
	return err
}

// List returns movements matching the filter, newest first.
func (r *PgRepository) List(ctx context.Context, filter Filter) ([]Movement, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, org_id, plant_id, transaction_type, trx_no, parent_trx_no, direction, category,
quantity::text, base_quantity::text, unit_price::text, total_price::text, item_id, location_id, batch_id, costing_method, created_at
FROM inventory_movements
WHERE org_id=$1
  AND ($2=0 OR plant_id=$2)
  AND ($3=0 OR item_id=$3)
  AND ($4=0 OR location_id=$4)
  AND ($5='' OR trx_no=$5)
  AND created_at BETWEEN COALESCE($6, '-infinity') AND COALESCE($7, 'infinity')
ORDER BY created_at DESC, id DESC
LIMIT $8`,
		filter.OrgID, filter.PlantID, filter.ItemID, filter.LocationID, filter.TrxNo,
		nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var movements []Movement
	for rows.Next() {
		var m Movement
		var qty, baseQty, unitPrice, totalPrice string
		if err := rows.Scan(&m.ID, &m.OrgID, &m.PlantID, &m.TransactionType, &m.TrxNo, &m.ParentTrxNo, &m.Direction, &m.Category,
			&qty, &baseQty, &unitPrice, &totalPrice, &m.ItemID, &m.LocationID, &m.BatchID, &m.CostingMethod, &m.CreatedAt); err != nil {
			return nil, err
		}
		if m.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if m.BaseQuantity, err = decimal.NewFromString(baseQty); err != nil {
			return nil, err
		}
		if m.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
			return nil, err
		}
		if m.TotalPrice, err = decimal.NewFromString(totalPrice); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
