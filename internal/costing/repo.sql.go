package costing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository persists cost layers and weighted-average records in
// PostgreSQL. It implements both FifoRepository and WavgRepository.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListLayers returns the key's layers ordered by sequence ascending. The
// ordering comes from the (org, plant, material, batch, sequence) index.
func (r *Repository) ListLayers(ctx context.Context, key Key) ([]FifoLayer, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, sequence, initial_qty::text, available_qty::text, cost_price::text, created_at
FROM fifo_cost_layers
WHERE org_id=$1 AND plant_id=$2 AND material_id=$3 AND batch_id=$4
ORDER BY sequence ASC`, key.OrgID, key.PlantID, key.MaterialID, key.BatchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var layers []FifoLayer
	for rows.Next() {
		layer := FifoLayer{Key: key}
		var initial, available, cost string
		if err := rows.Scan(&layer.ID, &layer.Sequence, &initial, &available, &cost, &layer.CreatedAt); err != nil {
			return nil, err
		}
		if layer.InitialQuantity, err = decimal.NewFromString(initial); err != nil {
			return nil, err
		}
		if layer.AvailableQuantity, err = decimal.NewFromString(available); err != nil {
			return nil, err
		}
		if layer.CostPrice, err = decimal.NewFromString(cost); err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, rows.Err()
}

// ListMaterialLayers returns every layer of a material across all of its
// batches, grouped by batch and ordered by sequence within each batch.
func (r *Repository) ListMaterialLayers(ctx context.Context, orgID, plantID, materialID int64) ([]FifoLayer, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, batch_id, sequence, initial_qty::text, available_qty::text, cost_price::text, created_at
FROM fifo_cost_layers
WHERE org_id=$1 AND plant_id=$2 AND material_id=$3
ORDER BY batch_id ASC, sequence ASC`, orgID, plantID, materialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var layers []FifoLayer
	for rows.Next() {
		layer := FifoLayer{Key: Key{OrgID: orgID, PlantID: plantID, MaterialID: materialID}}
		var initial, available, cost string
		if err := rows.Scan(&layer.ID, &layer.Key.BatchID, &layer.Sequence, &initial, &available, &cost, &layer.CreatedAt); err != nil {
			return nil, err
		}
		if layer.InitialQuantity, err = decimal.NewFromString(initial); err != nil {
			return nil, err
		}
		if layer.AvailableQuantity, err = decimal.NewFromString(available); err != nil {
			return nil, err
		}
		if layer.CostPrice, err = decimal.NewFromString(cost); err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, rows.Err()
}

// MaxSequence returns the highest sequence for a key, zero when none exist.
func (r *Repository) MaxSequence(ctx context.Context, key Key) (int64, error) {
	var maxSeq int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0)
FROM fifo_cost_layers
WHERE org_id=$1 AND plant_id=$2 AND material_id=$3 AND batch_id=$4`,
		key.OrgID, key.PlantID, key.MaterialID, key.BatchID).Scan(&maxSeq)
	return maxSeq, err
}

// InsertLayer appends a new cost layer.
func (r *Repository) InsertLayer(ctx context.Context, layer FifoLayer) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO fifo_cost_layers (org_id, plant_id, material_id, batch_id, sequence, initial_qty, available_qty, cost_price, created_at)
VALUES ($1,$2,$3,$4,$5,$6::numeric,$7::numeric,$8::numeric,NOW()) RETURNING id`,
		layer.Key.OrgID, layer.Key.PlantID, layer.Key.MaterialID, layer.Key.BatchID,
		layer.Sequence, layer.InitialQuantity.String(), layer.AvailableQuantity.String(), layer.CostPrice.String()).Scan(&id)
	return id, err
}

// UpdateLayerAvailable writes a layer's new available quantity.
func (r *Repository) UpdateLayerAvailable(ctx context.Context, layerID int64, available decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, `UPDATE fifo_cost_layers SET available_qty=$2::numeric WHERE id=$1`, layerID, available.String())
	return err
}

// GetCurrent returns the weighted-average record for a key. When legacy
// duplicates exist the most recently updated row is authoritative.
func (r *Repository) GetCurrent(ctx context.Context, key Key) (WeightedAverage, error) {
	rec := WeightedAverage{Key: key}
	var qty, cost string
	err := r.pool.QueryRow(ctx, `SELECT id, quantity::text, cost_price::text, updated_at
FROM weighted_average_costs
WHERE org_id=$1 AND plant_id=$2 AND material_id=$3 AND batch_id=$4
ORDER BY updated_at DESC, id DESC
LIMIT 1`, key.OrgID, key.PlantID, key.MaterialID, key.BatchID).
		Scan(&rec.ID, &qty, &cost, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WeightedAverage{}, ErrNoAverageRecord
		}
		return WeightedAverage{}, err
	}
	if rec.Quantity, err = decimal.NewFromString(qty); err != nil {
		return WeightedAverage{}, err
	}
	if rec.CostPrice, err = decimal.NewFromString(cost); err != nil {
		return WeightedAverage{}, err
	}
	return rec, nil
}

// ListMaterial returns the current weighted-average record of every batch
// of a material. Legacy duplicates resolve to the newest row per batch.
func (r *Repository) ListMaterial(ctx context.Context, orgID, plantID, materialID int64) ([]WeightedAverage, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT ON (batch_id) id, batch_id, quantity::text, cost_price::text, updated_at
FROM weighted_average_costs
WHERE org_id=$1 AND plant_id=$2 AND material_id=$3
ORDER BY batch_id ASC, updated_at DESC, id DESC`, orgID, plantID, materialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []WeightedAverage
	for rows.Next() {
		rec := WeightedAverage{Key: Key{OrgID: orgID, PlantID: plantID, MaterialID: materialID}}
		var qty, cost string
		if err := rows.Scan(&rec.ID, &rec.Key.BatchID, &qty, &cost, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if rec.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if rec.CostPrice, err = decimal.NewFromString(cost); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Insert creates a weighted-average record.
func (r *Repository) Insert(ctx context.Context, rec WeightedAverage) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO weighted_average_costs (org_id, plant_id, material_id, batch_id, quantity, cost_price, updated_at)
VALUES ($1,$2,$3,$4,$5::numeric,$6::numeric,NOW()) RETURNING id`,
		rec.Key.OrgID, rec.Key.PlantID, rec.Key.MaterialID, rec.Key.BatchID,
		rec.Quantity.String(), rec.CostPrice.String()).Scan(&id)
	return id, err
}

// ListDuplicateKeys returns keys that hold more than one weighted-average
// row. Legacy imports produced such duplicates; readers resolve them via
// newest-wins and the sweep job reports them.
func (r *Repository) ListDuplicateKeys(ctx context.Context) ([]Key, error) {
	rows, err := r.pool.Query(ctx, `SELECT org_id, plant_id, material_id, batch_id
FROM weighted_average_costs
GROUP BY org_id, plant_id, material_id, batch_id
HAVING COUNT(*) > 1
ORDER BY org_id, plant_id, material_id, batch_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.OrgID, &key.PlantID, &key.MaterialID, &key.BatchID); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update writes new quantity and cost price for a record.
func (r *Repository) Update(ctx context.Context, id int64, qty, costPrice decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, `UPDATE weighted_average_costs SET quantity=$2::numeric, cost_price=$3::numeric, updated_at=NOW() WHERE id=$1`,
		id, qty.String(), costPrice.String())
	return err
}
