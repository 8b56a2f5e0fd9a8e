package balance

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/stockledger/internal/platform/db"
)

// PgRepository persists balance records in PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const recordColumns = `id, org_id, plant_id, material_id, location_id, batch_id,
unrestricted_qty::text, reserved_qty::text, blocked_qty::text, quality_inspection_qty::text, in_transit_qty::text, balance_qty::text, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var unrestricted, reserved, blocked, quality, transit, total string
	err := row.Scan(&rec.ID, &rec.OrgID, &rec.PlantID, &rec.MaterialID, &rec.LocationID, &rec.BatchID,
		&unrestricted, &reserved, &blocked, &quality, &transit, &total, &rec.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	for _, pair := range []struct {
		src string
		dst *decimal.Decimal
	}{
		{unrestricted, &rec.Unrestricted},
		{reserved, &rec.Reserved},
		{blocked, &rec.Blocked},
		{quality, &rec.QualityInspection},
		{transit, &rec.InTransit},
		{total, &rec.BalanceQuantity},
	} {
		d, err := decimal.NewFromString(pair.src)
		if err != nil {
			return Record{}, err
		}
		*pair.dst = d
	}
	return rec, nil
}

// Get loads one record by key.
func (r *PgRepository) Get(ctx context.Context, key LocationKey) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+`
FROM balance_records
WHERE org_id=$1 AND plant_id=$2 AND material_id=$3 AND location_id=$4 AND batch_id=$5`,
		key.OrgID, key.PlantID, key.MaterialID, key.LocationID, key.BatchID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

// ListBatchRecords returns the batch-level records for a material+location.
func (r *PgRepository) ListBatchRecords(ctx context.Context, orgID, plantID, materialID, locationID int64) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+`
FROM balance_records
WHERE org_id=$1 AND plant_id=$2 AND material_id=$3 AND location_id=$4 AND batch_id > 0
ORDER BY batch_id ASC`, orgID, plantID, materialID, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListAggregateKeys returns the distinct (org, plant, material, location)
// groups that have batch-level records. Used by the integrity scan job.
func (r *PgRepository) ListAggregateKeys(ctx context.Context) ([]LocationKey, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT org_id, plant_id, material_id, location_id
FROM balance_records
WHERE batch_id > 0
ORDER BY org_id, plant_id, material_id, location_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []LocationKey
	for rows.Next() {
		var key LocationKey
		if err := rows.Scan(&key.OrgID, &key.PlantID, &key.MaterialID, &key.LocationID); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// GroupSnapshot reads the aggregate record and its batch children in one
// repeatable-read transaction, so concurrent postings cannot skew the
// comparison between the two reads. A missing aggregate comes back as
// ErrRecordNotFound with the children still populated.
func (r *PgRepository) GroupSnapshot(ctx context.Context, key LocationKey) (Record, []Record, error) {
	var (
		aggregate Record
		children  []Record
		missing   bool
	)
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+recordColumns+`
FROM balance_records
WHERE org_id=$1 AND plant_id=$2 AND material_id=$3 AND location_id=$4 AND batch_id=0`,
			key.OrgID, key.PlantID, key.MaterialID, key.LocationID)
		rec, err := scanRecord(row)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			missing = true
		} else {
			aggregate = rec
		}

		rows, err := tx.Query(ctx, `SELECT `+recordColumns+`
FROM balance_records
WHERE org_id=$1 AND plant_id=$2 AND material_id=$3 AND location_id=$4 AND batch_id > 0
ORDER BY batch_id ASC`, key.OrgID, key.PlantID, key.MaterialID, key.LocationID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			children = append(children, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return Record{}, nil, err
	}
	if missing {
		return Record{}, children, ErrRecordNotFound
	}
	return aggregate, children, nil
}

// Upsert writes a record, inserting it on first touch.
func (r *PgRepository) Upsert(ctx context.Context, rec Record) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO balance_records
(org_id, plant_id, material_id, location_id, batch_id, unrestricted_qty, reserved_qty, blocked_qty, quality_inspection_qty, in_transit_qty, balance_qty, updated_at)
VALUES ($1,$2,$3,$4,$5,$6::numeric,$7::numeric,$8::numeric,$9::numeric,$10::numeric,$11::numeric,NOW())
ON CONFLICT (org_id, plant_id, material_id, location_id, batch_id) DO UPDATE SET
unrestricted_qty=EXCLUDED.unrestricted_qty,
reserved_qty=EXCLUDED.reserved_qty,
blocked_qty=EXCLUDED.blocked_qty,
quality_inspection_qty=EXCLUDED.quality_inspection_qty,
in_transit_qty=EXCLUDED.in_transit_qty,
balance_qty=EXCLUDED.balance_qty,
updated_at=NOW()
RETURNING id`,
		rec.OrgID, rec.PlantID, rec.MaterialID, rec.LocationID, rec.BatchID,
		rec.Unrestricted.String(), rec.Reserved.String(), rec.Blocked.String(),
		rec.QualityInspection.String(), rec.InTransit.String(), rec.BalanceQuantity.String()).Scan(&id)
	return id, err
}

// Delete removes a record created by a failed attempt.
func (r *PgRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM balance_records WHERE id=$1`, id)
	return err
}
