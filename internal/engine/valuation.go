package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/stockledger/internal/item"
	"github.com/meridian-erp/stockledger/internal/rounding"
)

// ValuationRow summarises the stock value of one material within a plant.
type ValuationRow struct {
	MaterialID    int64
	Code          string
	CostingMethod item.CostingMethod
	OnHandQty     decimal.Decimal
	Value         decimal.Decimal
}

// Valuate computes the stock value for the given materials. FIFO values
// are the sum of available layer quantities at their layer cost; weighted
// average is quantity times rolling cost. Materials are independent and
// valued concurrently.
func (e *Engine) Valuate(ctx context.Context, orgID, plantID int64, materialIDs []int64) ([]ValuationRow, error) {
	if err := e.PrefetchItems(ctx, orgID, materialIDs); err != nil {
		return nil, err
	}
	var (
		mu   sync.Mutex
		rows []ValuationRow
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range materialIDs {
		id := id
		g.Go(func() error {
			row, ok, err := e.valuateOne(ctx, orgID, plantID, id)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			mu.Lock()
			rows = append(rows, row)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].MaterialID < rows[j].MaterialID })
	return rows, nil
}

func (e *Engine) valuateOne(ctx context.Context, orgID, plantID, materialID int64) (ValuationRow, bool, error) {
	it, err := e.loadItem(ctx, orgID, materialID)
	if err != nil {
		return ValuationRow{}, false, err
	}
	if !it.StockControlled {
		return ValuationRow{}, false, nil
	}
	row := ValuationRow{MaterialID: materialID, Code: it.Code, CostingMethod: it.CostingMethod}

	switch it.CostingMethod {
	case item.CostingFIFO:
		layers, err := e.fifo.MaterialLayers(ctx, orgID, plantID, materialID)
		if err != nil {
			return ValuationRow{}, false, err
		}
		for _, layer := range layers {
			row.OnHandQty = row.OnHandQty.Add(layer.AvailableQuantity)
			row.Value = row.Value.Add(layer.AvailableQuantity.Mul(layer.CostPrice))
		}
	case item.CostingWeightedAverage:
		recs, err := e.wavg.MaterialRecords(ctx, orgID, plantID, materialID)
		if err != nil {
			return ValuationRow{}, false, err
		}
		for _, rec := range recs {
			row.OnHandQty = row.OnHandQty.Add(rec.Quantity)
			row.Value = row.Value.Add(rec.Quantity.Mul(rec.CostPrice))
		}
	case item.CostingFixed:
		// Fixed-cost items carry no costing records; value from the
		// aggregate balance is not tracked per plant here.
		row.Value = decimal.Zero
	}
	row.OnHandQty = rounding.Qty(row.OnHandQty)
	row.Value = rounding.Price(row.Value)
	return row, true, nil
}
