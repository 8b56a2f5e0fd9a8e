package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/stockledger/internal/balance"
	"github.com/meridian-erp/stockledger/internal/costing"
	"github.com/meridian-erp/stockledger/internal/item"
	"github.com/meridian-erp/stockledger/internal/movement"
	"github.com/meridian-erp/stockledger/internal/rounding"
	"github.com/meridian-erp/stockledger/internal/shared"
	"github.com/meridian-erp/stockledger/internal/uom"
)

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives engine counters. All methods must tolerate being
// called from concurrent goroutines.
type MetricsPort interface {
	MovementPosted(direction string)
	ShortfallDetected()
	CompensationRun(failed bool)
}

// Locker serialises mutations per key.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Engine is the costing and balance-ledger facade invoked by document
// handlers. Every mutating call is serialised per (org, plant, material)
// key; calls on different keys proceed independently.
type Engine struct {
	items     item.Source
	converter *uom.Converter
	fifo      *costing.FifoManager
	wavg      *costing.WavgManager
	ledger    *balance.Ledger
	movements *movement.Recorder
	locks     Locker
	audit     AuditPort
	metrics   MetricsPort
	logger    *slog.Logger
	policy    ShortfallPolicy
}

// Config groups optional engine settings.
type Config struct {
	Policy ShortfallPolicy
}

// New builds an Engine. audit and metrics may be nil.
func New(items item.Source, converter *uom.Converter, fifo *costing.FifoManager, wavg *costing.WavgManager,
	ledger *balance.Ledger, movements *movement.Recorder, locks Locker, audit AuditPort, metrics MetricsPort,
	cfg Config, logger *slog.Logger) *Engine {
	policy := cfg.Policy
	if !policy.Valid() {
		policy = ShortfallBestEffort
	}
	return &Engine{
		items:     items,
		converter: converter,
		fifo:      fifo,
		wavg:      wavg,
		ledger:    ledger,
		movements: movements,
		locks:     locks,
		audit:     audit,
		metrics:   metrics,
		logger:    logger,
		policy:    policy,
	}
}

// Convert resolves a quantity in an alternate unit to base units.
func (e *Engine) Convert(ctx context.Context, orgID, itemID int64, qty decimal.Decimal, unit string) (decimal.Decimal, error) {
	it, err := e.loadItem(ctx, orgID, itemID)
	if err != nil {
		return decimal.Zero, err
	}
	return e.converter.ToBase(it, qty, unit), nil
}

// QuoteCost returns a unit price for the keyed material, dispatching on
// the item's configured costing method.
func (e *Engine) QuoteCost(ctx context.Context, in QuoteInput) (decimal.Decimal, error) {
	if in.Key.MaterialID == 0 {
		return decimal.Zero, shared.Validationf("material required")
	}
	it, err := e.loadItem(ctx, in.Key.OrgID, in.Key.MaterialID)
	if err != nil {
		return decimal.Zero, err
	}
	if !it.StockControlled {
		return decimal.Zero, nil
	}
	switch it.CostingMethod {
	case item.CostingFIFO:
		return e.fifo.Quote(ctx, in.Key.costingKey(), in.DeductionQty, in.ReservedQty)
	case item.CostingWeightedAverage:
		return e.wavg.Quote(ctx, in.Key.costingKey())
	case item.CostingFixed:
		return rounding.Price(it.FixedPrice), nil
	default:
		return decimal.Zero, shared.Validationf("unknown costing method %q", it.CostingMethod)
	}
}

// ApplyReceipt posts one inbound line: costing update, balance update and
// movement row, unwound together on failure. A nil movement with a nil
// error means the item is excluded from stock control.
func (e *Engine) ApplyReceipt(ctx context.Context, in ReceiptInput) (*movement.Movement, error) {
	if err := validateCommon(in.Key, in.LocationID, in.Category, in.Quantity); err != nil {
		return nil, err
	}
	if in.UnitPrice.IsNegative() {
		return nil, shared.Validationf("unit price must not be negative")
	}
	it, err := e.loadItem(ctx, in.Key.OrgID, in.Key.MaterialID)
	if err != nil {
		return nil, err
	}
	if skip := e.skipUncontrolled(it, in.TrxNo); skip {
		return nil, nil
	}
	if err := checkBatch(it, in.Key); err != nil {
		return nil, err
	}
	if !it.CostingMethod.Valid() {
		return nil, shared.Validationf("unknown costing method %q", it.CostingMethod)
	}

	baseQty := e.converter.ToBase(it, in.Quantity, in.Unit)
	unitPrice := rounding.Price(in.UnitPrice)
	trxNo := orNewTrxNo(in.TrxNo)

	release, err := e.locks.Acquire(ctx, in.Key.lockKey())
	if err != nil {
		return nil, err
	}
	defer release()

	var posted movement.Movement
	uow := movement.NewUnitOfWork(e.logger)

	switch it.CostingMethod {
	case item.CostingFIFO:
		uow.Add("fifo_layer", func(ctx context.Context) (movement.Inverse, error) {
			layer, err := e.fifo.CreateLayer(ctx, in.Key.costingKey(), baseQty, unitPrice)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context) error {
				return e.fifo.Void(ctx, layer.ID)
			}, nil
		})
	case item.CostingWeightedAverage:
		uow.Add("weighted_average", func(ctx context.Context) (movement.Inverse, error) {
			change, err := e.wavg.OnReceipt(ctx, in.Key.costingKey(), baseQty, unitPrice)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context) error {
				return e.wavg.Restore(ctx, change)
			}, nil
		})
	}

	e.addBalanceStep(uow, in.Key.locationKey(in.LocationID), in.Category, baseQty)
	e.addMovementStep(uow, &posted, movement.Movement{
		OrgID:           in.Key.OrgID,
		PlantID:         in.Key.PlantID,
		TransactionType: in.TransactionType,
		TrxNo:           trxNo,
		ParentTrxNo:     in.ParentTrxNo,
		Direction:       movement.DirectionIn,
		Category:        in.Category,
		Quantity:        in.Quantity,
		BaseQuantity:    baseQty,
		UnitPrice:       unitPrice,
		ItemID:          in.Key.MaterialID,
		LocationID:      in.LocationID,
		BatchID:         in.Key.BatchID,
		CostingMethod:   it.CostingMethod,
	})

	if err := e.run(ctx, uow); err != nil {
		return nil, err
	}
	e.recordAudit(ctx, in.ActorID, in.Key, "receipt", trxNo, map[string]any{
		"location_id": in.LocationID,
		"category":    string(in.Category),
		"base_qty":    baseQty.String(),
		"unit_price":  unitPrice.String(),
	})
	e.countMovement(movement.DirectionIn)
	return &posted, nil
}

// ApplyIssue posts one outbound line. The unit price is quoted from the
// item's costing method before stock is consumed. Issuing against a
// location with no balance record at all is a reference error; issuing
// more than the recorded quantity follows the configured shortfall policy.
func (e *Engine) ApplyIssue(ctx context.Context, in IssueInput) (*movement.Movement, error) {
	if err := validateCommon(in.Key, in.LocationID, in.Category, in.Quantity); err != nil {
		return nil, err
	}
	if in.ReservedQty.IsNegative() {
		return nil, shared.Validationf("reserved quantity must not be negative")
	}
	it, err := e.loadItem(ctx, in.Key.OrgID, in.Key.MaterialID)
	if err != nil {
		return nil, err
	}
	if skip := e.skipUncontrolled(it, in.TrxNo); skip {
		return nil, nil
	}
	if err := checkBatch(it, in.Key); err != nil {
		return nil, err
	}

	baseQty := e.converter.ToBase(it, in.Quantity, in.Unit)
	trxNo := orNewTrxNo(in.TrxNo)

	release, err := e.locks.Acquire(ctx, in.Key.lockKey())
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := e.ledger.Get(ctx, in.Key.locationKey(in.LocationID))
	if err != nil {
		if errors.Is(err, balance.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no balance for material %d at location %d", shared.ErrReferenceNotFound, in.Key.MaterialID, in.LocationID)
		}
		return nil, err
	}
	if current.Category(in.Category).LessThan(baseQty) {
		if e.metrics != nil {
			e.metrics.ShortfallDetected()
		}
		if e.policy == ShortfallStrict {
			return nil, fmt.Errorf("%w: %s available %s, requested %s", shared.ErrStockShortfall,
				in.Category, current.Category(in.Category).String(), baseQty.String())
		}
		if e.logger != nil {
			e.logger.Warn("issue exceeds recorded stock, proceeding",
				slog.Int64("material_id", in.Key.MaterialID),
				slog.Int64("location_id", in.LocationID),
				slog.String("category", string(in.Category)),
				slog.String("available", current.Category(in.Category).String()),
				slog.String("requested", baseQty.String()))
		}
	}

	unitPrice, err := e.quoteForIssue(ctx, it, in.Key, baseQty, in.ReservedQty)
	if err != nil {
		return nil, err
	}

	var posted movement.Movement
	uow := movement.NewUnitOfWork(e.logger)

	switch it.CostingMethod {
	case item.CostingFIFO:
		uow.Add("fifo_deplete", func(ctx context.Context) (movement.Inverse, error) {
			consumed, residual, err := e.fifo.Deplete(ctx, in.Key.costingKey(), baseQty)
			if err != nil {
				return nil, err
			}
			if residual.IsPositive() {
				e.warnResidual(in.Key, trxNo, residual)
			}
			return func(ctx context.Context) error {
				return e.fifo.Restore(ctx, consumed)
			}, nil
		})
	case item.CostingWeightedAverage:
		uow.Add("weighted_average", func(ctx context.Context) (movement.Inverse, error) {
			change, shortfall, err := e.wavg.OnIssue(ctx, in.Key.costingKey(), baseQty)
			if err != nil {
				return nil, err
			}
			if shortfall.IsPositive() {
				e.warnResidual(in.Key, trxNo, shortfall)
			}
			return func(ctx context.Context) error {
				return e.wavg.Restore(ctx, change)
			}, nil
		})
	}

	e.addBalanceStep(uow, in.Key.locationKey(in.LocationID), in.Category, baseQty.Neg())
	e.addMovementStep(uow, &posted, movement.Movement{
		OrgID:           in.Key.OrgID,
		PlantID:         in.Key.PlantID,
		TransactionType: in.TransactionType,
		TrxNo:           trxNo,
		ParentTrxNo:     in.ParentTrxNo,
		Direction:       movement.DirectionOut,
		Category:        in.Category,
		Quantity:        in.Quantity,
		BaseQuantity:    baseQty,
		UnitPrice:       unitPrice,
		ItemID:          in.Key.MaterialID,
		LocationID:      in.LocationID,
		BatchID:         in.Key.BatchID,
		CostingMethod:   it.CostingMethod,
	})

	if err := e.run(ctx, uow); err != nil {
		return nil, err
	}
	e.recordAudit(ctx, in.ActorID, in.Key, "issue", trxNo, map[string]any{
		"location_id": in.LocationID,
		"category":    string(in.Category),
		"base_qty":    baseQty.String(),
		"unit_price":  unitPrice.String(),
	})
	e.countMovement(movement.DirectionOut)
	return &posted, nil
}

// ApplyCategoryTransfer moves quantity between two categories at one
// location. The balance quantity is conserved; two movement rows record
// the leg out of the source category and into the destination.
func (e *Engine) ApplyCategoryTransfer(ctx context.Context, in CategoryTransferInput) ([]movement.Movement, error) {
	if err := validateCommon(in.Key, in.LocationID, in.From, in.Quantity); err != nil {
		return nil, err
	}
	if !in.To.Valid() {
		return nil, shared.Validationf("unknown category %q", in.To)
	}
	if in.From == in.To {
		return nil, shared.Validationf("source and destination category must differ")
	}
	it, err := e.loadItem(ctx, in.Key.OrgID, in.Key.MaterialID)
	if err != nil {
		return nil, err
	}
	if skip := e.skipUncontrolled(it, in.TrxNo); skip {
		return nil, nil
	}

	baseQty := e.converter.ToBase(it, in.Quantity, in.Unit)
	trxNo := orNewTrxNo(in.TrxNo)

	release, err := e.locks.Acquire(ctx, in.Key.lockKey())
	if err != nil {
		return nil, err
	}
	defer release()

	if e.policy == ShortfallStrict {
		current, err := e.ledger.Get(ctx, in.Key.locationKey(in.LocationID))
		if err != nil && !errors.Is(err, balance.ErrRecordNotFound) {
			return nil, err
		}
		if current.Category(in.From).LessThan(baseQty) {
			return nil, fmt.Errorf("%w: %s available %s, requested %s", shared.ErrStockShortfall,
				in.From, current.Category(in.From).String(), baseQty.String())
		}
	}

	unitPrice, err := e.QuoteCost(ctx, QuoteInput{Key: in.Key})
	if err != nil {
		return nil, err
	}

	locKey := in.Key.locationKey(in.LocationID)
	var outRow, inRow movement.Movement
	uow := movement.NewUnitOfWork(e.logger)

	e.addBalanceStep(uow, locKey, in.From, baseQty.Neg())
	e.addBalanceStep(uow, locKey, in.To, baseQty)
	e.addMovementStep(uow, &outRow, e.transferRow(it, in.Key, in.LocationID, in.TransactionType, trxNo, in.ParentTrxNo, movement.DirectionOut, in.From, in.Quantity, baseQty, unitPrice))
	e.addMovementStep(uow, &inRow, e.transferRow(it, in.Key, in.LocationID, in.TransactionType, trxNo, in.ParentTrxNo, movement.DirectionIn, in.To, in.Quantity, baseQty, unitPrice))

	if err := e.run(ctx, uow); err != nil {
		return nil, err
	}
	e.recordAudit(ctx, in.ActorID, in.Key, "category_transfer", trxNo, map[string]any{
		"location_id": in.LocationID,
		"from":        string(in.From),
		"to":          string(in.To),
		"base_qty":    baseQty.String(),
	})
	e.countMovement(movement.DirectionOut)
	e.countMovement(movement.DirectionIn)
	return []movement.Movement{outRow, inRow}, nil
}

// ApplyLocationTransfer moves quantity in one category from one location
// to another within the same plant. Used by putaway and relocation flows.
func (e *Engine) ApplyLocationTransfer(ctx context.Context, in LocationTransferInput) ([]movement.Movement, error) {
	if err := validateCommon(in.Key, in.FromLocationID, in.Category, in.Quantity); err != nil {
		return nil, err
	}
	if in.ToLocationID == 0 {
		return nil, shared.Validationf("destination location required")
	}
	if in.FromLocationID == in.ToLocationID {
		return nil, shared.Validationf("source and destination location must differ")
	}
	it, err := e.loadItem(ctx, in.Key.OrgID, in.Key.MaterialID)
	if err != nil {
		return nil, err
	}
	if skip := e.skipUncontrolled(it, in.TrxNo); skip {
		return nil, nil
	}

	baseQty := e.converter.ToBase(it, in.Quantity, in.Unit)
	trxNo := orNewTrxNo(in.TrxNo)

	release, err := e.locks.Acquire(ctx, in.Key.lockKey())
	if err != nil {
		return nil, err
	}
	defer release()

	if e.policy == ShortfallStrict {
		current, err := e.ledger.Get(ctx, in.Key.locationKey(in.FromLocationID))
		if err != nil && !errors.Is(err, balance.ErrRecordNotFound) {
			return nil, err
		}
		if current.Category(in.Category).LessThan(baseQty) {
			return nil, fmt.Errorf("%w: %s available %s, requested %s", shared.ErrStockShortfall,
				in.Category, current.Category(in.Category).String(), baseQty.String())
		}
	}

	unitPrice, err := e.QuoteCost(ctx, QuoteInput{Key: in.Key})
	if err != nil {
		return nil, err
	}

	var outRow, inRow movement.Movement
	uow := movement.NewUnitOfWork(e.logger)

	e.addBalanceStep(uow, in.Key.locationKey(in.FromLocationID), in.Category, baseQty.Neg())
	e.addBalanceStep(uow, in.Key.locationKey(in.ToLocationID), in.Category, baseQty)
	e.addMovementStep(uow, &outRow, e.transferRow(it, in.Key, in.FromLocationID, in.TransactionType, trxNo, in.ParentTrxNo, movement.DirectionOut, in.Category, in.Quantity, baseQty, unitPrice))
	e.addMovementStep(uow, &inRow, e.transferRow(it, in.Key, in.ToLocationID, in.TransactionType, trxNo, in.ParentTrxNo, movement.DirectionIn, in.Category, in.Quantity, baseQty, unitPrice))

	if err := e.run(ctx, uow); err != nil {
		return nil, err
	}
	e.recordAudit(ctx, in.ActorID, in.Key, "location_transfer", trxNo, map[string]any{
		"from_location": in.FromLocationID,
		"to_location":   in.ToLocationID,
		"category":      string(in.Category),
		"base_qty":      baseQty.String(),
	})
	e.countMovement(movement.DirectionOut)
	e.countMovement(movement.DirectionIn)
	return []movement.Movement{outRow, inRow}, nil
}

// PrefetchItems warms the item cache for a document's lines. Lookups for
// distinct items do not contend and run concurrently.
func (e *Engine) PrefetchItems(ctx context.Context, orgID int64, itemIDs []int64) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range itemIDs {
		id := id
		g.Go(func() error {
			_, err := e.items.Get(ctx, orgID, id)
			if errors.Is(err, item.ErrItemNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func (e *Engine) quoteForIssue(ctx context.Context, it item.Item, key MaterialKey, baseQty, reserved decimal.Decimal) (decimal.Decimal, error) {
	switch it.CostingMethod {
	case item.CostingFIFO:
		return e.fifo.Quote(ctx, key.costingKey(), &baseQty, reserved)
	case item.CostingWeightedAverage:
		return e.wavg.Quote(ctx, key.costingKey())
	case item.CostingFixed:
		return rounding.Price(it.FixedPrice), nil
	default:
		return decimal.Zero, shared.Validationf("unknown costing method %q", it.CostingMethod)
	}
}

func (e *Engine) transferRow(it item.Item, key MaterialKey, locationID int64, trxType, trxNo, parentTrxNo string,
	direction movement.Direction, category balance.Category, qty, baseQty, unitPrice decimal.Decimal) movement.Movement {
	return movement.Movement{
		OrgID:           key.OrgID,
		PlantID:         key.PlantID,
		TransactionType: trxType,
		TrxNo:           trxNo,
		ParentTrxNo:     parentTrxNo,
		Direction:       direction,
		Category:        category,
		Quantity:        qty,
		BaseQuantity:    baseQty,
		UnitPrice:       unitPrice,
		ItemID:          key.MaterialID,
		LocationID:      locationID,
		BatchID:         key.BatchID,
		CostingMethod:   it.CostingMethod,
	}
}

func (e *Engine) addBalanceStep(uow *movement.UnitOfWork, key balance.LocationKey, category balance.Category, delta decimal.Decimal) {
	uow.Add("balance_"+string(category), func(ctx context.Context) (movement.Inverse, error) {
		change, err := e.ledger.ApplyCategoryDelta(ctx, key, category, delta)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			return e.ledger.Revert(ctx, change)
		}, nil
	})
}

func (e *Engine) addMovementStep(uow *movement.UnitOfWork, out *movement.Movement, row movement.Movement) {
	uow.Add("movement_"+string(row.Direction), func(ctx context.Context) (movement.Inverse, error) {
		posted, err := e.movements.Record(ctx, row)
		if err != nil {
			return nil, err
		}
		*out = posted
		return func(ctx context.Context) error {
			return e.movements.Discard(ctx, posted.ID)
		}, nil
	})
}

func (e *Engine) run(ctx context.Context, uow *movement.UnitOfWork) error {
	err := uow.Run(ctx)
	if err != nil && e.metrics != nil {
		e.metrics.CompensationRun(errors.Is(err, shared.ErrCompensationFailure))
	}
	return err
}

func (e *Engine) loadItem(ctx context.Context, orgID, itemID int64) (item.Item, error) {
	if itemID == 0 {
		return item.Item{}, shared.Validationf("material required")
	}
	it, err := e.items.Get(ctx, orgID, itemID)
	if err != nil {
		if errors.Is(err, item.ErrItemNotFound) {
			return item.Item{}, fmt.Errorf("%w: material %d", shared.ErrReferenceNotFound, itemID)
		}
		return item.Item{}, err
	}
	return it, nil
}

func (e *Engine) skipUncontrolled(it item.Item, trxNo string) bool {
	if it.StockControlled {
		return false
	}
	if e.logger != nil {
		e.logger.Info("item excluded from stock control, skipping",
			slog.Int64("item_id", it.ID),
			slog.String("trx_no", trxNo))
	}
	return true
}

func (e *Engine) warnResidual(key MaterialKey, trxNo string, residual decimal.Decimal) {
	if e.metrics != nil {
		e.metrics.ShortfallDetected()
	}
	if e.logger != nil {
		e.logger.Warn("costing shortfall, recorded stock insufficient for issue",
			slog.Int64("material_id", key.MaterialID),
			slog.Int64("plant_id", key.PlantID),
			slog.String("trx_no", trxNo),
			slog.String("residual", residual.String()))
	}
}

func (e *Engine) recordAudit(ctx context.Context, actorID int64, key MaterialKey, action, trxNo string, meta map[string]any) {
	if e.audit == nil {
		return
	}
	meta["material_id"] = key.MaterialID
	meta["plant_id"] = key.PlantID
	meta["batch_id"] = key.BatchID
	_ = e.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		OrgID:    key.OrgID,
		Action:   "ledger:" + action,
		Entity:   "inventory_movement",
		EntityID: trxNo,
		Meta:     meta,
	})
}

func (e *Engine) countMovement(direction movement.Direction) {
	if e.metrics != nil {
		e.metrics.MovementPosted(string(direction))
	}
}

func validateCommon(key MaterialKey, locationID int64, category balance.Category, qty decimal.Decimal) error {
	if key.MaterialID == 0 {
		return shared.Validationf("material required")
	}
	if locationID == 0 {
		return shared.Validationf("location required")
	}
	if !category.Valid() {
		return shared.Validationf("unknown category %q", category)
	}
	if !qty.IsPositive() {
		return shared.Validationf("quantity must be positive")
	}
	return nil
}

func checkBatch(it item.Item, key MaterialKey) error {
	if it.BatchTracked && key.BatchID == 0 {
		return shared.Validationf("batch required for batch-tracked material %d", it.ID)
	}
	return nil
}

func orNewTrxNo(trxNo string) string {
	if trxNo != "" {
		return trxNo
	}
	return uuid.NewString()
}
