// Package api exposes the ledger engine over JSON HTTP. Document
// handlers in other systems are the intended callers; browsers are not.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/stockledger/internal/balance"
	"github.com/meridian-erp/stockledger/internal/engine"
	"github.com/meridian-erp/stockledger/internal/movement"
	"github.com/meridian-erp/stockledger/internal/platform/httpx"
)

// Engine is the subset of the ledger engine the API invokes.
type Engine interface {
	ApplyReceipt(ctx context.Context, in engine.ReceiptInput) (*movement.Movement, error)
	ApplyIssue(ctx context.Context, in engine.IssueInput) (*movement.Movement, error)
	ApplyCategoryTransfer(ctx context.Context, in engine.CategoryTransferInput) ([]movement.Movement, error)
	ApplyLocationTransfer(ctx context.Context, in engine.LocationTransferInput) ([]movement.Movement, error)
	QuoteCost(ctx context.Context, in engine.QuoteInput) (decimal.Decimal, error)
	Convert(ctx context.Context, orgID, itemID int64, qty decimal.Decimal, unit string) (decimal.Decimal, error)
	Valuate(ctx context.Context, orgID, plantID int64, materialIDs []int64) ([]engine.ValuationRow, error)
}

// BalanceReader serves balance lookups.
type BalanceReader interface {
	Get(ctx context.Context, key balance.LocationKey) (balance.Record, error)
	ListBatches(ctx context.Context, orgID, plantID, materialID, locationID int64) ([]balance.Record, error)
}

// MovementReader serves movement trail queries.
type MovementReader interface {
	Trail(ctx context.Context, filter movement.Filter) ([]movement.Movement, error)
}

// IdempotencyGuard rejects replayed requests by key.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, scope string) error
	Delete(ctx context.Context, key string) error
}

// Handler wires the ledger HTTP endpoints.
type Handler struct {
	logger      *slog.Logger
	engine      Engine
	balances    BalanceReader
	movements   MovementReader
	idempotency IdempotencyGuard
	validator   *validator.Validate
}

// NewHandler constructs a Handler. idempotency may be nil, in which case
// the Idempotency-Key header is ignored.
func NewHandler(logger *slog.Logger, eng Engine, balances BalanceReader, movements MovementReader, idempotency IdempotencyGuard) *Handler {
	return &Handler{
		logger:      logger,
		engine:      eng,
		balances:    balances,
		movements:   movements,
		idempotency: idempotency,
		validator:   validator.New(),
	}
}

// MountRoutes registers the ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receipts", h.handleReceipt)
	r.Post("/issues", h.handleIssue)
	r.Post("/transfers/category", h.handleCategoryTransfer)
	r.Post("/transfers/location", h.handleLocationTransfer)
	r.Post("/quotes", h.handleQuote)
	r.Post("/conversions", h.handleConversion)
	r.Get("/balances", h.handleBalances)
	r.Get("/movements", h.handleMovements)
	r.Get("/reports/valuation", h.handleValuation)
}

// guardIdempotency claims the request's Idempotency-Key, when present.
// The returned release func removes the claim so a failed request can be
// retried with the same key.
func (h *Handler) guardIdempotency(r *http.Request, scope string) (func(), error) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" || h.idempotency == nil {
		return func() {}, nil
	}
	if err := h.idempotency.CheckAndInsert(r.Context(), key, scope); err != nil {
		return nil, err
	}
	return func() {
		if err := h.idempotency.Delete(context.WithoutCancel(r.Context()), key); err != nil {
			h.logger.Error("release idempotency key", slog.String("key", key), slog.Any("error", err))
		}
	}, nil
}

func (h *Handler) decodeValid(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

type materialScope struct {
	OrgID      int64 `json:"org_id" validate:"required"`
	PlantID    int64 `json:"plant_id" validate:"required"`
	MaterialID int64 `json:"material_id" validate:"required"`
	BatchID    int64 `json:"batch_id"`
}

func (s materialScope) key() engine.MaterialKey {
	return engine.MaterialKey{OrgID: s.OrgID, PlantID: s.PlantID, MaterialID: s.MaterialID, BatchID: s.BatchID}
}

type receiptRequest struct {
	materialScope
	LocationID      int64           `json:"location_id" validate:"required"`
	Category        string          `json:"category" validate:"required"`
	Quantity        decimal.Decimal `json:"quantity" validate:"required"`
	Unit            string          `json:"unit"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	TransactionType string          `json:"transaction_type"`
	TrxNo           string          `json:"trx_no"`
	ParentTrxNo     string          `json:"parent_trx_no"`
	ActorID         int64           `json:"actor_id"`
}

type issueRequest struct {
	materialScope
	LocationID      int64           `json:"location_id" validate:"required"`
	Category        string          `json:"category" validate:"required"`
	Quantity        decimal.Decimal `json:"quantity" validate:"required"`
	Unit            string          `json:"unit"`
	ReservedQty     decimal.Decimal `json:"reserved_qty"`
	TransactionType string          `json:"transaction_type"`
	TrxNo           string          `json:"trx_no"`
	ParentTrxNo     string          `json:"parent_trx_no"`
	ActorID         int64           `json:"actor_id"`
}

type categoryTransferRequest struct {
	materialScope
	LocationID      int64           `json:"location_id" validate:"required"`
	From            string          `json:"from_category" validate:"required"`
	To              string          `json:"to_category" validate:"required"`
	Quantity        decimal.Decimal `json:"quantity" validate:"required"`
	Unit            string          `json:"unit"`
	TransactionType string          `json:"transaction_type"`
	TrxNo           string          `json:"trx_no"`
	ParentTrxNo     string          `json:"parent_trx_no"`
	ActorID         int64           `json:"actor_id"`
}

type locationTransferRequest struct {
	materialScope
	FromLocationID  int64           `json:"from_location_id" validate:"required"`
	ToLocationID    int64           `json:"to_location_id" validate:"required"`
	Category        string          `json:"category" validate:"required"`
	Quantity        decimal.Decimal `json:"quantity" validate:"required"`
	Unit            string          `json:"unit"`
	TransactionType string          `json:"transaction_type"`
	TrxNo           string          `json:"trx_no"`
	ParentTrxNo     string          `json:"parent_trx_no"`
	ActorID         int64           `json:"actor_id"`
}

type quoteRequest struct {
	materialScope
	DeductionQty *decimal.Decimal `json:"deduction_qty"`
	ReservedQty  decimal.Decimal  `json:"reserved_qty"`
}

type conversionRequest struct {
	OrgID      int64           `json:"org_id" validate:"required"`
	MaterialID int64           `json:"material_id" validate:"required"`
	Quantity   decimal.Decimal `json:"quantity" validate:"required"`
	Unit       string          `json:"unit"`
}

type movementResponse struct {
	ID              int64           `json:"id"`
	TransactionType string          `json:"transaction_type"`
	TrxNo           string          `json:"trx_no"`
	ParentTrxNo     string          `json:"parent_trx_no,omitempty"`
	Direction       string          `json:"direction"`
	Category        string          `json:"category"`
	Quantity        decimal.Decimal `json:"quantity"`
	BaseQuantity    decimal.Decimal `json:"base_quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	TotalPrice      decimal.Decimal `json:"total_price"`
	MaterialID      int64           `json:"material_id"`
	LocationID      int64           `json:"location_id"`
	BatchID         int64           `json:"batch_id,omitempty"`
	CostingMethod   string          `json:"costing_method"`
}

func toMovementResponse(m movement.Movement) movementResponse {
	return movementResponse{
		ID:              m.ID,
		TransactionType: m.TransactionType,
		TrxNo:           m.TrxNo,
		ParentTrxNo:     m.ParentTrxNo,
		Direction:       string(m.Direction),
		Category:        string(m.Category),
		Quantity:        m.Quantity,
		BaseQuantity:    m.BaseQuantity,
		UnitPrice:       m.UnitPrice,
		TotalPrice:      m.TotalPrice,
		MaterialID:      m.ItemID,
		LocationID:      m.LocationID,
		BatchID:         m.BatchID,
		CostingMethod:   string(m.CostingMethod),
	}
}

func toMovementResponses(ms []movement.Movement) []movementResponse {
	out := make([]movementResponse, 0, len(ms))
	for _, m := range ms {
		out = append(out, toMovementResponse(m))
	}
	return out
}

func (h *Handler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	release, err := h.guardIdempotency(r, "receipt")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	posted, err := h.engine.ApplyReceipt(r.Context(), engine.ReceiptInput{
		Key:             req.key(),
		LocationID:      req.LocationID,
		Category:        balance.Category(req.Category),
		Quantity:        req.Quantity,
		Unit:            req.Unit,
		UnitPrice:       req.UnitPrice,
		TransactionType: req.TransactionType,
		TrxNo:           req.TrxNo,
		ParentTrxNo:     req.ParentTrxNo,
		ActorID:         req.ActorID,
	})
	if err != nil {
		release()
		httpx.RespondError(w, err)
		return
	}
	if posted == nil {
		httpx.JSON(w, http.StatusOK, map[string]any{"skipped": true})
		return
	}
	httpx.JSON(w, http.StatusCreated, toMovementResponse(*posted))
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	release, err := h.guardIdempotency(r, "issue")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	posted, err := h.engine.ApplyIssue(r.Context(), engine.IssueInput{
		Key:             req.key(),
		LocationID:      req.LocationID,
		Category:        balance.Category(req.Category),
		Quantity:        req.Quantity,
		Unit:            req.Unit,
		ReservedQty:     req.ReservedQty,
		TransactionType: req.TransactionType,
		TrxNo:           req.TrxNo,
		ParentTrxNo:     req.ParentTrxNo,
		ActorID:         req.ActorID,
	})
	if err != nil {
		release()
		httpx.RespondError(w, err)
		return
	}
	if posted == nil {
		httpx.JSON(w, http.StatusOK, map[string]any{"skipped": true})
		return
	}
	httpx.JSON(w, http.StatusCreated, toMovementResponse(*posted))
}

func (h *Handler) handleCategoryTransfer(w http.ResponseWriter, r *http.Request) {
	var req categoryTransferRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	release, err := h.guardIdempotency(r, "category_transfer")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.engine.ApplyCategoryTransfer(r.Context(), engine.CategoryTransferInput{
		Key:             req.key(),
		LocationID:      req.LocationID,
		From:            balance.Category(req.From),
		To:              balance.Category(req.To),
		Quantity:        req.Quantity,
		Unit:            req.Unit,
		TransactionType: req.TransactionType,
		TrxNo:           req.TrxNo,
		ParentTrxNo:     req.ParentTrxNo,
		ActorID:         req.ActorID,
	})
	if err != nil {
		release()
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toMovementResponses(rows))
}

func (h *Handler) handleLocationTransfer(w http.ResponseWriter, r *http.Request) {
	var req locationTransferRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	release, err := h.guardIdempotency(r, "location_transfer")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.engine.ApplyLocationTransfer(r.Context(), engine.LocationTransferInput{
		Key:             req.key(),
		FromLocationID:  req.FromLocationID,
		ToLocationID:    req.ToLocationID,
		Category:        balance.Category(req.Category),
		Quantity:        req.Quantity,
		Unit:            req.Unit,
		TransactionType: req.TransactionType,
		TrxNo:           req.TrxNo,
		ParentTrxNo:     req.ParentTrxNo,
		ActorID:         req.ActorID,
	})
	if err != nil {
		release()
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toMovementResponses(rows))
}

func (h *Handler) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	price, err := h.engine.QuoteCost(r.Context(), engine.QuoteInput{
		Key:          req.key(),
		DeductionQty: req.DeductionQty,
		ReservedQty:  req.ReservedQty,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"unit_price": price})
}

func (h *Handler) handleConversion(w http.ResponseWriter, r *http.Request) {
	var req conversionRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	baseQty, err := h.engine.Convert(r.Context(), req.OrgID, req.MaterialID, req.Quantity, req.Unit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"base_quantity": baseQty})
}
