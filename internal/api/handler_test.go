package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/stockledger/internal/balance"
	"github.com/meridian-erp/stockledger/internal/engine"
	"github.com/meridian-erp/stockledger/internal/movement"
	"github.com/meridian-erp/stockledger/internal/shared"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type stubEngine struct {
	receipt    func(engine.ReceiptInput) (*movement.Movement, error)
	issue      func(engine.IssueInput) (*movement.Movement, error)
	valuate    func([]int64) ([]engine.ValuationRow, error)
	lastQuote  engine.QuoteInput
	quotePrice decimal.Decimal
}

func (s *stubEngine) ApplyReceipt(ctx context.Context, in engine.ReceiptInput) (*movement.Movement, error) {
	return s.receipt(in)
}

func (s *stubEngine) ApplyIssue(ctx context.Context, in engine.IssueInput) (*movement.Movement, error) {
	return s.issue(in)
}

func (s *stubEngine) ApplyCategoryTransfer(ctx context.Context, in engine.CategoryTransferInput) ([]movement.Movement, error) {
	return []movement.Movement{{TrxNo: in.TrxNo, Direction: movement.DirectionOut}, {TrxNo: in.TrxNo, Direction: movement.DirectionIn}}, nil
}

func (s *stubEngine) ApplyLocationTransfer(ctx context.Context, in engine.LocationTransferInput) ([]movement.Movement, error) {
	return []movement.Movement{{Direction: movement.DirectionOut}, {Direction: movement.DirectionIn}}, nil
}

func (s *stubEngine) QuoteCost(ctx context.Context, in engine.QuoteInput) (decimal.Decimal, error) {
	s.lastQuote = in
	return s.quotePrice, nil
}

func (s *stubEngine) Convert(ctx context.Context, orgID, itemID int64, qty decimal.Decimal, unit string) (decimal.Decimal, error) {
	return qty.Mul(d("12")), nil
}

func (s *stubEngine) Valuate(ctx context.Context, orgID, plantID int64, materialIDs []int64) ([]engine.ValuationRow, error) {
	return s.valuate(materialIDs)
}

type stubBalances struct {
	record  balance.Record
	batches []balance.Record
	err     error
}

func (s *stubBalances) Get(ctx context.Context, key balance.LocationKey) (balance.Record, error) {
	return s.record, s.err
}

func (s *stubBalances) ListBatches(ctx context.Context, orgID, plantID, materialID, locationID int64) ([]balance.Record, error) {
	return s.batches, nil
}

type stubMovements struct {
	lastFilter movement.Filter
	rows       []movement.Movement
}

func (s *stubMovements) Trail(ctx context.Context, filter movement.Filter) ([]movement.Movement, error) {
	s.lastFilter = filter
	return s.rows, nil
}

type stubIdempotency struct {
	claimed []string
	deleted []string
	err     error
}

func (s *stubIdempotency) CheckAndInsert(ctx context.Context, key, scope string) error {
	if s.err != nil {
		return s.err
	}
	s.claimed = append(s.claimed, key)
	return nil
}

func (s *stubIdempotency) Delete(ctx context.Context, key string) error {
	s.deleted = append(s.deleted, key)
	return nil
}

func newTestHandler(eng *stubEngine, balances *stubBalances, movements *stubMovements, idem *stubIdempotency) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, eng, balances, movements, idem)
	r := chi.NewRouter()
	r.Route("/api", h.MountRoutes)
	return r
}

func postJSON(t *testing.T, handler http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

const receiptBody = `{"org_id":1,"plant_id":10,"material_id":7,"location_id":100,"category":"UNRESTRICTED","quantity":"5","unit_price":"2"}`

func TestPostReceiptCreated(t *testing.T) {
	eng := &stubEngine{receipt: func(in engine.ReceiptInput) (*movement.Movement, error) {
		require.Equal(t, int64(7), in.Key.MaterialID)
		require.True(t, in.Quantity.Equal(d("5")))
		return &movement.Movement{ID: 1, Direction: movement.DirectionIn, TrxNo: "T-1", Quantity: in.Quantity}, nil
	}}
	handler := newTestHandler(eng, &stubBalances{}, &stubMovements{}, nil)

	rr := postJSON(t, handler, "/api/receipts", receiptBody, nil)
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp movementResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "T-1", resp.TrxNo)
	require.Equal(t, "IN", resp.Direction)
}

func TestPostReceiptValidation(t *testing.T) {
	handler := newTestHandler(&stubEngine{}, &stubBalances{}, &stubMovements{}, nil)

	rr := postJSON(t, handler, "/api/receipts", `{"org_id":1}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = postJSON(t, handler, "/api/receipts", `{not json`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPostReceiptSkippedItem(t *testing.T) {
	eng := &stubEngine{receipt: func(in engine.ReceiptInput) (*movement.Movement, error) {
		return nil, nil
	}}
	handler := newTestHandler(eng, &stubBalances{}, &stubMovements{}, nil)

	rr := postJSON(t, handler, "/api/receipts", receiptBody, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"skipped":true`)
}

func TestIdempotencyKeyClaimedAndReleasedOnFailure(t *testing.T) {
	idem := &stubIdempotency{}
	eng := &stubEngine{receipt: func(in engine.ReceiptInput) (*movement.Movement, error) {
		return nil, shared.Validationf("quantity must be positive")
	}}
	handler := newTestHandler(eng, &stubBalances{}, &stubMovements{}, idem)

	rr := postJSON(t, handler, "/api/receipts", receiptBody, map[string]string{"Idempotency-Key": "abc"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, []string{"abc"}, idem.claimed)
	require.Equal(t, []string{"abc"}, idem.deleted)
}

func TestIdempotencyConflict(t *testing.T) {
	idem := &stubIdempotency{err: shared.ErrIdempotencyConflict}
	called := false
	eng := &stubEngine{receipt: func(in engine.ReceiptInput) (*movement.Movement, error) {
		called = true
		return nil, nil
	}}
	handler := newTestHandler(eng, &stubBalances{}, &stubMovements{}, idem)

	rr := postJSON(t, handler, "/api/receipts", receiptBody, map[string]string{"Idempotency-Key": "abc"})
	require.Equal(t, http.StatusConflict, rr.Code)
	require.False(t, called)
}

func TestIssueShortfallMapsToConflict(t *testing.T) {
	eng := &stubEngine{issue: func(in engine.IssueInput) (*movement.Movement, error) {
		return nil, shared.ErrStockShortfall
	}}
	handler := newTestHandler(eng, &stubBalances{}, &stubMovements{}, nil)

	body := `{"org_id":1,"plant_id":10,"material_id":7,"location_id":100,"category":"UNRESTRICTED","quantity":"8"}`
	rr := postJSON(t, handler, "/api/issues", body, nil)
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestQuotePassesDeduction(t *testing.T) {
	eng := &stubEngine{quotePrice: d("2.75")}
	handler := newTestHandler(eng, &stubBalances{}, &stubMovements{}, nil)

	body := `{"org_id":1,"plant_id":10,"material_id":7,"deduction_qty":"8"}`
	rr := postJSON(t, handler, "/api/quotes", body, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, eng.lastQuote.DeductionQty)
	require.True(t, eng.lastQuote.DeductionQty.Equal(d("8")))
	require.Contains(t, rr.Body.String(), "2.75")
}

func TestGetBalances(t *testing.T) {
	balances := &stubBalances{
		record: balance.Record{MaterialID: 7, LocationID: 100, Unrestricted: d("5"), BalanceQuantity: d("5"), UpdatedAt: time.Now()},
		batches: []balance.Record{
			{MaterialID: 7, LocationID: 100, BatchID: 1, Unrestricted: d("2")},
			{MaterialID: 7, LocationID: 100, BatchID: 2, Unrestricted: d("3")},
		},
	}
	handler := newTestHandler(&stubEngine{}, balances, &stubMovements{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/balances?org=1&plant=10&material=7&location=100", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Balance balanceResponse   `json:"balance"`
		Batches []balanceResponse `json:"batches"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.Balance.Unrestricted.Equal(d("5")))
	require.Len(t, resp.Batches, 2)
}

func TestGetBalancesMissingRecord(t *testing.T) {
	handler := newTestHandler(&stubEngine{}, &stubBalances{err: balance.ErrRecordNotFound}, &stubMovements{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/balances?org=1&plant=10&material=7&location=100", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetBalancesRequiresScope(t *testing.T) {
	handler := newTestHandler(&stubEngine{}, &stubBalances{}, &stubMovements{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/balances?material=7", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetMovementsBuildsFilter(t *testing.T) {
	movements := &stubMovements{rows: []movement.Movement{{ID: 1, TrxNo: "T-1"}}}
	handler := newTestHandler(&stubEngine{}, &stubBalances{}, movements, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/movements?org=1&material=7&from=2026-01-01&to=2026-01-31", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, int64(7), movements.lastFilter.ItemID)
	require.Equal(t, 1, movements.lastFilter.From.Day())
	require.Equal(t, 31, movements.lastFilter.To.Day())
}

func TestValuationReportTotals(t *testing.T) {
	eng := &stubEngine{valuate: func(ids []int64) ([]engine.ValuationRow, error) {
		require.Equal(t, []int64{7, 8}, ids)
		return []engine.ValuationRow{
			{MaterialID: 7, Code: "A", OnHandQty: d("8"), Value: d("1250000")},
			{MaterialID: 8, Code: "B", OnHandQty: d("10"), Value: d("60")},
		}, nil
	}}
	handler := newTestHandler(eng, &stubBalances{}, &stubMovements{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/reports/valuation?org=1&plant=10&materials=7,8", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"total_value":"1250060"`)
	require.Contains(t, rr.Body.String(), `1,250,060.00`)
}
