package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/meridian-erp/stockledger/internal/balance"
	"github.com/meridian-erp/stockledger/internal/movement"
	"github.com/meridian-erp/stockledger/internal/platform/httpx"
	"github.com/meridian-erp/stockledger/internal/shared"
)

var reportPrinter = message.NewPrinter(language.English)

type balanceResponse struct {
	MaterialID        int64           `json:"material_id"`
	LocationID        int64           `json:"location_id"`
	BatchID           int64           `json:"batch_id,omitempty"`
	Unrestricted      decimal.Decimal `json:"unrestricted"`
	Reserved          decimal.Decimal `json:"reserved"`
	Blocked           decimal.Decimal `json:"blocked"`
	QualityInspection decimal.Decimal `json:"quality_inspection"`
	InTransit         decimal.Decimal `json:"in_transit"`
	BalanceQuantity   decimal.Decimal `json:"balance_quantity"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toBalanceResponse(rec balance.Record) balanceResponse {
	return balanceResponse{
		MaterialID:        rec.MaterialID,
		LocationID:        rec.LocationID,
		BatchID:           rec.BatchID,
		Unrestricted:      rec.Unrestricted,
		Reserved:          rec.Reserved,
		Blocked:           rec.Blocked,
		QualityInspection: rec.QualityInspection,
		InTransit:         rec.InTransit,
		BalanceQuantity:   rec.BalanceQuantity,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, shared.Validationf("invalid %s %q", name, raw)
	}
	return v, nil
}

func requireQueryInt64(r *http.Request, name string) (int64, error) {
	v, err := queryInt64(r, name)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, shared.Validationf("%s required", name)
	}
	return v, nil
}

// handleBalances returns the location-level record plus, for batch-tracked
// materials, its batch children.
func (h *Handler) handleBalances(w http.ResponseWriter, r *http.Request) {
	orgID, err := requireQueryInt64(r, "org")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	plantID, err := requireQueryInt64(r, "plant")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	materialID, err := requireQueryInt64(r, "material")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	locationID, err := requireQueryInt64(r, "location")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	key := balance.LocationKey{OrgID: orgID, PlantID: plantID, MaterialID: materialID, LocationID: locationID}
	rec, err := h.balances.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, balance.ErrRecordNotFound) {
			err = fmt.Errorf("%w: no balance for material %d at location %d", shared.ErrReferenceNotFound, materialID, locationID)
		}
		httpx.RespondError(w, err)
		return
	}
	batches, err := h.balances.ListBatches(r.Context(), orgID, plantID, materialID, locationID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	batchResponses := make([]balanceResponse, 0, len(batches))
	for _, b := range batches {
		batchResponses = append(batchResponses, toBalanceResponse(b))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"balance": toBalanceResponse(rec),
		"batches": batchResponses,
	})
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	orgID, err := requireQueryInt64(r, "org")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	plantID, err := queryInt64(r, "plant")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	materialID, err := queryInt64(r, "material")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	locationID, err := queryInt64(r, "location")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := movement.Filter{
		OrgID:      orgID,
		PlantID:    plantID,
		ItemID:     materialID,
		LocationID: locationID,
		TrxNo:      r.URL.Query().Get("trx_no"),
		Limit:      500,
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.RespondError(w, shared.Validationf("invalid from date %q", raw))
			return
		}
		filter.From = from
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		to, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.RespondError(w, shared.Validationf("invalid to date %q", raw))
			return
		}
		filter.To = to.Add(24*time.Hour - time.Nanosecond)
	}

	rows, err := h.movements.Trail(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": toMovementResponses(rows)})
}

type valuationRowResponse struct {
	MaterialID    int64           `json:"material_id"`
	Code          string          `json:"code"`
	CostingMethod string          `json:"costing_method"`
	OnHandQty     decimal.Decimal `json:"on_hand_qty"`
	Value         decimal.Decimal `json:"value"`
}

// handleValuation values the requested materials and totals them. The
// display total is grouped for report consumers; the raw total stays
// machine-readable.
func (h *Handler) handleValuation(w http.ResponseWriter, r *http.Request) {
	orgID, err := requireQueryInt64(r, "org")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	plantID, err := requireQueryInt64(r, "plant")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rawIDs := r.URL.Query().Get("materials")
	if rawIDs == "" {
		httpx.RespondError(w, shared.Validationf("materials required"))
		return
	}
	var materialIDs []int64
	for _, part := range strings.Split(rawIDs, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id == 0 {
			httpx.RespondError(w, shared.Validationf("invalid material id %q", part))
			return
		}
		materialIDs = append(materialIDs, id)
	}

	rows, err := h.engine.Valuate(r.Context(), orgID, plantID, materialIDs)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]valuationRowResponse, 0, len(rows))
	total := decimal.Zero
	for _, row := range rows {
		total = total.Add(row.Value)
		out = append(out, valuationRowResponse{
			MaterialID:    row.MaterialID,
			Code:          row.Code,
			CostingMethod: string(row.CostingMethod),
			OnHandQty:     row.OnHandQty,
			Value:         row.Value,
		})
	}
	totalFloat, _ := total.Float64()
	httpx.JSON(w, http.StatusOK, map[string]any{
		"rows":          out,
		"total_value":   total,
		"total_display": reportPrinter.Sprintf("%.2f", totalFloat),
	})
}
