/*
handlers.go - HTTP API handlers for the driver rewards system

PURPOSE:
  Exposes the point ledger and settlement workflow via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to
  domain logic.

ENDPOINTS:
  Ledger:
    POST   /pointchange          Append a ledger entry (credit/correction)
    GET    /pointchanges         Query ledger entries
    GET    /balance              Derived (driver, sponsor) balance

  Purchases:
    POST   /settle               Settle a cart (the main write path)
    POST   /purchase             Create a bare header (admin path)
    POST   /productpurchased     Record a line item (admin path)
    GET    /purchases            List purchases
    GET    /purchase_count       Count purchases
    GET    /purchase/{id}        Header plus line items

  Reports:
    GET    /reports/total_purchases
    GET    /reports/purchases_by_month
    GET    /reports/averages

  Reconciliation:
    GET    /reconciliation/runs  Sweep history
    POST   /reconciliation/sweep Trigger a sweep now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Insufficient balance, duplicate idempotency token
  - 500: Internal errors, partial settlement

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/driver-rewards/extern"
	"github.com/warp/driver-rewards/ledger"
	"github.com/warp/driver-rewards/purchase"
	"github.com/warp/driver-rewards/reconcile"
	"github.com/warp/driver-rewards/reporting"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers. Directory and
// Sweeper are optional.
type Handler struct {
	Ledger     *ledger.Ledger
	Balances   *ledger.BalanceCalculator
	Purchases  purchase.Store
	Settlement *purchase.SettlementService
	Reports    *reporting.Service
	Directory  *extern.DirectoryClient
	Sweeper    *reconcile.Sweeper
	Log        zerolog.Logger
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// CreatePointChange appends one ledger entry. Sponsor credits and
// manual corrections arrive here; debits come from settlement.
func (h *Handler) CreatePointChange(w http.ResponseWriter, r *http.Request) {
	var req CreatePointChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	date := ledger.Today()
	if req.PointChangeDate != "" {
		parsed, err := ledger.ParseDate(req.PointChangeDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "PointChangeDate must be YYYY-MM-DD", err)
			return
		}
		date = parsed
	}

	delta := decimal.NewFromFloat(req.PointChangeNumber)
	// Subtract entries are stored with a negative delta; accept either
	// sign from the client.
	if ledger.Action(req.PointChangeAction) == ledger.ActionSubtract && delta.IsPositive() {
		delta = delta.Neg()
	}

	id, err := h.Ledger.Append(r.Context(), ledger.Entry{
		Driver:         ledger.DriverID(req.PointChangeDriver),
		Sponsor:        ledger.SponsorID(req.PointChangeSponsor),
		Delta:          ledger.Points{Value: delta},
		Action:         ledger.Action(req.PointChangeAction),
		Date:           date,
		Reason:         req.PointChangeReason,
		IdempotencyKey: req.IdempotencyToken,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int64{"PointChangeID": int64(id)})
}

// ListPointChanges queries the ledger, optionally filtered by driver
// and/or sponsor.
func (h *Handler) ListPointChanges(w http.ResponseWriter, r *http.Request) {
	driver := r.URL.Query().Get("PointChangeDriver")
	sponsorParam := r.URL.Query().Get("PointChangeSponsor")

	var (
		entries []ledger.Entry
		err     error
	)
	switch {
	case driver != "" && sponsorParam != "":
		sponsor, perr := parseSponsor(sponsorParam)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "PointChangeSponsor must be an integer", perr)
			return
		}
		entries, err = h.Ledger.QueryByDriverAndSponsor(r.Context(), ledger.DriverID(driver), sponsor)
	case driver != "":
		entries, err = h.Ledger.QueryByDriver(r.Context(), ledger.DriverID(driver))
	case sponsorParam != "":
		sponsor, perr := parseSponsor(sponsorParam)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "PointChangeSponsor must be an integer", perr)
			return
		}
		entries, err = h.Ledger.QueryBySponsor(r.Context(), sponsor)
	default:
		writeError(w, http.StatusBadRequest, "PointChangeDriver or PointChangeSponsor required", nil)
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPointChangeDTOs(entries))
}

// GetBalance returns the derived balance for a (driver, sponsor) pair.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	driver := r.URL.Query().Get("PurchaseDriver")
	sponsorParam := r.URL.Query().Get("PurchaseSponsorID")
	if driver == "" || sponsorParam == "" {
		writeError(w, http.StatusBadRequest, "PurchaseDriver and PurchaseSponsorID required", nil)
		return
	}
	sponsor, err := parseSponsor(sponsorParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "PurchaseSponsorID must be an integer", err)
		return
	}

	balance, err := h.Balances.GetBalance(r.Context(), ledger.DriverID(driver), sponsor)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		Driver:  driver,
		Sponsor: int64(sponsor),
		Balance: balance.Float64(),
	})
}

// =============================================================================
// SETTLEMENT HANDLER
// =============================================================================

// Settle runs one checkout. Cart prices arrive in dollars; the
// sponsor's point-dollar ratio converts them to points before the
// settlement service sees the cart.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ratio := decimal.NewFromInt(1)
	if h.Directory != nil {
		var err error
		ratio, err = h.Directory.PointDollarRatio(r.Context(), ledger.SponsorID(req.PurchaseSponsorID))
		if err != nil {
			writeError(w, http.StatusBadGateway, "Failed to resolve sponsor point-dollar ratio", err)
			return
		}
	}

	cart := make([]purchase.CartLine, len(req.Items))
	for i, item := range req.Items {
		cart[i] = purchase.CartLine{
			ProductID: item.ProductID,
			UnitCost:  ledger.Points{Value: decimal.NewFromFloat(item.ProductPrice).Mul(ratio)},
			Quantity:  item.Quantity,
		}
	}

	result, err := h.Settlement.Settle(r.Context(), purchase.SettleRequest{
		Driver:           ledger.DriverID(req.PurchaseDriver),
		Sponsor:          ledger.SponsorID(req.PurchaseSponsorID),
		Cart:             cart,
		Notify:           req.Notify,
		IdempotencyToken: req.IdempotencyToken,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, SettleResponseDTO{
		PurchaseID:   int64(result.PurchaseID),
		TotalCost:    result.TotalCost.Float64(),
		BalanceAfter: result.BalanceAfter.Float64(),
		Replayed:     result.Replayed,
	})
}

// =============================================================================
// PURCHASE HANDLERS
// =============================================================================

// CreatePurchase inserts a bare header. Admin/backfill path; no
// balance check, no ledger debit.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req CreatePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PurchaseDriver == "" || req.PurchaseSponsorID <= 0 {
		writeError(w, http.StatusBadRequest, "PurchaseDriver and PurchaseSponsorID required", nil)
		return
	}

	date := ledger.Today()
	if req.PurchaseDate != "" {
		parsed, err := ledger.ParseDate(req.PurchaseDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "PurchaseDate must be YYYY-MM-DD", err)
			return
		}
		date = parsed
	}
	status := req.PurchaseStatus
	if status == "" {
		status = purchase.StatusDelivered
	}

	id, err := h.Purchases.CreatePurchase(r.Context(), purchase.Purchase{
		Driver:  ledger.DriverID(req.PurchaseDriver),
		Date:    date,
		Status:  status,
		Sponsor: ledger.SponsorID(req.PurchaseSponsorID),
		Price:   ledger.NewPoints(req.PurchasePrice),
	})
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int64{"PurchaseID": int64(id)})
}

// AddLineItem records one product on an existing purchase.
func (h *Handler) AddLineItem(w http.ResponseWriter, r *http.Request) {
	var req CreateLineItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ProductPurchasedID <= 0 || req.PurchaseAssociatedID <= 0 || req.ProductPurchaseQuantity <= 0 {
		writeError(w, http.StatusBadRequest, "ProductPurchasedID, PurchaseAssociatedID and ProductPurchaseQuantity required", nil)
		return
	}

	err := h.Purchases.AddLineItem(r.Context(), purchase.LineItem{
		ProductID:  req.ProductPurchasedID,
		PurchaseID: purchase.PurchaseID(req.PurchaseAssociatedID),
		Quantity:   req.ProductPurchaseQuantity,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// ListPurchases lists purchases, optionally filtered by driver and/or
// sponsor.
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	filter, err := purchaseFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "PurchaseSponsorID must be an integer", err)
		return
	}

	purchases, err := h.Purchases.ListPurchases(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPurchaseDTOs(purchases))
}

// CountPurchases counts purchases under the same filter semantics as
// ListPurchases.
func (h *Handler) CountPurchases(w http.ResponseWriter, r *http.Request) {
	filter, err := purchaseFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "PurchaseSponsorID must be an integer", err)
		return
	}

	count, err := h.Purchases.CountPurchases(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PurchaseCountDTO{Count: count})
}

// GetPurchase returns a header with its line items.
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Purchase id must be an integer", err)
		return
	}

	p, err := h.Purchases.GetPurchase(r.Context(), purchase.PurchaseID(id))
	if err != nil {
		respondError(w, err)
		return
	}
	items, err := h.Purchases.GetLineItems(r.Context(), p.ID)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		PurchaseDTO
		Items []LineItemDTO `json:"Items"`
	}{toPurchaseDTO(p), toLineItemDTOs(items)})
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

func (h *Handler) TotalPurchases(w http.ResponseWriter, r *http.Request) {
	var f reporting.TotalsFilter
	if v := r.URL.Query().Get("PurchaseDriver"); v != "" {
		d := ledger.DriverID(v)
		f.Driver = &d
	}
	if v := r.URL.Query().Get("PurchaseSponsorID"); v != "" {
		sponsor, err := parseSponsor(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "PurchaseSponsorID must be an integer", err)
			return
		}
		f.Sponsor = &sponsor
	}
	if v := r.URL.Query().Get("From"); v != "" {
		d, err := ledger.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "From must be YYYY-MM-DD", err)
			return
		}
		f.From = &d
	}
	if v := r.URL.Query().Get("To"); v != "" {
		d, err := ledger.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "To must be YYYY-MM-DD", err)
			return
		}
		f.To = &d
	}

	totals, err := h.Reports.TotalPurchases(r.Context(), f)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PurchaseTotalsDTO{
		Count:       totals.Count,
		TotalPoints: totals.TotalPoints.Float64(),
	})
}

func (h *Handler) PurchasesByMonth(w http.ResponseWriter, r *http.Request) {
	sponsor, err := parseSponsor(r.URL.Query().Get("PurchaseSponsorID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "PurchaseSponsorID must be an integer", err)
		return
	}

	year := ledger.Today().Year()
	if v := r.URL.Query().Get("Year"); v != "" {
		year, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Year must be an integer", err)
			return
		}
	}

	rows, err := h.Reports.PurchasesByMonth(r.Context(), sponsor, year)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toMonthCountDTOs(rows))
}

func (h *Handler) Averages(w http.ResponseWriter, r *http.Request) {
	averages, err := h.Reports.Averages(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AveragesDTO{
		Sponsors:         averages.Sponsors,
		AverageBalance:   averages.AverageBalance.Float64(),
		AveragePurchases: averages.AveragePurchases,
	})
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

func (h *Handler) ListReconcileRuns(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, http.StatusNotFound, "Reconciliation is not configured", nil)
		return
	}

	runs := h.Sweeper.Runs()
	dtos := make([]ReconcileRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toReconcileRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, http.StatusNotFound, "Reconciliation is not configured", nil)
		return
	}

	run, err := h.Sweeper.Sweep(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileRunDTO(run))
}

// Health is the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func parseSponsor(s string) (ledger.SponsorID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ledger.SponsorID(v), nil
}

func purchaseFilterFromQuery(r *http.Request) (purchase.Filter, error) {
	var f purchase.Filter
	if v := r.URL.Query().Get("PurchaseDriver"); v != "" {
		d := ledger.DriverID(v)
		f.Driver = &d
	}
	if v := r.URL.Query().Get("PurchaseSponsorID"); v != "" {
		sponsor, err := parseSponsor(v)
		if err != nil {
			return f, err
		}
		f.Sponsor = &sponsor
	}
	return f, nil
}

// respondError maps domain errors onto HTTP statuses.
func respondError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: "Insufficient balance",
			Code:  "insufficient_balance",
			Details: map[string]any{
				"available": insufficient.Available.Float64(),
				"requested": insufficient.Requested.Float64(),
				"shortfall": insufficient.Shortfall.Float64(),
			},
		})
		return
	}

	var partial *purchase.PartialSettlementError
	if errors.As(err, &partial) {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "Settlement partially completed; reconciliation required",
			Code:  "partial_settlement",
			Details: map[string]any{
				"purchase_id": int64(partial.PurchaseID),
				"state":       string(partial.State),
			},
		})
		return
	}

	switch {
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, "Duplicate idempotency token", err)
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", nil)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
