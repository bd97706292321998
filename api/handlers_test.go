/*
handlers_test.go - HTTP-level tests for the rewards API

Tests run real requests through the full router against the in-memory
store, so middleware, JSON contracts, and error mapping are all
covered together.
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/warp/driver-rewards/api"
	"github.com/warp/driver-rewards/ledger"
	"github.com/warp/driver-rewards/purchase"
	"github.com/warp/driver-rewards/reconcile"
	"github.com/warp/driver-rewards/reporting"
	"github.com/warp/driver-rewards/store/memory"
)

// =============================================================================
// TEST FIXTURE
// =============================================================================

type fixture struct {
	router http.Handler
	store  *memory.Store
	ledger *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	log := zerolog.Nop()

	settlement := purchase.NewSettlementService(store, store, log)
	settlement.Atomic = store
	settlement.Tokens = store

	handler := &api.Handler{
		Ledger:     settlement.Ledger,
		Balances:   settlement.Balances,
		Purchases:  store,
		Settlement: settlement,
		Reports:    reporting.NewService(store, store),
		Sweeper:    reconcile.NewSweeper(store, store, store, 24*time.Hour, log),
		Log:        log,
	}

	return &fixture{
		router: api.NewRouter(handler),
		store:  store,
		ledger: settlement.Ledger,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func (f *fixture) credit(t *testing.T, driver string, sponsor int64, amount float64) {
	t.Helper()
	_, err := f.ledger.Append(context.Background(), ledger.Entry{
		Driver:  ledger.DriverID(driver),
		Sponsor: ledger.SponsorID(sponsor),
		Delta:   ledger.NewPoints(amount),
		Action:  ledger.ActionAdd,
		Date:    ledger.Today(),
	})
	require.NoError(t, err)
}

// =============================================================================
// LEDGER ENDPOINTS
// =============================================================================

func TestCreatePointChange(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/pointchange", map[string]any{
		"PointChangeDriver":  "alice@x.com",
		"PointChangeSponsor": 1,
		"PointChangeNumber":  500,
		"PointChangeAction":  "Add",
		"PointChangeDate":    "2025-03-01",
		"PointChangeReason":  "signup bonus",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]int64
	decode(t, rec, &resp)
	require.NotZero(t, resp["PointChangeID"])
}

func TestCreatePointChange_SubtractAcceptsPositiveNumber(t *testing.T) {
	// GIVEN: A 100-point balance
	// WHEN: A Subtract arrives with a positive PointChangeNumber
	// THEN: The balance still goes down

	f := newFixture(t)
	f.credit(t, "alice@x.com", 1, 100)

	rec := f.do(t, http.MethodPost, "/pointchange", map[string]any{
		"PointChangeDriver":  "alice@x.com",
		"PointChangeSponsor": 1,
		"PointChangeNumber":  30,
		"PointChangeAction":  "Subtract",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/balance?PurchaseDriver=alice@x.com&PurchaseSponsorID=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var balance struct {
		Balance float64 `json:"Balance"`
	}
	decode(t, rec, &balance)
	require.InDelta(t, 70, balance.Balance, 1e-9)
}

func TestCreatePointChange_BadActionIs400(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/pointchange", map[string]any{
		"PointChangeDriver":  "alice@x.com",
		"PointChangeSponsor": 1,
		"PointChangeNumber":  10,
		"PointChangeAction":  "Increment",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePointChange_DuplicateTokenIs409(t *testing.T) {
	f := newFixture(t)

	body := map[string]any{
		"PointChangeDriver":  "alice@x.com",
		"PointChangeSponsor": 1,
		"PointChangeNumber":  10,
		"PointChangeAction":  "Add",
		"IdempotencyToken":   "grant-1",
	}

	rec := f.do(t, http.MethodPost, "/pointchange", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/pointchange", body)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestListPointChanges(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "alice@x.com", 1, 100)
	f.credit(t, "alice@x.com", 2, 50)
	f.credit(t, "bob@x.com", 1, 25)

	rec := f.do(t, http.MethodGet, "/pointchanges?PointChangeDriver=alice@x.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []map[string]any
	decode(t, rec, &entries)
	require.Len(t, entries, 2)

	rec = f.do(t, http.MethodGet, "/pointchanges?PointChangeDriver=alice@x.com&PointChangeSponsor=1", nil)
	decode(t, rec, &entries)
	require.Len(t, entries, 1)

	rec = f.do(t, http.MethodGet, "/pointchanges", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBalance_RequiresBothParams(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/balance?PurchaseDriver=alice@x.com", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// SETTLEMENT ENDPOINT
// =============================================================================

func TestSettle_HappyPath(t *testing.T) {
	// GIVEN: 500 points; no directory client, so dollar prices are taken
	//        as points one-to-one
	// WHEN: Settling a 1.29 cart
	// THEN: 201 with the new balance; the purchase and its items exist

	f := newFixture(t)
	f.credit(t, "alice@x.com", 1, 500)

	rec := f.do(t, http.MethodPost, "/settle", map[string]any{
		"PurchaseDriver":    "alice@x.com",
		"PurchaseSponsorID": 1,
		"Items": []map[string]any{
			{"ProductID": 10, "ProductPrice": 0.99, "Quantity": 1},
			{"ProductID": 11, "ProductPrice": 0.15, "Quantity": 2},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		PurchaseID   int64   `json:"PurchaseID"`
		TotalCost    float64 `json:"TotalCost"`
		BalanceAfter float64 `json:"BalanceAfter"`
	}
	decode(t, rec, &resp)
	require.NotZero(t, resp.PurchaseID)
	require.InDelta(t, 1.29, resp.TotalCost, 1e-9)
	require.InDelta(t, 498.71, resp.BalanceAfter, 1e-9)

	rec = f.do(t, http.MethodGet, "/purchase/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var p struct {
		PurchaseDriver string           `json:"PurchaseDriver"`
		PurchasePrice  float64          `json:"PurchasePrice"`
		Items          []map[string]any `json:"Items"`
	}
	decode(t, rec, &p)
	require.Equal(t, "alice@x.com", p.PurchaseDriver)
	require.InDelta(t, 1.29, p.PurchasePrice, 1e-9)
	require.Len(t, p.Items, 2)
}

func TestSettle_InsufficientBalanceIs409(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "alice@x.com", 1, 10)

	rec := f.do(t, http.MethodPost, "/settle", map[string]any{
		"PurchaseDriver":    "alice@x.com",
		"PurchaseSponsorID": 1,
		"Items": []map[string]any{
			{"ProductID": 10, "ProductPrice": 60, "Quantity": 1},
		},
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp struct {
		Code    string `json:"code"`
		Details struct {
			Shortfall float64 `json:"shortfall"`
		} `json:"details"`
	}
	decode(t, rec, &resp)
	require.Equal(t, "insufficient_balance", resp.Code)
	require.InDelta(t, 50, resp.Details.Shortfall, 1e-9)

	// Nothing was written.
	rec = f.do(t, http.MethodGet, "/purchase_count", nil)
	var count struct {
		Count int `json:"Count"`
	}
	decode(t, rec, &count)
	require.Zero(t, count.Count)
}

func TestSettle_EmptyCartIs400(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "alice@x.com", 1, 100)

	rec := f.do(t, http.MethodPost, "/settle", map[string]any{
		"PurchaseDriver":    "alice@x.com",
		"PurchaseSponsorID": 1,
		"Items":             []map[string]any{},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettle_TokenReplay(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "alice@x.com", 1, 100)

	body := map[string]any{
		"PurchaseDriver":    "alice@x.com",
		"PurchaseSponsorID": 1,
		"Items": []map[string]any{
			{"ProductID": 10, "ProductPrice": 30, "Quantity": 1},
		},
		"IdempotencyToken": "t-1",
	}

	rec := f.do(t, http.MethodPost, "/settle", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/settle", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Replayed bool `json:"Replayed"`
	}
	decode(t, rec, &resp)
	require.True(t, resp.Replayed)

	rec = f.do(t, http.MethodGet, "/purchase_count", nil)
	var count struct {
		Count int `json:"Count"`
	}
	decode(t, rec, &count)
	require.Equal(t, 1, count.Count)
}

// =============================================================================
// PURCHASE ENDPOINTS
// =============================================================================

func TestCreatePurchaseAndLineItems(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/purchase", map[string]any{
		"PurchaseDriver":    "alice@x.com",
		"PurchaseDate":      "2025-03-09",
		"PurchaseSponsorID": 1,
		"PurchasePrice":     25.50,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]int64
	decode(t, rec, &created)
	id := created["PurchaseID"]
	require.NotZero(t, id)

	rec = f.do(t, http.MethodPost, "/productpurchased", map[string]any{
		"ProductPurchasedID":      5,
		"PurchaseAssociatedID":    id,
		"ProductPurchaseQuantity": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Line items on a missing purchase 404.
	rec = f.do(t, http.MethodPost, "/productpurchased", map[string]any{
		"ProductPurchasedID":      5,
		"PurchaseAssociatedID":    999,
		"ProductPurchaseQuantity": 1,
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListPurchases_Filtered(t *testing.T) {
	f := newFixture(t)

	for _, driver := range []string{"a@x.com", "b@x.com", "a@x.com"} {
		rec := f.do(t, http.MethodPost, "/purchase", map[string]any{
			"PurchaseDriver":    driver,
			"PurchaseSponsorID": 1,
			"PurchasePrice":     10,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/purchases?PurchaseDriver=a@x.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var purchases []map[string]any
	decode(t, rec, &purchases)
	require.Len(t, purchases, 2)
}

func TestGetPurchase_NotFoundIs404(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/purchase/42", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/purchase/abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// REPORT ENDPOINTS
// =============================================================================

func TestReports(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "alice@x.com", 1, 100)

	rec := f.do(t, http.MethodPost, "/purchase", map[string]any{
		"PurchaseDriver":    "alice@x.com",
		"PurchaseDate":      "2025-03-09",
		"PurchaseSponsorID": 1,
		"PurchasePrice":     10,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/reports/total_purchases?PurchaseSponsorID=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var totals struct {
		Count       int     `json:"Count"`
		TotalPoints float64 `json:"TotalPoints"`
	}
	decode(t, rec, &totals)
	require.Equal(t, 1, totals.Count)
	require.InDelta(t, 10, totals.TotalPoints, 1e-9)

	rec = f.do(t, http.MethodGet, "/reports/purchases_by_month?PurchaseSponsorID=1&Year=2025", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var months []struct {
		Month string `json:"Month"`
		Count int    `json:"Count"`
	}
	decode(t, rec, &months)
	require.Len(t, months, 12)
	require.Equal(t, "January", months[0].Month)
	require.Equal(t, 1, months[2].Count) // March

	rec = f.do(t, http.MethodGet, "/reports/averages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var averages struct {
		Sponsors int `json:"Sponsors"`
	}
	decode(t, rec, &averages)
	require.Equal(t, 1, averages.Sponsors)
}

// =============================================================================
// RECONCILIATION ENDPOINTS
// =============================================================================

func TestReconciliation_SweepAndHistory(t *testing.T) {
	// GIVEN: A purchase header with no matching ledger debit
	// WHEN: Triggering a sweep
	// THEN: The orphan shows up as a mismatch and in the run history

	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/purchase", map[string]any{
		"PurchaseDriver":    "alice@x.com",
		"PurchaseSponsorID": 1,
		"PurchasePrice":     10,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/reconciliation/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var run struct {
		Mismatches []int64 `json:"mismatches"`
	}
	decode(t, rec, &run)
	require.Len(t, run.Mismatches, 1)

	rec = f.do(t, http.MethodGet, "/reconciliation/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []map[string]any
	decode(t, rec, &runs)
	require.Len(t, runs, 1)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
