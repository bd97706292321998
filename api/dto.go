/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  Field names follow the legacy dashboard contract (PurchaseDriver,
  PointChangeNumber, ...), which existing clients depend on. Do not
  rename them without a coordinated client rollout.

VALIDATION:
  Validation is done in handlers and the domain layer, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - purchase/settlement.go: The settlement workflow behind POST /settle
*/
package api

import (
	"time"

	"github.com/warp/driver-rewards/ledger"
	"github.com/warp/driver-rewards/purchase"
	"github.com/warp/driver-rewards/reconcile"
	"github.com/warp/driver-rewards/reporting"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// CreatePurchaseRequest creates a bare purchase header (admin path; the
// normal flow goes through POST /settle).
type CreatePurchaseRequest struct {
	PurchaseDriver    string  `json:"PurchaseDriver"`
	PurchaseDate      string  `json:"PurchaseDate"`
	PurchaseStatus    string  `json:"PurchaseStatus"`
	PurchaseSponsorID int64   `json:"PurchaseSponsorID"`
	PurchasePrice     float64 `json:"PurchasePrice"`
}

// PurchaseDTO represents a purchase in API responses.
type PurchaseDTO struct {
	PurchaseID        int64   `json:"PurchaseID"`
	PurchaseDriver    string  `json:"PurchaseDriver"`
	PurchaseDate      string  `json:"PurchaseDate"`
	PurchaseStatus    string  `json:"PurchaseStatus"`
	PurchaseSponsorID int64   `json:"PurchaseSponsorID"`
	PurchasePrice     float64 `json:"PurchasePrice"`
}

// CreatePointChangeRequest appends one ledger entry (sponsor credit or
// manual correction path).
type CreatePointChangeRequest struct {
	PointChangeDriver  string  `json:"PointChangeDriver"`
	PointChangeSponsor int64   `json:"PointChangeSponsor"`
	PointChangeNumber  float64 `json:"PointChangeNumber"`
	PointChangeAction  string  `json:"PointChangeAction"`
	PointChangeDate    string  `json:"PointChangeDate,omitempty"`
	PointChangeReason  string  `json:"PointChangeReason,omitempty"`
	IdempotencyToken   string  `json:"IdempotencyToken,omitempty"`
}

// PointChangeDTO represents a ledger entry in API responses.
type PointChangeDTO struct {
	PointChangeID      int64   `json:"PointChangeID"`
	PointChangeDriver  string  `json:"PointChangeDriver"`
	PointChangeSponsor int64   `json:"PointChangeSponsor"`
	PointChangeNumber  float64 `json:"PointChangeNumber"`
	PointChangeAction  string  `json:"PointChangeAction"`
	PointChangeDate    string  `json:"PointChangeDate"`
	ReferenceID        string  `json:"ReferenceID,omitempty"`
	Reason             string  `json:"Reason,omitempty"`
	CreatedAt          string  `json:"CreatedAt,omitempty"`
}

// CreateLineItemRequest records one product on an existing purchase.
type CreateLineItemRequest struct {
	ProductPurchasedID      int64 `json:"ProductPurchasedID"`
	PurchaseAssociatedID    int64 `json:"PurchaseAssociatedID"`
	ProductPurchaseQuantity int   `json:"ProductPurchaseQuantity"`
}

// LineItemDTO represents one line of a purchase.
type LineItemDTO struct {
	ProductPurchasedID      int64 `json:"ProductPurchasedID"`
	PurchaseAssociatedID    int64 `json:"PurchaseAssociatedID"`
	ProductPurchaseQuantity int   `json:"ProductPurchaseQuantity"`
}

// SettleRequestDTO is one checkout. ProductPrice is the catalog dollar
// price; the handler converts it to points with the sponsor's
// point-dollar ratio.
type SettleRequestDTO struct {
	PurchaseDriver    string          `json:"PurchaseDriver"`
	PurchaseSponsorID int64           `json:"PurchaseSponsorID"`
	Items             []CartLineDTO   `json:"Items"`
	Notify            bool            `json:"Notify"`
	IdempotencyToken  string          `json:"IdempotencyToken,omitempty"`
}

// CartLineDTO is one cart line in a settle request.
type CartLineDTO struct {
	ProductID    int64   `json:"ProductID"`
	ProductPrice float64 `json:"ProductPrice"`
	Quantity     int     `json:"Quantity"`
}

// SettleResponseDTO reports the settlement outcome.
type SettleResponseDTO struct {
	PurchaseID   int64   `json:"PurchaseID"`
	TotalCost    float64 `json:"TotalCost"`
	BalanceAfter float64 `json:"BalanceAfter"`
	Replayed     bool    `json:"Replayed,omitempty"`
}

// BalanceDTO answers GET /balance.
type BalanceDTO struct {
	Driver  string  `json:"PurchaseDriver"`
	Sponsor int64   `json:"PurchaseSponsorID"`
	Balance float64 `json:"Balance"`
}

// PurchaseCountDTO answers GET /purchase_count.
type PurchaseCountDTO struct {
	Count int `json:"Count"`
}

// PurchaseTotalsDTO answers GET /reports/total_purchases.
type PurchaseTotalsDTO struct {
	Count       int     `json:"Count"`
	TotalPoints float64 `json:"TotalPoints"`
}

// MonthCountDTO is one row of the by-month report.
type MonthCountDTO struct {
	Month string `json:"Month"`
	Count int    `json:"Count"`
}

// AveragesDTO answers GET /reports/averages.
type AveragesDTO struct {
	Sponsors         int     `json:"Sponsors"`
	AverageBalance   float64 `json:"AverageBalance"`
	AveragePurchases float64 `json:"AveragePurchases"`
}

// ReconcileRunDTO is one recorded reconciliation sweep.
type ReconcileRunDTO struct {
	ID           string  `json:"id"`
	StartedAt    string  `json:"started_at"`
	CompletedAt  string  `json:"completed_at"`
	Mismatches   []int64 `json:"mismatches"`
	TokensPruned int     `json:"tokens_pruned"`
	Error        string  `json:"error,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toPurchaseDTO(p purchase.Purchase) PurchaseDTO {
	return PurchaseDTO{
		PurchaseID:        int64(p.ID),
		PurchaseDriver:    string(p.Driver),
		PurchaseDate:      p.Date.String(),
		PurchaseStatus:    p.Status,
		PurchaseSponsorID: int64(p.Sponsor),
		PurchasePrice:     p.Price.Float64(),
	}
}

func toPurchaseDTOs(ps []purchase.Purchase) []PurchaseDTO {
	dtos := make([]PurchaseDTO, len(ps))
	for i, p := range ps {
		dtos[i] = toPurchaseDTO(p)
	}
	return dtos
}

func toPointChangeDTO(e ledger.Entry) PointChangeDTO {
	return PointChangeDTO{
		PointChangeID:      int64(e.ID),
		PointChangeDriver:  string(e.Driver),
		PointChangeSponsor: int64(e.Sponsor),
		PointChangeNumber:  e.Delta.Float64(),
		PointChangeAction:  string(e.Action),
		PointChangeDate:    e.Date.String(),
		ReferenceID:        e.ReferenceID,
		Reason:             e.Reason,
		CreatedAt:          e.CreatedAt.Format(time.RFC3339),
	}
}

func toPointChangeDTOs(entries []ledger.Entry) []PointChangeDTO {
	dtos := make([]PointChangeDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toPointChangeDTO(e)
	}
	return dtos
}

func toLineItemDTOs(items []purchase.LineItem) []LineItemDTO {
	dtos := make([]LineItemDTO, len(items))
	for i, li := range items {
		dtos[i] = LineItemDTO{
			ProductPurchasedID:      li.ProductID,
			PurchaseAssociatedID:    int64(li.PurchaseID),
			ProductPurchaseQuantity: li.Quantity,
		}
	}
	return dtos
}

func toMonthCountDTOs(rows []reporting.MonthCount) []MonthCountDTO {
	dtos := make([]MonthCountDTO, len(rows))
	for i, row := range rows {
		dtos[i] = MonthCountDTO{Month: row.Month.String(), Count: row.Count}
	}
	return dtos
}

func toReconcileRunDTO(run reconcile.Run) ReconcileRunDTO {
	mismatches := make([]int64, len(run.Mismatches))
	for i, id := range run.Mismatches {
		mismatches[i] = int64(id)
	}
	return ReconcileRunDTO{
		ID:           run.ID,
		StartedAt:    run.StartedAt.Format(time.RFC3339),
		CompletedAt:  run.CompletedAt.Format(time.RFC3339),
		Mismatches:   mismatches,
		TokensPruned: run.TokensPruned,
		Error:        run.Error,
	}
}
