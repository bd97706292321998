// Package purchase records what drivers redeemed and settles new
// redemptions against the point ledger.
package purchase

import (
	"time"

	"github.com/warp/driver-rewards/ledger"
)

// PurchaseID is assigned by the store.
type PurchaseID int64

// StatusDelivered is the lifecycle label stamped on settled purchases.
// Status is free text; nothing downstream branches on it.
const StatusDelivered = "Delivered"

// Purchase is one redemption header.
type Purchase struct {
	ID      PurchaseID
	Driver  ledger.DriverID
	Date    ledger.Date
	Status  string
	Sponsor ledger.SponsorID

	// Price is the aggregate point cost of the purchase.
	Price ledger.Points
}

// LineItem is one product on a purchase. Identity is the composite
// (ProductID, PurchaseID); the product itself lives in the external
// catalog and is never stored locally.
type LineItem struct {
	ProductID  int64
	PurchaseID PurchaseID
	Quantity   int
}

// Filter narrows purchase queries. Both fields ANDed when present.
// Driver matching is case-insensitive.
type Filter struct {
	Driver  *ledger.DriverID
	Sponsor *ledger.SponsorID
}

// SettlementRecord remembers the result of a token-guarded settlement
// so that replaying the token returns the first result.
type SettlementRecord struct {
	Token        string
	PurchaseID   PurchaseID
	TotalCost    ledger.Points
	BalanceAfter ledger.Points
	CreatedAt    time.Time
}
