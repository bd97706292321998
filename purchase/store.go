/*
store.go - Persistence interfaces for purchases and settlements

PURPOSE:
  Defines the interfaces between the settlement workflow and the
  database. Implementations live in store/sqlite, store/postgres, and
  store/memory; all three also implement Atomic and TokenStore so the
  settlement write sequence is all-or-nothing everywhere.

ATOMICITY:
  Atomic.WithTx runs a function against transaction-scoped views of
  both stores. Either every write in the function commits or none do.
  A settlement service without Atomic falls back to sequential writes
  and surfaces PartialSettlementError when a later write fails.
*/
package purchase

import (
	"context"
	"time"

	"github.com/warp/driver-rewards/ledger"
)

// Store persists purchase headers and line items.
type Store interface {
	// CreatePurchase inserts a header and returns its assigned id.
	CreatePurchase(ctx context.Context, p Purchase) (PurchaseID, error)

	// AddLineItem inserts one line. Independent write per call.
	AddLineItem(ctx context.Context, li LineItem) error

	// GetPurchase fails with ledger.ErrNotFound if absent.
	GetPurchase(ctx context.Context, id PurchaseID) (Purchase, error)

	// ListPurchases applies the filter fields ANDed; driver matching is
	// case-insensitive.
	ListPurchases(ctx context.Context, f Filter) ([]Purchase, error)

	// CountPurchases counts with the same filter semantics.
	CountPurchases(ctx context.Context, f Filter) (int, error)

	// GetLineItems returns all lines for a purchase.
	GetLineItems(ctx context.Context, id PurchaseID) ([]LineItem, error)
}

// Atomic executes fn within one storage transaction spanning the ledger
// and purchase tables. If fn returns an error the transaction is rolled
// back.
type Atomic interface {
	WithTx(ctx context.Context, fn func(ls ledger.Store, ps Store) error) error
}

// TokenStore persists idempotency results for settlement replays.
type TokenStore interface {
	SaveSettlement(ctx context.Context, rec SettlementRecord) error

	// GetSettlement returns nil with no error when the token is unknown.
	GetSettlement(ctx context.Context, token string) (*SettlementRecord, error)

	// PruneSettlements drops records created before the cutoff and
	// returns how many were removed.
	PruneSettlements(ctx context.Context, olderThan time.Time) (int, error)
}
