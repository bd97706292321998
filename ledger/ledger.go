/*
ledger.go - Append-only point-change log

PURPOSE:
  The Ledger is the immutable source of truth for all point movements.
  Every sponsor grant, redemption debit, and manual override is recorded
  here. Balance is always computed by replaying entries - there is no
  separate "balance" column that can drift out of sync.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. NO BALANCE VALIDATION: The ledger accepts any well-formed entry.
     Guarding against overspend is the settlement service's job, done
     before the debit is appended.
  3. IDEMPOTENT: Same idempotency key = same entry (no duplicates).

WHY NO VALIDATION HERE?
  Sponsors credit points through paths the ledger never sees (external
  sponsor tooling writes Add entries directly). If the ledger enforced
  balance rules it would need to know about every write path. Instead it
  stays dumb and durable, and the one spending path checks first.

SEE ALSO:
  - balance.go: Derived balance from the entry log
  - store/: SQLite, Postgres, and in-memory implementations
*/
package ledger

import "context"

// =============================================================================
// STORE - Persistence interface (append-only)
// =============================================================================

// Store persists ledger entries. IMPORTANT: append-only. No Update, no
// Delete. Corrections are made with Set entries.
type Store interface {
	// Append persists one entry and returns its assigned id. Fails with
	// ErrDuplicateIdempotencyKey if the key already exists. The entry is
	// durable before Append returns.
	Append(ctx context.Context, e Entry) (EntryID, error)

	// QueryByDriver returns all entries for a driver, in insertion order.
	QueryByDriver(ctx context.Context, driver DriverID) ([]Entry, error)

	// QueryBySponsor returns all entries for a sponsor, in insertion order.
	QueryBySponsor(ctx context.Context, sponsor SponsorID) ([]Entry, error)

	// QueryByDriverAndSponsor returns all entries for a (driver, sponsor)
	// pair, in insertion order. This is the balance hot path.
	QueryByDriverAndSponsor(ctx context.Context, driver DriverID, sponsor SponsorID) ([]Entry, error)

	// QueryAll returns every entry. Used by reporting and reconciliation.
	QueryAll(ctx context.Context) ([]Entry, error)

	// Exists checks whether an idempotency key has been used.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

// =============================================================================
// LEDGER - Validating wrapper over a Store
// =============================================================================

// Ledger validates well-formedness and delegates persistence. It never
// inspects the running balance.
type Ledger struct {
	Store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{Store: store}
}

// Append validates the entry shape and persists it.
func (l *Ledger) Append(ctx context.Context, e Entry) (EntryID, error) {
	if err := validateEntry(e); err != nil {
		return 0, err
	}
	if e.IdempotencyKey != "" {
		exists, err := l.Store.Exists(ctx, e.IdempotencyKey)
		if err != nil {
			return 0, err
		}
		if exists {
			return 0, ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.Append(ctx, e)
}

func (l *Ledger) QueryByDriver(ctx context.Context, driver DriverID) ([]Entry, error) {
	return l.Store.QueryByDriver(ctx, driver)
}

func (l *Ledger) QueryBySponsor(ctx context.Context, sponsor SponsorID) ([]Entry, error) {
	return l.Store.QueryBySponsor(ctx, sponsor)
}

func (l *Ledger) QueryByDriverAndSponsor(ctx context.Context, driver DriverID, sponsor SponsorID) ([]Entry, error) {
	return l.Store.QueryByDriverAndSponsor(ctx, driver, sponsor)
}

func validateEntry(e Entry) error {
	if e.Driver == "" {
		return &ValidationError{Field: "driver", Message: "required"}
	}
	if e.Sponsor <= 0 {
		return &ValidationError{Field: "sponsor", Message: "required"}
	}
	if !e.Action.Valid() {
		return &ValidationError{Field: "action", Message: "must be Add, Subtract, or Set"}
	}
	if e.Date.IsZero() {
		return &ValidationError{Field: "date", Message: "required"}
	}
	return nil
}
