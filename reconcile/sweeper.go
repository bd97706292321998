/*
Package reconcile audits settlement consistency and prunes expired
idempotency records.

PURPOSE:
  On the non-transactional settlement path a crash between the purchase
  insert and the ledger debit leaves a purchase without a matching
  debit. The sweep finds those purchases by joining purchase ids
  against the reference ids of Subtract entries, reports them through
  metrics and the API, and drops idempotency records older than the
  retention window.

The sweep never repairs automatically; mismatches are surfaced for an
operator to resolve with a compensating ledger entry.
*/
package reconcile

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/driver-rewards/ledger"
	"github.com/warp/driver-rewards/metrics"
	"github.com/warp/driver-rewards/purchase"
)

// keepRuns bounds the in-memory run history.
const keepRuns = 50

// Run is the outcome of one sweep.
type Run struct {
	ID           string
	StartedAt    time.Time
	CompletedAt  time.Time
	Mismatches   []purchase.PurchaseID
	TokensPruned int
	Error        string
}

// Sweeper runs consistency sweeps. Tokens is optional.
type Sweeper struct {
	Ledger      ledger.Store
	Purchases   purchase.Store
	Tokens      purchase.TokenStore
	TokenWindow time.Duration
	Log         zerolog.Logger

	mu   sync.Mutex
	runs []Run
}

func NewSweeper(ls ledger.Store, ps purchase.Store, ts purchase.TokenStore, window time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		Ledger:      ls,
		Purchases:   ps,
		Tokens:      ts,
		TokenWindow: window,
		Log:         log,
	}
}

// Sweep performs one full pass and records the run.
func (s *Sweeper) Sweep(ctx context.Context) (Run, error) {
	run := Run{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}

	mismatches, err := s.findMismatches(ctx)
	if err != nil {
		run.Error = err.Error()
		run.CompletedAt = time.Now().UTC()
		s.record(run)
		return run, err
	}
	run.Mismatches = mismatches
	metrics.ReconcileMismatches.Set(float64(len(mismatches)))

	if s.Tokens != nil && s.TokenWindow > 0 {
		pruned, err := s.Tokens.PruneSettlements(ctx, time.Now().Add(-s.TokenWindow))
		if err != nil {
			run.Error = err.Error()
			run.CompletedAt = time.Now().UTC()
			s.record(run)
			return run, err
		}
		run.TokensPruned = pruned
		metrics.TokensPrunedTotal.Add(float64(pruned))
	}

	run.CompletedAt = time.Now().UTC()
	s.record(run)

	s.Log.Info().
		Str("run", run.ID).
		Int("mismatches", len(run.Mismatches)).
		Int("tokens_pruned", run.TokensPruned).
		Msg("reconciliation sweep completed")
	return run, nil
}

// findMismatches returns purchases that have no Subtract entry
// referencing them.
func (s *Sweeper) findMismatches(ctx context.Context) ([]purchase.PurchaseID, error) {
	purchases, err := s.Purchases.ListPurchases(ctx, purchase.Filter{})
	if err != nil {
		return nil, err
	}
	entries, err := s.Ledger.QueryAll(ctx)
	if err != nil {
		return nil, err
	}

	debited := make(map[purchase.PurchaseID]bool)
	for _, e := range entries {
		if e.Action != ledger.ActionSubtract || e.ReferenceID == "" {
			continue
		}
		id, err := strconv.ParseInt(e.ReferenceID, 10, 64)
		if err != nil {
			// Debits can reference things other than purchases.
			continue
		}
		debited[purchase.PurchaseID(id)] = true
	}

	var mismatches []purchase.PurchaseID
	for _, p := range purchases {
		if !debited[p.ID] {
			mismatches = append(mismatches, p.ID)
		}
	}
	return mismatches, nil
}

func (s *Sweeper) record(run Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	if len(s.runs) > keepRuns {
		s.runs = s.runs[len(s.runs)-keepRuns:]
	}
}

// Runs returns the retained sweep history, newest last.
func (s *Sweeper) Runs() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, len(s.runs))
	copy(out, s.runs)
	return out
}
