/*
balance.go - Derived balance calculation

PURPOSE:
  Answers "what can this driver spend at this sponsor right now." The
  balance is the replay of all ledger entries for the (driver, sponsor)
  pair, ordered by date then ledger sequence.

REPLAY RULES:
  Add/Subtract: the running total accumulates the signed Delta.
                (Subtract entries carry a negative Delta.)
  Set:          the running total is replaced by Delta. Entries after a
                Set accumulate from the Set value.

EXAMPLE:
  Add +500, Subtract -1.29            -> 498.71
  Add +500, Set 100, Subtract -30     -> 70

CACHING:
  There is no cache. Every call replays the pair's entries. Callers that
  memoize must invalidate on any subsequent Append for the pair.
*/
package ledger

import (
	"context"
	"sort"
)

// =============================================================================
// BALANCE CALCULATOR
// =============================================================================

// BalanceCalculator derives balances from the ledger. Pure reads, no
// side effects.
type BalanceCalculator struct {
	Ledger *Ledger
}

func NewBalanceCalculator(l *Ledger) *BalanceCalculator {
	return &BalanceCalculator{Ledger: l}
}

// GetBalance replays all entries for the pair and returns the running
// total.
func (bc *BalanceCalculator) GetBalance(ctx context.Context, driver DriverID, sponsor SponsorID) (Points, error) {
	entries, err := bc.Ledger.QueryByDriverAndSponsor(ctx, driver, sponsor)
	if err != nil {
		return Points{}, err
	}
	return Replay(entries), nil
}

// Replay folds entries into a balance. Entries are ordered by date,
// breaking ties with the ledger sequence id, so same-day entries apply
// in insertion order.
func Replay(entries []Entry) Points {
	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Date.Equal(ordered[j].Date) {
			return ordered[i].Date.Before(ordered[j].Date)
		}
		return ordered[i].ID < ordered[j].ID
	})

	total := ZeroPoints()
	for _, e := range ordered {
		if e.Action == ActionSet {
			total = e.Delta
			continue
		}
		total = total.Add(e.Delta)
	}
	return total
}

// BalancesBySponsor replays every entry grouped by (driver, sponsor)
// and returns the per-pair balances keyed by sponsor. Used by reporting
// for cross-sponsor aggregates.
func BalancesBySponsor(entries []Entry) map[SponsorID]map[DriverID]Points {
	grouped := make(map[SponsorID]map[DriverID][]Entry)
	for _, e := range entries {
		driver := NormalizeDriver(e.Driver)
		if grouped[e.Sponsor] == nil {
			grouped[e.Sponsor] = make(map[DriverID][]Entry)
		}
		grouped[e.Sponsor][driver] = append(grouped[e.Sponsor][driver], e)
	}

	out := make(map[SponsorID]map[DriverID]Points, len(grouped))
	for sponsor, byDriver := range grouped {
		out[sponsor] = make(map[DriverID]Points, len(byDriver))
		for driver, es := range byDriver {
			out[sponsor][driver] = Replay(es)
		}
	}
	return out
}
