/*
Package reporting answers aggregate questions for sponsor dashboards.

PURPOSE:
  Read-only views over the ledger and the purchase tables. Nothing here
  writes; every figure is recomputed per call from source data.

NOTES:
  PurchasesByMonth always returns twelve rows, January through
  December, with zero counts for months that had no purchases. Callers
  chart the result directly.
*/
package reporting

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/driver-rewards/ledger"
	"github.com/warp/driver-rewards/purchase"
)

// Service computes aggregates over the ledger and purchase stores.
type Service struct {
	Ledger    ledger.Store
	Purchases purchase.Store
}

func NewService(ls ledger.Store, ps purchase.Store) *Service {
	return &Service{Ledger: ls, Purchases: ps}
}

// TotalsFilter narrows purchase totals. All fields are optional and
// ANDed.
type TotalsFilter struct {
	Driver  *ledger.DriverID
	Sponsor *ledger.SponsorID
	From    *ledger.Date
	To      *ledger.Date
}

// PurchaseTotals is the headline figure pair for a dashboard tile.
type PurchaseTotals struct {
	Count       int
	TotalPoints ledger.Points
}

// TotalPurchases counts purchases and sums their point cost under the
// filter.
func (s *Service) TotalPurchases(ctx context.Context, f TotalsFilter) (PurchaseTotals, error) {
	purchases, err := s.Purchases.ListPurchases(ctx, purchase.Filter{
		Driver:  f.Driver,
		Sponsor: f.Sponsor,
	})
	if err != nil {
		return PurchaseTotals{}, err
	}

	totals := PurchaseTotals{TotalPoints: ledger.ZeroPoints()}
	for _, p := range purchases {
		if f.From != nil && p.Date.Before(*f.From) {
			continue
		}
		if f.To != nil && f.To.Before(p.Date) {
			continue
		}
		totals.Count++
		totals.TotalPoints = totals.TotalPoints.Add(p.Price)
	}
	return totals, nil
}

// MonthCount is one row of a by-month report.
type MonthCount struct {
	Month time.Month
	Count int
}

// PurchasesByMonth buckets a sponsor's purchases for one calendar year.
// The result always has twelve rows in month order.
func (s *Service) PurchasesByMonth(ctx context.Context, sponsor ledger.SponsorID, year int) ([]MonthCount, error) {
	purchases, err := s.Purchases.ListPurchases(ctx, purchase.Filter{Sponsor: &sponsor})
	if err != nil {
		return nil, err
	}

	rows := make([]MonthCount, 12)
	for i := range rows {
		rows[i].Month = time.Month(i + 1)
	}
	for _, p := range purchases {
		if p.Date.Year() != year {
			continue
		}
		rows[p.Date.Month()-1].Count++
	}
	return rows, nil
}

// SponsorAverages compares sponsors by their per-driver balance and
// purchase volume.
type SponsorAverages struct {
	Sponsors         int
	AverageBalance   ledger.Points
	AveragePurchases float64
}

// Averages computes the cross-sponsor averages. The denominator for
// both figures is the number of distinct sponsors seen in the ledger or
// the purchase table, so a sponsor with activity on only one side still
// counts. AverageBalance is the sum of every derived (driver, sponsor)
// balance divided by that sponsor count.
func (s *Service) Averages(ctx context.Context) (SponsorAverages, error) {
	entries, err := s.Ledger.QueryAll(ctx)
	if err != nil {
		return SponsorAverages{}, err
	}
	purchases, err := s.Purchases.ListPurchases(ctx, purchase.Filter{})
	if err != nil {
		return SponsorAverages{}, err
	}

	byPair := ledger.BalancesBySponsor(entries)
	sponsors := make(map[ledger.SponsorID]bool, len(byPair))
	for sponsor := range byPair {
		sponsors[sponsor] = true
	}
	for _, p := range purchases {
		sponsors[p.Sponsor] = true
	}

	out := SponsorAverages{AverageBalance: ledger.ZeroPoints()}
	if len(sponsors) == 0 {
		return out, nil
	}
	out.Sponsors = len(sponsors)

	sum := ledger.ZeroPoints()
	for _, byDriver := range byPair {
		for _, balance := range byDriver {
			sum = sum.Add(balance)
		}
	}

	out.AverageBalance = sum.Div(decimal.NewFromInt(int64(out.Sponsors)))
	out.AveragePurchases = float64(len(purchases)) / float64(out.Sponsors)
	return out, nil
}
