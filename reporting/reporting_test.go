package reporting_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/driver-rewards/ledger"
	"github.com/warp/driver-rewards/purchase"
	"github.com/warp/driver-rewards/reporting"
	"github.com/warp/driver-rewards/store/memory"
)

func newFixture(t *testing.T) (*reporting.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return reporting.NewService(store, store), store
}

func seedPurchase(t *testing.T, store *memory.Store, driver string, sponsor int64, date ledger.Date, price float64) {
	t.Helper()
	_, err := store.CreatePurchase(context.Background(), purchase.Purchase{
		Driver:  ledger.DriverID(driver),
		Date:    date,
		Status:  purchase.StatusDelivered,
		Sponsor: ledger.SponsorID(sponsor),
		Price:   ledger.NewPoints(price),
	})
	require.NoError(t, err)
}

func seedEntry(t *testing.T, store *memory.Store, driver string, sponsor int64, delta float64) {
	t.Helper()
	_, err := store.Append(context.Background(), ledger.Entry{
		Driver:  ledger.DriverID(driver),
		Sponsor: ledger.SponsorID(sponsor),
		Delta:   ledger.NewPoints(delta),
		Action:  ledger.ActionAdd,
		Date:    ledger.NewDate(2025, time.January, 1),
	})
	require.NoError(t, err)
}

// =============================================================================
// TOTALS
// =============================================================================

func TestTotalPurchases_CountsAndSums(t *testing.T) {
	ctx := context.Background()
	svc, store := newFixture(t)

	seedPurchase(t, store, "a@x.com", 1, ledger.NewDate(2025, time.March, 1), 10.50)
	seedPurchase(t, store, "a@x.com", 1, ledger.NewDate(2025, time.March, 9), 4.25)
	seedPurchase(t, store, "b@x.com", 2, ledger.NewDate(2025, time.April, 2), 99)

	totals, err := svc.TotalPurchases(ctx, reporting.TotalsFilter{})
	require.NoError(t, err)
	require.Equal(t, 3, totals.Count)
	require.Equal(t, "113.75", totals.TotalPoints.String())
}

func TestTotalPurchases_FiltersBySponsorAndDriver(t *testing.T) {
	ctx := context.Background()
	svc, store := newFixture(t)

	seedPurchase(t, store, "a@x.com", 1, ledger.NewDate(2025, time.March, 1), 10)
	seedPurchase(t, store, "b@x.com", 1, ledger.NewDate(2025, time.March, 2), 20)
	seedPurchase(t, store, "a@x.com", 2, ledger.NewDate(2025, time.March, 3), 40)

	sponsor := ledger.SponsorID(1)
	totals, err := svc.TotalPurchases(ctx, reporting.TotalsFilter{Sponsor: &sponsor})
	require.NoError(t, err)
	require.Equal(t, 2, totals.Count)
	require.Equal(t, "30", totals.TotalPoints.String())

	driver := ledger.DriverID("a@x.com")
	totals, err = svc.TotalPurchases(ctx, reporting.TotalsFilter{Driver: &driver})
	require.NoError(t, err)
	require.Equal(t, 2, totals.Count)
	require.Equal(t, "50", totals.TotalPoints.String())
}

func TestTotalPurchases_DateRangeIsInclusive(t *testing.T) {
	// GIVEN: Purchases on March 1, 5, and 9
	// WHEN: Filtering March 1 through March 5
	// THEN: Both boundary days count; March 9 does not

	ctx := context.Background()
	svc, store := newFixture(t)

	seedPurchase(t, store, "a@x.com", 1, ledger.NewDate(2025, time.March, 1), 1)
	seedPurchase(t, store, "a@x.com", 1, ledger.NewDate(2025, time.March, 5), 2)
	seedPurchase(t, store, "a@x.com", 1, ledger.NewDate(2025, time.March, 9), 4)

	from := ledger.NewDate(2025, time.March, 1)
	to := ledger.NewDate(2025, time.March, 5)
	totals, err := svc.TotalPurchases(ctx, reporting.TotalsFilter{From: &from, To: &to})
	require.NoError(t, err)
	require.Equal(t, 2, totals.Count)
	require.Equal(t, "3", totals.TotalPoints.String())
}

func TestTotalPurchases_EmptyStoreIsZero(t *testing.T) {
	svc, _ := newFixture(t)

	totals, err := svc.TotalPurchases(context.Background(), reporting.TotalsFilter{})
	require.NoError(t, err)
	require.Zero(t, totals.Count)
	require.True(t, totals.TotalPoints.IsZero())
}

// =============================================================================
// BY-MONTH REPORT
// =============================================================================

func TestPurchasesByMonth_AlwaysTwelveRows(t *testing.T) {
	// GIVEN: No purchases at all
	// WHEN: Building the by-month report
	// THEN: Twelve zero rows come back, January first

	svc, _ := newFixture(t)

	rows, err := svc.PurchasesByMonth(context.Background(), 1, 2025)
	require.NoError(t, err)
	require.Len(t, rows, 12)
	require.Equal(t, time.January, rows[0].Month)
	require.Equal(t, time.December, rows[11].Month)
	for _, row := range rows {
		require.Zero(t, row.Count)
	}
}

func TestPurchasesByMonth_BucketsByMonth(t *testing.T) {
	ctx := context.Background()
	svc, store := newFixture(t)

	seedPurchase(t, store, "a@x.com", 1, ledger.NewDate(2025, time.March, 1), 1)
	seedPurchase(t, store, "a@x.com", 1, ledger.NewDate(2025, time.March, 20), 1)
	seedPurchase(t, store, "b@x.com", 1, ledger.NewDate(2025, time.November, 5), 1)

	rows, err := svc.PurchasesByMonth(ctx, 1, 2025)
	require.NoError(t, err)
	require.Equal(t, 2, rows[time.March-1].Count)
	require.Equal(t, 1, rows[time.November-1].Count)
	require.Zero(t, rows[time.April-1].Count)
}

func TestPurchasesByMonth_ScopedToSponsorAndYear(t *testing.T) {
	ctx := context.Background()
	svc, store := newFixture(t)

	seedPurchase(t, store, "a@x.com", 1, ledger.NewDate(2025, time.June, 1), 1)
	seedPurchase(t, store, "a@x.com", 2, ledger.NewDate(2025, time.June, 1), 1)
	seedPurchase(t, store, "a@x.com", 1, ledger.NewDate(2024, time.June, 1), 1)

	rows, err := svc.PurchasesByMonth(ctx, 1, 2025)
	require.NoError(t, err)
	require.Equal(t, 1, rows[time.June-1].Count)
}

// =============================================================================
// CROSS-SPONSOR AVERAGES
// =============================================================================

func TestAverages_AcrossSponsors(t *testing.T) {
	// GIVEN: Sponsor 1 with two drivers (100 and 50), sponsor 2 with one
	//        driver (30); three purchases for sponsor 1, one for sponsor 2
	// WHEN: Computing averages
	// THEN: The balance total 180 divides by the two sponsors, as does
	//       the purchase count

	ctx := context.Background()
	svc, store := newFixture(t)

	seedEntry(t, store, "a@x.com", 1, 100)
	seedEntry(t, store, "b@x.com", 1, 50)
	seedEntry(t, store, "c@x.com", 2, 30)

	for i := 0; i < 3; i++ {
		seedPurchase(t, store, "a@x.com", 1, ledger.NewDate(2025, time.May, 1+i), 1)
	}
	seedPurchase(t, store, "c@x.com", 2, ledger.NewDate(2025, time.May, 1), 1)

	avg, err := svc.Averages(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, avg.Sponsors)
	require.Equal(t, "90", avg.AverageBalance.String())
	require.InDelta(t, 2.0, avg.AveragePurchases, 1e-9)
}

func TestAverages_DividesBySponsorsNotDrivers(t *testing.T) {
	// GIVEN: One sponsor whose two drivers hold 100 and 50 points
	// WHEN: Computing averages
	// THEN: The average balance is the full 150 per sponsor, not 75 per
	//       driver

	ctx := context.Background()
	svc, store := newFixture(t)

	seedEntry(t, store, "a@x.com", 1, 100)
	seedEntry(t, store, "b@x.com", 1, 50)

	avg, err := svc.Averages(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, avg.Sponsors)
	require.Equal(t, "150", avg.AverageBalance.String())
}

func TestAverages_CountsSponsorsWithOnlyPurchases(t *testing.T) {
	// A sponsor that shows up only in the purchase table (no ledger
	// activity yet) still belongs in both denominators.

	ctx := context.Background()
	svc, store := newFixture(t)

	seedEntry(t, store, "a@x.com", 1, 100)
	seedPurchase(t, store, "b@x.com", 2, ledger.NewDate(2025, time.May, 1), 1)

	avg, err := svc.Averages(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, avg.Sponsors)
	require.Equal(t, "50", avg.AverageBalance.String())
	require.InDelta(t, 0.5, avg.AveragePurchases, 1e-9)
}

func TestAverages_EmptyLedger(t *testing.T) {
	svc, _ := newFixture(t)

	avg, err := svc.Averages(context.Background())
	require.NoError(t, err)
	require.Zero(t, avg.Sponsors)
	require.True(t, avg.AverageBalance.IsZero())
	require.Zero(t, avg.AveragePurchases)
}

func TestAverages_SponsorWithoutPurchasesStillCounts(t *testing.T) {
	// A sponsor with ledger activity but no purchases drags the purchase
	// average down rather than vanishing from it.

	ctx := context.Background()
	svc, store := newFixture(t)

	seedEntry(t, store, "a@x.com", 1, 10)
	seedEntry(t, store, "b@x.com", 2, 10)
	seedPurchase(t, store, "a@x.com", 1, ledger.NewDate(2025, time.May, 1), 1)
	seedPurchase(t, store, "a@x.com", 1, ledger.NewDate(2025, time.May, 2), 1)

	avg, err := svc.Averages(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, avg.Sponsors)
	require.InDelta(t, 1.0, avg.AveragePurchases, 1e-9)
}
