package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/driver-rewards/ledger"
)

func TestAppend_RejectsMalformedEntries(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	cases := []struct {
		name  string
		entry ledger.Entry
	}{
		{"missing driver", entry("", 1, 10, ledger.ActionAdd, day(1))},
		{"missing sponsor", entry("a@x.com", 0, 10, ledger.ActionAdd, day(1))},
		{"bad action", entry("a@x.com", 1, 10, ledger.Action("Increment"), day(1))},
		{"zero date", entry("a@x.com", 1, 10, ledger.ActionAdd, ledger.Date{})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Append(ctx, tc.entry)
			require.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestAppend_ValidationErrorNamesTheField(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	_, err := l.Append(ctx, entry("", 1, 10, ledger.ActionAdd, day(1)))

	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "driver", verr.Field)
}

func TestAppend_DuplicateIdempotencyKeyRejected(t *testing.T) {
	// GIVEN: An entry appended with an idempotency key
	// WHEN: A second entry reuses the key
	// THEN: The second append fails and the ledger holds one entry

	ctx := context.Background()
	l := newTestLedger()

	e := entry("a@x.com", 1, 10, ledger.ActionAdd, day(1))
	e.IdempotencyKey = "grant-2025-03-01"

	_, err := l.Append(ctx, e)
	require.NoError(t, err)

	_, err = l.Append(ctx, e)
	require.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	entries, err := l.QueryByDriver(ctx, "a@x.com")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestAppend_AssignsMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	id1, err := l.Append(ctx, entry("a@x.com", 1, 10, ledger.ActionAdd, day(1)))
	require.NoError(t, err)
	id2, err := l.Append(ctx, entry("a@x.com", 1, 20, ledger.ActionAdd, day(1)))
	require.NoError(t, err)
	require.Greater(t, id2, id1)
}

func TestQueryBySponsor_SpansDrivers(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	_, err := l.Append(ctx, entry("a@x.com", 7, 10, ledger.ActionAdd, day(1)))
	require.NoError(t, err)
	_, err = l.Append(ctx, entry("b@x.com", 7, 20, ledger.ActionAdd, day(2)))
	require.NoError(t, err)
	_, err = l.Append(ctx, entry("a@x.com", 8, 30, ledger.ActionAdd, day(3)))
	require.NoError(t, err)

	entries, err := l.QueryBySponsor(ctx, 7)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestNormalizeDriver_LowercasesASCIIOnly(t *testing.T) {
	require.Equal(t, ledger.DriverID("driver@x.com"), ledger.NormalizeDriver("DRIVER@X.com"))
	require.Equal(t, ledger.DriverID("a-b_c"), ledger.NormalizeDriver("A-B_C"))
}

func TestParseDate_RoundTrips(t *testing.T) {
	d, err := ledger.ParseDate("2025-03-09")
	require.NoError(t, err)
	require.Equal(t, "2025-03-09", d.String())
	require.Equal(t, 2025, d.Year())
	require.Equal(t, time.March, d.Month())

	_, err = ledger.ParseDate("03/09/2025")
	require.Error(t, err)
}
