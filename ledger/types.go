/*
Package ledger provides the core point-ledger engine for the driver
rewards system.

PURPOSE:
  This package contains the domain types and algorithms for tracking
  driver points per sponsor. Points are granted by sponsors, spent on
  catalog redemptions, and occasionally overridden by manual sponsor
  corrections. Balance is never stored; it is always derived by
  replaying the ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - Points: A point quantity backed by decimal.Decimal
  - Date:   A calendar date (no time component, ledger keys use days)
  - Entry:  An immutable ledger record of a point change
  - DriverID/SponsorID: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified or deleted
  2. Precision: decimal.Decimal avoids floating-point drift on costs
     like 1.29 points
  3. Type Safety: Strong typing keeps driver and sponsor ids apart

SEE ALSO:
  - ledger.go: Append/query interface and validation
  - balance.go: Derived balance calculation
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POINTS - Signed point quantity
// =============================================================================

// Points is a signed point amount. Positive values are credits,
// negative values are debits.
type Points struct {
	Value decimal.Decimal
}

func NewPoints(value float64) Points {
	return Points{Value: decimal.NewFromFloat(value)}
}

func NewPointsFromInt(value int64) Points {
	return Points{Value: decimal.NewFromInt(value)}
}

// MustParsePoints parses a stored decimal string, returning zero on
// malformed input. Storage layers own well-formedness at write time.
func MustParsePoints(s string) Points {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Points{Value: decimal.Zero}
	}
	return Points{Value: d}
}

func ZeroPoints() Points { return Points{Value: decimal.Zero} }

func (p Points) Add(o Points) Points          { return Points{Value: p.Value.Add(o.Value)} }
func (p Points) Sub(o Points) Points          { return Points{Value: p.Value.Sub(o.Value)} }
func (p Points) Neg() Points                  { return Points{Value: p.Value.Neg()} }
func (p Points) MulInt(n int) Points          { return Points{Value: p.Value.Mul(decimal.NewFromInt(int64(n)))} }
func (p Points) Div(d decimal.Decimal) Points { return Points{Value: p.Value.Div(d)} }
func (p Points) IsNegative() bool             { return p.Value.IsNegative() }
func (p Points) IsZero() bool                 { return p.Value.IsZero() }
func (p Points) Equal(o Points) bool          { return p.Value.Equal(o.Value) }
func (p Points) GreaterThan(o Points) bool    { return p.Value.GreaterThan(o.Value) }
func (p Points) LessThan(o Points) bool       { return p.Value.LessThan(o.Value) }
func (p Points) String() string               { return p.Value.String() }

func (p Points) Float64() float64 {
	f, _ := p.Value.Float64()
	return f
}

// =============================================================================
// DATE - Calendar date, day granularity
// =============================================================================

// Date is a calendar date. Ledger entries and purchases are dated by
// day; ordering within a day follows insertion order.
type Date struct {
	Time time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func Today() Date {
	now := time.Now().UTC()
	return NewDate(now.Year(), now.Month(), now.Day())
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, err
	}
	return Date{Time: t}, nil
}

func (d Date) Before(o Date) bool        { return d.normalize().Before(o.normalize()) }
func (d Date) After(o Date) bool         { return d.normalize().After(o.normalize()) }
func (d Date) Equal(o Date) bool         { return d.normalize().Equal(o.normalize()) }
func (d Date) BeforeOrEqual(o Date) bool { return d.Before(o) || d.Equal(o) }
func (d Date) IsZero() bool              { return d.Time.IsZero() }
func (d Date) Year() int                 { return d.Time.Year() }
func (d Date) Month() time.Month         { return d.Time.Month() }
func (d Date) String() string            { return d.Time.Format("2006-01-02") }

func (d Date) normalize() time.Time {
	return time.Date(d.Time.Year(), d.Time.Month(), d.Time.Day(), 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// DriverID identifies a driver, conventionally an email address.
// Matching on driver ids is case-insensitive throughout.
type DriverID string

// SponsorID identifies a sponsor organization.
type SponsorID int64

// EntryID is the ledger sequence number, assigned by the store.
type EntryID int64

// NormalizeDriver lower-cases a driver id for comparisons and lock keys.
func NormalizeDriver(d DriverID) DriverID {
	b := []byte(d)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return DriverID(b)
}

// =============================================================================
// ACTION - What a ledger entry does to the running balance
// =============================================================================

type Action string

const (
	// ActionAdd credits points; Delta is positive.
	ActionAdd Action = "Add"
	// ActionSubtract debits points; Delta is negative.
	ActionSubtract Action = "Subtract"
	// ActionSet overrides the running balance with Delta as an absolute
	// value. Used for manual sponsor corrections.
	ActionSet Action = "Set"
)

func (a Action) Valid() bool {
	switch a {
	case ActionAdd, ActionSubtract, ActionSet:
		return true
	}
	return false
}

// =============================================================================
// ENTRY - One immutable point change
// =============================================================================

type Entry struct {
	ID      EntryID
	Driver  DriverID
	Sponsor SponsorID

	// Delta is the signed amount for Add/Subtract, or the absolute
	// override value for Set.
	Delta  Points
	Action Action
	Date   Date

	// ReferenceID links a debit to the purchase it settled.
	ReferenceID string
	Reason      string

	// IdempotencyKey rejects duplicate appends from client retries.
	// Empty means no protection.
	IdempotencyKey string

	CreatedAt time.Time
}
