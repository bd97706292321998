/*
settlement.go - The purchase settlement workflow

PURPOSE:
  Settle is the only multi-step, multi-table write path in the system.
  It converts a cart of externally-priced catalog lines into a purchase
  header, its line items, and a ledger debit, and must look atomic to
  callers.

STATES:
  Started -> BalanceChecked -> PurchaseCreated -> LineItemsRecorded
    -> LedgerDebited -> NotificationAttempted -> Completed
  Failed is reachable from any non-terminal state.

CONCURRENCY:
  GetBalance-then-write is a check-then-act sequence. Two concurrent
  settlements for the same (driver, sponsor) could both pass the check
  and overspend, so Settle serializes per pair with a keyed mutex.
  With balance 100 and two concurrent carts of 60, exactly one settles
  and the other fails with InsufficientBalance.

IDEMPOTENCY:
  Callers may supply a token. Replaying a token returns the original
  result with no second write. Records are retained for a configured
  window and pruned by the reconciliation sweep.

NOTIFICATIONS:
  The purchase confirmation is best-effort and outside the consistency
  boundary. Directory lookups and dispatch failures are logged and
  swallowed; they never fail a settlement.
*/
package purchase

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/driver-rewards/ledger"
	"github.com/warp/driver-rewards/metrics"
)

// =============================================================================
// SETTLEMENT TYPES
// =============================================================================

// State tracks how far a settlement attempt progressed.
type State string

const (
	StateStarted               State = "started"
	StateBalanceChecked        State = "balance_checked"
	StatePurchaseCreated       State = "purchase_created"
	StateLineItemsRecorded     State = "line_items_recorded"
	StateLedgerDebited         State = "ledger_debited"
	StateNotificationAttempted State = "notification_attempted"
	StateCompleted             State = "completed"
	StateFailed                State = "failed"
)

// CartLine is one externally-priced catalog item in a checkout.
type CartLine struct {
	ProductID int64
	UnitCost  ledger.Points
	Quantity  int
}

// SettleRequest carries one checkout.
type SettleRequest struct {
	Driver  ledger.DriverID
	Sponsor ledger.SponsorID
	Cart    []CartLine

	// Notify requests a purchase confirmation if the driver's external
	// preference allows it.
	Notify bool

	// IdempotencyToken, when set, makes retries safe. Empty disables
	// replay protection for this call.
	IdempotencyToken string
}

// Result is returned on success, or on replay of a completed token.
type Result struct {
	PurchaseID   PurchaseID
	TotalCost    ledger.Points
	BalanceAfter ledger.Points

	// Replayed is true when the result came from a previously settled
	// idempotency token and no new writes happened.
	Replayed bool
}

// PartialSettlementError reports a write failure after the purchase
// header was created on the non-transactional path. The id is surfaced
// so the reconciliation sweep or an operator can repair the gap.
type PartialSettlementError struct {
	PurchaseID PurchaseID
	State      State
	Err        error
}

func (e *PartialSettlementError) Error() string {
	return fmt.Sprintf("settlement failed after %s (purchase %d): %v", e.State, e.PurchaseID, e.Err)
}

func (e *PartialSettlementError) Unwrap() error { return e.Err }

// =============================================================================
// EXTERNAL COLLABORATORS
// =============================================================================

// DriverDirectory resolves the driver's notification preference from
// the external entity service.
type DriverDirectory interface {
	OrderPlacedNotificationEnabled(ctx context.Context, driver ledger.DriverID) (bool, error)
}

// Notifier dispatches a purchase confirmation. Fire-and-forget.
type Notifier interface {
	OrderPlaced(ctx context.Context, driver ledger.DriverID, purchaseID PurchaseID, total ledger.Points) error
}

// settlementRecorder is the transactional slice of TokenStore. When a
// store's WithTx view implements it, the idempotency record commits
// with the settlement instead of after it.
type settlementRecorder interface {
	SaveSettlement(ctx context.Context, rec SettlementRecord) error
}

// =============================================================================
// KEYED MUTEX - One lock per (driver, sponsor) pair
// =============================================================================

type pairLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (p *pairLocks) acquire(driver ledger.DriverID, sponsor ledger.SponsorID) *sync.Mutex {
	key := string(ledger.NormalizeDriver(driver)) + "/" + strconv.FormatInt(int64(sponsor), 10)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locks == nil {
		p.locks = make(map[string]*sync.Mutex)
	}
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	return l
}

// =============================================================================
// SETTLEMENT SERVICE
// =============================================================================

// SettlementService orchestrates redemptions. Atomic, Tokens, Directory
// and Notifier are optional; leave nil to disable the corresponding
// behavior.
type SettlementService struct {
	Ledger    *ledger.Ledger
	Balances  *ledger.BalanceCalculator
	Purchases Store
	Atomic    Atomic
	Tokens    TokenStore
	Directory DriverDirectory
	Notifier  Notifier
	Log       zerolog.Logger

	locks pairLocks
}

func NewSettlementService(ls ledger.Store, ps Store, log zerolog.Logger) *SettlementService {
	l := ledger.NewLedger(ls)
	return &SettlementService{
		Ledger:    l,
		Balances:  ledger.NewBalanceCalculator(l),
		Purchases: ps,
		Log:       log,
	}
}

// Settle runs one checkout end to end.
//
// The insufficiency check is always keyed by the settling (driver,
// sponsor) pair, regardless of who submitted the request.
func (s *SettlementService) Settle(ctx context.Context, req SettleRequest) (Result, error) {
	started := time.Now()
	defer func() { metrics.SettlementDuration.Observe(time.Since(started).Seconds()) }()

	if err := validateRequest(req); err != nil {
		metrics.SettlementsTotal.WithLabelValues(metrics.OutcomeValidation).Inc()
		return Result{}, err
	}

	attempt := uuid.NewString()
	log := s.Log.With().
		Str("attempt", attempt).
		Str("driver", string(req.Driver)).
		Int64("sponsor", int64(req.Sponsor)).
		Logger()

	// Serialize settlements per pair so concurrent checkouts cannot both
	// pass the balance check.
	lock := s.locks.acquire(req.Driver, req.Sponsor)
	lock.Lock()
	defer lock.Unlock()

	if req.IdempotencyToken != "" && s.Tokens != nil {
		rec, err := s.Tokens.GetSettlement(ctx, req.IdempotencyToken)
		if err != nil {
			return Result{}, fmt.Errorf("idempotency lookup: %w", err)
		}
		if rec != nil {
			log.Info().Int64("purchase", int64(rec.PurchaseID)).Msg("settlement token replayed")
			metrics.SettlementsTotal.WithLabelValues(metrics.OutcomeReplayed).Inc()
			return Result{
				PurchaseID:   rec.PurchaseID,
				TotalCost:    rec.TotalCost,
				BalanceAfter: rec.BalanceAfter,
				Replayed:     true,
			}, nil
		}
	}

	state := StateStarted

	totalCost := ledger.ZeroPoints()
	for _, line := range req.Cart {
		totalCost = totalCost.Add(line.UnitCost.MulInt(line.Quantity))
	}

	balance, err := s.Balances.GetBalance(ctx, req.Driver, req.Sponsor)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return Result{}, fmt.Errorf("balance check: %w", err)
	}
	if balance.LessThan(totalCost) {
		metrics.SettlementsTotal.WithLabelValues(metrics.OutcomeInsufficient).Inc()
		return Result{}, &ledger.InsufficientBalanceError{
			Driver:    req.Driver,
			Sponsor:   req.Sponsor,
			Available: balance,
			Requested: totalCost,
			Shortfall: totalCost.Sub(balance),
		}
	}
	state = StateBalanceChecked

	today := ledger.Today()
	header := Purchase{
		Driver:  req.Driver,
		Date:    today,
		Status:  StatusDelivered,
		Sponsor: req.Sponsor,
		Price:   totalCost,
	}

	record := SettlementRecord{
		Token:        req.IdempotencyToken,
		TotalCost:    totalCost,
		BalanceAfter: balance.Sub(totalCost),
		CreatedAt:    time.Now().UTC(),
	}

	var purchaseID PurchaseID
	tokenSaved := false
	if s.Atomic != nil {
		err = s.Atomic.WithTx(ctx, func(ls ledger.Store, ps Store) error {
			id, txErr := s.writeSettlement(ctx, ledger.NewLedger(ls), ps, header, req, totalCost, attempt, &state)
			purchaseID = id
			if txErr != nil {
				return txErr
			}
			// Commit the replay record with the settlement so a crash
			// cannot separate the two.
			if req.IdempotencyToken != "" {
				if recorder, ok := ps.(settlementRecorder); ok {
					record.PurchaseID = id
					if txErr := recorder.SaveSettlement(ctx, record); txErr != nil {
						return fmt.Errorf("record idempotency token: %w", txErr)
					}
					tokenSaved = true
				}
			}
			return nil
		})
		if err != nil {
			// Rolled back, nothing persisted.
			metrics.SettlementsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
			log.Error().Err(err).Str("state", string(state)).Msg("settlement rolled back")
			return Result{}, fmt.Errorf("settlement: %w", err)
		}
	} else {
		purchaseID, err = s.writeSettlement(ctx, s.Ledger, s.Purchases, header, req, totalCost, attempt, &state)
		if err != nil {
			if purchaseID != 0 {
				metrics.SettlementsTotal.WithLabelValues(metrics.OutcomePartial).Inc()
				log.Error().Err(err).Int64("purchase", int64(purchaseID)).Str("state", string(state)).
					Msg("partial settlement, purchase header left without debit")
				return Result{}, &PartialSettlementError{PurchaseID: purchaseID, State: state, Err: err}
			}
			metrics.SettlementsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
			return Result{}, fmt.Errorf("settlement: %w", err)
		}
	}
	state = StateLedgerDebited

	result := Result{
		PurchaseID:   purchaseID,
		TotalCost:    totalCost,
		BalanceAfter: balance.Sub(totalCost),
	}

	if req.IdempotencyToken != "" && !tokenSaved && s.Tokens != nil {
		record.PurchaseID = purchaseID
		if err := s.Tokens.SaveSettlement(ctx, record); err != nil {
			// The settlement itself committed; a lost token only weakens
			// replay detection for this one call.
			log.Warn().Err(err).Msg("failed to record idempotency token")
		}
	}

	state = StateNotificationAttempted
	s.notify(ctx, log, req, result)

	state = StateCompleted
	metrics.SettlementsTotal.WithLabelValues(metrics.OutcomeCompleted).Inc()
	metrics.PointsDebitedTotal.Add(totalCost.Float64())
	log.Info().
		Int64("purchase", int64(purchaseID)).
		Str("total_cost", totalCost.String()).
		Str("balance_after", result.BalanceAfter.String()).
		Msg("settlement completed")

	return result, nil
}

// writeSettlement performs header -> line items -> ledger debit against
// the given stores, advancing the caller's state as it goes.
func (s *SettlementService) writeSettlement(
	ctx context.Context,
	l *ledger.Ledger,
	ps Store,
	header Purchase,
	req SettleRequest,
	totalCost ledger.Points,
	attempt string,
	state *State,
) (PurchaseID, error) {
	purchaseID, err := ps.CreatePurchase(ctx, header)
	if err != nil {
		return 0, fmt.Errorf("create purchase: %w", err)
	}
	*state = StatePurchaseCreated

	for _, line := range req.Cart {
		li := LineItem{
			ProductID:  line.ProductID,
			PurchaseID: purchaseID,
			Quantity:   line.Quantity,
		}
		if err := ps.AddLineItem(ctx, li); err != nil {
			return purchaseID, fmt.Errorf("add line item %d: %w", line.ProductID, err)
		}
	}
	*state = StateLineItemsRecorded

	_, err = l.Append(ctx, ledger.Entry{
		Driver:         req.Driver,
		Sponsor:        req.Sponsor,
		Delta:          totalCost.Neg(),
		Action:         ledger.ActionSubtract,
		Date:           header.Date,
		ReferenceID:    strconv.FormatInt(int64(purchaseID), 10),
		Reason:         "purchase settlement " + attempt,
		IdempotencyKey: req.IdempotencyToken,
	})
	if err != nil {
		return purchaseID, fmt.Errorf("ledger debit: %w", err)
	}
	return purchaseID, nil
}

// notify dispatches the purchase confirmation when enabled. Every
// failure path here is terminal for the notification only.
func (s *SettlementService) notify(ctx context.Context, log zerolog.Logger, req SettleRequest, res Result) {
	if !req.Notify || s.Directory == nil || s.Notifier == nil {
		return
	}

	enabled, err := s.Directory.OrderPlacedNotificationEnabled(ctx, req.Driver)
	if err != nil {
		metrics.NotificationFailuresTotal.Inc()
		log.Warn().Err(err).Msg("could not resolve notification preference")
		return
	}
	if !enabled {
		return
	}

	if err := s.Notifier.OrderPlaced(ctx, req.Driver, res.PurchaseID, res.TotalCost); err != nil {
		metrics.NotificationFailuresTotal.Inc()
		log.Warn().Err(err).Int64("purchase", int64(res.PurchaseID)).Msg("purchase confirmation failed")
	}
}

func validateRequest(req SettleRequest) error {
	if req.Driver == "" {
		return &ledger.ValidationError{Field: "driver", Message: "required"}
	}
	if req.Sponsor <= 0 {
		return &ledger.ValidationError{Field: "sponsor", Message: "required"}
	}
	if len(req.Cart) == 0 {
		return &ledger.ValidationError{Field: "cart", Message: "at least one line required"}
	}
	for _, line := range req.Cart {
		if line.ProductID <= 0 {
			return &ledger.ValidationError{Field: "cart.productId", Message: "required"}
		}
		if line.Quantity <= 0 {
			return &ledger.ValidationError{Field: "cart.quantity", Message: "must be positive"}
		}
		if line.UnitCost.IsNegative() {
			return &ledger.ValidationError{Field: "cart.unitCost", Message: "must not be negative"}
		}
	}
	return nil
}
