// Package memory provides an in-memory implementation of the storage
// interfaces (for testing/dev).
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/warp/driver-rewards/ledger"
	"github.com/warp/driver-rewards/purchase"
)

// =============================================================================
// MEMORY STORE - Implements ledger.Store, purchase.Store, purchase.Atomic
// and purchase.TokenStore
// =============================================================================

type Store struct {
	mu          sync.RWMutex
	entries     []ledger.Entry
	nextEntry   ledger.EntryID
	idempotency map[string]bool

	purchases    map[purchase.PurchaseID]purchase.Purchase
	lineItems    map[purchase.PurchaseID][]purchase.LineItem
	nextPurchase purchase.PurchaseID

	settlements map[string]purchase.SettlementRecord
}

func New() *Store {
	return &Store{
		nextEntry:    1,
		idempotency:  make(map[string]bool),
		purchases:    make(map[purchase.PurchaseID]purchase.Purchase),
		lineItems:    make(map[purchase.PurchaseID][]purchase.LineItem),
		nextPurchase: 1,
		settlements:  make(map[string]purchase.SettlementRecord),
	}
}

// Close satisfies the backend interface. Nothing to release.
func (m *Store) Close() error { return nil }

// =============================================================================
// LEDGER STORE
// =============================================================================

func (m *Store) Append(_ context.Context, e ledger.Entry) (ledger.EntryID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

func (m *Store) appendLocked(e ledger.Entry) (ledger.EntryID, error) {
	if e.IdempotencyKey != "" && m.idempotency[e.IdempotencyKey] {
		return 0, ledger.ErrDuplicateIdempotencyKey
	}

	e.ID = m.nextEntry
	m.nextEntry++
	e.Driver = ledger.NormalizeDriver(e.Driver)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.entries = append(m.entries, e)

	if e.IdempotencyKey != "" {
		m.idempotency[e.IdempotencyKey] = true
	}
	return e.ID, nil
}

func (m *Store) QueryByDriver(_ context.Context, driver ledger.DriverID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterLocked(func(e ledger.Entry) bool {
		return e.Driver == ledger.NormalizeDriver(driver)
	}), nil
}

func (m *Store) QueryBySponsor(_ context.Context, sponsor ledger.SponsorID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterLocked(func(e ledger.Entry) bool {
		return e.Sponsor == sponsor
	}), nil
}

func (m *Store) QueryByDriverAndSponsor(_ context.Context, driver ledger.DriverID, sponsor ledger.SponsorID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterLocked(func(e ledger.Entry) bool {
		return e.Driver == ledger.NormalizeDriver(driver) && e.Sponsor == sponsor
	}), nil
}

func (m *Store) QueryAll(_ context.Context) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterLocked(func(ledger.Entry) bool { return true }), nil
}

func (m *Store) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

func (m *Store) filterLocked(keep func(ledger.Entry) bool) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range m.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// PURCHASE STORE
// =============================================================================

func (m *Store) CreatePurchase(_ context.Context, p purchase.Purchase) (purchase.PurchaseID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createPurchaseLocked(p), nil
}

func (m *Store) createPurchaseLocked(p purchase.Purchase) purchase.PurchaseID {
	p.ID = m.nextPurchase
	m.nextPurchase++
	p.Driver = ledger.NormalizeDriver(p.Driver)
	m.purchases[p.ID] = p
	return p.ID
}

func (m *Store) AddLineItem(_ context.Context, li purchase.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLineItemLocked(li)
}

func (m *Store) addLineItemLocked(li purchase.LineItem) error {
	if _, ok := m.purchases[li.PurchaseID]; !ok {
		return ledger.ErrNotFound
	}
	m.lineItems[li.PurchaseID] = append(m.lineItems[li.PurchaseID], li)
	return nil
}

func (m *Store) GetPurchase(_ context.Context, id purchase.PurchaseID) (purchase.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.purchases[id]
	if !ok {
		return purchase.Purchase{}, ledger.ErrNotFound
	}
	return p, nil
}

func (m *Store) ListPurchases(_ context.Context, f purchase.Filter) ([]purchase.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(f), nil
}

func (m *Store) CountPurchases(_ context.Context, f purchase.Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listLocked(f)), nil
}

func (m *Store) listLocked(f purchase.Filter) []purchase.Purchase {
	var out []purchase.Purchase
	for _, p := range m.purchases {
		if f.Driver != nil && p.Driver != ledger.NormalizeDriver(*f.Driver) {
			continue
		}
		if f.Sponsor != nil && p.Sponsor != *f.Sponsor {
			continue
		}
		out = append(out, p)
	}
	// Map iteration order is random; callers expect id order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ID < out[j-1].ID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (m *Store) GetLineItems(_ context.Context, id purchase.PurchaseID) ([]purchase.LineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]purchase.LineItem, len(m.lineItems[id]))
	copy(out, m.lineItems[id])
	return out, nil
}

// =============================================================================
// TOKEN STORE
// =============================================================================

func (m *Store) SaveSettlement(_ context.Context, rec purchase.SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveSettlementLocked(rec)
	return nil
}

func (m *Store) saveSettlementLocked(rec purchase.SettlementRecord) {
	if _, ok := m.settlements[rec.Token]; ok {
		// First writer wins, matching the SQL stores' ON CONFLICT.
		return
	}
	m.settlements[rec.Token] = rec
}

func (m *Store) GetSettlement(_ context.Context, token string) (*purchase.SettlementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.settlements[token]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Store) PruneSettlements(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for token, rec := range m.settlements {
		if rec.CreatedAt.Before(olderThan) {
			delete(m.settlements, token)
			pruned++
		}
	}
	return pruned, nil
}

// =============================================================================
// TRANSACTIONS - Simulated with snapshot + rollback on error
// =============================================================================

// WithTx executes fn against transaction views of both stores while
// holding the write lock. On error the pre-call state is restored.
func (m *Store) WithTx(_ context.Context, fn func(ls ledger.Store, ps purchase.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	view := &txView{parent: m}

	if err := fn(view, view); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	entries      []ledger.Entry
	nextEntry    ledger.EntryID
	idempotency  map[string]bool
	purchases    map[purchase.PurchaseID]purchase.Purchase
	lineItems    map[purchase.PurchaseID][]purchase.LineItem
	nextPurchase purchase.PurchaseID
	settlements  map[string]purchase.SettlementRecord
}

func (m *Store) snapshot() memorySnapshot {
	s := memorySnapshot{
		entries:      append([]ledger.Entry{}, m.entries...),
		nextEntry:    m.nextEntry,
		idempotency:  make(map[string]bool, len(m.idempotency)),
		purchases:    make(map[purchase.PurchaseID]purchase.Purchase, len(m.purchases)),
		lineItems:    make(map[purchase.PurchaseID][]purchase.LineItem, len(m.lineItems)),
		nextPurchase: m.nextPurchase,
		settlements:  make(map[string]purchase.SettlementRecord, len(m.settlements)),
	}
	for k, v := range m.idempotency {
		s.idempotency[k] = v
	}
	for k, v := range m.purchases {
		s.purchases[k] = v
	}
	for k, v := range m.lineItems {
		s.lineItems[k] = append([]purchase.LineItem{}, v...)
	}
	for k, v := range m.settlements {
		s.settlements[k] = v
	}
	return s
}

func (m *Store) restore(s memorySnapshot) {
	m.entries = s.entries
	m.nextEntry = s.nextEntry
	m.idempotency = s.idempotency
	m.purchases = s.purchases
	m.lineItems = s.lineItems
	m.nextPurchase = s.nextPurchase
	m.settlements = s.settlements
}

// txView calls the parent's locked helpers directly; WithTx already
// holds the write lock.
type txView struct {
	parent *Store
}

func (tv *txView) Append(_ context.Context, e ledger.Entry) (ledger.EntryID, error) {
	return tv.parent.appendLocked(e)
}

func (tv *txView) QueryByDriver(_ context.Context, driver ledger.DriverID) ([]ledger.Entry, error) {
	return tv.parent.filterLocked(func(e ledger.Entry) bool {
		return e.Driver == ledger.NormalizeDriver(driver)
	}), nil
}

func (tv *txView) QueryBySponsor(_ context.Context, sponsor ledger.SponsorID) ([]ledger.Entry, error) {
	return tv.parent.filterLocked(func(e ledger.Entry) bool {
		return e.Sponsor == sponsor
	}), nil
}

func (tv *txView) QueryByDriverAndSponsor(_ context.Context, driver ledger.DriverID, sponsor ledger.SponsorID) ([]ledger.Entry, error) {
	return tv.parent.filterLocked(func(e ledger.Entry) bool {
		return e.Driver == ledger.NormalizeDriver(driver) && e.Sponsor == sponsor
	}), nil
}

func (tv *txView) QueryAll(_ context.Context) ([]ledger.Entry, error) {
	return tv.parent.filterLocked(func(ledger.Entry) bool { return true }), nil
}

func (tv *txView) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	return tv.parent.idempotency[idempotencyKey], nil
}

func (tv *txView) CreatePurchase(_ context.Context, p purchase.Purchase) (purchase.PurchaseID, error) {
	return tv.parent.createPurchaseLocked(p), nil
}

func (tv *txView) AddLineItem(_ context.Context, li purchase.LineItem) error {
	return tv.parent.addLineItemLocked(li)
}

func (tv *txView) GetPurchase(_ context.Context, id purchase.PurchaseID) (purchase.Purchase, error) {
	p, ok := tv.parent.purchases[id]
	if !ok {
		return purchase.Purchase{}, ledger.ErrNotFound
	}
	return p, nil
}

func (tv *txView) ListPurchases(_ context.Context, f purchase.Filter) ([]purchase.Purchase, error) {
	return tv.parent.listLocked(f), nil
}

func (tv *txView) CountPurchases(_ context.Context, f purchase.Filter) (int, error) {
	return len(tv.parent.listLocked(f)), nil
}

func (tv *txView) GetLineItems(_ context.Context, id purchase.PurchaseID) ([]purchase.LineItem, error) {
	return tv.parent.lineItems[id], nil
}

func (tv *txView) SaveSettlement(_ context.Context, rec purchase.SettlementRecord) error {
	tv.parent.saveSettlementLocked(rec)
	return nil
}
