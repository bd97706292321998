/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces (ledger.Store, purchase.Store,
  purchase.Atomic, purchase.TokenStore) using SQLite. In production the
  same patterns apply to PostgreSQL - see store/postgres.

APPEND-ONLY ENFORCEMENT:
  The point ledger is append-only:
  - No UPDATE statements on the pointchanges table
  - No DELETE statements on the pointchanges table
  - Corrections happen via compensating entries

KEY TABLES:
  pointchanges:      Immutable ledger of all point changes
  purchases:         Redemption headers
  productspurchased: Line items, keyed (product_id, purchase_id)
  settlements:       Idempotency records for settlement replays

CASE SENSITIVITY:
  Driver ids are normalized to lower case on every write, so equality
  in WHERE clauses is already case-insensitive for data written through
  this store.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/rewards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/ledger.go: The append path and its validation
  - store/memory/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/driver-rewards/ledger"
	"github.com/warp/driver-rewards/purchase"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Point changes (append-only ledger)
	CREATE TABLE IF NOT EXISTS pointchanges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		driver TEXT NOT NULL,
		sponsor INTEGER NOT NULL,
		delta TEXT NOT NULL,
		action TEXT NOT NULL,
		date TEXT NOT NULL,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	-- Balance calculation (hot path)
	CREATE INDEX IF NOT EXISTS idx_pointchanges_driver_sponsor_date
		ON pointchanges(driver, sponsor, date);
	CREATE INDEX IF NOT EXISTS idx_pointchanges_sponsor
		ON pointchanges(sponsor);
	-- Reconciliation joins debits to purchases via reference_id
	CREATE INDEX IF NOT EXISTS idx_pointchanges_reference
		ON pointchanges(reference_id) WHERE reference_id IS NOT NULL;

	-- Purchase headers
	CREATE TABLE IF NOT EXISTS purchases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		driver TEXT NOT NULL,
		date TEXT NOT NULL,
		status TEXT NOT NULL,
		sponsor INTEGER NOT NULL,
		price TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_driver
		ON purchases(driver);
	CREATE INDEX IF NOT EXISTS idx_purchases_sponsor_date
		ON purchases(sponsor, date);

	-- Line items; the product itself lives in the external catalog
	CREATE TABLE IF NOT EXISTS productspurchased (
		product_id INTEGER NOT NULL,
		purchase_id INTEGER NOT NULL REFERENCES purchases(id),
		quantity INTEGER NOT NULL,
		PRIMARY KEY (product_id, purchase_id)
	);

	-- Settlement idempotency records
	CREATE TABLE IF NOT EXISTS settlements (
		token TEXT PRIMARY KEY,
		purchase_id INTEGER NOT NULL,
		total_cost TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_settlements_created_at
		ON settlements(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx abstracts *sql.DB and *sql.Tx so the same helpers serve both the
// direct path and WithTx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) Append(ctx context.Context, e ledger.Entry) (ledger.EntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntry(ctx, s.db, e)
}

func appendEntry(ctx context.Context, db dbtx, e ledger.Entry) (ledger.EntryID, error) {
	query := `
		INSERT INTO pointchanges
		(driver, sponsor, delta, action, date, reference_id, reason, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := db.ExecContext(ctx, query,
		string(ledger.NormalizeDriver(e.Driver)),
		int64(e.Sponsor),
		e.Delta.String(),
		e.Action,
		e.Date.String(),
		nullString(e.ReferenceID),
		nullString(e.Reason),
		nullString(e.IdempotencyKey),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, ledger.ErrDuplicateIdempotencyKey
		}
		return 0, fmt.Errorf("failed to append point change: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read point change id: %w", err)
	}
	return ledger.EntryID(id), nil
}

const entryColumns = `id, driver, sponsor, delta, action, date, reference_id, reason, idempotency_key, created_at`

func (s *Store) QueryByDriver(ctx context.Context, driver ledger.DriverID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryEntries(ctx, s.db, `
		SELECT `+entryColumns+`
		FROM pointchanges
		WHERE driver = ?
		ORDER BY date ASC, id ASC
	`, string(ledger.NormalizeDriver(driver)))
}

func (s *Store) QueryBySponsor(ctx context.Context, sponsor ledger.SponsorID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryEntries(ctx, s.db, `
		SELECT `+entryColumns+`
		FROM pointchanges
		WHERE sponsor = ?
		ORDER BY date ASC, id ASC
	`, int64(sponsor))
}

func (s *Store) QueryByDriverAndSponsor(ctx context.Context, driver ledger.DriverID, sponsor ledger.SponsorID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryEntries(ctx, s.db, `
		SELECT `+entryColumns+`
		FROM pointchanges
		WHERE driver = ? AND sponsor = ?
		ORDER BY date ASC, id ASC
	`, string(ledger.NormalizeDriver(driver)), int64(sponsor))
}

func (s *Store) QueryAll(ctx context.Context) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryEntries(ctx, s.db, `
		SELECT `+entryColumns+`
		FROM pointchanges
		ORDER BY date ASC, id ASC
	`)
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keyExists(ctx, s.db, idempotencyKey)
}

func keyExists(ctx context.Context, db dbtx, idempotencyKey string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pointchanges WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

func queryEntries(ctx context.Context, db dbtx, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query point changes: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e              ledger.Entry
		driver         string
		sponsor        int64
		delta          string
		date           string
		referenceID    sql.NullString
		reason         sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
	)

	err := rows.Scan(&e.ID, &driver, &sponsor, &delta, &e.Action,
		&date, &referenceID, &reason, &idempotencyKey, &createdAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan point change: %w", err)
	}

	e.Driver = ledger.DriverID(driver)
	e.Sponsor = ledger.SponsorID(sponsor)
	e.Delta = ledger.MustParsePoints(delta)
	e.Date, err = ledger.ParseDate(date)
	if err != nil {
		return e, fmt.Errorf("bad stored date %q: %w", date, err)
	}
	e.ReferenceID = referenceID.String
	e.Reason = reason.String
	e.IdempotencyKey = idempotencyKey.String
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return e, nil
}

// =============================================================================
// PURCHASE STORE (purchase.Store interface)
// =============================================================================

func (s *Store) CreatePurchase(ctx context.Context, p purchase.Purchase) (purchase.PurchaseID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createPurchase(ctx, s.db, p)
}

func createPurchase(ctx context.Context, db dbtx, p purchase.Purchase) (purchase.PurchaseID, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO purchases (driver, date, status, sponsor, price, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		string(ledger.NormalizeDriver(p.Driver)),
		p.Date.String(),
		p.Status,
		int64(p.Sponsor),
		p.Price.String(),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create purchase: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read purchase id: %w", err)
	}
	return purchase.PurchaseID(id), nil
}

func (s *Store) AddLineItem(ctx context.Context, li purchase.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addLineItem(ctx, s.db, li)
}

func addLineItem(ctx context.Context, db dbtx, li purchase.LineItem) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO productspurchased (product_id, purchase_id, quantity)
		VALUES (?, ?, ?)
	`, li.ProductID, int64(li.PurchaseID), li.Quantity)
	if err != nil {
		return fmt.Errorf("failed to add line item: %w", err)
	}
	return nil
}

func (s *Store) GetPurchase(ctx context.Context, id purchase.PurchaseID) (purchase.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPurchase(ctx, s.db, id)
}

func getPurchase(ctx context.Context, db dbtx, id purchase.PurchaseID) (purchase.Purchase, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, driver, date, status, sponsor, price
		FROM purchases WHERE id = ?
	`, int64(id))

	p, err := scanPurchaseRow(row)
	if err == sql.ErrNoRows {
		return purchase.Purchase{}, ledger.ErrNotFound
	}
	return p, err
}

func (s *Store) ListPurchases(ctx context.Context, f purchase.Filter) ([]purchase.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPurchases(ctx, s.db, f)
}

func listPurchases(ctx context.Context, db dbtx, f purchase.Filter) ([]purchase.Purchase, error) {
	where, args := purchaseFilter(f)
	rows, err := db.QueryContext(ctx, `
		SELECT id, driver, date, status, sponsor, price
		FROM purchases
	`+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var purchases []purchase.Purchase
	for rows.Next() {
		p, err := scanPurchaseRow(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func (s *Store) CountPurchases(ctx context.Context, f purchase.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countPurchases(ctx, s.db, f)
}

func countPurchases(ctx context.Context, db dbtx, f purchase.Filter) (int, error) {
	where, args := purchaseFilter(f)
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM purchases"+where, args...).Scan(&count)
	return count, err
}

func purchaseFilter(f purchase.Filter) (string, []any) {
	var clauses []string
	var args []any
	if f.Driver != nil {
		clauses = append(clauses, "driver = ?")
		args = append(args, string(ledger.NormalizeDriver(*f.Driver)))
	}
	if f.Sponsor != nil {
		clauses = append(clauses, "sponsor = ?")
		args = append(args, int64(*f.Sponsor))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchaseRow(row rowScanner) (purchase.Purchase, error) {
	var (
		p       purchase.Purchase
		driver  string
		date    string
		sponsor int64
		price   string
	)
	err := row.Scan(&p.ID, &driver, &date, &p.Status, &sponsor, &price)
	if err != nil {
		return p, err
	}
	p.Driver = ledger.DriverID(driver)
	p.Date, err = ledger.ParseDate(date)
	if err != nil {
		return p, fmt.Errorf("bad stored date %q: %w", date, err)
	}
	p.Sponsor = ledger.SponsorID(sponsor)
	p.Price = ledger.MustParsePoints(price)
	return p, nil
}

func (s *Store) GetLineItems(ctx context.Context, id purchase.PurchaseID) ([]purchase.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLineItems(ctx, s.db, id)
}

func getLineItems(ctx context.Context, db dbtx, id purchase.PurchaseID) ([]purchase.LineItem, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT product_id, purchase_id, quantity
		FROM productspurchased
		WHERE purchase_id = ?
		ORDER BY product_id ASC
	`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query line items: %w", err)
	}
	defer rows.Close()

	var items []purchase.LineItem
	for rows.Next() {
		var li purchase.LineItem
		var purchaseID int64
		if err := rows.Scan(&li.ProductID, &purchaseID, &li.Quantity); err != nil {
			return nil, err
		}
		li.PurchaseID = purchase.PurchaseID(purchaseID)
		items = append(items, li)
	}
	return items, rows.Err()
}

// =============================================================================
// TOKEN STORE (purchase.TokenStore interface)
// =============================================================================

func (s *Store) SaveSettlement(ctx context.Context, rec purchase.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveSettlement(ctx, s.db, rec)
}

func saveSettlement(ctx context.Context, db dbtx, rec purchase.SettlementRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO settlements (token, purchase_id, total_cost, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token) DO NOTHING
	`,
		rec.Token,
		int64(rec.PurchaseID),
		rec.TotalCost.String(),
		rec.BalanceAfter.String(),
		rec.CreatedAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetSettlement(ctx context.Context, token string) (*purchase.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rec        purchase.SettlementRecord
		purchaseID int64
		totalCost  string
		balance    string
		createdAt  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token, purchase_id, total_cost, balance_after, created_at
		FROM settlements WHERE token = ?
	`, token).Scan(&rec.Token, &purchaseID, &totalCost, &balance, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec.PurchaseID = purchase.PurchaseID(purchaseID)
	rec.TotalCost = ledger.MustParsePoints(totalCost)
	rec.BalanceAfter = ledger.MustParsePoints(balance)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &rec, nil
}

func (s *Store) PruneSettlements(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM settlements WHERE created_at < ?",
		olderThan.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// =============================================================================
// TRANSACTIONS (purchase.Atomic interface)
// =============================================================================

// WithTx executes fn within a database transaction spanning the ledger
// and purchase tables.
func (s *Store) WithTx(ctx context.Context, fn func(ls ledger.Store, ps purchase.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	view := &txStore{tx: sqlTx}
	if err := fn(view, view); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every statement on the open transaction. The parent's
// mutex is held by WithTx for the view's whole lifetime.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Append(ctx context.Context, e ledger.Entry) (ledger.EntryID, error) {
	return appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) QueryByDriver(ctx context.Context, driver ledger.DriverID) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.tx, `
		SELECT `+entryColumns+`
		FROM pointchanges
		WHERE driver = ?
		ORDER BY date ASC, id ASC
	`, string(ledger.NormalizeDriver(driver)))
}

func (ts *txStore) QueryBySponsor(ctx context.Context, sponsor ledger.SponsorID) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.tx, `
		SELECT `+entryColumns+`
		FROM pointchanges
		WHERE sponsor = ?
		ORDER BY date ASC, id ASC
	`, int64(sponsor))
}

func (ts *txStore) QueryByDriverAndSponsor(ctx context.Context, driver ledger.DriverID, sponsor ledger.SponsorID) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.tx, `
		SELECT `+entryColumns+`
		FROM pointchanges
		WHERE driver = ? AND sponsor = ?
		ORDER BY date ASC, id ASC
	`, string(ledger.NormalizeDriver(driver)), int64(sponsor))
}

func (ts *txStore) QueryAll(ctx context.Context) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.tx, `
		SELECT `+entryColumns+`
		FROM pointchanges
		ORDER BY date ASC, id ASC
	`)
}

func (ts *txStore) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	return keyExists(ctx, ts.tx, idempotencyKey)
}

func (ts *txStore) CreatePurchase(ctx context.Context, p purchase.Purchase) (purchase.PurchaseID, error) {
	return createPurchase(ctx, ts.tx, p)
}

func (ts *txStore) AddLineItem(ctx context.Context, li purchase.LineItem) error {
	return addLineItem(ctx, ts.tx, li)
}

func (ts *txStore) GetPurchase(ctx context.Context, id purchase.PurchaseID) (purchase.Purchase, error) {
	return getPurchase(ctx, ts.tx, id)
}

func (ts *txStore) ListPurchases(ctx context.Context, f purchase.Filter) ([]purchase.Purchase, error) {
	return listPurchases(ctx, ts.tx, f)
}

func (ts *txStore) CountPurchases(ctx context.Context, f purchase.Filter) (int, error) {
	return countPurchases(ctx, ts.tx, f)
}

func (ts *txStore) GetLineItems(ctx context.Context, id purchase.PurchaseID) ([]purchase.LineItem, error) {
	return getLineItems(ctx, ts.tx, id)
}

func (ts *txStore) SaveSettlement(ctx context.Context, rec purchase.SettlementRecord) error {
	return saveSettlement(ctx, ts.tx, rec)
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
