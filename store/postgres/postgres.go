/*
Package postgres provides a PostgreSQL-backed implementation of the
storage interfaces.

PURPOSE:
  Production backend. Same tables and semantics as store/sqlite, with
  database-level concurrency control instead of an in-process mutex.

CONNECTION POOL:
  Built on pgxpool. Pool sizing and lifetimes come from configuration;
  New pings the database before returning so a bad DSN fails fast at
  startup.

SEE ALSO:
  - store/sqlite/sqlite.go: Schema documentation and dev backend
  - ledger/ledger.go: The append path and its validation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/driver-rewards/ledger"
	"github.com/warp/driver-rewards/purchase"
)

// Config controls pool sizing.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store implements all storage interfaces using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects, migrates, and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pointchanges (
		id BIGSERIAL PRIMARY KEY,
		driver TEXT NOT NULL,
		sponsor BIGINT NOT NULL,
		delta TEXT NOT NULL,
		action TEXT NOT NULL,
		date TEXT NOT NULL,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pointchanges_driver_sponsor_date
		ON pointchanges(driver, sponsor, date);
	CREATE INDEX IF NOT EXISTS idx_pointchanges_sponsor
		ON pointchanges(sponsor);
	CREATE INDEX IF NOT EXISTS idx_pointchanges_reference
		ON pointchanges(reference_id) WHERE reference_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS purchases (
		id BIGSERIAL PRIMARY KEY,
		driver TEXT NOT NULL,
		date TEXT NOT NULL,
		status TEXT NOT NULL,
		sponsor BIGINT NOT NULL,
		price TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_driver
		ON purchases(driver);
	CREATE INDEX IF NOT EXISTS idx_purchases_sponsor_date
		ON purchases(sponsor, date);

	CREATE TABLE IF NOT EXISTS productspurchased (
		product_id BIGINT NOT NULL,
		purchase_id BIGINT NOT NULL REFERENCES purchases(id),
		quantity INTEGER NOT NULL,
		PRIMARY KEY (product_id, purchase_id)
	);

	CREATE TABLE IF NOT EXISTS settlements (
		token TEXT PRIMARY KEY,
		purchase_id BIGINT NOT NULL,
		total_cost TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_settlements_created_at
		ON settlements(created_at);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// dbtx abstracts *pgxpool.Pool and pgx.Tx so the same helpers serve
// both the direct path and WithTx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) Append(ctx context.Context, e ledger.Entry) (ledger.EntryID, error) {
	return appendEntry(ctx, s.pool, e)
}

func appendEntry(ctx context.Context, db dbtx, e ledger.Entry) (ledger.EntryID, error) {
	var id int64
	err := db.QueryRow(ctx, `
		INSERT INTO pointchanges
		(driver, sponsor, delta, action, date, reference_id, reason, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)
		RETURNING id
	`,
		string(ledger.NormalizeDriver(e.Driver)),
		int64(e.Sponsor),
		e.Delta.String(),
		e.Action,
		e.Date.String(),
		e.ReferenceID,
		e.Reason,
		e.IdempotencyKey,
		time.Now().UTC().Format(time.RFC3339),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ledger.ErrDuplicateIdempotencyKey
		}
		return 0, fmt.Errorf("failed to append point change: %w", err)
	}
	return ledger.EntryID(id), nil
}

const entryColumns = `id, driver, sponsor, delta, action, date,
	COALESCE(reference_id, ''), COALESCE(reason, ''), COALESCE(idempotency_key, ''), created_at`

func (s *Store) QueryByDriver(ctx context.Context, driver ledger.DriverID) ([]ledger.Entry, error) {
	return queryEntries(ctx, s.pool, `
		SELECT `+entryColumns+`
		FROM pointchanges
		WHERE driver = $1
		ORDER BY date ASC, id ASC
	`, string(ledger.NormalizeDriver(driver)))
}

func (s *Store) QueryBySponsor(ctx context.Context, sponsor ledger.SponsorID) ([]ledger.Entry, error) {
	return queryEntries(ctx, s.pool, `
		SELECT `+entryColumns+`
		FROM pointchanges
		WHERE sponsor = $1
		ORDER BY date ASC, id ASC
	`, int64(sponsor))
}

func (s *Store) QueryByDriverAndSponsor(ctx context.Context, driver ledger.DriverID, sponsor ledger.SponsorID) ([]ledger.Entry, error) {
	return queryEntries(ctx, s.pool, `
		SELECT `+entryColumns+`
		FROM pointchanges
		WHERE driver = $1 AND sponsor = $2
		ORDER BY date ASC, id ASC
	`, string(ledger.NormalizeDriver(driver)), int64(sponsor))
}

func (s *Store) QueryAll(ctx context.Context) ([]ledger.Entry, error) {
	return queryEntries(ctx, s.pool, `
		SELECT `+entryColumns+`
		FROM pointchanges
		ORDER BY date ASC, id ASC
	`)
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	return keyExists(ctx, s.pool, idempotencyKey)
}

func keyExists(ctx context.Context, db dbtx, idempotencyKey string) (bool, error) {
	var count int
	err := db.QueryRow(ctx,
		"SELECT COUNT(*) FROM pointchanges WHERE idempotency_key = $1",
		idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

func queryEntries(ctx context.Context, db dbtx, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query point changes: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e       ledger.Entry
			driver  string
			sponsor int64
			delta   string
			date    string
			created string
		)
		if err := rows.Scan(&e.ID, &driver, &sponsor, &delta, &e.Action,
			&date, &e.ReferenceID, &e.Reason, &e.IdempotencyKey, &created); err != nil {
			return nil, fmt.Errorf("failed to scan point change: %w", err)
		}
		e.Driver = ledger.DriverID(driver)
		e.Sponsor = ledger.SponsorID(sponsor)
		e.Delta = ledger.MustParsePoints(delta)
		e.Date, err = ledger.ParseDate(date)
		if err != nil {
			return nil, fmt.Errorf("bad stored date %q: %w", date, err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// PURCHASE STORE (purchase.Store interface)
// =============================================================================

func (s *Store) CreatePurchase(ctx context.Context, p purchase.Purchase) (purchase.PurchaseID, error) {
	return createPurchase(ctx, s.pool, p)
}

func createPurchase(ctx context.Context, db dbtx, p purchase.Purchase) (purchase.PurchaseID, error) {
	var id int64
	err := db.QueryRow(ctx, `
		INSERT INTO purchases (driver, date, status, sponsor, price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`,
		string(ledger.NormalizeDriver(p.Driver)),
		p.Date.String(),
		p.Status,
		int64(p.Sponsor),
		p.Price.String(),
		time.Now().UTC().Format(time.RFC3339),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create purchase: %w", err)
	}
	return purchase.PurchaseID(id), nil
}

func (s *Store) AddLineItem(ctx context.Context, li purchase.LineItem) error {
	return addLineItem(ctx, s.pool, li)
}

func addLineItem(ctx context.Context, db dbtx, li purchase.LineItem) error {
	_, err := db.Exec(ctx, `
		INSERT INTO productspurchased (product_id, purchase_id, quantity)
		VALUES ($1, $2, $3)
	`, li.ProductID, int64(li.PurchaseID), li.Quantity)
	if err != nil {
		return fmt.Errorf("failed to add line item: %w", err)
	}
	return nil
}

func (s *Store) GetPurchase(ctx context.Context, id purchase.PurchaseID) (purchase.Purchase, error) {
	return getPurchase(ctx, s.pool, id)
}

func getPurchase(ctx context.Context, db dbtx, id purchase.PurchaseID) (purchase.Purchase, error) {
	var (
		p       purchase.Purchase
		driver  string
		date    string
		sponsor int64
		price   string
	)
	err := db.QueryRow(ctx, `
		SELECT id, driver, date, status, sponsor, price
		FROM purchases WHERE id = $1
	`, int64(id)).Scan(&p.ID, &driver, &date, &p.Status, &sponsor, &price)
	if errors.Is(err, pgx.ErrNoRows) {
		return purchase.Purchase{}, ledger.ErrNotFound
	}
	if err != nil {
		return purchase.Purchase{}, err
	}
	p.Driver = ledger.DriverID(driver)
	p.Date, err = ledger.ParseDate(date)
	if err != nil {
		return purchase.Purchase{}, fmt.Errorf("bad stored date %q: %w", date, err)
	}
	p.Sponsor = ledger.SponsorID(sponsor)
	p.Price = ledger.MustParsePoints(price)
	return p, nil
}

func (s *Store) ListPurchases(ctx context.Context, f purchase.Filter) ([]purchase.Purchase, error) {
	return listPurchases(ctx, s.pool, f)
}

func listPurchases(ctx context.Context, db dbtx, f purchase.Filter) ([]purchase.Purchase, error) {
	where, args := purchaseFilter(f)
	rows, err := db.Query(ctx, `
		SELECT id, driver, date, status, sponsor, price
		FROM purchases
	`+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var purchases []purchase.Purchase
	for rows.Next() {
		var (
			p       purchase.Purchase
			driver  string
			date    string
			sponsor int64
			price   string
		)
		if err := rows.Scan(&p.ID, &driver, &date, &p.Status, &sponsor, &price); err != nil {
			return nil, err
		}
		p.Driver = ledger.DriverID(driver)
		p.Date, err = ledger.ParseDate(date)
		if err != nil {
			return nil, fmt.Errorf("bad stored date %q: %w", date, err)
		}
		p.Sponsor = ledger.SponsorID(sponsor)
		p.Price = ledger.MustParsePoints(price)
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func (s *Store) CountPurchases(ctx context.Context, f purchase.Filter) (int, error) {
	return countPurchases(ctx, s.pool, f)
}

func countPurchases(ctx context.Context, db dbtx, f purchase.Filter) (int, error) {
	where, args := purchaseFilter(f)
	var count int
	err := db.QueryRow(ctx, "SELECT COUNT(*) FROM purchases"+where, args...).Scan(&count)
	return count, err
}

func purchaseFilter(f purchase.Filter) (string, []any) {
	var clauses []string
	var args []any
	if f.Driver != nil {
		args = append(args, string(ledger.NormalizeDriver(*f.Driver)))
		clauses = append(clauses, fmt.Sprintf("driver = $%d", len(args)))
	}
	if f.Sponsor != nil {
		args = append(args, int64(*f.Sponsor))
		clauses = append(clauses, fmt.Sprintf("sponsor = $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *Store) GetLineItems(ctx context.Context, id purchase.PurchaseID) ([]purchase.LineItem, error) {
	return getLineItems(ctx, s.pool, id)
}

func getLineItems(ctx context.Context, db dbtx, id purchase.PurchaseID) ([]purchase.LineItem, error) {
	rows, err := db.Query(ctx, `
		SELECT product_id, purchase_id, quantity
		FROM productspurchased
		WHERE purchase_id = $1
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
	return saveSettlement(ctx, s.pool, rec)
}

func saveSettlement(ctx context.Context, db dbtx, rec purchase.SettlementRecord) error {
	_, err := db.Exec(ctx, `
		INSERT INTO settlements (token, purchase_id, total_cost, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token) DO NOTHING
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
	var (
		rec        purchase.SettlementRecord
		purchaseID int64
		totalCost  string
		balance    string
		createdAt  string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT token, purchase_id, total_cost, balance_after, created_at
		FROM settlements WHERE token = $1
	`, token).Scan(&rec.Token, &purchaseID, &totalCost, &balance, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
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
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM settlements WHERE created_at < $1",
		olderThan.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// =============================================================================
// TRANSACTIONS (purchase.Atomic interface)
// =============================================================================

// WithTx executes fn within a database transaction spanning the ledger
// and purchase tables.
func (s *Store) WithTx(ctx context.Context, fn func(ls ledger.Store, ps purchase.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	view := &txStore{tx: tx}
	if err := fn(view, view); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) Append(ctx context.Context, e ledger.Entry) (ledger.EntryID, error) {
	return appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) QueryByDriver(ctx context.Context, driver ledger.DriverID) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.tx, `
		SELECT `+entryColumns+`
		FROM pointchanges
		WHERE driver = $1
		ORDER BY date ASC, id ASC
	`, string(ledger.NormalizeDriver(driver)))
}

func (ts *txStore) QueryBySponsor(ctx context.Context, sponsor ledger.SponsorID) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.tx, `
		SELECT `+entryColumns+`
		FROM pointchanges
		WHERE sponsor = $1
		ORDER BY date ASC, id ASC
	`, int64(sponsor))
}

func (ts *txStore) QueryByDriverAndSponsor(ctx context.Context, driver ledger.DriverID, sponsor ledger.SponsorID) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.tx, `
		SELECT `+entryColumns+`
		FROM pointchanges
		WHERE driver = $1 AND sponsor = $2
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
