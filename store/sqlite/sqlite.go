/*
Package sqlite provides a SQLite-backed implementation of the journal store.

PURPOSE:
  Implements ledger.JournalStore / ledger.TxJournal using SQLite. In
  production the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

APPEND-ONLY ENFORCEMENT:
  Immutability is enforced INSIDE the database, not just by the Go layer:
  - BEFORE UPDATE triggers reject every entry mutation, in every tier
  - BEFORE DELETE triggers reject entry removal unless the pipeline gate
    is open; the gate is a single-row table toggled only inside the
    pipeline's own transaction, so a rollback also closes it
  - The archive tier rejects DELETE unconditionally
  - Groups accept exactly one transition away from IN_PROGRESS and reject
    changes to identity columns
  - CHECK constraints enforce the sign-type invariant per row

KEY TABLES:
  wallets:                      Balance-bearing accounts
  transaction_groups:           Group state machine rows
  entry_seq:                    Monotonic id allocator shared by all tiers
  transactions:                 Active tier (hot)
  transaction_snapshots:        Snapshot tier (terminal-group entries,
                                plus LEDGER checkpoints)
  transaction_snapshot_archive: Archive tier (cold, consolidated)
  ledger_checkpoint_links:      Checkpoint -> consolidated group index
  pipeline_gate:                Migration permission flag

TIME ENCODING:
  Timestamps are stored as fixed-width UTC strings
  ("2006-01-02T15:04:05.000000000Z") so that string comparison in SQL
  matches chronological comparison. RFC3339Nano trims trailing zeros and
  is NOT safe for lexicographic cutoff predicates.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/wallet.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  groups := ledger.NewCoordinator(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
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
	"github.com/nosota/mwallet/ledger"
)

// timeFormat is fixed-width so stored strings compare lexicographically in
// the same order as the instants they encode.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.TxJournal using SQLite.
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

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Wallets (created once, never destroyed)
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('USER','MERCHANT','ESCROW','SYSTEM','DEPOSIT','WITHDRAWAL')),
		currency TEXT NOT NULL,
		owner_id TEXT,
		description TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TRIGGER IF NOT EXISTS trg_wallet_no_delete
	BEFORE DELETE ON wallets
	BEGIN
		SELECT RAISE(ABORT, 'wallets cannot be deleted');
	END;

	-- Transaction groups (state machine rows)
	CREATE TABLE IF NOT EXISTS transaction_groups (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'IN_PROGRESS'
			CHECK (status IN ('IN_PROGRESS','SETTLED','RELEASED','CANCELLED')),
		created_at TEXT NOT NULL,
		finalized_at TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		merchant_ref TEXT,
		buyer_ref TEXT
	);

	-- Exactly one transition away from IN_PROGRESS, then frozen
	CREATE TRIGGER IF NOT EXISTS trg_group_terminal
	BEFORE UPDATE ON transaction_groups
	WHEN OLD.status <> 'IN_PROGRESS'
	BEGIN
		SELECT RAISE(ABORT, 'terminal groups are immutable');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_group_identity
	BEFORE UPDATE OF id, created_at, idempotency_key ON transaction_groups
	BEGIN
		SELECT RAISE(ABORT, 'group identity columns are immutable');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_group_no_delete
	BEFORE DELETE ON transaction_groups
	BEGIN
		SELECT RAISE(ABORT, 'groups cannot be deleted');
	END;

	-- Monotonic entry id allocator, shared by every tier so ids stay
	-- unique across migrations
	CREATE TABLE IF NOT EXISTS entry_seq (
		id INTEGER PRIMARY KEY AUTOINCREMENT
	);

	-- Pipeline gate: entry deletion is legal only while open = 1. The
	-- pipeline opens it inside its own transaction, so a rollback closes it.
	CREATE TABLE IF NOT EXISTS pipeline_gate (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		open INTEGER NOT NULL DEFAULT 0
	);
	INSERT OR IGNORE INTO pipeline_gate (id, open) VALUES (1, 0);

	-- Active tier (hot path)
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		group_id TEXT NOT NULL REFERENCES transaction_groups(id),
		entry_type TEXT NOT NULL CHECK (entry_type IN ('DEBIT','CREDIT')),
		status TEXT NOT NULL CHECK (status IN ('HOLD','SETTLED','RELEASED','CANCELLED','REFUNDED')),
		amount INTEGER NOT NULL,
		hold_at TEXT NOT NULL,
		finalized_at TEXT,
		description TEXT,
		correlation_key TEXT,
		CHECK ((entry_type = 'DEBIT' AND amount < 0) OR (entry_type = 'CREDIT' AND amount > 0))
	);

	CREATE INDEX IF NOT EXISTS idx_tx_group ON transactions(group_id);
	CREATE INDEX IF NOT EXISTS idx_tx_wallet_status ON transactions(wallet_id, status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_correlation
		ON transactions(correlation_key, entry_type)
		WHERE correlation_key IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS trg_tx_no_update
	BEFORE UPDATE ON transactions
	BEGIN
		SELECT RAISE(ABORT, 'journal entries are immutable');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_tx_no_delete
	BEFORE DELETE ON transactions
	WHEN (SELECT open FROM pipeline_gate WHERE id = 1) = 0
	BEGIN
		SELECT RAISE(ABORT, 'journal entries can only be migrated by the pipeline');
	END;

	-- Snapshot tier (terminal-group entries + LEDGER checkpoints)
	CREATE TABLE IF NOT EXISTS transaction_snapshots (
		id INTEGER PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		group_id TEXT REFERENCES transaction_groups(id),
		entry_type TEXT NOT NULL CHECK (entry_type IN ('DEBIT','CREDIT','LEDGER')),
		status TEXT NOT NULL CHECK (status IN ('HOLD','SETTLED','RELEASED','CANCELLED','REFUNDED')),
		amount INTEGER NOT NULL,
		hold_at TEXT NOT NULL,
		finalized_at TEXT,
		description TEXT,
		correlation_key TEXT,
		snapshot_date TEXT NOT NULL,
		is_ledger_entry INTEGER NOT NULL DEFAULT 0,
		CHECK (entry_type = 'LEDGER'
			OR (entry_type = 'DEBIT' AND amount < 0)
			OR (entry_type = 'CREDIT' AND amount > 0))
	);

	CREATE INDEX IF NOT EXISTS idx_snap_group ON transaction_snapshots(group_id);
	CREATE INDEX IF NOT EXISTS idx_snap_wallet_status ON transaction_snapshots(wallet_id, status);
	CREATE INDEX IF NOT EXISTS idx_snap_wallet_date ON transaction_snapshots(wallet_id, snapshot_date);

	CREATE TRIGGER IF NOT EXISTS trg_snap_no_update
	BEFORE UPDATE ON transaction_snapshots
	BEGIN
		SELECT RAISE(ABORT, 'snapshot entries are immutable');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_snap_no_delete
	BEFORE DELETE ON transaction_snapshots
	WHEN (SELECT open FROM pipeline_gate WHERE id = 1) = 0
	BEGIN
		SELECT RAISE(ABORT, 'snapshot entries can only be migrated by the pipeline');
	END;

	-- Archive tier (cold; nothing ever leaves)
	CREATE TABLE IF NOT EXISTS transaction_snapshot_archive (
		id INTEGER PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		group_id TEXT REFERENCES transaction_groups(id),
		entry_type TEXT NOT NULL CHECK (entry_type IN ('DEBIT','CREDIT','LEDGER')),
		status TEXT NOT NULL CHECK (status IN ('HOLD','SETTLED','RELEASED','CANCELLED','REFUNDED')),
		amount INTEGER NOT NULL,
		hold_at TEXT NOT NULL,
		finalized_at TEXT,
		description TEXT,
		correlation_key TEXT,
		snapshot_date TEXT NOT NULL,
		archived_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_arch_group ON transaction_snapshot_archive(group_id);
	CREATE INDEX IF NOT EXISTS idx_arch_wallet ON transaction_snapshot_archive(wallet_id);

	CREATE TRIGGER IF NOT EXISTS trg_arch_no_update
	BEFORE UPDATE ON transaction_snapshot_archive
	BEGIN
		SELECT RAISE(ABORT, 'archived entries are immutable');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_arch_no_delete
	BEFORE DELETE ON transaction_snapshot_archive
	BEGIN
		SELECT RAISE(ABORT, 'archived entries cannot be deleted');
	END;

	-- Checkpoint -> consolidated groups index
	CREATE TABLE IF NOT EXISTS ledger_checkpoint_links (
		checkpoint_id INTEGER NOT NULL,
		group_id TEXT NOT NULL REFERENCES transaction_groups(id),
		PRIMARY KEY (checkpoint_id, group_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryable is satisfied by both *sql.DB and *sql.Tx, so every operation
// can run standalone or inside a WithTx scope.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// WALLETS
// =============================================================================

func (s *Store) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createWalletIn(ctx, s.db, w)
}

func (s *Store) GetWallet(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getWalletIn(ctx, s.db, id)
}

func (s *Store) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listWalletsIn(ctx, s.db)
}

func createWalletIn(ctx context.Context, q queryable, w ledger.Wallet) error {
	if w.ID == "" || !w.Kind.Valid() || w.Currency == "" {
		return fmt.Errorf("%w: wallet requires id, kind and currency", ledger.ErrValidation)
	}
	createdAt := w.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO wallets (id, kind, currency, owner_id, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.Kind, w.Currency, nullString(w.OwnerID), nullString(w.Description),
		createdAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: wallet %s already exists", ledger.ErrValidation, w.ID)
		}
		return storageErr("create wallet", err)
	}
	return nil
}

func getWalletIn(ctx context.Context, q queryable, id ledger.WalletID) (*ledger.Wallet, error) {
	var (
		w             ledger.Wallet
		ownerID, desc sql.NullString
		createdAt     string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, kind, currency, owner_id, description, created_at
		FROM wallets WHERE id = ?`, id,
	).Scan(&w.ID, &w.Kind, &w.Currency, &ownerID, &desc, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get wallet", err)
	}
	w.OwnerID = ownerID.String
	w.Description = desc.String
	w.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &w, nil
}

func listWalletsIn(ctx context.Context, q queryable) ([]ledger.Wallet, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, kind, currency, owner_id, description, created_at
		FROM wallets ORDER BY id`)
	if err != nil {
		return nil, storageErr("list wallets", err)
	}
	defer rows.Close()

	var wallets []ledger.Wallet
	for rows.Next() {
		var (
			w             ledger.Wallet
			ownerID, desc sql.NullString
			createdAt     string
		)
		if err := rows.Scan(&w.ID, &w.Kind, &w.Currency, &ownerID, &desc, &createdAt); err != nil {
			return nil, storageErr("scan wallet", err)
		}
		w.OwnerID = ownerID.String
		w.Description = desc.String
		w.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// =============================================================================
// GROUPS
// =============================================================================

func (s *Store) CreateGroup(ctx context.Context, g ledger.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createGroupIn(ctx, s.db, g)
}

func (s *Store) GetGroup(ctx context.Context, id ledger.GroupID) (*ledger.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getGroupIn(ctx, s.db, id)
}

func (s *Store) GetGroupByIdempotencyKey(ctx context.Context, key string) (*ledger.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getGroupByIdempotencyKeyIn(ctx, s.db, key)
}

func (s *Store) SetGroupTerminal(ctx context.Context, id ledger.GroupID, status ledger.GroupStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setGroupTerminalIn(ctx, s.db, id, status, reason)
}

func createGroupIn(ctx context.Context, q queryable, g ledger.Group) error {
	if g.ID == "" {
		return fmt.Errorf("%w: group requires an id", ledger.ErrValidation)
	}
	status := g.Status
	if status == "" {
		status = ledger.GroupInProgress
	}
	createdAt := g.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO transaction_groups
		(id, status, created_at, reason, idempotency_key, merchant_ref, buyer_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, status, createdAt.UTC().Format(timeFormat),
		nullString(g.Reason), nullString(g.IdempotencyKey),
		nullString(g.MerchantRef), nullString(g.BuyerRef),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateIdempotencyKey, g.IdempotencyKey)
		}
		return storageErr("create group", err)
	}
	return nil
}

func getGroupIn(ctx context.Context, q queryable, id ledger.GroupID) (*ledger.Group, error) {
	return scanGroup(q.QueryRowContext(ctx, `
		SELECT id, status, created_at, finalized_at, reason, idempotency_key, merchant_ref, buyer_ref
		FROM transaction_groups WHERE id = ?`, id))
}

func getGroupByIdempotencyKeyIn(ctx context.Context, q queryable, key string) (*ledger.Group, error) {
	return scanGroup(q.QueryRowContext(ctx, `
		SELECT id, status, created_at, finalized_at, reason, idempotency_key, merchant_ref, buyer_ref
		FROM transaction_groups WHERE idempotency_key = ?`, key))
}

func scanGroup(row *sql.Row) (*ledger.Group, error) {
	var (
		g                            ledger.Group
		createdAt                    string
		finalizedAt, reason, idemKey sql.NullString
		merchantRef, buyerRef        sql.NullString
	)
	err := row.Scan(&g.ID, &g.Status, &createdAt, &finalizedAt, &reason, &idemKey, &merchantRef, &buyerRef)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("scan group", err)
	}
	g.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	if finalizedAt.Valid {
		t, _ := time.Parse(timeFormat, finalizedAt.String)
		g.FinalizedAt = &t
	}
	g.Reason = reason.String
	g.IdempotencyKey = idemKey.String
	g.MerchantRef = merchantRef.String
	g.BuyerRef = buyerRef.String
	return &g, nil
}

func setGroupTerminalIn(ctx context.Context, q queryable, id ledger.GroupID, status ledger.GroupStatus, reason string) error {
	if !ledger.TerminalStatus(status) {
		return fmt.Errorf("%w: %q is not a terminal group status", ledger.ErrValidation, status)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE transaction_groups
		SET status = ?, finalized_at = ?, reason = ?
		WHERE id = ? AND status = 'IN_PROGRESS'`,
		status, time.Now().UTC().Format(timeFormat), nullString(reason), id,
	)
	if err != nil {
		return storageErr("set group terminal", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("set group terminal", err)
	}
	if affected == 0 {
		g, err := getGroupIn(ctx, q, id)
		if err != nil {
			return err
		}
		if g == nil {
			return fmt.Errorf("%w: %s", ledger.ErrGroupNotFound, id)
		}
		return &ledger.StateError{GroupID: id, Status: g.Status}
	}
	return nil
}

// =============================================================================
// ENTRIES
// =============================================================================

func (s *Store) Append(ctx context.Context, e ledger.Entry) (ledger.EntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendIn(ctx, s.db, e)
}

func appendIn(ctx context.Context, q queryable, e ledger.Entry) (ledger.EntryID, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	w, err := getWalletIn(ctx, q, e.WalletID)
	if err != nil {
		return 0, err
	}
	if w == nil {
		return 0, fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, e.WalletID)
	}
	g, err := getGroupIn(ctx, q, e.GroupID)
	if err != nil {
		return 0, err
	}
	if g == nil {
		return 0, fmt.Errorf("%w: %s", ledger.ErrGroupNotFound, e.GroupID)
	}
	if g.Status != ledger.GroupInProgress {
		return 0, fmt.Errorf("%w: group %s is %s", ledger.ErrGroupNotOpen, e.GroupID, g.Status)
	}

	id, err := nextEntryID(ctx, q)
	if err != nil {
		return 0, err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, wallet_id, group_id, entry_type, status, amount, hold_at, finalized_at, description, correlation_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, e.WalletID, e.GroupID, e.Type, e.Status, e.Amount,
		e.HoldAt.UTC().Format(timeFormat), nullTime(e.FinalizedAt),
		nullString(e.Description), nullString(e.CorrelationKey),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, fmt.Errorf("%w: %s", ledger.ErrDuplicateIdempotencyKey, e.CorrelationKey)
		}
		return 0, storageErr("append entry", err)
	}
	return id, nil
}

// nextEntryID allocates from the shared sequence so ids stay monotonic and
// unique across all three tiers.
func nextEntryID(ctx context.Context, q queryable) (ledger.EntryID, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO entry_seq DEFAULT VALUES`)
	if err != nil {
		return 0, storageErr("allocate entry id", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("allocate entry id", err)
	}
	return ledger.EntryID(id), nil
}

// entryColumns is the normalized projection shared by the tier queries.
const entryColumns = `id, wallet_id, group_id, entry_type, status, amount,
	hold_at, finalized_at, description, correlation_key, tier, snapshot_date, is_checkpoint`

const activeSelect = `
	SELECT id, wallet_id, group_id, entry_type, status, amount,
	       hold_at, finalized_at, description, correlation_key,
	       'active' AS tier, NULL AS snapshot_date, 0 AS is_checkpoint
	FROM transactions`

const snapshotSelect = `
	SELECT id, wallet_id, group_id, entry_type, status, amount,
	       hold_at, finalized_at, description, correlation_key,
	       'snapshot' AS tier, snapshot_date, is_ledger_entry AS is_checkpoint
	FROM transaction_snapshots`

const archiveSelect = `
	SELECT id, wallet_id, group_id, entry_type, status, amount,
	       hold_at, finalized_at, description, correlation_key,
	       'archive' AS tier, snapshot_date,
	       CASE WHEN entry_type = 'LEDGER' THEN 1 ELSE 0 END AS is_checkpoint
	FROM transaction_snapshot_archive`

func (s *Store) EntriesOfGroup(ctx context.Context, id ledger.GroupID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entriesOfGroupIn(ctx, s.db, id)
}

func entriesOfGroupIn(ctx context.Context, q queryable, id ledger.GroupID) ([]ledger.Entry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM (%s WHERE group_id = ?
		UNION ALL %s WHERE group_id = ?
		UNION ALL %s WHERE group_id = ?)
		ORDER BY id`, entryColumns, activeSelect, snapshotSelect, archiveSelect)
	return queryEntries(ctx, q, query, id, id, id)
}

func (s *Store) EntriesOfWallet(ctx context.Context, id ledger.WalletID, f ledger.EntryFilter) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entriesOfWalletIn(ctx, s.db, id, f)
}

func entriesOfWalletIn(ctx context.Context, q queryable, id ledger.WalletID, f ledger.EntryFilter) ([]ledger.Entry, error) {
	statusFilter := ""
	args := []any{id, id}
	if f.Status != nil {
		statusFilter = " WHERE status = ?"
		args = append(args, *f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	args = append(args, limit, f.Offset)

	query := fmt.Sprintf(`
		SELECT %s FROM (%s WHERE wallet_id = ?
		UNION ALL %s WHERE wallet_id = ?)%s
		ORDER BY id LIMIT ? OFFSET ?`,
		entryColumns, activeSelect, snapshotSelect, statusFilter)
	return queryEntries(ctx, q, query, args...)
}

func (s *Store) HoldEntries(ctx context.Context, id ledger.GroupID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return holdEntriesIn(ctx, s.db, id)
}

func holdEntriesIn(ctx context.Context, q queryable, id ledger.GroupID) ([]ledger.Entry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM (%s WHERE group_id = ? AND status = 'HOLD')
		ORDER BY id`, entryColumns, activeSelect)
	return queryEntries(ctx, q, query, id)
}

func (s *Store) EntriesByCorrelationKey(ctx context.Context, key string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entriesByCorrelationKeyIn(ctx, s.db, key)
}

func entriesByCorrelationKeyIn(ctx context.Context, q queryable, key string) ([]ledger.Entry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM (%s WHERE correlation_key = ?
		UNION ALL %s WHERE correlation_key = ?
		UNION ALL %s WHERE correlation_key = ?)
		ORDER BY id`, entryColumns, activeSelect, snapshotSelect, archiveSelect)
	return queryEntries(ctx, q, query, key, key, key)
}

func queryEntries(ctx context.Context, q queryable, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query entries", err)
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
		e                          ledger.Entry
		groupID                    sql.NullString
		holdAt                     string
		finalizedAt, desc, corrKey sql.NullString
		snapshotDate               sql.NullString
		isCheckpoint               int
	)
	err := rows.Scan(
		&e.ID, &e.WalletID, &groupID, &e.Type, &e.Status, &e.Amount,
		&holdAt, &finalizedAt, &desc, &corrKey, &e.Tier, &snapshotDate, &isCheckpoint,
	)
	if err != nil {
		return e, storageErr("scan entry", err)
	}
	e.GroupID = ledger.GroupID(groupID.String)
	e.HoldAt, _ = time.Parse(timeFormat, holdAt)
	if finalizedAt.Valid {
		t, _ := time.Parse(timeFormat, finalizedAt.String)
		e.FinalizedAt = &t
	}
	e.Description = desc.String
	e.CorrelationKey = corrKey.String
	if snapshotDate.Valid {
		t, _ := time.Parse(timeFormat, snapshotDate.String)
		e.SnapshotDate = &t
	}
	e.IsCheckpoint = isCheckpoint != 0
	return e, nil
}

// =============================================================================
// AGGREGATIONS
// =============================================================================

func (s *Store) SumSettled(ctx context.Context, id ledger.WalletID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sumSettledIn(ctx, s.db, id)
}

func sumSettledIn(ctx context.Context, q queryable, id ledger.WalletID) (int64, error) {
	var sum int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM (
			SELECT amount FROM transactions
			WHERE wallet_id = ? AND status = 'SETTLED'
			UNION ALL
			SELECT amount FROM transaction_snapshots
			WHERE wallet_id = ? AND status = 'SETTLED'
		)`, id, id).Scan(&sum)
	if err != nil {
		return 0, storageErr("sum settled", err)
	}
	return sum, nil
}

func (s *Store) SumHeldDebits(ctx context.Context, id ledger.WalletID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sumHeldIn(ctx, s.db, id, ledger.EntryDebit)
}

func (s *Store) SumHeldCredits(ctx context.Context, id ledger.WalletID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sumHeldIn(ctx, s.db, id, ledger.EntryCredit)
}

func sumHeldIn(ctx context.Context, q queryable, id ledger.WalletID, typ ledger.EntryType) (int64, error) {
	var sum int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(t.amount), 0)
		FROM transactions t
		JOIN transaction_groups g ON g.id = t.group_id
		WHERE t.wallet_id = ? AND t.status = 'HOLD' AND t.entry_type = ?
		  AND g.status = 'IN_PROGRESS'`, id, typ).Scan(&sum)
	if err != nil {
		return 0, storageErr("sum held", err)
	}
	return sum, nil
}

func (s *Store) GroupCurrency(ctx context.Context, id ledger.GroupID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return groupCurrencyIn(ctx, s.db, id)
}

func groupCurrencyIn(ctx context.Context, q queryable, id ledger.GroupID) (string, error) {
	var currency string
	err := q.QueryRowContext(ctx, `
		SELECT w.currency FROM wallets w WHERE w.id = (
			SELECT wallet_id FROM (
				SELECT id, wallet_id FROM transactions WHERE group_id = ?
				UNION ALL
				SELECT id, wallet_id FROM transaction_snapshots WHERE group_id = ?
				UNION ALL
				SELECT id, wallet_id FROM transaction_snapshot_archive WHERE group_id = ?
			) ORDER BY id LIMIT 1
		)`, id, id, id).Scan(&currency)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", storageErr("group currency", err)
	}
	return currency, nil
}

func (s *Store) ReconciliationSum(ctx context.Context, status ledger.EntryStatus) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reconciliationSumIn(ctx, s.db, status)
}

func reconciliationSumIn(ctx context.Context, q queryable, status ledger.EntryStatus) (int64, error) {
	var sum int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM (
			SELECT amount FROM transactions WHERE status = ?
			UNION ALL
			SELECT amount FROM transaction_snapshots WHERE status = ?
		)`, status, status).Scan(&sum)
	if err != nil {
		return 0, storageErr("reconciliation sum", err)
	}
	return sum, nil
}

// =============================================================================
// PIPELINE PRIMITIVES
// =============================================================================

// The gated DELETE pattern: the pipeline opens the gate, migrates, deletes,
// closes the gate, all inside one transaction. A rollback at any point also
// rolls the gate back to closed, so the immutability triggers stay armed.

func (s *Store) MoveActiveToSnapshot(ctx context.Context, id ledger.WalletID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin snapshot migration", err)
	}
	defer tx.Rollback()

	moved, err := moveActiveToSnapshotIn(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	return moved, tx.Commit()
}

func moveActiveToSnapshotIn(ctx context.Context, q queryable, id ledger.WalletID) (int, error) {
	const terminalPredicate = `
		wallet_id = ? AND group_id IN (
			SELECT id FROM transaction_groups WHERE status <> 'IN_PROGRESS'
		)`

	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE`+terminalPredicate, id).Scan(&count)
	if err != nil {
		return 0, storageErr("count snapshot candidates", err)
	}
	if count == 0 {
		return 0, nil
	}

	snapshotDate := time.Now().UTC().Format(timeFormat)
	res, err := q.ExecContext(ctx, `
		INSERT INTO transaction_snapshots
		(id, wallet_id, group_id, entry_type, status, amount, hold_at,
		 finalized_at, description, correlation_key, snapshot_date, is_ledger_entry)
		SELECT id, wallet_id, group_id, entry_type, status, amount, hold_at,
		       finalized_at, description, correlation_key, ?, 0
		FROM transactions WHERE`+terminalPredicate, snapshotDate, id)
	if err != nil {
		return 0, storageErr("copy to snapshot tier", err)
	}
	if err := verifyAffected(res, "snapshot copy", id, count); err != nil {
		return 0, err
	}

	if err := setGate(ctx, q, true); err != nil {
		return 0, err
	}
	res, err = q.ExecContext(ctx,
		`DELETE FROM transactions WHERE`+terminalPredicate, id)
	if err != nil {
		return 0, storageErr("remove from active tier", err)
	}
	if err := verifyAffected(res, "active tier removal", id, count); err != nil {
		return 0, err
	}
	if err := setGate(ctx, q, false); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ConsolidateSnapshot(ctx context.Context, id ledger.WalletID, cutoff time.Time) (*ledger.Consolidation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin archive migration", err)
	}
	defer tx.Rollback()

	result, err := consolidateSnapshotIn(ctx, tx, id, cutoff)
	if err != nil {
		return nil, err
	}
	return result, tx.Commit()
}

func consolidateSnapshotIn(ctx context.Context, q queryable, id ledger.WalletID, cutoff time.Time) (*ledger.Consolidation, error) {
	const rangePredicate = `
		wallet_id = ? AND is_ledger_entry = 0 AND snapshot_date < ?`
	cutoffStr := cutoff.UTC().Format(timeFormat)

	// Everything in range moves to the archive; only the SETTLED subset
	// contributes to the checkpoint amount.
	var count int
	var cumulative int64
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'SETTLED' THEN amount ELSE 0 END), 0)
		FROM transaction_snapshots WHERE`+rangePredicate, id, cutoffStr,
	).Scan(&count, &cumulative)
	if err != nil {
		return nil, storageErr("measure archive range", err)
	}
	if count == 0 {
		return &ledger.Consolidation{}, nil
	}

	groups, err := distinctGroupsIn(ctx, q, rangePredicate, id, cutoffStr)
	if err != nil {
		return nil, err
	}

	checkpointID, err := nextEntryID(ctx, q)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(timeFormat)
	_, err = q.ExecContext(ctx, `
		INSERT INTO transaction_snapshots
		(id, wallet_id, group_id, entry_type, status, amount, hold_at,
		 finalized_at, description, correlation_key, snapshot_date, is_ledger_entry)
		VALUES (?, ?, NULL, 'LEDGER', 'SETTLED', ?, ?, ?, ?, NULL, ?, 1)`,
		checkpointID, id, cumulative, now, now,
		fmt.Sprintf("checkpoint through %s", cutoff.UTC().Format(time.RFC3339)), now)
	if err != nil {
		return nil, storageErr("insert checkpoint", err)
	}

	for _, groupID := range groups {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO ledger_checkpoint_links (checkpoint_id, group_id)
			VALUES (?, ?)`, checkpointID, groupID); err != nil {
			return nil, storageErr("record checkpoint link", err)
		}
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO transaction_snapshot_archive
		(id, wallet_id, group_id, entry_type, status, amount, hold_at,
		 finalized_at, description, correlation_key, snapshot_date, archived_at)
		SELECT id, wallet_id, group_id, entry_type, status, amount, hold_at,
		       finalized_at, description, correlation_key, snapshot_date, ?
		FROM transaction_snapshots WHERE`+rangePredicate, now, id, cutoffStr)
	if err != nil {
		return nil, storageErr("copy to archive tier", err)
	}
	if err := verifyAffected(res, "archive copy", id, count); err != nil {
		return nil, err
	}

	if err := setGate(ctx, q, true); err != nil {
		return nil, err
	}
	res, err = q.ExecContext(ctx,
		`DELETE FROM transaction_snapshots WHERE`+rangePredicate, id, cutoffStr)
	if err != nil {
		return nil, storageErr("remove from snapshot tier", err)
	}
	if err := verifyAffected(res, "snapshot tier removal", id, count); err != nil {
		return nil, err
	}
	if err := setGate(ctx, q, false); err != nil {
		return nil, err
	}

	return &ledger.Consolidation{
		CheckpointID: checkpointID,
		Cumulative:   cumulative,
		Archived:     count,
		Groups:       groups,
	}, nil
}

func distinctGroupsIn(ctx context.Context, q queryable, predicate string, args ...any) ([]ledger.GroupID, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT group_id FROM transaction_snapshots
		WHERE group_id IS NOT NULL AND`+predicate+`
		ORDER BY group_id`, args...)
	if err != nil {
		return nil, storageErr("list consolidated groups", err)
	}
	defer rows.Close()

	var groups []ledger.GroupID
	for rows.Next() {
		var g ledger.GroupID
		if err := rows.Scan(&g); err != nil {
			return nil, storageErr("scan group id", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *Store) CheckpointGroups(ctx context.Context, checkpointID ledger.EntryID) ([]ledger.GroupID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return checkpointGroupsIn(ctx, s.db, checkpointID)
}

func checkpointGroupsIn(ctx context.Context, q queryable, checkpointID ledger.EntryID) ([]ledger.GroupID, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT group_id FROM ledger_checkpoint_links
		WHERE checkpoint_id = ? ORDER BY group_id`, checkpointID)
	if err != nil {
		return nil, storageErr("list checkpoint groups", err)
	}
	defer rows.Close()

	var groups []ledger.GroupID
	for rows.Next() {
		var g ledger.GroupID
		if err := rows.Scan(&g); err != nil {
			return nil, storageErr("scan group id", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		var exists int
		err := q.QueryRowContext(ctx, `
			SELECT 1 FROM transaction_snapshots
			WHERE id = ? AND is_ledger_entry = 1`, checkpointID).Scan(&exists)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: checkpoint %d", ledger.ErrEntryNotFound, checkpointID)
		}
		if err != nil {
			return nil, storageErr("check checkpoint", err)
		}
	}
	return groups, nil
}

func setGate(ctx context.Context, q queryable, open bool) error {
	v := 0
	if open {
		v = 1
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE pipeline_gate SET open = ? WHERE id = 1`, v); err != nil {
		return storageErr("toggle pipeline gate", err)
	}
	return nil
}

func verifyAffected(res sql.Result, op string, id ledger.WalletID, want int) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if int(affected) != want {
		return &ledger.IntegrityError{Op: op, WalletID: id, Expected: want, Actual: int(affected)}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxJournal interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.JournalStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore routes every operation through the enclosing *sql.Tx. The outer
// WithTx holds the store lock, so nothing here locks again.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	return createWalletIn(ctx, ts.tx, w)
}

func (ts *txStore) GetWallet(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	return getWalletIn(ctx, ts.tx, id)
}

func (ts *txStore) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	return listWalletsIn(ctx, ts.tx)
}

func (ts *txStore) CreateGroup(ctx context.Context, g ledger.Group) error {
	return createGroupIn(ctx, ts.tx, g)
}

func (ts *txStore) GetGroup(ctx context.Context, id ledger.GroupID) (*ledger.Group, error) {
	return getGroupIn(ctx, ts.tx, id)
}

func (ts *txStore) GetGroupByIdempotencyKey(ctx context.Context, key string) (*ledger.Group, error) {
	return getGroupByIdempotencyKeyIn(ctx, ts.tx, key)
}

func (ts *txStore) SetGroupTerminal(ctx context.Context, id ledger.GroupID, status ledger.GroupStatus, reason string) error {
	return setGroupTerminalIn(ctx, ts.tx, id, status, reason)
}

func (ts *txStore) Append(ctx context.Context, e ledger.Entry) (ledger.EntryID, error) {
	return appendIn(ctx, ts.tx, e)
}

func (ts *txStore) EntriesOfGroup(ctx context.Context, id ledger.GroupID) ([]ledger.Entry, error) {
	return entriesOfGroupIn(ctx, ts.tx, id)
}

func (ts *txStore) EntriesOfWallet(ctx context.Context, id ledger.WalletID, f ledger.EntryFilter) ([]ledger.Entry, error) {
	return entriesOfWalletIn(ctx, ts.tx, id, f)
}

func (ts *txStore) HoldEntries(ctx context.Context, id ledger.GroupID) ([]ledger.Entry, error) {
	return holdEntriesIn(ctx, ts.tx, id)
}

func (ts *txStore) EntriesByCorrelationKey(ctx context.Context, key string) ([]ledger.Entry, error) {
	return entriesByCorrelationKeyIn(ctx, ts.tx, key)
}

func (ts *txStore) SumSettled(ctx context.Context, id ledger.WalletID) (int64, error) {
	return sumSettledIn(ctx, ts.tx, id)
}

func (ts *txStore) SumHeldDebits(ctx context.Context, id ledger.WalletID) (int64, error) {
	return sumHeldIn(ctx, ts.tx, id, ledger.EntryDebit)
}

func (ts *txStore) SumHeldCredits(ctx context.Context, id ledger.WalletID) (int64, error) {
	return sumHeldIn(ctx, ts.tx, id, ledger.EntryCredit)
}

func (ts *txStore) GroupCurrency(ctx context.Context, id ledger.GroupID) (string, error) {
	return groupCurrencyIn(ctx, ts.tx, id)
}

func (ts *txStore) ReconciliationSum(ctx context.Context, status ledger.EntryStatus) (int64, error) {
	return reconciliationSumIn(ctx, ts.tx, status)
}

func (ts *txStore) MoveActiveToSnapshot(ctx context.Context, id ledger.WalletID) (int, error) {
	return moveActiveToSnapshotIn(ctx, ts.tx, id)
}

func (ts *txStore) ConsolidateSnapshot(ctx context.Context, id ledger.WalletID, cutoff time.Time) (*ledger.Consolidation, error) {
	return consolidateSnapshotIn(ctx, ts.tx, id, cutoff)
}

func (ts *txStore) CheckpointGroups(ctx context.Context, checkpointID ledger.EntryID) ([]ledger.GroupID, error) {
	return checkpointGroupsIn(ctx, ts.tx, checkpointID)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// storageErr wraps an underlying database fault as retryable.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ledger.ErrTransient, op, err)
}
