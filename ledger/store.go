/*
store.go - Persistence interface for the transaction journal

PURPOSE:
  Defines the interface between the engine and the database. The Journal
  Store is the append-only home of all entries and groups across three
  tiers (active, snapshot, archive) plus the checkpoint-link index.

APPEND-ONLY CONTRACT:
  - Append() is the ONLY way an entry comes into existence.
  - There is no update operation for entries, in any tier. Ever.
  - SetGroupTerminal() is the single allowed group mutation.
  - MoveActiveToSnapshot() and ConsolidateSnapshot() are the pipeline's
    privileged migration path; they re-persist content elsewhere before
    removal and are atomic end-to-end.

  Implementations must back these rules with storage-level guards so that
  an application bug cannot corrupt history (see store/sqlite's triggers
  and pipeline gate).

IMPLEMENTATIONS:
  - store/sqlite:        production store, trigger-enforced immutability
  - ledger/store/memory: in-memory store for tests and demos

SEE ALSO:
  - group.go, wallet.go, balance.go, pipeline.go: the consumers
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// READ FILTERS
// =============================================================================

// EntryFilter narrows wallet statement reads. Zero value means everything
// in the active + snapshot tiers (the archive is excluded for latency;
// checkpoint entries already represent it).
type EntryFilter struct {
	Status *EntryStatus
	Limit  int // <= 0 means no limit
	Offset int
}

// Consolidation reports what a ConsolidateSnapshot run did.
type Consolidation struct {
	// CheckpointID is 0 when nothing was in range and no checkpoint was
	// emitted.
	CheckpointID EntryID
	Cumulative   int64
	Archived     int
	Groups       []GroupID
}

// =============================================================================
// JOURNAL STORE
// =============================================================================

// JournalStore is the persistence contract for the transaction engine.
//
// Failure model: invariant violations surface as ErrValidation /
// ErrIntegrity kinds, lookup misses as the *NotFound sentinels, and
// underlying I/O faults wrapped in ErrTransient.
type JournalStore interface {
	// --- Wallet registry (identity and kind only) ---

	CreateWallet(ctx context.Context, w Wallet) error
	GetWallet(ctx context.Context, id WalletID) (*Wallet, error)
	ListWallets(ctx context.Context) ([]Wallet, error)

	// --- Groups ---

	CreateGroup(ctx context.Context, g Group) error
	GetGroup(ctx context.Context, id GroupID) (*Group, error)

	// GetGroupByIdempotencyKey returns nil, nil when no group carries the key.
	GetGroupByIdempotencyKey(ctx context.Context, key string) (*Group, error)

	// SetGroupTerminal performs the single allowed group mutation. Fails
	// with a StateError if the group is already terminal.
	SetGroupTerminal(ctx context.Context, id GroupID, status GroupStatus, reason string) error

	// --- Entries ---

	// Append inserts into the active tier and returns the allocated id.
	// Fails with ErrValidation if the sign-type invariant is violated,
	// ErrGroupNotFound / ErrGroupNotOpen if the referenced group is absent
	// or no longer IN_PROGRESS.
	Append(ctx context.Context, e Entry) (EntryID, error)

	// EntriesOfGroup returns every entry across every tier with the given
	// group id, ordered by id.
	EntriesOfGroup(ctx context.Context, id GroupID) ([]Entry, error)

	// EntriesOfWallet is a paginated read joining active + snapshot.
	EntriesOfWallet(ctx context.Context, id WalletID, f EntryFilter) ([]Entry, error)

	// HoldEntries returns the active-tier HOLD entries of a group, ordered
	// by id ascending.
	HoldEntries(ctx context.Context, id GroupID) ([]Entry, error)

	// EntriesByCorrelationKey returns the entries carrying the key, ordered
	// by id. Used for idempotent refund retries.
	EntriesByCorrelationKey(ctx context.Context, key string) ([]Entry, error)

	// --- Aggregations ---

	// SumSettled returns the signed sum of SETTLED entries for the wallet
	// over active + snapshot, checkpoint entries included.
	SumSettled(ctx context.Context, id WalletID) (int64, error)

	// SumHeldDebits returns the signed sum (<= 0) of HOLD debit entries
	// whose group is still IN_PROGRESS.
	SumHeldDebits(ctx context.Context, id WalletID) (int64, error)

	// SumHeldCredits returns the signed sum (>= 0) of HOLD credit entries
	// whose group is still IN_PROGRESS.
	SumHeldCredits(ctx context.Context, id WalletID) (int64, error)

	// GroupCurrency returns the currency fixed by the group's first entry,
	// or "" when the group has no entries yet.
	GroupCurrency(ctx context.Context, id GroupID) (string, error)

	// ReconciliationSum returns the signed sum for the status over the
	// active + snapshot tiers. Archived rows are represented by their
	// checkpoint and must not be re-counted.
	ReconciliationSum(ctx context.Context, status EntryStatus) (int64, error)

	// --- Pipeline primitives (used only by the snapshot/archive pipeline) ---

	// MoveActiveToSnapshot migrates every active-tier entry of the wallet
	// whose group is terminal. Entries in IN_PROGRESS groups are left
	// behind. Atomic: a failure leaves both tiers as they were. Returns the
	// number of migrated entries.
	MoveActiveToSnapshot(ctx context.Context, id WalletID) (int, error)

	// ConsolidateSnapshot condenses snapshot-tier entries older than cutoff
	// into a single LEDGER checkpoint, records the checkpoint links, and
	// moves the originals to the archive tier. Atomic.
	ConsolidateSnapshot(ctx context.Context, id WalletID, cutoff time.Time) (*Consolidation, error)

	// CheckpointGroups returns the group ids consolidated by a checkpoint.
	CheckpointGroups(ctx context.Context, checkpointID EntryID) ([]GroupID, error)
}

// =============================================================================
// TRANSACTIONAL JOURNAL
// =============================================================================

// TxJournal wraps JournalStore with transaction support. Every public
// engine operation runs inside exactly one WithTx scope.
type TxJournal interface {
	JournalStore

	// WithTx executes fn within a storage transaction. If fn returns an
	// error the transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(JournalStore) error) error
}
