/*
Package ledger provides the core double-entry wallet transaction engine.

PURPOSE:
  This package contains the domain types and algorithms for multi-party
  money movement: the append-only transaction journal, the transaction-group
  state machine, balance derivation, and the snapshot/archive pipeline.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: A balance-bearing account (identity + kind + currency)
  - Entry: An immutable journal row recording one signed balance change
  - Group: The unit of atomic multi-wallet movement (two-phase protocol)
  - Tier: Where an entry currently lives (active, snapshot, archive)

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified; corrections are new entries
  2. Integer money: Amounts are int64 minor currency units, no floats
  3. Zero-sum: A closed group's entries always sum to zero
  4. Type safety: Strong typing for wallet/group/entry identifiers

SEE ALSO:
  - group.go: Group lifecycle (settle/release/cancel/transfer)
  - wallet.go: Entry emission (hold/finalize/refund)
  - balance.go: Balance derivation from the journal
  - pipeline.go: Tier migration and checkpoint consolidation
*/
package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WalletID string
type GroupID string

// EntryID is monotonic and unique across all storage tiers. An entry keeps
// its id when it migrates between tiers.
type EntryID int64

// =============================================================================
// WALLET - Balance-bearing account
// =============================================================================

type WalletKind string

const (
	WalletUser       WalletKind = "USER"
	WalletMerchant   WalletKind = "MERCHANT"
	WalletEscrow     WalletKind = "ESCROW"
	WalletSystem     WalletKind = "SYSTEM"
	WalletDeposit    WalletKind = "DEPOSIT"
	WalletWithdrawal WalletKind = "WITHDRAWAL"
)

// Wallet is created once and never destroyed. The engine consumes only its
// identity, kind and currency; ownership linkage belongs to external systems.
type Wallet struct {
	ID          WalletID
	Kind        WalletKind
	Currency    string // ISO-4217 code
	OwnerID     string
	Description string
	CreatedAt   time.Time
}

func (k WalletKind) Valid() bool {
	switch k {
	case WalletUser, WalletMerchant, WalletEscrow, WalletSystem, WalletDeposit, WalletWithdrawal:
		return true
	}
	return false
}

// =============================================================================
// ENTRY - Immutable journal row
// =============================================================================

type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
	// EntryLedger marks a checkpoint entry that condenses many archived
	// SETTLED entries into one row. Only the pipeline creates these.
	EntryLedger EntryType = "LEDGER"
)

type EntryStatus string

const (
	StatusHold      EntryStatus = "HOLD"
	StatusSettled   EntryStatus = "SETTLED"
	StatusReleased  EntryStatus = "RELEASED"
	StatusCancelled EntryStatus = "CANCELLED"
	StatusRefunded  EntryStatus = "REFUNDED"
)

func (s EntryStatus) Valid() bool {
	switch s {
	case StatusHold, StatusSettled, StatusReleased, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Tier identifies where an entry currently lives in the storage pipeline.
type Tier string

const (
	TierActive   Tier = "active"
	TierSnapshot Tier = "snapshot"
	TierArchive  Tier = "archive"
)

// Entry is one journal row. Once persisted no field may change; the pipeline
// migrates entries between tiers but preserves their content and id.
type Entry struct {
	ID       EntryID
	WalletID WalletID

	// GroupID is empty only for LEDGER checkpoint entries, which stand in
	// for many consolidated groups (see CheckpointLink).
	GroupID GroupID

	Type   EntryType
	Status EntryStatus

	// Amount in minor currency units. DEBIT < 0, CREDIT > 0, LEDGER any sign.
	Amount int64

	HoldAt      time.Time
	FinalizedAt *time.Time
	Description string

	// CorrelationKey makes refund retries idempotent. Storage enforces
	// uniqueness per (key, entry type).
	CorrelationKey string

	// Tier-migration metadata. Zero values outside the snapshot/archive tiers.
	Tier         Tier
	SnapshotDate *time.Time
	IsCheckpoint bool
}

// Validate checks the sign-type invariant. LEDGER entries are exempt.
func (e Entry) Validate() error {
	switch e.Type {
	case EntryDebit:
		if e.Amount >= 0 {
			return fmt.Errorf("%w: DEBIT entry requires negative amount, got %d", ErrValidation, e.Amount)
		}
	case EntryCredit:
		if e.Amount <= 0 {
			return fmt.Errorf("%w: CREDIT entry requires positive amount, got %d", ErrValidation, e.Amount)
		}
	case EntryLedger:
		// unconstrained sign
	default:
		return fmt.Errorf("%w: unknown entry type %q", ErrValidation, e.Type)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: unknown entry status %q", ErrValidation, e.Status)
	}
	return nil
}

// =============================================================================
// GROUP - Unit of atomic multi-wallet movement
// =============================================================================

type GroupStatus string

const (
	GroupInProgress GroupStatus = "IN_PROGRESS"
	GroupSettled    GroupStatus = "SETTLED"
	GroupReleased   GroupStatus = "RELEASED"
	GroupCancelled  GroupStatus = "CANCELLED"
)

// Group owns its entries. It starts IN_PROGRESS, makes exactly one terminal
// transition, then freezes.
type Group struct {
	ID          GroupID
	Status      GroupStatus
	CreatedAt   time.Time
	FinalizedAt *time.Time

	// Reason is set on terminal non-settled states.
	Reason string

	// IdempotencyKey makes group creation retry-safe.
	IdempotencyKey string

	// Business-level references consumed only by external orchestrators.
	MerchantRef string
	BuyerRef    string
}

// Terminal reports whether the group has reached one of its frozen states.
func (g Group) Terminal() bool {
	return g.Status == GroupSettled || g.Status == GroupReleased || g.Status == GroupCancelled
}

// TerminalStatus reports whether s is a legal target for SetGroupTerminal.
func TerminalStatus(s GroupStatus) bool {
	return s == GroupSettled || s == GroupReleased || s == GroupCancelled
}

// =============================================================================
// CHECKPOINT LINK - Which groups a LEDGER checkpoint consolidates
// =============================================================================

// CheckpointLink maps a ledger checkpoint entry to one of the original group
// ids it consolidates. Created exclusively by the archive pipeline.
type CheckpointLink struct {
	CheckpointID EntryID
	GroupID      GroupID
}

// =============================================================================
// BALANCE REPORT - Derived wallet state
// =============================================================================

// BalanceReport is the derived balance triple (plus the credit-hold figure,
// which is surfaced for introspection only).
type BalanceReport struct {
	WalletID WalletID
	Currency string

	// Confirmed is the signed sum of SETTLED entries across queried tiers,
	// checkpoint entries included.
	Confirmed int64

	// HeldDebit is the magnitude reserved by HOLD debits in groups that are
	// still IN_PROGRESS.
	HeldDebit int64

	// Reserved is the magnitude promised by HOLD credits in IN_PROGRESS
	// groups. Incoming funds are not spendable before settlement.
	Reserved int64

	// Available = Confirmed - HeldDebit.
	Available int64

	AsOf time.Time
}
