/*
balance.go - Balance derivation from the journal

PURPOSE:
  Answers "how much does this wallet have?" by aggregating journal entries.
  There is no stored balance column anywhere: every figure here is derived,
  so it can never drift from the journal.

BALANCE COMPONENTS:
  Confirmed: signed sum of SETTLED entries (active + snapshot tiers,
             LEDGER checkpoints included, archive excluded because every
             archived row is already represented by a checkpoint).
  HeldDebit: magnitude reserved by HOLD debits in IN_PROGRESS groups.
  Reserved:  magnitude promised by HOLD credits in IN_PROGRESS groups.
             Introspection only; no precondition consumes it.
  Available: Confirmed - HeldDebit. Credit holds are deliberately ignored:
             incoming funds are not spendable before settlement.

  HOLD, RELEASED and CANCELLED entries never participate in Confirmed.
  RELEASED exclusion mirrors the original system and is pinned by tests.

GUARANTEE:
  Available(W) >= 0 for every wallet across any sequence of legal
  operations, unless a refund was explicitly authorized to go negative.
  The guarantee follows from the hold precondition in wallet.go running in
  the same storage transaction as the entry append.

SEE ALSO:
  - wallet.go: consumes Available as the hold precondition
  - pipeline.go: must keep all components invariant across migrations
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// BALANCE CALCULATOR
// =============================================================================

// Calculator derives wallet balances. Reads are consistent snapshots over
// the journal at some recent commit point and never block other readers.
type Calculator struct {
	Journal JournalStore
}

func NewCalculator(journal JournalStore) *Calculator {
	return &Calculator{Journal: journal}
}

// Available returns confirmed minus held-debit for the wallet.
func (c *Calculator) Available(ctx context.Context, id WalletID) (int64, error) {
	if _, err := requireWallet(ctx, c.Journal, id); err != nil {
		return 0, err
	}
	return availableIn(ctx, c.Journal, id)
}

// Confirmed returns the signed sum of SETTLED entries for the wallet.
func (c *Calculator) Confirmed(ctx context.Context, id WalletID) (int64, error) {
	if _, err := requireWallet(ctx, c.Journal, id); err != nil {
		return 0, err
	}
	return c.Journal.SumSettled(ctx, id)
}

// Report returns the full derived balance state of a wallet.
func (c *Calculator) Report(ctx context.Context, id WalletID) (*BalanceReport, error) {
	w, err := requireWallet(ctx, c.Journal, id)
	if err != nil {
		return nil, err
	}
	return reportIn(ctx, c.Journal, w)
}

// =============================================================================
// INTERNAL DERIVATION - shared with the write paths
// =============================================================================

// availableIn computes available balance against the given store view. The
// write paths in wallet.go call this inside their own transaction so the
// precondition and the append see the same journal state.
func availableIn(ctx context.Context, j JournalStore, id WalletID) (int64, error) {
	confirmed, err := j.SumSettled(ctx, id)
	if err != nil {
		return 0, err
	}
	heldSum, err := j.SumHeldDebits(ctx, id)
	if err != nil {
		return 0, err
	}
	return confirmed + heldSum, nil // heldSum <= 0
}

func reportIn(ctx context.Context, j JournalStore, w *Wallet) (*BalanceReport, error) {
	confirmed, err := j.SumSettled(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	heldSum, err := j.SumHeldDebits(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	reserved, err := j.SumHeldCredits(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	return &BalanceReport{
		WalletID:  w.ID,
		Currency:  w.Currency,
		Confirmed: confirmed,
		HeldDebit: -heldSum,
		Reserved:  reserved,
		Available: confirmed + heldSum,
		AsOf:      time.Now().UTC(),
	}, nil
}

func requireWallet(ctx context.Context, j JournalStore, id WalletID) (*Wallet, error) {
	w, err := j.GetWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, id)
	}
	return w, nil
}
