/*
pipeline.go - Tiered storage migration and reconciliation

PURPOSE:
  Keeps the active tier small without losing a single row of history:

    active ──snapshot──▶ snapshot ──consolidate──▶ archive (+ LEDGER checkpoint)

  SnapshotWallet moves entries of terminal groups out of the hot tier.
  ArchiveWallet condenses old snapshot rows into one LEDGER checkpoint per
  wallet, records which groups it consolidated, and moves the originals to
  cold storage. Entry ids survive migration unchanged.

BALANCE INVARIANCE:
  Neither stage may change any derived balance. With Verify enabled each
  wallet's full report is computed before and after the migration and an
  IntegrityError halts the run on any difference.

RECONCILIATION:
  The global zero-sum check: over the active + snapshot tiers the SETTLED
  sum is zero (every archived row is represented by its checkpoint, which
  still lives in the snapshot tier). HOLD entries of a balanced group also
  sum to zero per status pair; the per-status breakdown is surfaced for
  audit dashboards.

SEE ALSO:
  - store.go: MoveActiveToSnapshot / ConsolidateSnapshot contracts
  - store/sqlite: the privileged, gated migration implementation
*/
package ledger

import (
	"context"
	"fmt"
	"log"
	"time"
)

// =============================================================================
// PIPELINE
// =============================================================================

// Pipeline drives the tier migrations. One wallet at a time, each stage in
// its own storage transaction, so a crash between wallets loses nothing.
type Pipeline struct {
	Journal  TxJournal
	Balances *Calculator

	// Verify re-derives the wallet's balance report before and after each
	// migration and fails the run on any difference.
	Verify bool
}

func NewPipeline(journal TxJournal) *Pipeline {
	return &Pipeline{
		Journal:  journal,
		Balances: NewCalculator(journal),
		Verify:   true,
	}
}

// SnapshotWallet moves the wallet's active-tier entries whose group is
// terminal into the snapshot tier. Entries of IN_PROGRESS groups stay put.
// Returns the number of migrated entries.
func (p *Pipeline) SnapshotWallet(ctx context.Context, id WalletID) (int, error) {
	w, err := requireWallet(ctx, p.Journal, id)
	if err != nil {
		return 0, err
	}

	var before *BalanceReport
	if p.Verify {
		if before, err = reportIn(ctx, p.Journal, w); err != nil {
			return 0, err
		}
	}

	var moved int
	err = p.Journal.WithTx(ctx, func(j JournalStore) error {
		moved, err = j.MoveActiveToSnapshot(ctx, id)
		return err
	})
	if err != nil {
		return 0, err
	}

	if p.Verify {
		if err := p.verifyUnchanged(ctx, "snapshot", w, before); err != nil {
			return moved, err
		}
	}
	if moved > 0 {
		log.Printf("[PIPELINE] snapshot wallet=%s moved=%d", id, moved)
	}
	return moved, nil
}

// ArchiveWallet consolidates the wallet's snapshot-tier entries older than
// cutoff into a single LEDGER checkpoint and moves the originals to the
// archive tier. Returns nil Consolidation details inside the report when
// nothing was in range.
func (p *Pipeline) ArchiveWallet(ctx context.Context, id WalletID, cutoff time.Time) (*Consolidation, error) {
	w, err := requireWallet(ctx, p.Journal, id)
	if err != nil {
		return nil, err
	}

	var before *BalanceReport
	if p.Verify {
		if before, err = reportIn(ctx, p.Journal, w); err != nil {
			return nil, err
		}
	}

	var result *Consolidation
	err = p.Journal.WithTx(ctx, func(j JournalStore) error {
		result, err = j.ConsolidateSnapshot(ctx, id, cutoff.UTC())
		return err
	})
	if err != nil {
		return nil, err
	}

	if p.Verify {
		if err := p.verifyUnchanged(ctx, "archive", w, before); err != nil {
			return result, err
		}
	}
	if result.Archived > 0 {
		log.Printf("[PIPELINE] archive wallet=%s archived=%d checkpoint=%d cumulative=%d",
			id, result.Archived, result.CheckpointID, result.Cumulative)
	}
	return result, nil
}

// SnapshotAll runs SnapshotWallet over every wallet. Per-wallet failures
// abort the sweep; completed wallets stay migrated.
func (p *Pipeline) SnapshotAll(ctx context.Context) (int, error) {
	wallets, err := p.Journal.ListWallets(ctx)
	if err != nil {
		return 0, err
	}
	var total int
	for _, w := range wallets {
		n, err := p.SnapshotWallet(ctx, w.ID)
		if err != nil {
			return total, fmt.Errorf("snapshot sweep at wallet %s: %w", w.ID, err)
		}
		total += n
	}
	return total, nil
}

// ArchiveAll runs ArchiveWallet over every wallet with the same cutoff.
func (p *Pipeline) ArchiveAll(ctx context.Context, cutoff time.Time) (int, error) {
	wallets, err := p.Journal.ListWallets(ctx)
	if err != nil {
		return 0, err
	}
	var total int
	for _, w := range wallets {
		res, err := p.ArchiveWallet(ctx, w.ID, cutoff)
		if err != nil {
			return total, fmt.Errorf("archive sweep at wallet %s: %w", w.ID, err)
		}
		total += res.Archived
	}
	return total, nil
}

func (p *Pipeline) verifyUnchanged(ctx context.Context, op string, w *Wallet, before *BalanceReport) error {
	after, err := reportIn(ctx, p.Journal, w)
	if err != nil {
		return err
	}
	if after.Confirmed != before.Confirmed ||
		after.HeldDebit != before.HeldDebit ||
		after.Reserved != before.Reserved ||
		after.Available != before.Available {
		return fmt.Errorf("%w: %s changed balances of wallet %s: confirmed %d->%d available %d->%d",
			ErrIntegrity, op, w.ID, before.Confirmed, after.Confirmed, before.Available, after.Available)
	}
	return nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ReconciliationReport is the global audit view: per-status signed sums over
// the active + snapshot tiers and whether the books balance.
type ReconciliationReport struct {
	// SettledSum must be zero in a healthy system: every settled group's
	// entries cancel out and checkpoints preserve their consolidated sums.
	SettledSum int64

	PerStatus map[EntryStatus]int64

	Balanced bool
	AsOf     time.Time
}

// Reconciler computes system-wide integrity figures.
type Reconciler struct {
	Journal JournalStore
}

func NewReconciler(journal JournalStore) *Reconciler {
	return &Reconciler{Journal: journal}
}

// Report sums every entry status over the active + snapshot tiers. Archived
// rows are deliberately excluded; their checkpoints stand in for them.
func (r *Reconciler) Report(ctx context.Context) (*ReconciliationReport, error) {
	statuses := []EntryStatus{StatusHold, StatusSettled, StatusReleased, StatusCancelled, StatusRefunded}
	perStatus := make(map[EntryStatus]int64, len(statuses))
	for _, s := range statuses {
		sum, err := r.Journal.ReconciliationSum(ctx, s)
		if err != nil {
			return nil, err
		}
		perStatus[s] = sum
	}
	settled := perStatus[StatusSettled]
	return &ReconciliationReport{
		SettledSum: settled,
		PerStatus:  perStatus,
		Balanced:   settled == 0,
		AsOf:       time.Now().UTC(),
	}, nil
}
