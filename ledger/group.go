/*
group.go - Transaction group lifecycle

PURPOSE:
  Owns the group state machine and the zero-sum guarantee:

        IN_PROGRESS ──settle───▶ SETTLED   (terminal)
                  ├───release──▶ RELEASED  (terminal)
                  └───cancel───▶ CANCELLED (terminal)

  Settle requires the group's HOLD entries to sum to zero and emits a
  settled copy of every hold. Release and cancel share one mechanism and
  differ only in the status stamped on the offsetting entries: cancel is
  "aborted before commit", release is "committed then undone after review".

ATOMICITY:
  Each terminal transition runs in one storage transaction: either every
  finalization entry is appended and the group transitions, or nothing
  happened. Finalization entries are produced in descending entry-id order
  to interleave deterministically with concurrent balance reads.

IDEMPOTENCY:
  OpenGroup accepts an optional key; a retry with the same key returns the
  pre-existing group unchanged.

SEE ALSO:
  - wallet.go: per-hold finalization mechanics
  - store.go: SetGroupTerminal, the single allowed group mutation
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// GROUP COORDINATOR
// =============================================================================

type Coordinator struct {
	Journal TxJournal
	Wallets *WalletOps
}

func NewCoordinator(journal TxJournal) *Coordinator {
	return &Coordinator{
		Journal: journal,
		Wallets: NewWalletOps(journal),
	}
}

// OpenGroup creates a fresh IN_PROGRESS group, or returns the existing one
// when the idempotency key has been seen before.
func (c *Coordinator) OpenGroup(ctx context.Context, idempotencyKey string) (GroupID, error) {
	var id GroupID
	err := c.Journal.WithTx(ctx, func(j JournalStore) error {
		if idempotencyKey != "" {
			existing, err := j.GetGroupByIdempotencyKey(ctx, idempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				id = existing.ID
				return nil
			}
		}
		g := Group{
			ID:             GroupID(uuid.NewString()),
			Status:         GroupInProgress,
			CreatedAt:      time.Now().UTC(),
			IdempotencyKey: idempotencyKey,
		}
		if err := j.CreateGroup(ctx, g); err != nil {
			return err
		}
		id = g.ID
		return nil
	})
	return id, err
}

// SettleGroup commits every hold in the group. Precondition: the signed sum
// of the group's HOLD entries is zero; otherwise the group is left
// IN_PROGRESS and the caller must cancel or correct.
func (c *Coordinator) SettleGroup(ctx context.Context, id GroupID) error {
	return c.Journal.WithTx(ctx, func(j JournalStore) error {
		if _, err := requireTransitionable(ctx, j, id); err != nil {
			return err
		}
		holds, err := j.HoldEntries(ctx, id)
		if err != nil {
			return err
		}
		var sum int64
		for _, h := range holds {
			sum += h.Amount
		}
		if sum != 0 {
			return &ZeroSumError{GroupID: id, Sum: sum}
		}
		if err := finalizeAll(ctx, j, holds, StatusSettled); err != nil {
			return err
		}
		return j.SetGroupTerminal(ctx, id, GroupSettled, "")
	})
}

// ReleaseGroup undoes a held group after review. Reversal entries are
// zero-sum by construction, so no precondition is needed.
func (c *Coordinator) ReleaseGroup(ctx context.Context, id GroupID, reason string) error {
	return c.reverseGroup(ctx, id, StatusReleased, GroupReleased, reason)
}

// CancelGroup aborts a held group before commit. Mechanically identical to
// release; only the status label differs.
func (c *Coordinator) CancelGroup(ctx context.Context, id GroupID, reason string) error {
	return c.reverseGroup(ctx, id, StatusCancelled, GroupCancelled, reason)
}

func (c *Coordinator) reverseGroup(ctx context.Context, id GroupID, entryStatus EntryStatus, groupStatus GroupStatus, reason string) error {
	return c.Journal.WithTx(ctx, func(j JournalStore) error {
		if _, err := requireTransitionable(ctx, j, id); err != nil {
			return err
		}
		holds, err := j.HoldEntries(ctx, id)
		if err != nil {
			return err
		}
		if err := finalizeAll(ctx, j, holds, entryStatus); err != nil {
			return err
		}
		return j.SetGroupTerminal(ctx, id, groupStatus, reason)
	})
}

// finalizeAll emits one phase-2 entry per hold, in descending entry-id order.
func finalizeAll(ctx context.Context, j JournalStore, holds []Entry, targetStatus EntryStatus) error {
	ordered := make([]Entry, len(holds))
	copy(ordered, holds)
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].ID > ordered[b].ID })

	for _, h := range ordered {
		if _, err := finalizeHoldIn(ctx, j, h, targetStatus); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSFER - the convenience composition
// =============================================================================

// Transfer moves amount from sender to recipient in one settled group:
// open, hold-debit, hold-credit, settle. On any failure prior to settle the
// group is cancelled and the original error reported. A retry with the same
// idempotency key returns the pre-existing group without moving money again.
func (c *Coordinator) Transfer(ctx context.Context, sender, recipient WalletID, amount int64, idempotencyKey string) (GroupID, error) {
	if sender == recipient {
		return "", fmt.Errorf("%w: transfer from wallet %s to itself", ErrValidation, sender)
	}
	if idempotencyKey != "" {
		existing, err := c.Journal.GetGroupByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return "", err
		}
		if existing != nil {
			return existing.ID, nil
		}
	}

	groupID, err := c.OpenGroup(ctx, idempotencyKey)
	if err != nil {
		return "", err
	}

	if _, err := c.Wallets.HoldDebit(ctx, sender, amount, groupID); err != nil {
		return groupID, c.cancelAfter(ctx, groupID, err)
	}
	if _, err := c.Wallets.HoldCredit(ctx, recipient, amount, groupID); err != nil {
		return groupID, c.cancelAfter(ctx, groupID, err)
	}
	if err := c.SettleGroup(ctx, groupID); err != nil {
		return groupID, c.cancelAfter(ctx, groupID, err)
	}
	return groupID, nil
}

// cancelAfter aborts the group and reports the original failure. A cancel
// failure on top of that is wrapped alongside.
func (c *Coordinator) cancelAfter(ctx context.Context, id GroupID, cause error) error {
	if err := c.CancelGroup(ctx, id, cause.Error()); err != nil {
		return fmt.Errorf("cancel after failed transfer: %v: %w", err, cause)
	}
	return cause
}

// =============================================================================
// READS
// =============================================================================

// GroupStatus returns the current lifecycle state of a group.
func (c *Coordinator) GroupStatus(ctx context.Context, id GroupID) (GroupStatus, error) {
	g, err := c.Journal.GetGroup(ctx, id)
	if err != nil {
		return "", err
	}
	if g == nil {
		return "", fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	return g.Status, nil
}

// GroupEntries returns every entry of the group across all tiers, ordered
// by id.
func (c *Coordinator) GroupEntries(ctx context.Context, id GroupID) ([]Entry, error) {
	g, err := c.Journal.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	return c.Journal.EntriesOfGroup(ctx, id)
}

func requireTransitionable(ctx context.Context, j JournalStore, id GroupID) (*Group, error) {
	g, err := j.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	if g.Terminal() {
		return nil, &StateError{GroupID: id, Status: g.Status}
	}
	return g, nil
}
