/*
wallet.go - Per-wallet entry emission

PURPOSE:
  Produces individual journal entries for the two-phase protocol:
  hold-debit, hold-credit, finalization shadows, and the post-settlement
  refund primitive. Every public operation runs in one storage transaction,
  so the balance precondition and the append can never race.

THE TWO-PHASE SHAPE:
  Phase 1 (hold):      HOLD entries reserve (debit) or promise (credit)
                       funds inside an IN_PROGRESS group.
  Phase 2 (finalize):  SETTLED emits a copy of the hold (same type, same
                       signed amount). RELEASED / CANCELLED emit the
                       offsetting entry (opposite type, opposite amount).
                       The original HOLD entry is never touched.

REFUND:
  A settlement cannot be undone; to give money back, a fresh group gets two
  SETTLED entries (debit source, credit destination) and is settled in the
  same transaction. A correlation key makes retries return the pre-existing
  entries instead of duplicating them.

SEE ALSO:
  - group.go: drives finalization for whole groups
  - balance.go: the availableIn precondition used here
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// WALLET OPERATIONS
// =============================================================================

type WalletOps struct {
	Journal TxJournal
}

func NewWalletOps(journal TxJournal) *WalletOps {
	return &WalletOps{Journal: journal}
}

// HoldDebit reserves amount on the wallet inside the group. The available
// balance check and the append happen in one transaction.
func (o *WalletOps) HoldDebit(ctx context.Context, walletID WalletID, amount int64, groupID GroupID) (EntryID, error) {
	var id EntryID
	err := o.Journal.WithTx(ctx, func(j JournalStore) error {
		var err error
		id, err = holdIn(ctx, j, walletID, amount, groupID, EntryDebit)
		return err
	})
	return id, err
}

// HoldCredit promises amount to the wallet inside the group. Incoming funds
// need no balance check.
func (o *WalletOps) HoldCredit(ctx context.Context, walletID WalletID, amount int64, groupID GroupID) (EntryID, error) {
	var id EntryID
	err := o.Journal.WithTx(ctx, func(j JournalStore) error {
		var err error
		id, err = holdIn(ctx, j, walletID, amount, groupID, EntryCredit)
		return err
	})
	return id, err
}

// Finalize emits the phase-2 entry for the single open hold of
// (wallet, group). targetStatus must be SETTLED, RELEASED or CANCELLED.
func (o *WalletOps) Finalize(ctx context.Context, walletID WalletID, groupID GroupID, targetStatus EntryStatus) (EntryID, error) {
	var id EntryID
	err := o.Journal.WithTx(ctx, func(j JournalStore) error {
		holds, err := j.HoldEntries(ctx, groupID)
		if err != nil {
			return err
		}
		var hold *Entry
		for i := range holds {
			if holds[i].WalletID != walletID {
				continue
			}
			if hold != nil {
				return &IntegrityError{Op: "finalize", WalletID: walletID, Expected: 1, Actual: 2}
			}
			hold = &holds[i]
		}
		if hold == nil {
			return fmt.Errorf("%w: no open hold for wallet %s in group %s", ErrEntryNotFound, walletID, groupID)
		}
		id, err = finalizeHoldIn(ctx, j, *hold, targetStatus)
		return err
	})
	return id, err
}

// RefundRequest carries the inputs of the post-settlement reversal primitive.
type RefundRequest struct {
	SourceID WalletID
	DestID   WalletID
	Amount   int64
	GroupID  GroupID

	// AllowNegative authorizes the source wallet to go below zero. This is
	// the only sanctioned way available balance becomes negative.
	AllowNegative bool

	// CorrelationKey makes retries idempotent; optional.
	CorrelationKey string

	Description string
}

// Refund emits two SETTLED entries (debit source, credit destination) into
// the given group and settles the group, all in one transaction.
func (o *WalletOps) Refund(ctx context.Context, req RefundRequest) ([]EntryID, error) {
	var ids []EntryID
	err := o.Journal.WithTx(ctx, func(j JournalStore) error {
		if req.Amount <= 0 {
			return fmt.Errorf("%w: refund amount must be positive, got %d", ErrValidation, req.Amount)
		}

		// Retry with the same key returns the original entries unchanged.
		if req.CorrelationKey != "" {
			existing, err := j.EntriesByCorrelationKey(ctx, req.CorrelationKey)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				for _, e := range existing {
					ids = append(ids, e.ID)
				}
				return nil
			}
		}

		source, err := requireWallet(ctx, j, req.SourceID)
		if err != nil {
			return err
		}
		dest, err := requireWallet(ctx, j, req.DestID)
		if err != nil {
			return err
		}
		if source.Currency != dest.Currency {
			return fmt.Errorf("%w: refund across currencies %s and %s", ErrValidation, source.Currency, dest.Currency)
		}
		if _, err := requireOpenGroup(ctx, j, req.GroupID); err != nil {
			return err
		}

		if !req.AllowNegative {
			available, err := availableIn(ctx, j, req.SourceID)
			if err != nil {
				return err
			}
			if available < req.Amount {
				return &InsufficientFundsError{WalletID: req.SourceID, Available: available, Requested: req.Amount}
			}
		}

		now := time.Now().UTC()
		debitID, err := j.Append(ctx, Entry{
			WalletID:       req.SourceID,
			GroupID:        req.GroupID,
			Type:           EntryDebit,
			Status:         StatusSettled,
			Amount:         -req.Amount,
			HoldAt:         now,
			FinalizedAt:    &now,
			Description:    req.Description,
			CorrelationKey: req.CorrelationKey,
		})
		if err != nil {
			return err
		}
		creditID, err := j.Append(ctx, Entry{
			WalletID:       req.DestID,
			GroupID:        req.GroupID,
			Type:           EntryCredit,
			Status:         StatusSettled,
			Amount:         req.Amount,
			HoldAt:         now,
			FinalizedAt:    &now,
			Description:    req.Description,
			CorrelationKey: req.CorrelationKey,
		})
		if err != nil {
			return err
		}
		ids = []EntryID{debitID, creditID}

		// The refund group carries no holds, so it settles trivially.
		return j.SetGroupTerminal(ctx, req.GroupID, GroupSettled, "")
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// =============================================================================
// INTERNAL EMISSION - shared with the group coordinator
// =============================================================================

func holdIn(ctx context.Context, j JournalStore, walletID WalletID, amount int64, groupID GroupID, typ EntryType) (EntryID, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: hold amount must be positive, got %d", ErrValidation, amount)
	}
	w, err := requireWallet(ctx, j, walletID)
	if err != nil {
		return 0, err
	}
	if _, err := requireOpenGroup(ctx, j, groupID); err != nil {
		return 0, err
	}

	// A group is single-currency: its first entry fixes the currency.
	groupCurrency, err := j.GroupCurrency(ctx, groupID)
	if err != nil {
		return 0, err
	}
	if groupCurrency != "" && groupCurrency != w.Currency {
		return 0, fmt.Errorf("%w: group %s holds %s, wallet %s holds %s",
			ErrValidation, groupID, groupCurrency, walletID, w.Currency)
	}

	signed := amount
	if typ == EntryDebit {
		available, err := availableIn(ctx, j, walletID)
		if err != nil {
			return 0, err
		}
		if available < amount {
			return 0, &InsufficientFundsError{WalletID: walletID, Available: available, Requested: amount}
		}
		signed = -amount
	}

	return j.Append(ctx, Entry{
		WalletID: walletID,
		GroupID:  groupID,
		Type:     typ,
		Status:   StatusHold,
		Amount:   signed,
		HoldAt:   time.Now().UTC(),
	})
}

// finalizeHoldIn emits the phase-2 entry for one hold. SETTLED copies the
// hold; RELEASED and CANCELLED offset it.
func finalizeHoldIn(ctx context.Context, j JournalStore, hold Entry, targetStatus EntryStatus) (EntryID, error) {
	typ := hold.Type
	amount := hold.Amount
	switch targetStatus {
	case StatusSettled:
		// same type, same signed amount
	case StatusReleased, StatusCancelled:
		amount = -amount
		if typ == EntryDebit {
			typ = EntryCredit
		} else {
			typ = EntryDebit
		}
	default:
		return 0, fmt.Errorf("%w: %q is not a finalization status", ErrValidation, targetStatus)
	}

	now := time.Now().UTC()
	return j.Append(ctx, Entry{
		WalletID:    hold.WalletID,
		GroupID:     hold.GroupID,
		Type:        typ,
		Status:      targetStatus,
		Amount:      amount,
		HoldAt:      hold.HoldAt,
		FinalizedAt: &now,
	})
}

func requireOpenGroup(ctx context.Context, j JournalStore, id GroupID) (*Group, error) {
	g, err := j.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	if g.Status != GroupInProgress {
		return nil, fmt.Errorf("%w: group %s is %s", ErrGroupNotOpen, id, g.Status)
	}
	return g, nil
}
