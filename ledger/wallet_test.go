package ledger_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nosota/mwallet/ledger"
	"github.com/nosota/mwallet/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T) (*ledger.Coordinator, *store.TxMemory) {
	t.Helper()
	journal := store.NewTxMemory()
	return ledger.NewCoordinator(journal), journal
}

func createWallet(t *testing.T, journal ledger.TxJournal, id string, kind ledger.WalletKind, currency string) ledger.WalletID {
	t.Helper()
	err := journal.CreateWallet(context.Background(), ledger.Wallet{
		ID:        ledger.WalletID(id),
		Kind:      kind,
		Currency:  currency,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return ledger.WalletID(id)
}

// fund credits a wallet from a per-currency deposit wallet that is allowed
// to go negative. This is how external money enters the system.
func fund(t *testing.T, c *ledger.Coordinator, journal ledger.TxJournal, dest ledger.WalletID, amount int64) {
	t.Helper()
	ctx := context.Background()

	w, err := journal.GetWallet(ctx, dest)
	require.NoError(t, err)
	require.NotNil(t, w)

	depositID := ledger.WalletID("deposit-" + w.Currency)
	existing, err := journal.GetWallet(ctx, depositID)
	require.NoError(t, err)
	if existing == nil {
		createWallet(t, journal, string(depositID), ledger.WalletDeposit, w.Currency)
	}

	groupID, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)
	_, err = c.Wallets.Refund(ctx, ledger.RefundRequest{
		SourceID:      depositID,
		DestID:        dest,
		Amount:        amount,
		GroupID:       groupID,
		AllowNegative: true,
		Description:   "test funding",
	})
	require.NoError(t, err)
}

func available(t *testing.T, journal ledger.TxJournal, id ledger.WalletID) int64 {
	t.Helper()
	v, err := ledger.NewCalculator(journal).Available(context.Background(), id)
	require.NoError(t, err)
	return v
}

// =============================================================================
// HOLD TESTS
// =============================================================================

func TestHoldDebit_ReducesAvailable(t *testing.T) {
	// GIVEN: A wallet with 1000 available
	// WHEN: A debit hold of 300 is placed
	// THEN: Available drops to 700, confirmed stays 1000

	c, journal := newTestEngine(t)
	ctx := context.Background()

	alice := createWallet(t, journal, "alice", ledger.WalletUser, "USD")
	fund(t, c, journal, alice, 1000)

	groupID, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)

	_, err = c.Wallets.HoldDebit(ctx, alice, 300, groupID)
	require.NoError(t, err)

	assert.Equal(t, int64(700), available(t, journal, alice))
	confirmed, err := ledger.NewCalculator(journal).Confirmed(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), confirmed, "holds must not touch confirmed balance")
}

func TestHoldDebit_InsufficientFunds(t *testing.T) {
	// GIVEN: A wallet with 100 available
	// WHEN: A debit hold of 500 is attempted
	// THEN: The hold is rejected and no entry is written

	c, journal := newTestEngine(t)
	ctx := context.Background()

	alice := createWallet(t, journal, "alice", ledger.WalletUser, "USD")
	fund(t, c, journal, alice, 100)

	groupID, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)

	_, err = c.Wallets.HoldDebit(ctx, alice, 500, groupID)
	require.Error(t, err)

	var insufficientErr *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insufficientErr)
	assert.Equal(t, int64(100), insufficientErr.Available)
	assert.Equal(t, int64(500), insufficientErr.Requested)

	holds, err := journal.HoldEntries(ctx, groupID)
	require.NoError(t, err)
	assert.Empty(t, holds, "rejected hold must leave no entry behind")
	assert.Equal(t, int64(100), available(t, journal, alice))
}

func TestHoldDebit_AccountsForEarlierHolds(t *testing.T) {
	// GIVEN: A wallet with 1000 available and an open hold of 800
	// WHEN: A second hold of 300 is attempted
	// THEN: It is rejected; only 200 remains available

	c, journal := newTestEngine(t)
	ctx := context.Background()

	alice := createWallet(t, journal, "alice", ledger.WalletUser, "USD")
	fund(t, c, journal, alice, 1000)

	g1, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)
	_, err = c.Wallets.HoldDebit(ctx, alice, 800, g1)
	require.NoError(t, err)

	g2, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)
	_, err = c.Wallets.HoldDebit(ctx, alice, 300, g2)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestHoldCredit_DoesNotIncreaseAvailable(t *testing.T) {
	// GIVEN: An empty wallet
	// WHEN: A credit hold of 500 is placed on it
	// THEN: Available stays 0; the promise shows up as reserved only

	c, journal := newTestEngine(t)
	ctx := context.Background()

	bob := createWallet(t, journal, "bob", ledger.WalletUser, "USD")
	alice := createWallet(t, journal, "alice", ledger.WalletUser, "USD")
	fund(t, c, journal, alice, 500)

	groupID, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)
	_, err = c.Wallets.HoldDebit(ctx, alice, 500, groupID)
	require.NoError(t, err)
	_, err = c.Wallets.HoldCredit(ctx, bob, 500, groupID)
	require.NoError(t, err)

	assert.Equal(t, int64(0), available(t, journal, bob),
		"incoming funds are not spendable before settlement")

	report, err := ledger.NewCalculator(journal).Report(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(500), report.Reserved)
}

func TestHold_RejectsNonPositiveAmount(t *testing.T) {
	c, journal := newTestEngine(t)
	ctx := context.Background()

	alice := createWallet(t, journal, "alice", ledger.WalletUser, "USD")
	groupID, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)

	_, err = c.Wallets.HoldDebit(ctx, alice, 0, groupID)
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = c.Wallets.HoldCredit(ctx, alice, -5, groupID)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestHold_RejectsClosedGroup(t *testing.T) {
	// GIVEN: A settled (empty) group
	// WHEN: A hold is placed against it
	// THEN: ErrGroupNotOpen

	c, journal := newTestEngine(t)
	ctx := context.Background()

	alice := createWallet(t, journal, "alice", ledger.WalletUser, "USD")
	fund(t, c, journal, alice, 100)

	groupID, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)
	require.NoError(t, c.SettleGroup(ctx, groupID))

	_, err = c.Wallets.HoldDebit(ctx, alice, 50, groupID)
	assert.ErrorIs(t, err, ledger.ErrGroupNotOpen)
}

func TestHold_RejectsCurrencyMismatch(t *testing.T) {
	// GIVEN: A group whose first entry fixed the currency to USD
	// WHEN: A EUR wallet joins the group
	// THEN: ErrValidation

	c, journal := newTestEngine(t)
	ctx := context.Background()

	alice := createWallet(t, journal, "alice", ledger.WalletUser, "USD")
	pierre := createWallet(t, journal, "pierre", ledger.WalletUser, "EUR")
	fund(t, c, journal, alice, 100)

	groupID, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)
	_, err = c.Wallets.HoldDebit(ctx, alice, 100, groupID)
	require.NoError(t, err)

	_, err = c.Wallets.HoldCredit(ctx, pierre, 100, groupID)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// FINALIZE TESTS
// =============================================================================

func TestFinalize_SettleCopiesHold(t *testing.T) {
	// GIVEN: A debit hold of 300
	// WHEN: It is finalized as SETTLED
	// THEN: A second DEBIT entry with the same amount exists; the hold is untouched

	c, journal := newTestEngine(t)
	ctx := context.Background()

	alice := createWallet(t, journal, "alice", ledger.WalletUser, "USD")
	fund(t, c, journal, alice, 1000)

	groupID, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)
	holdID, err := c.Wallets.HoldDebit(ctx, alice, 300, groupID)
	require.NoError(t, err)

	settledID, err := c.Wallets.Finalize(ctx, alice, groupID, ledger.StatusSettled)
	require.NoError(t, err)
	assert.Greater(t, settledID, holdID, "entry ids are monotonic")

	entries, err := journal.EntriesOfGroup(ctx, groupID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.StatusHold, entries[0].Status)
	assert.Equal(t, ledger.StatusSettled, entries[1].Status)
	assert.Equal(t, entries[0].Type, entries[1].Type)
	assert.Equal(t, entries[0].Amount, entries[1].Amount)
	assert.NotNil(t, entries[1].FinalizedAt)
}

func TestFinalize_ReleaseEmitsOppositeEntry(t *testing.T) {
	// GIVEN: A debit hold of 300
	// WHEN: It is finalized as RELEASED
	// THEN: The offsetting CREDIT entry restores the available balance

	c, journal := newTestEngine(t)
	ctx := context.Background()

	alice := createWallet(t, journal, "alice", ledger.WalletUser, "USD")
	fund(t, c, journal, alice, 1000)

	groupID, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)
	_, err = c.Wallets.HoldDebit(ctx, alice, 300, groupID)
	require.NoError(t, err)

	_, err = c.Wallets.Finalize(ctx, alice, groupID, ledger.StatusReleased)
	require.NoError(t, err)

	entries, err := journal.EntriesOfGroup(ctx, groupID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.EntryDebit, entries[0].Type)
	assert.Equal(t, ledger.EntryCredit, entries[1].Type)
	assert.Equal(t, -entries[0].Amount, entries[1].Amount)
}

func TestFinalize_NoOpenHold(t *testing.T) {
	c, journal := newTestEngine(t)
	ctx := context.Background()

	alice := createWallet(t, journal, "alice", ledger.WalletUser, "USD")
	groupID, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)

	_, err = c.Wallets.Finalize(ctx, alice, groupID, ledger.StatusSettled)
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func TestFinalize_RejectsHoldAsTarget(t *testing.T) {
	c, journal := newTestEngine(t)
	ctx := context.Background()

	alice := createWallet(t, journal, "alice", ledger.WalletUser, "USD")
	fund(t, c, journal, alice, 100)

	groupID, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)
	_, err = c.Wallets.HoldDebit(ctx, alice, 50, groupID)
	require.NoError(t, err)

	_, err = c.Wallets.Finalize(ctx, alice, groupID, ledger.StatusHold)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// REFUND TESTS
// =============================================================================

func TestRefund_MovesSettledFunds(t *testing.T) {
	// GIVEN: A merchant with 1000 settled
	// WHEN: 400 is refunded to the buyer
	// THEN: Both confirmed balances move immediately; the refund group settles

	c, journal := newTestEngine(t)
	ctx := context.Background()

	merchant := createWallet(t, journal, "merchant", ledger.WalletMerchant, "USD")
	buyer := createWallet(t, journal, "buyer", ledger.WalletUser, "USD")
	fund(t, c, journal, merchant, 1000)

	groupID, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)
	ids, err := c.Wallets.Refund(ctx, ledger.RefundRequest{
		SourceID: merchant,
		DestID:   buyer,
		Amount:   400,
		GroupID:  groupID,
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	assert.Equal(t, int64(600), available(t, journal, merchant))
	assert.Equal(t, int64(400), available(t, journal, buyer))

	status, err := c.GroupStatus(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, ledger.GroupSettled, status)
}

func TestRefund_IdempotentRetry(t *testing.T) {
	// GIVEN: A completed refund with a correlation key
	// WHEN: The same refund is submitted again
	// THEN: The original entry ids come back and no money moves

	c, journal := newTestEngine(t)
	ctx := context.Background()

	merchant := createWallet(t, journal, "merchant", ledger.WalletMerchant, "USD")
	buyer := createWallet(t, journal, "buyer", ledger.WalletUser, "USD")
	fund(t, c, journal, merchant, 1000)

	req := ledger.RefundRequest{
		SourceID:       merchant,
		DestID:         buyer,
		Amount:         400,
		CorrelationKey: "refund-order-42",
	}

	g1, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)
	req.GroupID = g1
	first, err := c.Wallets.Refund(ctx, req)
	require.NoError(t, err)

	g2, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)
	req.GroupID = g2
	second, err := c.Wallets.Refund(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first, second, "retry must return the original entries")
	assert.Equal(t, int64(600), available(t, journal, merchant))
	assert.Equal(t, int64(400), available(t, journal, buyer))
}

func TestRefund_InsufficientFundsWithoutOverride(t *testing.T) {
	c, journal := newTestEngine(t)
	ctx := context.Background()

	merchant := createWallet(t, journal, "merchant", ledger.WalletMerchant, "USD")
	buyer := createWallet(t, journal, "buyer", ledger.WalletUser, "USD")
	fund(t, c, journal, merchant, 100)

	groupID, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)
	_, err = c.Wallets.Refund(ctx, ledger.RefundRequest{
		SourceID: merchant,
		DestID:   buyer,
		Amount:   500,
		GroupID:  groupID,
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, int64(100), available(t, journal, merchant))
}

func TestRefund_AllowNegativeDrivesSourceBelowZero(t *testing.T) {
	// The deposit-wallet pattern: external money enters by refunding from a
	// wallet explicitly allowed to go negative.

	c, journal := newTestEngine(t)
	ctx := context.Background()

	deposit := createWallet(t, journal, "inflow", ledger.WalletDeposit, "USD")
	alice := createWallet(t, journal, "alice", ledger.WalletUser, "USD")

	groupID, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)
	_, err = c.Wallets.Refund(ctx, ledger.RefundRequest{
		SourceID:      deposit,
		DestID:        alice,
		Amount:        250,
		GroupID:       groupID,
		AllowNegative: true,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(-250), available(t, journal, deposit))
	assert.Equal(t, int64(250), available(t, journal, alice))
}

func TestRefund_RejectsCurrencyMismatch(t *testing.T) {
	c, journal := newTestEngine(t)
	ctx := context.Background()

	merchant := createWallet(t, journal, "merchant", ledger.WalletMerchant, "USD")
	pierre := createWallet(t, journal, "pierre", ledger.WalletUser, "EUR")
	fund(t, c, journal, merchant, 1000)

	groupID, err := c.OpenGroup(ctx, "")
	require.NoError(t, err)
	_, err = c.Wallets.Refund(ctx, ledger.RefundRequest{
		SourceID: merchant,
		DestID:   pierre,
		Amount:   100,
		GroupID:  groupID,
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// WALLET REGISTRY TESTS
// =============================================================================

func TestCreateWallet_RejectsDuplicateID(t *testing.T) {
	_, journal := newTestEngine(t)
	ctx := context.Background()

	createWallet(t, journal, "alice", ledger.WalletUser, "USD")
	err := journal.CreateWallet(ctx, ledger.Wallet{
		ID: "alice", Kind: ledger.WalletUser, Currency: "USD",
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestCreateWallet_RejectsUnknownKind(t *testing.T) {
	_, journal := newTestEngine(t)
	err := journal.CreateWallet(context.Background(), ledger.Wallet{
		ID: "x", Kind: "PIGGYBANK", Currency: "USD",
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestWalletStatement_FilterAndPagination(t *testing.T) {
	c, journal := newTestEngine(t)
	ctx := context.Background()

	alice := createWallet(t, journal, "alice", ledger.WalletUser, "USD")
	fund(t, c, journal, alice, 1000)
	for i := 0; i < 3; i++ {
		groupID, err := c.OpenGroup(ctx, "")
		require.NoError(t, err)
		_, err = c.Wallets.HoldDebit(ctx, alice, 10, groupID)
		require.NoError(t, err)
		require.NoError(t, c.CancelGroup(ctx, groupID, fmt.Sprintf("test %d", i)))
	}

	status := ledger.StatusCancelled
	entries, err := journal.EntriesOfWallet(ctx, alice, ledger.EntryFilter{Status: &status})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	page, err := journal.EntriesOfWallet(ctx, alice, ledger.EntryFilter{Status: &status, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}
