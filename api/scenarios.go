/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the journal with realistic
  data for demos and manual API exploration. Each scenario creates wallets
  and drives real engine operations, so the resulting state is reachable
  through the public API alone.

AVAILABLE SCENARIOS:
  marketplace:  Buyer, merchant and platform fee wallets with a settled
                split payment and a partial refund
  escrow:       Funds resting in escrow while a delivery is pending
  payout:       A withdrawal to an external rail still in flight

RESET SEMANTICS:
  The journal is append-only; there is no reset. Scenarios load only into
  an empty wallet registry and respond 409 otherwise.

SEE ALSO:
  - handlers.go: The operations scenarios are built from
  - server.go: Route wiring under /api/scenarios
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nosota/mwallet/ledger"
)

// ScenarioDTO describes one loadable scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "marketplace",
		Name:        "Marketplace Purchase",
		Description: "Split payment with a platform fee, followed by a partial refund",
	},
	{
		ID:          "escrow",
		Name:        "Escrow Purchase",
		Description: "Buyer paid into escrow, delivery not yet confirmed",
	},
	{
		ID:          "payout",
		Name:        "Pending Payout",
		Description: "Withdrawal to an external bank rail still in flight",
	},
}

// ListScenarios returns all available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario populates an empty journal with the named scenario.
// POST /api/scenarios/{id}
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	existing, err := h.Journal.ListWallets(ctx)
	if err != nil {
		writeDomainError(w, "Failed to inspect journal", err)
		return
	}
	if len(existing) > 0 {
		writeError(w, http.StatusConflict, "Journal is not empty, scenarios load only into a fresh database", nil)
		return
	}

	switch id {
	case "marketplace":
		err = h.loadMarketplaceScenario(ctx)
	case "escrow":
		err = h.loadEscrowScenario(ctx)
	case "payout":
		err = h.loadPayoutScenario(ctx)
	default:
		writeError(w, http.StatusNotFound, "Unknown scenario", nil)
		return
	}
	if err != nil {
		writeDomainError(w, fmt.Sprintf("Failed to load scenario %q", id), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": id})
}

func (h *Handler) seedWallet(ctx context.Context, id string, kind ledger.WalletKind, description string) error {
	return h.Journal.CreateWallet(ctx, ledger.Wallet{
		ID:          ledger.WalletID(id),
		Kind:        kind,
		Currency:    "USD",
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
}

// seedFunds brings external money in through the deposit wallet.
func (h *Handler) seedFunds(ctx context.Context, dest ledger.WalletID, amount int64) error {
	groupID, err := h.Groups.OpenGroup(ctx, "")
	if err != nil {
		return err
	}
	_, err = h.Wallets.Refund(ctx, ledger.RefundRequest{
		SourceID:      "deposits",
		DestID:        dest,
		Amount:        amount,
		GroupID:       groupID,
		AllowNegative: true,
		Description:   "demo funding",
	})
	return err
}

func (h *Handler) loadMarketplaceScenario(ctx context.Context) error {
	for _, w := range []struct {
		id   string
		kind ledger.WalletKind
		desc string
	}{
		{"deposits", ledger.WalletDeposit, "External money inflow"},
		{"buyer", ledger.WalletUser, "Retail customer"},
		{"merchant", ledger.WalletMerchant, "Marketplace seller"},
		{"platform", ledger.WalletSystem, "Platform fee collector"},
	} {
		if err := h.seedWallet(ctx, w.id, w.kind, w.desc); err != nil {
			return err
		}
	}
	if err := h.seedFunds(ctx, "buyer", 10_000); err != nil {
		return err
	}

	// Split purchase: buyer pays 50.00, platform keeps a 5.00 fee.
	groupID, err := h.Groups.OpenGroup(ctx, "demo-order-1")
	if err != nil {
		return err
	}
	if _, err := h.Wallets.HoldDebit(ctx, "buyer", 5000, groupID); err != nil {
		return err
	}
	if _, err := h.Wallets.HoldCredit(ctx, "merchant", 4500, groupID); err != nil {
		return err
	}
	if _, err := h.Wallets.HoldCredit(ctx, "platform", 500, groupID); err != nil {
		return err
	}
	if err := h.Groups.SettleGroup(ctx, groupID); err != nil {
		return err
	}

	// Partial refund after a dispute.
	refundGroup, err := h.Groups.OpenGroup(ctx, "")
	if err != nil {
		return err
	}
	_, err = h.Wallets.Refund(ctx, ledger.RefundRequest{
		SourceID:       "merchant",
		DestID:         "buyer",
		Amount:         1500,
		GroupID:        refundGroup,
		CorrelationKey: "demo-dispute-1",
		Description:    "partial refund, damaged item",
	})
	return err
}

func (h *Handler) loadEscrowScenario(ctx context.Context) error {
	for _, w := range []struct {
		id   string
		kind ledger.WalletKind
		desc string
	}{
		{"deposits", ledger.WalletDeposit, "External money inflow"},
		{"buyer", ledger.WalletUser, "Retail customer"},
		{"escrow", ledger.WalletEscrow, "Funds held pending delivery"},
		{"merchant", ledger.WalletMerchant, "Marketplace seller"},
	} {
		if err := h.seedWallet(ctx, w.id, w.kind, w.desc); err != nil {
			return err
		}
	}
	if err := h.seedFunds(ctx, "buyer", 20_000); err != nil {
		return err
	}

	// Purchase settled into escrow; the escrow -> merchant leg stays open
	// until delivery is confirmed via the API.
	if _, err := h.Groups.Transfer(ctx, "buyer", "escrow", 12_000, "demo-escrow-purchase"); err != nil {
		return err
	}
	groupID, err := h.Groups.OpenGroup(ctx, "demo-escrow-release")
	if err != nil {
		return err
	}
	if _, err := h.Wallets.HoldDebit(ctx, "escrow", 12_000, groupID); err != nil {
		return err
	}
	_, err = h.Wallets.HoldCredit(ctx, "merchant", 12_000, groupID)
	return err
}

func (h *Handler) loadPayoutScenario(ctx context.Context) error {
	for _, w := range []struct {
		id   string
		kind ledger.WalletKind
		desc string
	}{
		{"deposits", ledger.WalletDeposit, "External money inflow"},
		{"alice", ledger.WalletUser, "Seller cashing out"},
		{"bank-rail", ledger.WalletWithdrawal, "External payout rail"},
	} {
		if err := h.seedWallet(ctx, w.id, w.kind, w.desc); err != nil {
			return err
		}
	}
	if err := h.seedFunds(ctx, "alice", 30_000); err != nil {
		return err
	}

	// Payout in flight: the holds fence the funds until the bank confirms,
	// at which point the group is settled (or released on failure).
	groupID, err := h.Groups.OpenGroup(ctx, "demo-payout-1")
	if err != nil {
		return err
	}
	if _, err := h.Wallets.HoldDebit(ctx, "alice", 10_000, groupID); err != nil {
		return err
	}
	_, err = h.Wallets.HoldCredit(ctx, "bank-rail", 10_000, groupID)
	return err
}
