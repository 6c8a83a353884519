/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

MONEY AT THE BOUNDARY:
  The engine works exclusively in int64 minor units; no float crosses the
  core boundary. The API accepts either "amount_minor" (integer) or
  "amount" (a decimal string in major units, e.g. "12.50"), converted here
  with shopspring/decimal and the currency's ISO-4217 exponent. Responses
  carry both representations.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers;
  the one exception is MinorAmount(), which owns the decimal conversion.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: The domain model these map from
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nosota/mwallet/ledger"
)

// =============================================================================
// CURRENCY EXPONENTS
// =============================================================================

// currencyExponent returns the ISO-4217 minor unit exponent. Only the
// non-default currencies are listed; everything else uses 2.
func currencyExponent(code string) int32 {
	switch code {
	case "JPY", "KRW", "VND":
		return 0
	case "BHD", "KWD", "OMR", "JOD", "TND":
		return 3
	default:
		return 2
	}
}

// formatMajor renders minor units as a decimal string in major units.
func formatMajor(minor int64, currency string) string {
	return decimal.New(minor, -currencyExponent(currency)).StringFixed(currencyExponent(currency))
}

// parseMajor converts a major-unit decimal string into minor units,
// rejecting excess precision ("0.005" in a 2-exponent currency).
func parseMajor(s, currency string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal amount %q", s)
	}
	exp := currencyExponent(currency)
	scaled := d.Shift(exp)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("amount %q has more precision than %s allows", s, currency)
	}
	return scaled.IntPart(), nil
}

// =============================================================================
// MONEY REQUEST FIELDS
// =============================================================================

// MoneyRequest is embedded by every request carrying an amount. Exactly one
// of AmountMinor or Amount must be set.
type MoneyRequest struct {
	AmountMinor *int64 `json:"amount_minor,omitempty"`
	Amount      string `json:"amount,omitempty"`
}

// MinorAmount resolves the request to minor units for the given currency.
func (m MoneyRequest) MinorAmount(currency string) (int64, error) {
	switch {
	case m.AmountMinor != nil && m.Amount != "":
		return 0, fmt.Errorf("provide either amount_minor or amount, not both")
	case m.AmountMinor != nil:
		return *m.AmountMinor, nil
	case m.Amount != "":
		return parseMajor(m.Amount, currency)
	default:
		return 0, fmt.Errorf("amount_minor or amount is required")
	}
}

// =============================================================================
// WALLETS
// =============================================================================

// WalletDTO represents a wallet in API responses.
type WalletDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Currency    string `json:"currency"`
	OwnerID     string `json:"owner_id,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// CreateWalletRequest is the request to create a wallet.
type CreateWalletRequest struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Currency    string `json:"currency"`
	OwnerID     string `json:"owner_id,omitempty"`
	Description string `json:"description,omitempty"`
}

func toWalletDTO(w ledger.Wallet) WalletDTO {
	return WalletDTO{
		ID:          string(w.ID),
		Kind:        string(w.Kind),
		Currency:    w.Currency,
		OwnerID:     w.OwnerID,
		Description: w.Description,
		CreatedAt:   w.CreatedAt.Format(time.RFC3339),
	}
}

// BalanceDTO represents the derived balance of a wallet.
type BalanceDTO struct {
	WalletID       string `json:"wallet_id"`
	Currency       string `json:"currency"`
	ConfirmedMinor int64  `json:"confirmed_minor"`
	Confirmed      string `json:"confirmed"`
	HeldMinor      int64  `json:"held_minor"`
	Held           string `json:"held"`
	ReservedMinor  int64  `json:"reserved_minor"`
	Reserved       string `json:"reserved"`
	AvailableMinor int64  `json:"available_minor"`
	Available      string `json:"available"`
	AsOf           string `json:"as_of"`
}

func toBalanceDTO(r *ledger.BalanceReport) BalanceDTO {
	return BalanceDTO{
		WalletID:       string(r.WalletID),
		Currency:       r.Currency,
		ConfirmedMinor: r.Confirmed,
		Confirmed:      formatMajor(r.Confirmed, r.Currency),
		HeldMinor:      r.HeldDebit,
		Held:           formatMajor(r.HeldDebit, r.Currency),
		ReservedMinor:  r.Reserved,
		Reserved:       formatMajor(r.Reserved, r.Currency),
		AvailableMinor: r.Available,
		Available:      formatMajor(r.Available, r.Currency),
		AsOf:           r.AsOf.Format(time.RFC3339),
	}
}

// =============================================================================
// GROUPS AND ENTRIES
// =============================================================================

// CreateGroupRequest opens a transaction group.
type CreateGroupRequest struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// GroupDTO represents a transaction group in API responses.
type GroupDTO struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	FinalizedAt    string `json:"finalized_at,omitempty"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func toGroupDTO(g *ledger.Group) GroupDTO {
	dto := GroupDTO{
		ID:             string(g.ID),
		Status:         string(g.Status),
		CreatedAt:      g.CreatedAt.Format(time.RFC3339),
		Reason:         g.Reason,
		IdempotencyKey: g.IdempotencyKey,
	}
	if g.FinalizedAt != nil {
		dto.FinalizedAt = g.FinalizedAt.Format(time.RFC3339)
	}
	return dto
}

// HoldRequest places a debit or credit hold on a wallet within a group.
type HoldRequest struct {
	MoneyRequest
	WalletID string `json:"wallet_id"`
}

// TerminateGroupRequest carries the optional reason for release/cancel.
type TerminateGroupRequest struct {
	Reason string `json:"reason,omitempty"`
}

// EntryDTO represents a journal entry in API responses.
type EntryDTO struct {
	ID             int64  `json:"id"`
	WalletID       string `json:"wallet_id"`
	GroupID        string `json:"group_id,omitempty"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	AmountMinor    int64  `json:"amount_minor"`
	HoldAt         string `json:"hold_at"`
	FinalizedAt    string `json:"finalized_at,omitempty"`
	Description    string `json:"description,omitempty"`
	CorrelationKey string `json:"correlation_key,omitempty"`
	Tier           string `json:"tier"`
	IsCheckpoint   bool   `json:"is_checkpoint,omitempty"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	dto := EntryDTO{
		ID:             int64(e.ID),
		WalletID:       string(e.WalletID),
		GroupID:        string(e.GroupID),
		Type:           string(e.Type),
		Status:         string(e.Status),
		AmountMinor:    e.Amount,
		HoldAt:         e.HoldAt.Format(time.RFC3339),
		Description:    e.Description,
		CorrelationKey: e.CorrelationKey,
		Tier:           string(e.Tier),
		IsCheckpoint:   e.IsCheckpoint,
	}
	if e.FinalizedAt != nil {
		dto.FinalizedAt = e.FinalizedAt.Format(time.RFC3339)
	}
	return dto
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

// =============================================================================
// TRANSFERS AND REFUNDS
// =============================================================================

// TransferRequest is the single-call two-party movement.
type TransferRequest struct {
	MoneyRequest
	SenderID       string `json:"sender_id"`
	RecipientID    string `json:"recipient_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// TransferResponse reports the settled group.
type TransferResponse struct {
	GroupID string `json:"group_id"`
	Status  string `json:"status"`
}

// RefundRequest reverses settled funds outside the original group.
type RefundRequest struct {
	MoneyRequest
	SourceID       string `json:"source_id"`
	DestID         string `json:"dest_id"`
	AllowNegative  bool   `json:"allow_negative,omitempty"`
	CorrelationKey string `json:"correlation_key,omitempty"`
	Description    string `json:"description,omitempty"`
}

// RefundResponse reports the refund group and its two settled entries.
type RefundResponse struct {
	GroupID  string  `json:"group_id"`
	EntryIDs []int64 `json:"entry_ids"`
}

// =============================================================================
// RECONCILIATION AND PIPELINE
// =============================================================================

// ReconciliationDTO is the global audit view.
type ReconciliationDTO struct {
	SettledSumMinor int64            `json:"settled_sum_minor"`
	Balanced        bool             `json:"balanced"`
	PerStatus       map[string]int64 `json:"per_status_minor"`
	AsOf            string           `json:"as_of"`
}

func toReconciliationDTO(r *ledger.ReconciliationReport) ReconciliationDTO {
	perStatus := make(map[string]int64, len(r.PerStatus))
	for k, v := range r.PerStatus {
		perStatus[string(k)] = v
	}
	return ReconciliationDTO{
		SettledSumMinor: r.SettledSum,
		Balanced:        r.Balanced,
		PerStatus:       perStatus,
		AsOf:            r.AsOf.Format(time.RFC3339),
	}
}

// SnapshotResponse reports a manual snapshot sweep.
type SnapshotResponse struct {
	Moved int `json:"moved"`
}

// ArchiveRequest triggers consolidation of snapshot rows older than cutoff.
type ArchiveRequest struct {
	Cutoff string `json:"cutoff"` // RFC3339
}

// ArchiveResponse reports a manual archive sweep.
type ArchiveResponse struct {
	Archived int `json:"archived"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
