/*
handlers.go - HTTP API handlers for the wallet ledger service

PURPOSE:
  Exposes the transaction engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Wallets:
    GET    /api/wallets               List all wallets
    POST   /api/wallets               Create wallet
    GET    /api/wallets/{id}          Get wallet details
    GET    /api/wallets/{id}/balance  Derived balance report
    GET    /api/wallets/{id}/entries  Paginated statement

  Groups:
    POST   /api/groups                Open a transaction group
    GET    /api/groups/{id}           Group status + entries
    POST   /api/groups/{id}/debits    Hold a debit
    POST   /api/groups/{id}/credits   Hold a credit
    POST   /api/groups/{id}/settle    Commit (zero-sum required)
    POST   /api/groups/{id}/release   Undo after review
    POST   /api/groups/{id}/cancel    Abort

  Movements:
    POST   /api/transfers             Two-party transfer in one call
    POST   /api/refunds               Post-settlement reversal

  Audit / Admin:
    GET    /api/reconciliation        Global zero-sum report
    POST   /api/admin/snapshot        Manual snapshot sweep
    POST   /api/admin/archive         Manual archive sweep

ERROR HANDLING:
  Domain errors map onto HTTP statuses:
  - 400: Validation errors, invalid input
  - 404: Wallet/group/entry not found
  - 409: State conflicts (terminal group, zero-sum, duplicate key)
  - 422: Insufficient funds
  - 500: Integrity violations, unexpected faults
  - 503: Transient storage failures (safe to retry)

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nosota/mwallet/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Journal  ledger.TxJournal
	Groups   *ledger.Coordinator
	Wallets  *ledger.WalletOps
	Balances *ledger.Calculator
	Pipe     *ledger.Pipeline
	Recon    *ledger.Reconciler
}

// NewHandler creates a new handler around the given journal.
func NewHandler(journal ledger.TxJournal) *Handler {
	coordinator := ledger.NewCoordinator(journal)
	return &Handler{
		Journal:  journal,
		Groups:   coordinator,
		Wallets:  coordinator.Wallets,
		Balances: ledger.NewCalculator(journal),
		Pipe:     ledger.NewPipeline(journal),
		Recon:    ledger.NewReconciler(journal),
	}
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// ListWallets returns all wallets.
func (h *Handler) ListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := h.Journal.ListWallets(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list wallets", err)
		return
	}
	dtos := make([]WalletDTO, len(wallets))
	for i, wallet := range wallets {
		dtos[i] = toWalletDTO(wallet)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateWallet registers a new wallet.
func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req CreateWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	wallet := ledger.Wallet{
		ID:          ledger.WalletID(req.ID),
		Kind:        ledger.WalletKind(req.Kind),
		Currency:    req.Currency,
		OwnerID:     req.OwnerID,
		Description: req.Description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Journal.CreateWallet(r.Context(), wallet); err != nil {
		writeDomainError(w, "Failed to create wallet", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWalletDTO(wallet))
}

// GetWallet returns a single wallet.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Journal.GetWallet(r.Context(), ledger.WalletID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get wallet", err)
		return
	}
	if wallet == nil {
		writeError(w, http.StatusNotFound, "Wallet not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(*wallet))
}

// GetBalance returns the derived balance report for a wallet.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	report, err := h.Balances.Report(r.Context(), ledger.WalletID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to derive balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(report))
}

// GetEntries returns a paginated statement for a wallet.
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	id := ledger.WalletID(chi.URLParam(r, "id"))
	wallet, err := h.Journal.GetWallet(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get wallet", err)
		return
	}
	if wallet == nil {
		writeError(w, http.StatusNotFound, "Wallet not found", nil)
		return
	}

	var filter ledger.EntryFilter
	if s := r.URL.Query().Get("status"); s != "" {
		status := ledger.EntryStatus(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "Unknown entry status", nil)
			return
		}
		filter.Status = &status
	}
	filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	filter.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := h.Journal.EntriesOfWallet(r.Context(), id, filter)
	if err != nil {
		writeDomainError(w, "Failed to list entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// GROUP HANDLERS
// =============================================================================

// CreateGroup opens a transaction group.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	id, err := h.Groups.OpenGroup(r.Context(), req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, "Failed to open group", err)
		return
	}
	group, err := h.Journal.GetGroup(r.Context(), id)
	if err != nil || group == nil {
		writeDomainError(w, "Failed to read group back", err)
		return
	}
	writeJSON(w, http.StatusCreated, toGroupDTO(group))
}

// GetGroup returns the group with its entries across all tiers.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	id := ledger.GroupID(chi.URLParam(r, "id"))
	group, err := h.Journal.GetGroup(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get group", err)
		return
	}
	if group == nil {
		writeError(w, http.StatusNotFound, "Group not found", nil)
		return
	}
	entries, err := h.Journal.EntriesOfGroup(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to list group entries", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		GroupDTO
		Entries []EntryDTO `json:"entries"`
	}{toGroupDTO(group), toEntryDTOs(entries)})
}

// HoldDebit places a debit hold inside the group.
// POST /api/groups/{id}/debits
func (h *Handler) HoldDebit(w http.ResponseWriter, r *http.Request) {
	h.hold(w, r, ledger.EntryDebit)
}

// HoldCredit places a credit hold inside the group.
// POST /api/groups/{id}/credits
func (h *Handler) HoldCredit(w http.ResponseWriter, r *http.Request) {
	h.hold(w, r, ledger.EntryCredit)
}

func (h *Handler) hold(w http.ResponseWriter, r *http.Request, typ ledger.EntryType) {
	groupID := ledger.GroupID(chi.URLParam(r, "id"))

	var req HoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	walletID := ledger.WalletID(req.WalletID)
	wallet, err := h.Journal.GetWallet(r.Context(), walletID)
	if err != nil {
		writeDomainError(w, "Failed to get wallet", err)
		return
	}
	if wallet == nil {
		writeError(w, http.StatusNotFound, "Wallet not found", nil)
		return
	}
	amount, err := req.MinorAmount(wallet.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	var entryID ledger.EntryID
	if typ == ledger.EntryDebit {
		entryID, err = h.Wallets.HoldDebit(r.Context(), walletID, amount, groupID)
	} else {
		entryID, err = h.Wallets.HoldCredit(r.Context(), walletID, amount, groupID)
	}
	if err != nil {
		writeDomainError(w, "Failed to place hold", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"entry_id": int64(entryID)})
}

// SettleGroup commits the group.
func (h *Handler) SettleGroup(w http.ResponseWriter, r *http.Request) {
	id := ledger.GroupID(chi.URLParam(r, "id"))
	if err := h.Groups.SettleGroup(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to settle group", err)
		return
	}
	h.writeGroupStatus(w, r, id)
}

// ReleaseGroup undoes the group's holds after review.
func (h *Handler) ReleaseGroup(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, h.Groups.ReleaseGroup)
}

// CancelGroup aborts the group.
func (h *Handler) CancelGroup(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, h.Groups.CancelGroup)
}

func (h *Handler) terminate(w http.ResponseWriter, r *http.Request, op func(context.Context, ledger.GroupID, string) error) {
	id := ledger.GroupID(chi.URLParam(r, "id"))

	var req TerminateGroupRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	if err := op(r.Context(), id, req.Reason); err != nil {
		writeDomainError(w, "Failed to terminate group", err)
		return
	}
	h.writeGroupStatus(w, r, id)
}

func (h *Handler) writeGroupStatus(w http.ResponseWriter, r *http.Request, id ledger.GroupID) {
	group, err := h.Journal.GetGroup(r.Context(), id)
	if err != nil || group == nil {
		writeDomainError(w, "Failed to read group back", err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupDTO(group))
}

// =============================================================================
// TRANSFERS AND REFUNDS
// =============================================================================

// Transfer moves funds between two wallets in one settled group.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	sender, err := h.Journal.GetWallet(r.Context(), ledger.WalletID(req.SenderID))
	if err != nil {
		writeDomainError(w, "Failed to get sender", err)
		return
	}
	if sender == nil {
		writeError(w, http.StatusNotFound, "Sender wallet not found", nil)
		return
	}
	amount, err := req.MinorAmount(sender.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	groupID, err := h.Groups.Transfer(r.Context(),
		sender.ID, ledger.WalletID(req.RecipientID), amount, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, "Transfer failed", err)
		return
	}
	status, err := h.Groups.GroupStatus(r.Context(), groupID)
	if err != nil {
		writeDomainError(w, "Failed to read group back", err)
		return
	}
	writeJSON(w, http.StatusCreated, TransferResponse{
		GroupID: string(groupID),
		Status:  string(status),
	})
}

// Refund reverses settled funds in a fresh group. Retries with the same
// correlation key return the original entries instead of moving money again.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	// Retry detection before opening a group, so retries don't leave
	// empty IN_PROGRESS groups behind.
	if req.CorrelationKey != "" {
		existing, err := h.Journal.EntriesByCorrelationKey(r.Context(), req.CorrelationKey)
		if err != nil {
			writeDomainError(w, "Failed to check correlation key", err)
			return
		}
		if len(existing) > 0 {
			resp := RefundResponse{GroupID: string(existing[0].GroupID)}
			for _, e := range existing {
				resp.EntryIDs = append(resp.EntryIDs, int64(e.ID))
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	source, err := h.Journal.GetWallet(r.Context(), ledger.WalletID(req.SourceID))
	if err != nil {
		writeDomainError(w, "Failed to get source wallet", err)
		return
	}
	if source == nil {
		writeError(w, http.StatusNotFound, "Source wallet not found", nil)
		return
	}
	amount, err := req.MinorAmount(source.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	groupID, err := h.Groups.OpenGroup(r.Context(), "")
	if err != nil {
		writeDomainError(w, "Failed to open refund group", err)
		return
	}
	ids, err := h.Wallets.Refund(r.Context(), ledger.RefundRequest{
		SourceID:       source.ID,
		DestID:         ledger.WalletID(req.DestID),
		Amount:         amount,
		GroupID:        groupID,
		AllowNegative:  req.AllowNegative,
		CorrelationKey: req.CorrelationKey,
		Description:    req.Description,
	})
	if err != nil {
		writeDomainError(w, "Refund failed", err)
		return
	}
	resp := RefundResponse{GroupID: string(groupID)}
	for _, id := range ids {
		resp.EntryIDs = append(resp.EntryIDs, int64(id))
	}
	writeJSON(w, http.StatusCreated, resp)
}

// =============================================================================
// AUDIT / ADMIN
// =============================================================================

// Reconciliation returns the global zero-sum report.
func (h *Handler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.Recon.Report(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(report))
}

// TriggerSnapshot runs a snapshot sweep over every wallet.
func (h *Handler) TriggerSnapshot(w http.ResponseWriter, r *http.Request) {
	moved, err := h.Pipe.SnapshotAll(r.Context())
	if err != nil {
		writeDomainError(w, "Snapshot sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotResponse{Moved: moved})
}

// TriggerArchive consolidates snapshot rows older than the cutoff.
func (h *Handler) TriggerArchive(w http.ResponseWriter, r *http.Request) {
	var req ArchiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	cutoff, err := time.Parse(time.RFC3339, req.Cutoff)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid cutoff, want RFC3339", err)
		return
	}
	archived, err := h.Pipe.ArchiveAll(r.Context(), cutoff)
	if err != nil {
		writeDomainError(w, "Archive sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ArchiveResponse{Archived: archived})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case err == nil:
		writeError(w, http.StatusInternalServerError, message, nil)
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, message, err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
