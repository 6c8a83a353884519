package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nosota/mwallet/api"
	"github.com/nosota/mwallet/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(store.NewTxMemory())))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	// List endpoints return arrays; those tests decode the body themselves.
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func createWalletAPI(t *testing.T, srv *httptest.Server, id, kind, currency string) {
	t.Helper()
	resp, _ := doJSON(t, srv, http.MethodPost, "/api/wallets", map[string]string{
		"id": id, "kind": kind, "currency": currency,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func fundAPI(t *testing.T, srv *httptest.Server, dest string, minor int64) {
	t.Helper()
	createWalletAPI(t, srv, "inflow-"+dest, "DEPOSIT", "USD")
	resp, _ := doJSON(t, srv, http.MethodPost, "/api/refunds", map[string]any{
		"source_id":      "inflow-" + dest,
		"dest_id":        dest,
		"amount_minor":   minor,
		"allow_negative": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func balanceAPI(t *testing.T, srv *httptest.Server, id string) map[string]any {
	t.Helper()
	resp, body := doJSON(t, srv, http.MethodGet, "/api/wallets/"+id+"/balance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return body
}

// =============================================================================
// WALLET ENDPOINTS
// =============================================================================

func TestAPI_WalletLifecycle(t *testing.T) {
	srv := newTestServer(t)

	createWalletAPI(t, srv, "alice", "USER", "USD")

	resp, body := doJSON(t, srv, http.MethodGet, "/api/wallets/alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["id"])
	assert.Equal(t, "USER", body["kind"])
	assert.Equal(t, "USD", body["currency"])

	balance := balanceAPI(t, srv, "alice")
	assert.Equal(t, float64(0), balance["available_minor"])
	assert.Equal(t, "0.00", balance["available"])
}

func TestAPI_UnknownWallet404(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodGet, "/api/wallets/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = doJSON(t, srv, http.MethodGet, "/api/wallets/ghost/balance", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CreateWallet_BadKind(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/wallets", map[string]string{
		"id": "x", "kind": "PIGGYBANK", "currency": "USD",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// GROUP ENDPOINTS
// =============================================================================

func TestAPI_GroupFlow(t *testing.T) {
	// Manual two-phase flow over HTTP: open, hold both legs, settle.

	srv := newTestServer(t)
	createWalletAPI(t, srv, "alice", "USER", "USD")
	createWalletAPI(t, srv, "bob", "USER", "USD")
	fundAPI(t, srv, "alice", 1000)

	resp, group := doJSON(t, srv, http.MethodPost, "/api/groups", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	groupID := group["id"].(string)
	assert.Equal(t, "IN_PROGRESS", group["status"])

	resp, _ = doJSON(t, srv, http.MethodPost, "/api/groups/"+groupID+"/debits", map[string]any{
		"wallet_id": "alice", "amount_minor": 300,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = doJSON(t, srv, http.MethodPost, "/api/groups/"+groupID+"/credits", map[string]any{
		"wallet_id": "bob", "amount_minor": 300,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, settled := doJSON(t, srv, http.MethodPost, "/api/groups/"+groupID+"/settle", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SETTLED", settled["status"])

	resp, detail := doJSON(t, srv, http.MethodGet, "/api/groups/"+groupID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, detail["entries"], 4)

	assert.Equal(t, float64(700), balanceAPI(t, srv, "alice")["available_minor"])
	assert.Equal(t, float64(300), balanceAPI(t, srv, "bob")["available_minor"])
}

func TestAPI_SettleUnbalanced409(t *testing.T) {
	srv := newTestServer(t)
	createWalletAPI(t, srv, "alice", "USER", "USD")
	fundAPI(t, srv, "alice", 1000)

	_, group := doJSON(t, srv, http.MethodPost, "/api/groups", nil)
	groupID := group["id"].(string)
	resp, _ := doJSON(t, srv, http.MethodPost, "/api/groups/"+groupID+"/debits", map[string]any{
		"wallet_id": "alice", "amount_minor": 300,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, srv, http.MethodPost, "/api/groups/"+groupID+"/settle", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Cancel with a reason, then confirm the group froze.
	resp, cancelled := doJSON(t, srv, http.MethodPost, "/api/groups/"+groupID+"/cancel",
		map[string]string{"reason": "unbalanced"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELLED", cancelled["status"])
	assert.Equal(t, "unbalanced", cancelled["reason"])

	resp, _ = doJSON(t, srv, http.MethodPost, "/api/groups/"+groupID+"/settle", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "terminal group conflicts")
}

func TestAPI_GroupIdempotencyKey(t *testing.T) {
	srv := newTestServer(t)

	_, first := doJSON(t, srv, http.MethodPost, "/api/groups",
		map[string]string{"idempotency_key": "order-1"})
	_, second := doJSON(t, srv, http.MethodPost, "/api/groups",
		map[string]string{"idempotency_key": "order-1"})
	assert.Equal(t, first["id"], second["id"])
}

// =============================================================================
// TRANSFER AND REFUND ENDPOINTS
// =============================================================================

func TestAPI_Transfer(t *testing.T) {
	srv := newTestServer(t)
	createWalletAPI(t, srv, "alice", "USER", "USD")
	createWalletAPI(t, srv, "bob", "USER", "USD")
	fundAPI(t, srv, "alice", 1000)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/transfers", map[string]any{
		"sender_id": "alice", "recipient_id": "bob", "amount_minor": 400,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "SETTLED", body["status"])
	assert.NotEmpty(t, body["group_id"])

	assert.Equal(t, float64(600), balanceAPI(t, srv, "alice")["available_minor"])
	assert.Equal(t, float64(400), balanceAPI(t, srv, "bob")["available_minor"])
}

func TestAPI_Transfer_DecimalAmount(t *testing.T) {
	// "12.50" in USD is 1250 minor units; excess precision is rejected.

	srv := newTestServer(t)
	createWalletAPI(t, srv, "alice", "USER", "USD")
	createWalletAPI(t, srv, "bob", "USER", "USD")
	fundAPI(t, srv, "alice", 2000)

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/transfers", map[string]any{
		"sender_id": "alice", "recipient_id": "bob", "amount": "12.50",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(750), balanceAPI(t, srv, "alice")["available_minor"])
	assert.Equal(t, "7.50", balanceAPI(t, srv, "alice")["available"])

	resp, _ = doJSON(t, srv, http.MethodPost, "/api/transfers", map[string]any{
		"sender_id": "alice", "recipient_id": "bob", "amount": "0.005",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Transfer_InsufficientFunds422(t *testing.T) {
	srv := newTestServer(t)
	createWalletAPI(t, srv, "alice", "USER", "USD")
	createWalletAPI(t, srv, "bob", "USER", "USD")
	fundAPI(t, srv, "alice", 100)

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/transfers", map[string]any{
		"sender_id": "alice", "recipient_id": "bob", "amount_minor": 500,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, float64(100), balanceAPI(t, srv, "alice")["available_minor"])
}

func TestAPI_Refund_RetryReturnsOriginal(t *testing.T) {
	// GIVEN: A settled transfer and a keyed refund
	// WHEN: The refund request is replayed
	// THEN: 200 with the original entries instead of a second movement

	srv := newTestServer(t)
	createWalletAPI(t, srv, "buyer", "USER", "USD")
	createWalletAPI(t, srv, "merchant", "MERCHANT", "USD")
	fundAPI(t, srv, "buyer", 1000)

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/transfers", map[string]any{
		"sender_id": "buyer", "recipient_id": "merchant", "amount_minor": 800,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	refund := map[string]any{
		"source_id": "merchant", "dest_id": "buyer",
		"amount_minor": 300, "correlation_key": "dispute-9",
	}
	resp, first := doJSON(t, srv, http.MethodPost, "/api/refunds", refund)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, second := doJSON(t, srv, http.MethodPost, "/api/refunds", refund)
	require.Equal(t, http.StatusOK, resp.StatusCode, "replay is a read, not a movement")
	assert.Equal(t, first["group_id"], second["group_id"])
	assert.Equal(t, first["entry_ids"], second["entry_ids"])

	assert.Equal(t, float64(500), balanceAPI(t, srv, "buyer")["available_minor"])
	assert.Equal(t, float64(500), balanceAPI(t, srv, "merchant")["available_minor"])
}

// =============================================================================
// STATEMENT, AUDIT AND ADMIN ENDPOINTS
// =============================================================================

func TestAPI_Entries_StatusFilter(t *testing.T) {
	srv := newTestServer(t)
	createWalletAPI(t, srv, "alice", "USER", "USD")
	createWalletAPI(t, srv, "bob", "USER", "USD")
	fundAPI(t, srv, "alice", 1000)
	for i := 0; i < 2; i++ {
		resp, _ := doJSON(t, srv, http.MethodPost, "/api/transfers", map[string]any{
			"sender_id": "alice", "recipient_id": "bob", "amount_minor": 100 + i,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, err := srv.Client().Get(srv.URL + "/api/wallets/alice/entries?status=SETTLED")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.Len(t, entries, 3, "funding credit plus one settled debit per transfer")

	resp, err = srv.Client().Get(srv.URL + "/api/wallets/alice/entries?status=BOGUS")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ReconciliationAndPipeline(t *testing.T) {
	srv := newTestServer(t)
	createWalletAPI(t, srv, "alice", "USER", "USD")
	createWalletAPI(t, srv, "bob", "USER", "USD")
	fundAPI(t, srv, "alice", 1000)
	resp, _ := doJSON(t, srv, http.MethodPost, "/api/transfers", map[string]any{
		"sender_id": "alice", "recipient_id": "bob", "amount_minor": 400,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, recon := doJSON(t, srv, http.MethodGet, "/api/reconciliation", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, recon["balanced"])
	assert.Equal(t, float64(0), recon["settled_sum_minor"])

	resp, snap := doJSON(t, srv, http.MethodPost, "/api/admin/snapshot", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Greater(t, snap["moved"], float64(0))

	resp, arch := doJSON(t, srv, http.MethodPost, "/api/admin/archive", map[string]string{
		"cutoff": "2030-01-01T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Greater(t, arch["archived"], float64(0))

	// Balances and the books are untouched by the pipeline.
	assert.Equal(t, float64(600), balanceAPI(t, srv, "alice")["available_minor"])
	_, recon = doJSON(t, srv, http.MethodGet, "/api/reconciliation", nil)
	assert.Equal(t, true, recon["balanced"])
}

func TestAPI_Archive_BadCutoff(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := doJSON(t, srv, http.MethodPost, "/api/admin/archive", map[string]string{
		"cutoff": "yesterday",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_HoldOnUnknownGroup404(t *testing.T) {
	srv := newTestServer(t)
	createWalletAPI(t, srv, "alice", "USER", "USD")
	fundAPI(t, srv, "alice", 100)

	resp, _ := doJSON(t, srv, http.MethodPost,
		fmt.Sprintf("/api/groups/%s/debits", "no-such-group"), map[string]any{
			"wallet_id": "alice", "amount_minor": 50,
		})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
