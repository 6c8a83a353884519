package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadScenario(t *testing.T, srv *httptest.Server, id string) {
	t.Helper()
	resp, body := doJSON(t, srv, http.MethodPost, "/api/scenarios/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "scenario %s: %v", id, body)
}

func TestScenarios_Listed(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/api/scenarios")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	ids := make([]string, len(listed))
	for i, s := range listed {
		ids[i] = s["id"].(string)
	}
	assert.ElementsMatch(t, []string{"marketplace", "escrow", "payout"}, ids)
}

func TestScenarios_Marketplace(t *testing.T) {
	// The loaded state must be consistent: split payment settled, partial
	// refund applied, books balanced.

	srv := newTestServer(t)
	loadScenario(t, srv, "marketplace")

	assert.Equal(t, float64(6500), balanceAPI(t, srv, "buyer")["available_minor"])
	assert.Equal(t, float64(3000), balanceAPI(t, srv, "merchant")["available_minor"])
	assert.Equal(t, float64(500), balanceAPI(t, srv, "platform")["available_minor"])

	_, recon := doJSON(t, srv, http.MethodGet, "/api/reconciliation", nil)
	assert.Equal(t, true, recon["balanced"])
}

func TestScenarios_EscrowLeavesReleaseOpen(t *testing.T) {
	// The escrow -> merchant group stays IN_PROGRESS so the demo user can
	// settle or release it through the API.

	srv := newTestServer(t)
	loadScenario(t, srv, "escrow")

	escrow := balanceAPI(t, srv, "escrow")
	assert.Equal(t, float64(12000), escrow["confirmed_minor"])
	assert.Equal(t, float64(0), escrow["available_minor"], "release hold fences the full amount")

	merchant := balanceAPI(t, srv, "merchant")
	assert.Equal(t, float64(12000), merchant["reserved_minor"])
	assert.Equal(t, float64(0), merchant["available_minor"])
}

func TestScenarios_RejectNonEmptyJournal(t *testing.T) {
	srv := newTestServer(t)
	createWalletAPI(t, srv, "alice", "USER", "USD")

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/scenarios/marketplace", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestScenarios_Unknown404(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := doJSON(t, srv, http.MethodPost, "/api/scenarios/moon-landing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
