package broadcaster

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"shieldrelay/services/broadcaster/reliability"
)

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestAdminHealthAndMetrics(t *testing.T) {
	h := newServiceHarness(t, testConfig(), nil)
	handler := h.svc.AdminHandler()

	rec := serve(t, handler, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = serve(t, handler, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	h.svc.Stop()
	rec = serve(t, handler, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminStatusReportsChains(t *testing.T) {
	h := newServiceHarness(t, testConfig(), nil)
	h.svc.tracker.Record(polygon, reliability.DecodeSuccess)

	rec := serve(t, h.svc.AdminHandler(), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "relay-test", status.Identifier)
	require.Equal(t, h.svc.key.PublicHex(), status.ViewingKey)
	require.Len(t, status.Chains, 1)
	require.Equal(t, polygon.String(), status.Chains[0].Chain)
	require.Equal(t, int64(1), status.Chains[0].Counters[reliability.DecodeSuccess])
	require.Equal(t, 1, status.Chains[0].AvailableWallets)
}

func TestAdminResetReliability(t *testing.T) {
	h := newServiceHarness(t, testConfig(), nil)
	handler := h.svc.AdminHandler()
	h.svc.tracker.Record(polygon, reliability.SendFailure)

	rec := serve(t, handler, http.MethodPost, "/reliability/0-137/reset")
	require.Equal(t, http.StatusNoContent, rec.Code)
	value, err := h.svc.tracker.Get(polygon, reliability.SendFailure)
	require.NoError(t, err)
	require.Zero(t, value)

	rec = serve(t, handler, http.MethodPost, "/reliability/banana/reset")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(t, handler, http.MethodPost, "/reliability/0-5/reset")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = serve(t, handler, http.MethodGet, "/reliability/0-137/reset")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
