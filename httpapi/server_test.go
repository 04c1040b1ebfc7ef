package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	piiguard "github.com/SamuelRCrider/pii-guard"
	"github.com/SamuelRCrider/pii-guard/core"
	"github.com/SamuelRCrider/pii-guard/kv"
	"github.com/SamuelRCrider/pii-guard/utils"
)

func setupTestServer(t *testing.T) (*httptest.Server, *piiguard.Guard) {
	t.Helper()
	guard := piiguard.New(piiguard.Config{Store: kv.NewMemory()})
	ts := httptest.NewServer(New(guard, nil).Routes())
	t.Cleanup(ts.Close)
	return ts, guard
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthAndVersion(t *testing.T) {
	ts, _ := setupTestServer(t)

	resp := do(t, ts, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]string
	decodeBody(t, resp, &health)
	assert.Equal(t, "ok", health["status"])

	resp = do(t, ts, http.MethodGet, "/version", "")
	var version map[string]string
	decodeBody(t, resp, &version)
	assert.Equal(t, piiguard.Version, version["version"])
}

func TestScanEndpoint(t *testing.T) {
	ts, _ := setupTestServer(t)

	tests := []struct {
		name  string
		body  string
		types []string
	}{
		{"settings", `{"text":"mail a@b.io and 123-45-6789"}`, []string{"ssn", "email"}},
		{"explicit types", `{"text":"mail a@b.io and 123-45-6789","types":["email"]}`, []string{"email"}},
		{"empty", `{"text":""}`, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, ts, http.MethodPost, "/scan", tt.body)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var findings []utils.AggregatedFinding
			decodeBody(t, resp, &findings)
			assert.Equal(t, tt.types, append([]string{}, utils.Types(findings)...))
		})
	}
}

func TestScanRejectsBadJSON(t *testing.T) {
	ts, _ := setupTestServer(t)
	resp := do(t, ts, http.MethodPost, "/scan", `{"text":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScanPageAndPageStatus(t *testing.T) {
	ts, guard := setupTestServer(t)

	resp := do(t, ts, http.MethodPost, "/scan/page",
		`{"id":"77","title":"Payroll","body":"<p>SSN 123-45-6789</p><p>CONFIDENTIAL</p>"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res piiguard.ScanResult
	decodeBody(t, resp, &res)
	assert.True(t, res.Detected)
	assert.Equal(t, "classification-confidential", res.Label)
	require.NotEmpty(t, res.IncidentID)

	resp = do(t, ts, http.MethodGet, "/pages/77/status", "")
	var status core.PageStatus
	decodeBody(t, resp, &status)
	assert.True(t, status.HasPII)
	assert.Equal(t, "active", status.Status)
	assert.Equal(t, []string{"ssn"}, status.PIITypes)

	require.True(t, guard.Incidents().UpdateStatus(context.Background(), res.IncidentID, core.StatusResolved))
	resp = do(t, ts, http.MethodGet, "/pages/77/status", "")
	decodeBody(t, resp, &status)
	assert.Equal(t, "resolved", status.Status)
}

func TestScanBatchEndpoint(t *testing.T) {
	ts, _ := setupTestServer(t)

	resp := do(t, ts, http.MethodPost, "/scan/batch",
		`[{"id":"1","body":"<p>a@b.io</p>"},{"id":"2","body":"<p>nothing</p>","restricted":true}]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res piiguard.BatchResult
	decodeBody(t, resp, &res)
	assert.Equal(t, 2, res.PagesScanned)
	assert.Len(t, res.Findings, 1)
	assert.Equal(t, 1, res.Stats.Active)
	assert.Equal(t, 1, res.Stats.Quarantined)
}

func TestClassifyAndRedactEndpoints(t *testing.T) {
	ts, _ := setupTestServer(t)

	resp := do(t, ts, http.MethodPost, "/classify", `{"text":"top secret plans"}`)
	var classified struct {
		Level core.ClassificationLevel `json:"level"`
		Label string                   `json:"label"`
	}
	decodeBody(t, resp, &classified)
	assert.Equal(t, "top-secret", classified.Level.ID)

	resp = do(t, ts, http.MethodPost, "/redact", `{"text":"card 4532-1234-5678-9010","mask":true}`)
	var redacted struct {
		Text       string `json:"text"`
		Redactions int    `json:"redactions"`
	}
	decodeBody(t, resp, &redacted)
	assert.Equal(t, "card XXXX-XXXX-XXXX-9010", redacted.Text)
	assert.Equal(t, 1, redacted.Redactions)
}

func TestSettingsEndpoints(t *testing.T) {
	ts, _ := setupTestServer(t)

	resp := do(t, ts, http.MethodPut, "/settings", `{"phone":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/settings", "")
	var settings core.Settings
	decodeBody(t, resp, &settings)
	assert.False(t, settings.Phone)
	assert.True(t, settings.Email)
	assert.Len(t, settings.ClearanceLevels, 5)

	resp = do(t, ts, http.MethodPut, "/settings", `{"clearanceLevels":[{"id":"secret","rank":4}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIncidentEndpoints(t *testing.T) {
	ts, guard := setupTestServer(t)
	ctx := context.Background()

	id, err := guard.Incidents().Record(ctx, core.NewIncident{PageID: "5", PIITypes: []string{"email"}})
	require.NoError(t, err)

	resp := do(t, ts, http.MethodGet, "/incidents?limit=5", "")
	var incidents []core.Incident
	decodeBody(t, resp, &incidents)
	require.Len(t, incidents, 1)

	resp = do(t, ts, http.MethodGet, "/incidents?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, ts, http.MethodPatch, "/incidents/"+id, `{"status":"dismissed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var inc core.Incident
	decodeBody(t, resp, &inc)
	assert.Equal(t, core.StatusDismissed, inc.Status)
	assert.True(t, inc.Remediated)

	resp = do(t, ts, http.MethodPatch, "/incidents/"+id, `{"status":"Quarantined"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, ts, http.MethodPatch, "/incidents/pii-incident-missing", `{"status":"Resolved"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, ts, http.MethodPatch, "/incidents/"+id, `{"status":"closed"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/incidents/stats", "")
	var counts map[string]int
	decodeBody(t, resp, &counts)
	assert.Equal(t, 1, counts["Dismissed"])
	assert.Equal(t, 0, counts["Active"])

	resp = do(t, ts, http.MethodDelete, "/incidents/"+id, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, guard.Incidents().List(ctx, 10))

	resp = do(t, ts, http.MethodDelete, "/incidents/settings", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// outageStore fails every call while down is set
type outageStore struct {
	kv.Store
	down atomic.Bool
}

var errOutage = errors.New("store unavailable")

func (s *outageStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.down.Load() {
		return nil, errOutage
	}
	return s.Store.Get(ctx, key)
}

func (s *outageStore) Delete(ctx context.Context, key string) error {
	if s.down.Load() {
		return errOutage
	}
	return s.Store.Delete(ctx, key)
}

func (s *outageStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	if s.down.Load() {
		return false, errOutage
	}
	return s.Store.CompareAndSwap(ctx, key, prev, next)
}

func TestIncidentEndpointsStoreOutage(t *testing.T) {
	store := &outageStore{Store: kv.NewMemory()}
	guard := piiguard.New(piiguard.Config{Store: store})
	ts := httptest.NewServer(New(guard, nil).Routes())
	t.Cleanup(ts.Close)

	id, err := guard.Incidents().Record(context.Background(), core.NewIncident{PageID: "9"})
	require.NoError(t, err)

	store.down.Store(true)
	resp := do(t, ts, http.MethodPatch, "/incidents/"+id, `{"status":"Resolved"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = do(t, ts, http.MethodDelete, "/incidents/"+id, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	store.down.Store(false)
	inc, found := guard.Incidents().Get(context.Background(), id)
	require.True(t, found)
	assert.Equal(t, core.StatusActive, inc.Status)
}

func TestTokenizeEndpoints(t *testing.T) {
	ts, _ := setupTestServer(t)

	resp := do(t, ts, http.MethodPost, "/tokenize", `{"text":"SSN 123-45-6789"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tokenized tokenizeResponse
	decodeBody(t, resp, &tokenized)
	assert.Equal(t, 1, tokenized.Tokens)
	assert.NotContains(t, tokenized.Text, "123-45-6789")
	assert.Contains(t, tokenized.Text, "@@token_")

	body, err := json.Marshal(map[string]string{"text": tokenized.Text})
	require.NoError(t, err)
	resp = do(t, ts, http.MethodPost, "/detokenize", string(body))
	var restored map[string]string
	decodeBody(t, resp, &restored)
	assert.Equal(t, "SSN 123-45-6789", restored["text"])

	token := strings.TrimPrefix(tokenized.Text, "SSN ")
	resp = do(t, ts, http.MethodDelete, "/tokens/"+token, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, ts, http.MethodDelete, "/tokens/"+token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, ts, http.MethodDelete, "/tokens/not-a-token", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/tokens/purge", "")
	var purged map[string]int
	decodeBody(t, resp, &purged)
	assert.Equal(t, 0, purged["purged"])
}
