package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/matcher"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/storage/memory"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/config"
)

const corpus = `{"unique_id":"1","surname":"Smith","city":"Leeds"}
{"unique_id":"2","surname":"Smith","city":"York"}
{"unique_id":"3","surname":"Jones","city":"Leeds"}
`

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Driver = "memory"
	tok := tokenizer.New(tokenizer.WithFieldRule("surname", tokenizer.KindName))
	svc, err := matcher.New(cfg, memory.New(), tok)
	require.NoError(t, err)

	mux := http.NewServeMux()
	New(svc, nil, BuildDefaults{IDField: "unique_id", BatchSize: 2}).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func rebuild(t *testing.T, srv *httptest.Server) map[string]any {
	t.Helper()
	resp, out := do(t, http.MethodPost, srv.URL+"/api/v1/statistics/rebuild?workers=2", corpus)
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	return out
}

func TestRebuildAndMatch(t *testing.T) {
	srv := newServer(t)
	report := rebuild(t, srv)
	assert.EqualValues(t, 3, report["records_processed"])
	assert.EqualValues(t, 0, report["batches_failed"])
	assert.EqualValues(t, 2, report["batches_total"])

	resp, out := do(t, http.MethodPost, srv.URL+"/api/v1/matches",
		`{"fields":{"surname":"SMITH","city":"Leeds"},"limit":5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	matches := out["matches"].([]any)
	require.Len(t, matches, 3)
	first := matches[0].(map[string]any)
	assert.Equal(t, "1", first["candidate_id"])
	assert.Equal(t, "Leeds", first["fields"].(map[string]any)["city"])

	resp, out = do(t, http.MethodGet, srv.URL+"/api/v1/statistics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := out["statistics"].(map[string]any)
	assert.Equal(t, report["build_id"], st["meta"].(map[string]any)["build_id"])
	assert.Equal(t, false, out["building"])
}

func TestMatchValidation(t *testing.T) {
	srv := newServer(t)
	rebuild(t, srv)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"no fields", `{"fields":{}}`, http.StatusBadRequest},
		{"negative limit", `{"fields":{"surname":"x"},"limit":-2}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := do(t, http.MethodPost, srv.URL+"/api/v1/matches", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestRebuildRejectsBadParams(t *testing.T) {
	srv := newServer(t)
	resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/statistics/rebuild?batch_size=0", corpus)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRebuildAbortsOnMalformedInput(t *testing.T) {
	srv := newServer(t)
	body := "not json\n{\"unique_id\":\"1\",\"surname\":\"Smith\"}\n"
	resp, out := do(t, http.MethodPost, srv.URL+"/api/v1/statistics/rebuild?batch_size=1", body)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.EqualValues(t, 1, out["batches_failed"])
	assert.EqualValues(t, 2, out["batches_total"])
}

func TestExplainAndDelete(t *testing.T) {
	srv := newServer(t)
	rebuild(t, srv)

	resp, out := do(t, http.MethodPost, srv.URL+"/api/v1/matches/explain",
		`{"fields":{"surname":"Smith"},"candidate_id":"2"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["fields"], 1)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/v1/records/2", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/matches/explain",
		`{"fields":{"surname":"Smith"},"candidate_id":"2"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, out = do(t, http.MethodPost, srv.URL+"/api/v1/matches", `{"fields":{"surname":"Smith"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["matches"], 1)
	assert.EqualValues(t, 1, out["stale"])
}

func TestCacheEndpointsWhenDisabled(t *testing.T) {
	srv := newServer(t)
	resp, out := do(t, http.MethodGet, srv.URL+"/api/v1/cache/stats", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "disabled", out["status"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/cache/invalidate", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
