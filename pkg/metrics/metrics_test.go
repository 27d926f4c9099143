package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrivateRegistriesDoNotCollide(t *testing.T) {
	a := NewForTest()
	b := NewForTest()
	a.StaleCandidates.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.StaleCandidates))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.StaleCandidates))
}

func TestObserveStorage(t *testing.T) {
	m := NewForTest()
	m.ObserveStorage("index_lookup", time.Millisecond, nil)
	m.ObserveStorage("index_lookup", time.Millisecond, errors.New("down"))
	assert.Equal(t, 2, testutil.CollectAndCount(m.StorageOpDuration))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := NewForTest()
	m.BuildsTotal.WithLabelValues("published").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `statistics_builds_total{outcome="published"} 1`)
}

func TestServeStopsOnCancel(t *testing.T) {
	m := NewForTest()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
