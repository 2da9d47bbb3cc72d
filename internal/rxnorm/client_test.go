package rxnorm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxverify/internal/observability/metrics"
	"github.com/drfirst/go-rxverify/pkg/circuitbreaker"
	"github.com/drfirst/go-rxverify/pkg/retry"
)

type harness struct {
	client  *Client
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	hits    *atomic.Int32
}

func newHarness(t *testing.T, handler http.HandlerFunc) harness {
	t.Helper()
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	cb, err := circuitbreaker.New(circuitbreaker.DefaultConfig("rxnorm-test"), nil)
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry())

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL + "/REST"
	cfg.RequestsPerSecond = 0
	cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxJitter: time.Millisecond}

	c, err := New(cfg, cb, m, nil)
	require.NoError(t, err)
	return harness{client: c, breaker: cb, metrics: m, hits: hits}
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	})

	out := h.client.Fetch(context.Background(), "approximateTerm.json", nil)
	assert.Equal(t, OutcomeData, out.Kind)
	assert.Equal(t, int32(3), h.hits.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ReferenceRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ReferenceRequests.WithLabelValues("approximateTerm", "data")))
}

func TestFetchRetries429(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	out := h.client.Fetch(context.Background(), "approximateTerm.json", nil)
	assert.Equal(t, OutcomeTransient, out.Kind)
	assert.Equal(t, http.StatusTooManyRequests, out.Status)
	assert.Error(t, out.Err)
	assert.Equal(t, int32(3), h.hits.Load())
}

func TestFetchDoesNotRetryNotFound(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	out := h.client.Fetch(context.Background(), "rxcui/1/properties.json", nil)
	assert.Equal(t, OutcomeNotFound, out.Kind)
	assert.NoError(t, out.Err)
	assert.Equal(t, int32(1), h.hits.Load())
}

func TestFetchClientErrorIsFatalAndHealthy(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	for i := 0; i < 6; i++ {
		out := h.client.Fetch(context.Background(), "approximateTerm.json", nil)
		require.Equal(t, OutcomeFatal, out.Kind)
	}
	assert.Equal(t, int32(6), h.hits.Load())
	assert.True(t, h.breaker.IsClosed(), "4xx answers are not upstream faults")
}

func TestFetchEmptyAndNotFoundBodies(t *testing.T) {
	for name, body := range map[string]string{"empty": "", "blank": "  \n", "literal": "Not found"} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, body)
			})
			out := h.client.Fetch(context.Background(), "approximateTerm.json", nil)
			assert.Equal(t, OutcomeNotFound, out.Kind)
			assert.False(t, out.Decode(&struct{}{}))
		})
	}
}

func TestBreakerOpensAfterExhaustedRetries(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		out := h.client.Fetch(ctx, "approximateTerm.json", nil)
		require.Equal(t, OutcomeTransient, out.Kind)
	}
	require.True(t, h.breaker.IsOpen())
	before := h.hits.Load()
	assert.Equal(t, int32(15), before)

	out := h.client.Fetch(ctx, "approximateTerm.json", nil)
	assert.Equal(t, OutcomeTransient, out.Kind)
	assert.ErrorIs(t, out.Err, circuitbreaker.ErrOpen)
	assert.Equal(t, before, h.hits.Load(), "open breaker must not touch the network")
}

func TestFetchHonoursCancelledContext(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.client.Fetch(ctx, "approximateTerm.json", nil)
	assert.Equal(t, OutcomeTransient, out.Kind)
	assert.True(t, h.breaker.IsClosed())
}

func TestNewRejectsRelativeBaseURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseURL = "rxnav/REST"
	_, err := New(cfg, nil, nil, nil)
	assert.Error(t, err)
}

func TestEndpointLabel(t *testing.T) {
	assert.Equal(t, "approximateTerm", endpointLabel("approximateTerm.json"))
	assert.Equal(t, "related", endpointLabel("rxcui/197361/related.json"))
	assert.Equal(t, "list", endpointLabel("interaction/list.json?rxcuis=1"))
}

func TestOutcomeDecodeMalformed(t *testing.T) {
	out := Outcome{Kind: OutcomeData, Body: []byte(`{"approximateGroup":`)}
	var resp approximateResponse
	assert.False(t, out.Decode(&resp))
	assert.False(t, Outcome{Kind: OutcomeFatal}.Decode(&resp))
	assert.Equal(t, "not_found", OutcomeNotFound.String())
}
