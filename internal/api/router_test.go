package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxverify/internal/api/handlers"
	"github.com/drfirst/go-rxverify/internal/domain/medication"
	"github.com/drfirst/go-rxverify/internal/observability/metrics"
	"github.com/drfirst/go-rxverify/pkg/circuitbreaker"
)

type stubVerifier struct {
	calls int
}

func (s *stubVerifier) Verify(_ context.Context, med medication.Medicine, _ string) medication.VerificationResult {
	s.calls++
	r := medication.NewResult(strings.ToUpper(med.Name), time.Now())
	r.SetCandidates([]medication.RxNormCandidate{{RxCUI: "1", Name: med.Name, Score: 97, Source: medication.SourceRxNorm}})
	r.SetStatus(medication.StatusDatabaseMatch)
	return r
}

func (s *stubVerifier) VerifyBatch(ctx context.Context, meds []medication.Medicine, image string) []medication.Medicine {
	out := make([]medication.Medicine, len(meds))
	for i, m := range meds {
		res := medication.NewResult(m.Name, time.Now())
		if i%2 == 0 {
			res = s.Verify(ctx, m, image)
		}
		out[i] = m.WithVerification(res)
	}
	return out
}

type stubInteractions struct{}

func (stubInteractions) GetInteractions(_ context.Context, ids []string) []medication.Interaction {
	if len(ids) < 2 {
		return nil
	}
	return []medication.Interaction{{
		Drugs:       [2]string{"warfarin", "aspirin"},
		RxCUIs:      [2]string{ids[0], ids[1]},
		Severity:    "high",
		Description: "Increased bleeding risk.",
	}}
}

func newTestRouter(t *testing.T, keys []string, checks map[string]handlers.Check) (http.Handler, *stubVerifier, *circuitbreaker.Manager) {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.New(reg)
	mgr := circuitbreaker.NewManager(nil)
	_, err := mgr.GetOrCreate("rxnorm", circuitbreaker.DefaultConfig("rxnorm"))
	require.NoError(t, err)

	v := &stubVerifier{}
	return NewRouter(Deps{
		Verifier:     v,
		Interactions: stubInteractions{},
		Breakers:     mgr,
		ReadyChecks:  checks,
		Gatherer:     reg,
		APIKeys:      keys,
		Version:      "test",
	}), v, mgr
}

func do(t *testing.T, h http.Handler, method, target string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestVerifyEndpoint(t *testing.T) {
	h, v, _ := newTestRouter(t, nil, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/verifications", map[string]interface{}{
		"medicine": map[string]interface{}{"name": "Amoxicillin", "dosage": "500mg", "humanConfirmed": true},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp handlers.VerifyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Medicine.Verification)
	assert.Equal(t, medication.StatusDatabaseMatch, resp.Medicine.Verification.Status)
	assert.Equal(t, medication.ColorCyan, resp.Medicine.Verification.Color)
	assert.False(t, resp.Medicine.HumanConfirmed)
	assert.Equal(t, 1, v.calls)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestVerifyEndpointRejectsBadInput(t *testing.T) {
	h, v, _ := newTestRouter(t, nil, nil)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/verifications", "{not json", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/verifications", map[string]string{}, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/verifications",
		map[string]interface{}{"medicine": map[string]string{"name": "x"}, "patient": "nope"}, nil).Code)
	assert.Zero(t, v.calls)
}

func TestBatchEndpoint(t *testing.T) {
	h, _, _ := newTestRouter(t, nil, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/verifications/batch", handlers.BatchRequest{
		Medicines: []medication.Medicine{{Name: "Amoxicillin"}, {Name: "Unknownium"}, {Name: "Lisinopril"}},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp handlers.BatchResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Medicines, 3)
	assert.Equal(t, "Unknownium", resp.Medicines[1].Name)
	assert.Equal(t, 1, resp.NeedsReview)
}

func TestBatchEndpointLimits(t *testing.T) {
	h, _, _ := newTestRouter(t, nil, nil)

	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPost, "/api/v1/verifications/batch", handlers.BatchRequest{}, nil).Code)

	big := handlers.BatchRequest{Medicines: make([]medication.Medicine, handlers.MaxBatchSize+1)}
	assert.Equal(t, http.StatusRequestEntityTooLarge,
		do(t, h, http.MethodPost, "/api/v1/verifications/batch", big, nil).Code)
}

func TestInteractionsEndpoint(t *testing.T) {
	h, _, _ := newTestRouter(t, nil, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/interactions", handlers.InteractionsRequest{RxCUIs: []string{"11289", "1191"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp handlers.InteractionsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Interactions, 1)
	assert.Equal(t, "high", resp.Interactions[0].Severity)

	rec = do(t, h, http.MethodPost, "/api/v1/interactions", handlers.InteractionsRequest{RxCUIs: []string{"11289"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"interactions":[]}`, rec.Body.String())
}

func TestNormalizeEndpoint(t *testing.T) {
	h, _, _ := newTestRouter(t, nil, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/normalize?name=Sertraline+HCl+50mg&level=relaxed", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp handlers.NormalizeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "SERTRALINE", resp.Normalized)
	assert.Equal(t, "relaxed", string(resp.Level))
	assert.True(t, resp.CanVerify)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/normalize", nil, nil).Code)
}

func TestAPIKeyAuth(t *testing.T) {
	h, _, _ := newTestRouter(t, []string{"secret-key"}, nil)
	target := "/api/v1/normalize?name=aspirin"

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, target, nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, target, nil, map[string]string{"X-API-Key": "wrong"}).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, target, nil, map[string]string{"X-API-Key": "secret-key"}).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, target, nil, map[string]string{"Authorization": "Bearer secret-key"}).Code)

	// health stays open
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil, nil).Code)
}

func TestHealthReportsBreakers(t *testing.T) {
	h, _, mgr := newTestRouter(t, nil, nil)

	rec := do(t, h, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp handlers.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	require.Len(t, resp.Breakers, 1)
	assert.Equal(t, "rxnorm", resp.Breakers[0].Name)

	cb, ok := mgr.Get("rxnorm")
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(context.Background(), func() (interface{}, error) { return nil, errors.New("down") })
	}

	rec = do(t, h, http.MethodGet, "/health", nil, nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
}

func TestReady(t *testing.T) {
	h, _, _ := newTestRouter(t, nil, map[string]handlers.Check{
		"cache": func(context.Context) error { return nil },
	})
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/ready", nil, nil).Code)

	h, _, _ = newTestRouter(t, nil, map[string]handlers.Check{
		"cache": func(context.Context) error { return errors.New("connection refused") },
	})
	rec := do(t, h, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, _ := newTestRouter(t, nil, nil)
	rec := do(t, h, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rxverify_")
}
