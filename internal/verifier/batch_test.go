package verifier

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxverify/internal/cache"
	"github.com/drfirst/go-rxverify/internal/domain/medication"
	"github.com/drfirst/go-rxverify/internal/observability/metrics"
)

func batchOf(n int) []medication.Medicine {
	meds := make([]medication.Medicine, n)
	for i := range meds {
		meds[i] = medication.Medicine{
			Name:           fmt.Sprintf("Medicine%c", 'A'+i),
			HumanConfirmed: true,
		}
	}
	return meds
}

func TestVerifyBatchBoundsConcurrency(t *testing.T) {
	ref := newFakeRef()
	ref.delay = 10 * time.Millisecond
	meds := batchOf(20)
	for _, m := range meds {
		key := strings.ToUpper(m.Name)
		ref.set(key, key, m.Name, 98)
	}

	m := metrics.New(prometheus.NewRegistry())
	v := New(ref, cache.New(nil, 0, nil), WithMetrics(m))

	out := v.VerifyBatch(context.Background(), meds, "")

	require.Len(t, out, 20)
	assert.LessOrEqual(t, atomic.LoadInt64(&ref.peak), int64(DefaultConcurrency))
	for i, med := range out {
		require.NotNil(t, med.Verification, i)
		assert.Equal(t, meds[i].Name, med.Name, "order preserved")
		assert.Equal(t, strings.ToUpper(meds[i].Name), med.Verification.NormalizedName)
		assert.Equal(t, medication.StatusDatabaseMatch, med.Verification.Status)
		assert.False(t, med.HumanConfirmed)
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BatchInFlight))
	assert.Equal(t, 20, ref.searchCount())
}

func TestVerifyBatchCustomConcurrency(t *testing.T) {
	ref := newFakeRef()
	ref.delay = 5 * time.Millisecond
	v := New(ref, nil, WithConcurrency(2))

	out := v.VerifyBatch(context.Background(), batchOf(8), "")

	require.Len(t, out, 8)
	assert.LessOrEqual(t, atomic.LoadInt64(&ref.peak), int64(2))
	for _, med := range out {
		assert.Equal(t, medication.StatusAITranscription, med.Verification.Status)
	}
}

func TestVerifyBatchIsolatesFailures(t *testing.T) {
	ref := newFakeRef()
	ref.set("MEDICINEA", "1", "a", 98)
	meds := []medication.Medicine{{Name: "MedicineA"}, {Name: "???"}, {Name: "MedicineA"}}

	out := New(ref, nil).VerifyBatch(context.Background(), meds, "")

	require.Len(t, out, 3)
	assert.Equal(t, medication.StatusDatabaseMatch, out[0].Verification.Status)
	assert.Equal(t, []string{IssueEmptyName}, out[1].Verification.Issues)
	assert.Equal(t, medication.StatusDatabaseMatch, out[2].Verification.Status)
}

func TestVerifyBatchEmpty(t *testing.T) {
	out := New(newFakeRef(), nil).VerifyBatch(context.Background(), nil, "")
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestVerifyBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := New(newFakeRef(), nil).VerifyBatch(ctx, batchOf(3), "")

	require.Len(t, out, 3)
	for _, med := range out {
		require.NotNil(t, med.Verification)
		assert.Equal(t, medication.StatusAITranscription, med.Verification.Status)
		assert.Contains(t, med.Verification.Issues, IssueReferenceOffline)
	}
}
