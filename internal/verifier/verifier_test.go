package verifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxverify/internal/cache"
	"github.com/drfirst/go-rxverify/internal/domain/medication"
	"github.com/drfirst/go-rxverify/internal/normalize"
	"github.com/drfirst/go-rxverify/internal/reread"
	"github.com/drfirst/go-rxverify/internal/telemetry"
)

type fakeRef struct {
	mu            sync.Mutex
	results       map[string][]medication.RxNormCandidate
	err           error
	strengthOK    bool
	panicOnSearch bool
	delay         time.Duration
	searches      []string
	strengthCalls int

	inFlight int64
	peak     int64
}

func newFakeRef() *fakeRef {
	return &fakeRef{results: map[string][]medication.RxNormCandidate{}, strengthOK: true}
}

func (f *fakeRef) set(term, rxcui, name string, score int) {
	f.results[term] = []medication.RxNormCandidate{{RxCUI: rxcui, Name: name, Score: score, Source: medication.SourceRxNorm}}
}

func (f *fakeRef) SearchCandidates(_ context.Context, term string) ([]medication.RxNormCandidate, error) {
	n := atomic.AddInt64(&f.inFlight, 1)
	defer atomic.AddInt64(&f.inFlight, -1)
	for {
		old := atomic.LoadInt64(&f.peak)
		if n <= old || atomic.CompareAndSwapInt64(&f.peak, old, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, term)
	if f.panicOnSearch {
		panic("decoder exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	if c, ok := f.results[term]; ok {
		return append([]medication.RxNormCandidate{}, c...), nil
	}
	return []medication.RxNormCandidate{}, nil
}

func (f *fakeRef) ValidateStrength(context.Context, string, string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strengthCalls++
	return f.strengthOK
}

func (f *fakeRef) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searches)
}

type fakeReader struct {
	text  string
	err   error
	calls int
}

func (r *fakeReader) ReReadRegion(context.Context, string, medication.BoundingBox) (string, error) {
	r.calls++
	return r.text, r.err
}

type eventLog struct {
	mu     sync.Mutex
	counts map[telemetry.Event]int
}

func (e *eventLog) Record(_ context.Context, ev telemetry.Event, _ telemetry.Payload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.counts == nil {
		e.counts = map[telemetry.Event]int{}
	}
	e.counts[ev]++
}

func (e *eventLog) count(ev telemetry.Event) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[ev]
}

type fixture struct {
	ref     *fakeRef
	reader  *fakeReader
	events  *eventLog
	backend *cache.MemoryBackend
	v       *Verifier
}

func newFixture() *fixture {
	f := &fixture{
		ref:     newFakeRef(),
		reader:  &fakeReader{},
		events:  &eventLog{},
		backend: cache.NewMemoryBackend(),
	}
	f.v = New(f.ref, cache.New(f.backend, cache.DefaultTTL, nil),
		WithTelemetry(f.events),
		WithReReader(f.reader))
	return f
}

var region = &medication.BoundingBox{120, 40, 160, 700}

func assertConsistent(t *testing.T, r medication.VerificationResult) {
	t.Helper()
	assert.NoError(t, r.Check())
}

func TestVerifyHappyPath(t *testing.T) {
	f := newFixture()
	f.ref.set("AMOXICILLIN", "197361", "Amoxicillin", 98)

	r := f.v.Verify(context.Background(), medication.Medicine{Name: "Amoxicillin", Dosage: "500mg"}, "")

	assert.Equal(t, medication.StatusDatabaseMatch, r.Status)
	assert.Equal(t, medication.ColorCyan, r.Color)
	assert.Equal(t, 98, r.ConfidenceScore)
	assert.Equal(t, "197361", r.RxCUI)
	assert.Equal(t, "Amoxicillin", r.StandardName)
	assert.Empty(t, r.Issues)
	assert.Equal(t, 1, f.ref.strengthCalls)
	assertConsistent(t, r)

	assert.Equal(t, 1, f.events.count(telemetry.EventVerificationStart))
	assert.Equal(t, 1, f.events.count(telemetry.EventCacheMiss))
	assert.Equal(t, 1, f.events.count(telemetry.EventVerificationComplete))
}

func TestVerifyStrengthMismatch(t *testing.T) {
	f := newFixture()
	f.ref.set("AMOXICILLIN", "197361", "Amoxicillin", 98)
	f.ref.strengthOK = false

	r := f.v.Verify(context.Background(), medication.Medicine{Name: "Amoxicillin", Dosage: "500mg"}, "")

	assert.Equal(t, medication.StatusInvalidStrength, r.Status)
	assert.Equal(t, medication.ColorRose, r.Color)
	assert.Contains(t, r.Issues, IssueStrengthFailed)
	assert.Equal(t, 1, f.events.count(telemetry.EventStrengthFail))
	assertConsistent(t, r)
}

func TestVerifySkipsStrengthWithoutDosage(t *testing.T) {
	for _, dosage := range []string{"", "N/A", "n/a"} {
		f := newFixture()
		f.ref.set("AMOXICILLIN", "197361", "Amoxicillin", 98)
		f.ref.strengthOK = false

		r := f.v.Verify(context.Background(), medication.Medicine{Name: "Amoxicillin", Dosage: dosage}, "")
		assert.Equal(t, medication.StatusDatabaseMatch, r.Status, dosage)
		assert.Zero(t, f.ref.strengthCalls, dosage)
	}
}

func TestVerifyRelaxedFallback(t *testing.T) {
	name := "Metformin Hydrochloride Tablets IP"
	strict := normalize.Normalize(name, normalize.Strict)
	relaxed := normalize.Normalize(name, normalize.Relaxed)
	require.NotEqual(t, strict, relaxed)

	f := newFixture()
	f.ref.set(strict, "1", "metformin hydrochloride / glipizide", 40)
	f.ref.set(relaxed, "6809", "metformin", 90)

	r := f.v.Verify(context.Background(), medication.Medicine{Name: name}, "")

	assert.Equal(t, medication.StatusTentativeMatch, r.Status)
	assert.Equal(t, medication.ColorAmber, r.Color)
	assert.Equal(t, 90, r.ConfidenceScore)
	assert.Equal(t, relaxed, r.NormalizedName)
	assert.Equal(t, []string{IssueNoiseFiltered, IssueSpellingVariant}, r.Issues)
	assert.Equal(t, 1, f.events.count(telemetry.EventFallbackRetry))
	assertConsistent(t, r)

	_, ok, err := f.backend.Load(context.Background(), relaxed)
	require.NoError(t, err)
	assert.True(t, ok, "result is cached under the final key")
}

func TestVerifyRelaxedNotAdoptedWhenWorse(t *testing.T) {
	name := "Metformin Hydrochloride Tablets IP"
	f := newFixture()
	f.ref.set(normalize.Normalize(name, normalize.Strict), "6809", "metformin", 72)
	f.ref.set(normalize.Normalize(name, normalize.Relaxed), "1", "other", 60)

	r := f.v.Verify(context.Background(), medication.Medicine{Name: name}, "")

	assert.Equal(t, 72, r.ConfidenceScore)
	assert.NotContains(t, r.Issues, IssueNoiseFiltered)
	assert.Equal(t, 2, f.ref.searchCount())
}

func TestVerifyIllegibleReRead(t *testing.T) {
	f := newFixture()
	f.reader.text = reread.Illegible

	r := f.v.Verify(context.Background(),
		medication.Medicine{Name: "Xyzzqorin", Coordinates: region}, "aW1n")

	assert.Equal(t, medication.StatusLowConfidence, r.Status)
	assert.Equal(t, medication.ColorRose, r.Color)
	assert.Contains(t, r.Issues, IssueAmbiguousInk)
	assert.NotContains(t, r.Issues, IssueNotFound)
	assert.Equal(t, 1, f.ref.searchCount(), "no search after the illegible sentinel")
	assert.Equal(t, 1, f.reader.calls)
	assert.Equal(t, 1, f.events.count(telemetry.EventReReadTrigger))
	assertConsistent(t, r)
}

func TestVerifyRefinementAdopted(t *testing.T) {
	f := newFixture()
	f.reader.text = "Furosemide"
	f.ref.set("FUROSEMIDE", "4603", "furosemide", 96)

	r := f.v.Verify(context.Background(),
		medication.Medicine{Name: "Frusmde", Coordinates: region}, "aW1n")

	assert.Equal(t, medication.StatusDatabaseMatch, r.Status)
	assert.Equal(t, "FUROSEMIDE", r.NormalizedName)
	assert.Equal(t, "Furosemide", r.RefinedName)
	assert.Equal(t, []string{IssueRefined}, r.Issues)
	assertConsistent(t, r)
}

func TestVerifyReReadSkippedOrIgnored(t *testing.T) {
	t.Run("no image", func(t *testing.T) {
		f := newFixture()
		r := f.v.Verify(context.Background(), medication.Medicine{Name: "Frusmde", Coordinates: region}, "")
		assert.Zero(t, f.reader.calls)
		assert.Equal(t, medication.StatusAITranscription, r.Status)
	})
	t.Run("no region", func(t *testing.T) {
		f := newFixture()
		f.v.Verify(context.Background(), medication.Medicine{Name: "Frusmde"}, "aW1n")
		assert.Zero(t, f.reader.calls)
	})
	t.Run("reader fails", func(t *testing.T) {
		f := newFixture()
		f.reader.err = errors.New("vision service unavailable")
		r := f.v.Verify(context.Background(), medication.Medicine{Name: "Frusmde", Coordinates: region}, "aW1n")
		assert.Equal(t, medication.StatusAITranscription, r.Status)
		assert.Equal(t, medication.ColorGray, r.Color)
		assert.Equal(t, []string{IssueNotFound}, r.Issues)
		assert.Zero(t, f.events.count(telemetry.EventAPIError))
	})
	t.Run("same text", func(t *testing.T) {
		f := newFixture()
		f.reader.text = "Frusmde"
		f.v.Verify(context.Background(), medication.Medicine{Name: "Frusmde", Coordinates: region}, "aW1n")
		assert.Equal(t, 1, f.ref.searchCount())
	})
}

func TestVerifyClassificationBands(t *testing.T) {
	tests := []struct {
		score  int
		status medication.Status
		issue  string
	}{
		{95, medication.StatusDatabaseMatch, ""},
		{94, medication.StatusTentativeMatch, IssueSpellingVariant},
		{70, medication.StatusTentativeMatch, IssueSpellingVariant},
		{69, medication.StatusLowConfidence, IssueLowConfidence},
	}
	for _, tt := range tests {
		f := newFixture()
		f.ref.set("LISINOPRIL", "29046", "lisinopril", tt.score)

		r := f.v.Verify(context.Background(), medication.Medicine{Name: "Lisinopril"}, "")
		assert.Equal(t, tt.status, r.Status, tt.score)
		assert.Equal(t, medication.ColorFor(tt.status), r.Color)
		if tt.issue != "" {
			assert.Contains(t, r.Issues, tt.issue)
		} else {
			assert.Empty(t, r.Issues)
		}
		assertConsistent(t, r)
	}
}

func TestVerifyNotFoundIsCached(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	med := medication.Medicine{Name: "Zzyzxtol"}

	first := f.v.Verify(ctx, med, "")
	assert.Equal(t, medication.StatusAITranscription, first.Status)
	assert.Equal(t, []string{IssueNotFound}, first.Issues)
	assert.Empty(t, first.Candidates)
	searches := f.ref.searchCount()

	second := f.v.Verify(ctx, med, "")
	assert.Equal(t, first, second)
	assert.Equal(t, searches, f.ref.searchCount())
	assert.Equal(t, 1, f.events.count(telemetry.EventCacheHit))
}

func TestVerifyUpstreamDown(t *testing.T) {
	f := newFixture()
	f.ref.err = errors.New("rxnorm: circuit breaker open")

	var r medication.VerificationResult
	assert.NotPanics(t, func() {
		r = f.v.Verify(context.Background(), medication.Medicine{Name: "Amoxicillin", Dosage: "500mg"}, "")
	})

	assert.Equal(t, medication.StatusAITranscription, r.Status)
	assert.Equal(t, medication.ColorGray, r.Color)
	assert.Equal(t, "AMOXICILLIN", r.NormalizedName)
	assert.Equal(t, []string{IssueReferenceOffline}, r.Issues)
	assert.Equal(t, 1, f.events.count(telemetry.EventAPIError))
	assert.Zero(t, f.backend.Len(), "degraded verdicts are not cached")
	assertConsistent(t, r)
}

func TestVerifyRecoversPanics(t *testing.T) {
	f := newFixture()
	f.ref.panicOnSearch = true

	var r medication.VerificationResult
	assert.NotPanics(t, func() {
		r = f.v.Verify(context.Background(), medication.Medicine{Name: "Amoxicillin"}, "")
	})
	assert.Equal(t, medication.StatusAITranscription, r.Status)
	assert.Equal(t, 1, f.events.count(telemetry.EventAPIError))
}

func TestVerifyEmptyName(t *testing.T) {
	f := newFixture()

	r := f.v.Verify(context.Background(), medication.Medicine{Name: "500 mg tablets"}, "")

	assert.Equal(t, medication.StatusAITranscription, r.Status)
	assert.Equal(t, "", r.NormalizedName)
	assert.Equal(t, []string{IssueEmptyName}, r.Issues)
	assert.Zero(t, f.ref.searchCount())
	assert.Zero(t, f.backend.Len())
}
