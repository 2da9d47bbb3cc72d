// Package verifier decides how far a transcribed medication line can be
// trusted by matching it against the RxNorm reference database.
//
// Verify never returns an error. Every fault degrades to the gray
// ai_transcription verdict with an explanatory issue so a human reviewer
// always has something to act on.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/cache"
	"github.com/drfirst/go-rxverify/internal/domain/medication"
	"github.com/drfirst/go-rxverify/internal/normalize"
	"github.com/drfirst/go-rxverify/internal/observability/metrics"
	"github.com/drfirst/go-rxverify/internal/reread"
	"github.com/drfirst/go-rxverify/internal/telemetry"
)

// Score thresholds
const (
	// HighConfidence is the lowest score classified as a database match
	HighConfidence = 95
	// RelaxedBelow triggers the relaxed-normalization search
	RelaxedBelow = 75
	// ReReadBelow triggers the optical re-read
	ReReadBelow = 70
	// Tentative is the lowest score classified as a tentative match
	Tentative = 70

	// minRelaxedLength is the longest strict key that skips the relaxed search
	minRelaxedLength = 3
)

// Issue annotations attached to results
const (
	IssueNoiseFiltered    = "Clinical noise filtering applied."
	IssueRefined          = "AI Refinement pass performed."
	IssueAmbiguousInk     = "Ambiguous ink detected by optical re-read. Verify against original prescription."
	IssueNotFound         = "Drug not found in RxNorm database."
	IssueStrengthFailed   = "Strength verification failed against RxNorm SCDF."
	IssueSpellingVariant  = "Spelling variant detected. Verify against original ink."
	IssueLowConfidence    = "Match confidence below clinical threshold."
	IssueEmptyName        = "No medication name to verify."
	IssueReferenceOffline = "RxNorm lookup unavailable. Manual verification required."
)

// ReferenceClient is the part of the RxNorm client the verifier needs
type ReferenceClient interface {
	SearchCandidates(ctx context.Context, term string) ([]medication.RxNormCandidate, error)
	ValidateStrength(ctx context.Context, rxcui, dosage string) bool
}

// ResultCache stores verdicts by normalized name. *cache.Cache satisfies it.
type ResultCache interface {
	Get(ctx context.Context, key string) (medication.VerificationResult, bool)
	Put(ctx context.Context, key string, result medication.VerificationResult)
}

// Verifier runs the verification state machine
type Verifier struct {
	ref         ReferenceClient
	cache       ResultCache
	sink        telemetry.Sink
	reader      reread.Reader
	metrics     *metrics.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
	concurrency int
}

// Option configures a Verifier
type Option func(*Verifier)

// WithTelemetry sets the event sink (default telemetry.Nop)
func WithTelemetry(s telemetry.Sink) Option {
	return func(v *Verifier) { v.sink = s }
}

// WithReReader enables optical escalation
func WithReReader(r reread.Reader) Option {
	return func(v *Verifier) { v.reader = r }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// WithMetrics records batch gauges
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// WithConcurrency bounds in-flight verifications per batch (default 5)
func WithConcurrency(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.concurrency = n
		}
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// DefaultConcurrency is the batch in-flight bound
const DefaultConcurrency = 5

// New creates a verifier. A nil cache gets a process-local memory cache.
func New(ref ReferenceClient, c ResultCache, opts ...Option) *Verifier {
	v := &Verifier{
		ref:         ref,
		cache:       c,
		sink:        telemetry.Nop{},
		logger:      zap.NewNop(),
		now:         time.Now,
		concurrency: DefaultConcurrency,
		tracer:      otel.Tracer("verifier"),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.sink == nil {
		v.sink = telemetry.Nop{}
	}
	if v.logger == nil {
		v.logger = zap.NewNop()
	}
	if v.cache == nil {
		v.cache = cache.New(nil, cache.DefaultTTL, v.logger)
	}
	return v
}

// Concurrency returns the batch in-flight bound
func (v *Verifier) Concurrency() int { return v.concurrency }

// errUpstream marks a reference fault that aborts the run
var errUpstream = errors.New("reference lookup failed")

// run holds the working state of one Verify call
type run struct {
	id          string
	start       time.Time
	med         medication.Medicine
	image       string
	key         string
	displayName string
	candidates  []medication.RxNormCandidate
	result      medication.VerificationResult
	illegible   bool
}

func (r *run) top() int {
	if len(r.candidates) == 0 {
		return 0
	}
	return r.candidates[0].Score
}

// adopt replaces the working candidate set when the new one is non-empty and
// scores higher than the current best.
func (r *run) adopt(key string, candidates []medication.RxNormCandidate) bool {
	if len(candidates) == 0 {
		return false
	}
	if len(r.candidates) > 0 && candidates[0].Score <= r.top() {
		return false
	}
	r.key = key
	r.candidates = candidates
	return true
}

// Verify classifies one medication line. imageBase64 may be empty, in which
// case optical escalation is skipped.
func (v *Verifier) Verify(ctx context.Context, med medication.Medicine, imageBase64 string) (result medication.VerificationResult) {
	r := &run{
		id:          uuid.NewString(),
		start:       v.now(),
		med:         med,
		image:       imageBase64,
		displayName: med.Name,
	}
	r.key = normalize.Normalize(med.Name, normalize.Strict)
	fallback := medication.NewResult(r.key, r.start)
	r.result = fallback.Clone()

	ctx, span := v.tracer.Start(ctx, "verifier.verify",
		trace.WithAttributes(attribute.String("verification.id", r.id)))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			v.logger.Error("verification panicked",
				zap.String("verification_id", r.id),
				zap.Any("panic", p))
			result = v.degrade(ctx, r, fallback, fmt.Errorf("panic: %v", p))
			span.SetStatus(codes.Error, "panic")
		}
		span.SetAttributes(
			attribute.String("status", string(result.Status)),
			attribute.Int("score", result.ConfidenceScore))
	}()

	v.emit(ctx, telemetry.EventVerificationStart, telemetry.Payload{"verificationId": r.id})

	if r.key == "" {
		r.result.AddIssue(IssueEmptyName)
		v.complete(ctx, r)
		return r.result
	}

	if cached, ok := v.cache.Get(ctx, r.key); ok {
		v.emit(ctx, telemetry.EventCacheHit, telemetry.Payload{
			"verificationId": r.id,
			"status":         string(cached.Status),
		})
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached
	}
	v.emit(ctx, telemetry.EventCacheMiss, telemetry.Payload{"verificationId": r.id})

	if err := v.resolve(ctx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reference lookup failed")
		return v.degrade(ctx, r, fallback, err)
	}

	v.classify(ctx, r)
	r.result.NormalizedName = r.key

	v.cache.Put(ctx, r.key, r.result)
	v.complete(ctx, r)
	return r.result.Clone()
}

// resolve runs the strict search, the relaxed fallback and optical escalation.
func (v *Verifier) resolve(ctx context.Context, r *run) error {
	candidates, err := v.ref.SearchCandidates(ctx, r.key)
	if err != nil {
		return fmt.Errorf("%w: strict search: %v", errUpstream, err)
	}
	r.candidates = candidates

	if (len(r.candidates) == 0 || r.top() < RelaxedBelow) && len(r.key) > minRelaxedLength {
		relaxed := normalize.Normalize(r.med.Name, normalize.Relaxed)
		if relaxed != r.key && relaxed != "" {
			v.emit(ctx, telemetry.EventFallbackRetry, telemetry.Payload{
				"verificationId": r.id,
				"score":          r.top(),
			})
			found, err := v.ref.SearchCandidates(ctx, relaxed)
			if err != nil {
				return fmt.Errorf("%w: relaxed search: %v", errUpstream, err)
			}
			if r.adopt(relaxed, found) {
				r.result.AddIssue(IssueNoiseFiltered)
			}
		}
	}

	if len(r.candidates) == 0 || r.top() < ReReadBelow {
		return v.escalate(ctx, r)
	}
	return nil
}

// escalate asks the re-read service to transcribe the line's region again.
// Any re-read fault means no improvement; a search fault after a successful
// re-read still aborts.
func (v *Verifier) escalate(ctx context.Context, r *run) error {
	if v.reader == nil || r.image == "" {
		return nil
	}
	box, ok := r.med.Region()
	if !ok {
		return nil
	}

	v.emit(ctx, telemetry.EventReReadTrigger, telemetry.Payload{
		"verificationId": r.id,
		"score":          r.top(),
	})

	text, err := v.reader.ReReadRegion(ctx, r.image, box)
	if err != nil {
		v.logger.Debug("re-read gave no improvement",
			zap.String("verification_id", r.id),
			zap.Error(err))
		return nil
	}

	if reread.IsIllegible(text) {
		r.illegible = true
		r.result.SetStatus(medication.StatusLowConfidence)
		r.result.AddIssue(IssueAmbiguousInk)
		return nil
	}
	if text == "" || text == r.displayName {
		return nil
	}

	refined := normalize.Normalize(text, normalize.Strict)
	found, err := v.ref.SearchCandidates(ctx, refined)
	if err != nil {
		return fmt.Errorf("%w: refined search: %v", errUpstream, err)
	}
	if r.adopt(refined, found) {
		r.displayName = text
		r.result.RefinedName = text
		r.result.AddIssue(IssueRefined)
	}
	return nil
}

// classify maps the final candidate set to a status
func (v *Verifier) classify(ctx context.Context, r *run) {
	res := &r.result
	if len(r.candidates) == 0 {
		res.SetCandidates(nil)
		if !r.illegible {
			res.SetStatus(medication.StatusAITranscription)
			res.AddIssue(IssueNotFound)
		}
		return
	}

	res.SetCandidates(r.candidates)
	score := res.ConfidenceScore

	switch {
	case score >= HighConfidence:
		res.SetStatus(medication.StatusDatabaseMatch)
		if r.med.HasDosage() && !v.ref.ValidateStrength(ctx, res.RxCUI, r.med.Dosage) {
			res.SetStatus(medication.StatusInvalidStrength)
			res.AddIssue(IssueStrengthFailed)
			v.emit(ctx, telemetry.EventStrengthFail, telemetry.Payload{
				"verificationId": r.id,
				"score":          score,
			})
		}
	case score >= Tentative:
		res.SetStatus(medication.StatusTentativeMatch)
		res.AddIssue(IssueSpellingVariant)
	default:
		res.SetStatus(medication.StatusLowConfidence)
		res.AddIssue(IssueLowConfidence)
	}
}

// degrade returns the conservative default verdict after a fault. Degraded
// verdicts are not cached.
func (v *Verifier) degrade(ctx context.Context, r *run, fallback medication.VerificationResult, cause error) medication.VerificationResult {
	v.logger.Warn("verification degraded",
		zap.String("verification_id", r.id),
		zap.Error(cause))
	v.emit(ctx, telemetry.EventAPIError, telemetry.Payload{
		"verificationId": r.id,
		"latencyMs":      v.now().Sub(r.start).Milliseconds(),
	})

	r.result = fallback.Clone()
	r.result.AddIssue(IssueReferenceOffline)
	v.complete(ctx, r)
	return r.result
}

func (v *Verifier) complete(ctx context.Context, r *run) {
	v.emit(ctx, telemetry.EventVerificationComplete, telemetry.Payload{
		"verificationId": r.id,
		"status":         string(r.result.Status),
		"score":          r.result.ConfidenceScore,
		"latencyMs":      v.now().Sub(r.start).Milliseconds(),
	})
}

func (v *Verifier) emit(ctx context.Context, event telemetry.Event, payload telemetry.Payload) {
	telemetry.Safe(ctx, v.logger, v.sink, event, payload)
}
