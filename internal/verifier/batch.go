package verifier

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/domain/medication"
	"github.com/drfirst/go-rxverify/internal/normalize"
	"github.com/drfirst/go-rxverify/pkg/workerpool"
)

// VerifyBatch verifies every line with at most Concurrency() calls in flight.
// The output has the input order; every line carries a fresh verdict and
// HumanConfirmed=false.
func (v *Verifier) VerifyBatch(ctx context.Context, meds []medication.Medicine, imageBase64 string) []medication.Medicine {
	out := make([]medication.Medicine, len(meds))
	if len(meds) == 0 {
		return out
	}
	if v.metrics != nil {
		v.metrics.BatchSize.Observe(float64(len(meds)))
	}

	workers := v.concurrency
	if workers > len(meds) {
		workers = len(meds)
	}

	pool, err := workerpool.New(workerpool.Config{
		Workers:   workers,
		QueueSize: len(meds),
	}, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		if v.metrics != nil {
			v.metrics.BatchInFlight.Inc()
			defer v.metrics.BatchInFlight.Dec()
		}
		med := task.Payload.(medication.Medicine)
		return &workerpool.Result{Success: true, Data: v.Verify(ctx, med, imageBase64)}
	}, v.logger)
	if err != nil {
		// Unreachable with a non-nil worker func; verify sequentially regardless.
		v.logger.Error("create batch pool", zap.Error(err))
		for i, med := range meds {
			out[i] = med.WithVerification(v.Verify(ctx, med, imageBase64))
		}
		return out
	}

	pool.Start()
	done := make([]bool, len(meds))
	for i, med := range meds {
		task := &workerpool.Task{ID: strconv.Itoa(i), Index: i, Payload: med, Context: ctx}
		if err := pool.Submit(task); err != nil {
			v.logger.Warn("submit batch item", zap.Int("index", i), zap.Error(err))
		}
	}
	pool.Wait()

	for res := range pool.Results() {
		i := res.Index
		if i < 0 || i >= len(meds) {
			continue
		}
		verdict, ok := res.Data.(medication.VerificationResult)
		if !res.Success || !ok {
			verdict = v.unverified(meds[i])
		}
		out[i] = meds[i].WithVerification(verdict)
		done[i] = true
	}

	for i, ok := range done {
		if !ok {
			out[i] = meds[i].WithVerification(v.unverified(meds[i]))
		}
	}
	return out
}

// unverified is the verdict for a line the pool could not run, for example
// when the batch context was cancelled before the line started.
func (v *Verifier) unverified(med medication.Medicine) medication.VerificationResult {
	res := medication.NewResult(normalize.Normalize(med.Name, normalize.Strict), v.now())
	res.AddIssue(IssueReferenceOffline)
	return res
}
