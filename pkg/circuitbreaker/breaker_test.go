package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream unavailable")

func fail() (interface{}, error) { return nil, errUpstream }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb, err := New(DefaultConfig("rxnorm"), nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := cb.Execute(ctx, fail)
		require.ErrorIs(t, err, errUpstream)
	}
	assert.True(t, cb.IsClosed())

	_, err = cb.Execute(ctx, fail)
	require.ErrorIs(t, err, errUpstream)
	assert.True(t, cb.IsOpen())

	called := false
	_, err = cb.Execute(ctx, func() (interface{}, error) {
		called = true
		return "ok", nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open breaker must not invoke the call")
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	cb, err := New(DefaultConfig("rxnorm"), nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = cb.Execute(ctx, fail)
	}
	_, err = cb.Execute(ctx, func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, _ = cb.Execute(ctx, fail)
	}
	assert.True(t, cb.IsClosed())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	cfg := DefaultConfig("rxnorm")
	cfg.Timeout = 20 * time.Millisecond
	cfg.OnStateChange = func(name string, from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}
	cb, err := New(cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(ctx, fail)
	}
	require.True(t, cb.IsOpen())

	time.Sleep(40 * time.Millisecond)

	got, err := cb.Execute(ctx, func() (interface{}, error) { return "recovered", nil })
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)
	assert.True(t, cb.IsClosed())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	cfg := DefaultConfig("rxnorm")
	cfg.Timeout = 20 * time.Millisecond
	cb, err := New(cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(ctx, fail)
	}
	time.Sleep(40 * time.Millisecond)

	_, err = cb.Execute(ctx, fail)
	require.ErrorIs(t, err, errUpstream)
	assert.True(t, cb.IsOpen())
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	cb, err := New(DefaultConfig("rxnorm"), nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := cb.Execute(context.Background(), func() (interface{}, error) {
			return nil, context.Canceled
		})
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.True(t, cb.IsClosed())
}

func TestManagerHealthStatus(t *testing.T) {
	m := NewManager(nil)
	a, err := m.GetOrCreate("rxnorm", DefaultConfig(""))
	require.NoError(t, err)
	b, err := m.GetOrCreate("rxnorm", DefaultConfig(""))
	require.NoError(t, err)
	assert.Same(t, a, b)

	for i := 0; i < 5; i++ {
		_, _ = a.Execute(context.Background(), fail)
	}

	statuses := m.GetHealthStatus()
	require.Len(t, statuses, 1)
	assert.Equal(t, "rxnorm", statuses[0].Name)
	assert.Equal(t, StateOpen, statuses[0].State)
	assert.False(t, statuses[0].Healthy)

	_, ok := m.Get("missing")
	assert.False(t, ok)
}
