package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/testutil"
	"github.com/BaSui01/flowengine/types"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T, threshold int) (*Breaker, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cb := New("payments", &Config{FailureThreshold: threshold, ResetTimeout: time.Second}, zap.NewNop())
	cb.now = clock.Now
	return cb, clock
}

func fail(context.Context) error {
	return errBoom
}

func succeed(context.Context) error {
	return nil
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew_Defaults(t *testing.T) {
	tests := []struct {
		name          string
		cfg           *Config
		wantThreshold int
		wantReset     time.Duration
	}{
		{name: "nil config uses defaults", cfg: nil, wantThreshold: 5, wantReset: 30 * time.Second},
		{name: "zero values corrected", cfg: &Config{FailureThreshold: 0, ResetTimeout: -1}, wantThreshold: 5, wantReset: 30 * time.Second},
		{name: "custom values preserved", cfg: &Config{FailureThreshold: 2, ResetTimeout: time.Second}, wantThreshold: 2, wantReset: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := New("dep", tt.cfg, nil)
			assert.Equal(t, tt.wantThreshold, cb.config.FailureThreshold)
			assert.Equal(t, tt.wantReset, cb.config.ResetTimeout)
			assert.Equal(t, StateClosed, cb.State())
			assert.Equal(t, "dep", cb.Name())
		})
	}
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Call(ctx, fail), errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	var invoked atomic.Bool
	err := cb.Call(ctx, func(context.Context) error {
		invoked.Store(true)
		return nil
	})

	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "payments", openErr.Name)
	assert.Equal(t, time.Second, openErr.RetryAfter)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, types.IsErrorCode(err, types.ErrCircuitOpen))
	assert.False(t, invoked.Load(), "open circuit must not invoke the operation")
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(t, 3)
	ctx := context.Background()

	_ = cb.Call(ctx, fail)
	_ = cb.Call(ctx, fail)
	require.NoError(t, cb.Call(ctx, succeed))
	_ = cb.Call(ctx, fail)
	_ = cb.Call(ctx, fail)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 2, cb.Stats().ConsecutiveFailures)
}

func TestBreaker_HalfOpenAllowsExactlyOneTrial(t *testing.T) {
	cb, clock := newTestBreaker(t, 1)
	ctx := context.Background()

	_ = cb.Call(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Second)

	release := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Call(ctx, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	assert.Equal(t, StateHalfOpen, cb.State())
	var invoked atomic.Bool
	err := cb.Call(ctx, func(context.Context) error {
		invoked.Store(true)
		return nil
	})
	assert.True(t, IsOpenError(err), "second call during trial must be rejected")
	assert.False(t, invoked.Load())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_TrialFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(t, 1)
	ctx := context.Background()

	_ = cb.Call(ctx, fail)
	clock.Advance(time.Second)

	assert.ErrorIs(t, cb.Call(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	stats := cb.Stats()
	assert.Equal(t, clock.Now().Add(time.Second), stats.NextRetryTime)
	assert.True(t, IsOpenError(cb.Call(ctx, succeed)))
}

func TestBreaker_TrialPanicReleasesSlot(t *testing.T) {
	cb, clock := newTestBreaker(t, 1)
	ctx := context.Background()

	_ = cb.Call(ctx, fail)
	clock.Advance(time.Second)

	assert.PanicsWithValue(t, "trial bug", func() {
		_ = cb.Call(ctx, func(context.Context) error { panic("trial bug") })
	})
	assert.Equal(t, StateOpen, cb.State(), "panicking trial counts as a failure")
	assert.True(t, IsOpenError(cb.Call(ctx, succeed)))

	clock.Advance(time.Second)
	require.NoError(t, cb.Call(ctx, succeed), "next trial must not be blocked")
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_CancellationNotCounted(t *testing.T) {
	cb, _ := newTestBreaker(t, 1)

	err := cb.Call(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Stats().ConsecutiveFailures)
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	cb := New("inventory", &Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
			mu.Unlock()
		},
	}, zap.NewNop())
	clock := testutil.NewFakeClock(time.Now())
	cb.now = clock.Now

	ctx := context.Background()
	_ = cb.Call(ctx, fail)
	clock.Advance(2 * time.Second)
	require.NoError(t, cb.Call(ctx, succeed))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"inventory:Closed->Open",
		"inventory:Open->HalfOpen",
		"inventory:HalfOpen->Closed",
	}, transitions)
}

func TestBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(t, 1)
	_ = cb.Call(context.Background(), fail)
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()

	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Call(context.Background(), succeed))
}

func TestBreaker_ConcurrentCalls(t *testing.T) {
	cb := New("shared", &Config{FailureThreshold: 1000, ResetTimeout: time.Second}, zap.NewNop())

	var wg sync.WaitGroup
	var calls atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Call(context.Background(), func(context.Context) error {
				calls.Add(1)
				if i%2 == 0 {
					return errBoom
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(50), calls.Load())
	assert.Equal(t, StateClosed, cb.State())
}

func TestCallTyped(t *testing.T) {
	cb, _ := newTestBreaker(t, 3)

	val, err := CallTyped[int](cb, context.Background(), func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegistry_IsolatesBreakersByName(t *testing.T) {
	reg := NewRegistry(&Config{FailureThreshold: 1, ResetTimeout: time.Minute}, zap.NewNop())
	ctx := context.Background()

	_ = reg.Get("payments").Call(ctx, fail)

	assert.Same(t, reg.Get("payments"), reg.Get("payments"))
	assert.Equal(t, StateOpen, reg.Get("payments").State())
	assert.Equal(t, StateClosed, reg.Get("inventory").State())
	assert.Equal(t, []string{"inventory", "payments"}, reg.Names())

	stats := reg.Stats()
	assert.Equal(t, StateOpen, stats["payments"].State)

	reg.ResetAll()
	assert.Equal(t, StateClosed, reg.Get("payments").State())
}
