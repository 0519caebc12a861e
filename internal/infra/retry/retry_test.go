package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSleeper records delays without actually sleeping.
type fakeSleeper struct {
	delays []time.Duration
}

func (f *fakeSleeper) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.delays = append(f.delays, d)
	return nil
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	var calls atomic.Int32
	s := &fakeSleeper{}
	cfg := Config{MaxAttempts: 3, InitDelay: time.Second, MaxDelay: 30 * time.Second, Strategy: Exponential}

	err := doWithSleeper(context.Background(), cfg, func() error {
		if calls.Add(1) < 3 {
			return errors.New("temporary")
		}
		return nil
	}, s)

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.delays)
}

func TestDo_AllFailNoSleepAfterLast(t *testing.T) {
	s := &fakeSleeper{}
	sentinel := errors.New("always fail")
	cfg := Config{MaxAttempts: 3, InitDelay: time.Second, Strategy: Constant}

	err := doWithSleeper(context.Background(), cfg, func() error { return sentinel }, s)

	assert.ErrorIs(t, err, sentinel)
	assert.Len(t, s.delays, 2)
}

func TestDo_StopError(t *testing.T) {
	var calls int
	perm := errors.New("permanent")
	err := doWithSleeper(context.Background(), ReadyConfig(), func() error {
		calls++
		return Stop(perm)
	}, &fakeSleeper{})

	assert.ErrorIs(t, err, perm)
	assert.Equal(t, 1, calls)
}

func TestDo_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, ReadyConfig(), func() error {
		t.Fatal("fn should not be called when context is cancelled")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPollConfig(t *testing.T) {
	cfg := PollConfig()
	assert.Equal(t, 30*time.Second, CalcDelay(cfg, 0))
	assert.Equal(t, 30*time.Second, CalcDelay(cfg, 150))
	assert.False(t, cfg.Exhausted(198))
	assert.True(t, cfg.Exhausted(199))
}

func TestCalcDelay_CappedAndJittered(t *testing.T) {
	cfg := Config{InitDelay: time.Second, MaxDelay: 5 * time.Second, Strategy: Exponential}
	assert.Equal(t, 5*time.Second, CalcDelay(cfg, 10))

	cfg.Jitter = true
	for i := 0; i < 50; i++ {
		d := CalcDelay(cfg, 1)
		assert.GreaterOrEqual(t, d, 1500*time.Millisecond)
		assert.LessOrEqual(t, d, 2500*time.Millisecond)
	}
}

func TestBackoffConfig(t *testing.T) {
	cfg := BackoffConfig()
	for i := 0; i < 50; i++ {
		first := CalcDelay(cfg, 0)
		assert.GreaterOrEqual(t, first, 3750*time.Millisecond)
		assert.LessOrEqual(t, first, 6250*time.Millisecond)

		capped := CalcDelay(cfg, 8)
		assert.GreaterOrEqual(t, capped, 22500*time.Millisecond)
		assert.LessOrEqual(t, capped, 37500*time.Millisecond)
	}
}
