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

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	var calls int32
	v, err := Do(context.Background(), Options{MaxRetries: 3, Delay: time.Millisecond}, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(1), calls)
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	var calls int32
	v, err := Do(context.Background(), Options{MaxRetries: 5, Delay: time.Millisecond}, func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(3), calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	var calls int32
	_, err := Do(context.Background(), Options{MaxRetries: 2, Delay: time.Millisecond}, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), calls, "expected MaxRetries+1 attempts")
}

func TestDo_CancelledBeforeAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	_, err := Do(ctx, Options{MaxRetries: 3, Delay: time.Millisecond}, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errors.New("should not run")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, int32(0), calls)
}

func TestDo_CancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, Options{MaxRetries: 3, Delay: time.Minute}, func(ctx context.Context) (int, error) {
			atomic.AddInt32(&calls, 1)
			return 0, errors.New("transient")
		})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
		assert.Equal(t, int32(1), calls, "cancel during delay must stop further attempts")
	case <-time.After(5 * time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
}

func TestOptions_DelayFor(t *testing.T) {
	constant := Options{Delay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, constant.delayFor(0))
	assert.Equal(t, 5*time.Second, constant.delayFor(4))

	exp := Options{Delay: time.Second, Exponential: true, MaxDelay: 10 * time.Second}
	assert.Equal(t, time.Second, exp.delayFor(0))
	assert.Equal(t, 2*time.Second, exp.delayFor(1))
	assert.Equal(t, 4*time.Second, exp.delayFor(2))
	assert.Equal(t, 8*time.Second, exp.delayFor(3))
	assert.Equal(t, 10*time.Second, exp.delayFor(4), "growth is capped at MaxDelay")
	assert.Equal(t, 10*time.Second, exp.delayFor(10))
}
