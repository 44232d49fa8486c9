package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimplePacerEnforcesMinimumGap(t *testing.T) {
	p := NewSimplePacer(30*time.Millisecond, 30*time.Millisecond)

	require.NoError(t, p.Wait(context.Background()))
	start := time.Now()
	require.NoError(t, p.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestSimplePacerHonorsCancel(t *testing.T) {
	p := NewSimplePacer(time.Minute, time.Minute)
	require.NoError(t, p.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)
}

func TestAdaptivePacerBacksOffAfterErrors(t *testing.T) {
	a := NewAdaptivePacer(time.Second, 2*time.Second)

	for i := 0; i < 3; i++ {
		a.RecordError()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, 1500*time.Millisecond, a.minDelay)
	assert.Equal(t, 3*time.Second, a.maxDelay)
}

func TestAdaptivePacerRecoversAfterSuccesses(t *testing.T) {
	a := NewAdaptivePacer(10*time.Second, 20*time.Second)

	for i := 0; i < 6; i++ {
		a.RecordSuccess()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, 9*time.Second, a.minDelay)
}

func TestBackoffHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Backoff(ctx, 1, time.Minute), context.Canceled)
}
