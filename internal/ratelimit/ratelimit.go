// Package ratelimit paces page visits and backs off after failures so
// workers do not hammer a vendor that is already pushing back.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Pacer delays between page visits.
type Pacer interface {
	Wait(ctx context.Context) error
	SetDelay(min, max time.Duration)
}

// SimplePacer enforces a jittered minimum gap between actions.
type SimplePacer struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	lastAction time.Time
	mu         sync.Mutex
	jitter     bool
}

func NewSimplePacer(minDelay, maxDelay time.Duration) *SimplePacer {
	return &SimplePacer{
		minDelay: minDelay,
		maxDelay: maxDelay,
		jitter:   true,
	}
}

func (p *SimplePacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(p.lastAction)
	delay := p.calculateDelay()

	if elapsed < delay {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay - elapsed):
		}
	}

	p.lastAction = time.Now()
	return nil
}

func (p *SimplePacer) SetDelay(min, max time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.minDelay = min
	p.maxDelay = max
}

func (p *SimplePacer) calculateDelay() time.Duration {
	if !p.jitter || p.minDelay >= p.maxDelay {
		return p.minDelay
	}

	delta := p.maxDelay - p.minDelay
	jitter := time.Duration(rand.Int63n(int64(delta)))
	return p.minDelay + jitter
}

// AdaptivePacer slows down after consecutive failures (navigation errors,
// rotations) and speeds back up after a run of successes.
type AdaptivePacer struct {
	*SimplePacer
	errorCount    int
	successCount  int
	maxErrorCount int
	backoffFactor float64
}

func NewAdaptivePacer(minDelay, maxDelay time.Duration) *AdaptivePacer {
	return &AdaptivePacer{
		SimplePacer:   NewSimplePacer(minDelay, maxDelay),
		maxErrorCount: 3,
		backoffFactor: 1.5,
	}
}

func (a *AdaptivePacer) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successCount++
	a.errorCount = 0

	if a.successCount > 5 {
		newMin := time.Duration(float64(a.minDelay) * 0.9)
		if newMin < time.Second {
			newMin = time.Second
		}
		a.minDelay = newMin
		a.successCount = 0
	}
}

func (a *AdaptivePacer) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errorCount++
	a.successCount = 0

	if a.errorCount >= a.maxErrorCount {
		newMin := time.Duration(float64(a.minDelay) * a.backoffFactor)
		newMax := time.Duration(float64(a.maxDelay) * a.backoffFactor)

		if newMin > 60*time.Second {
			newMin = 60 * time.Second
		}
		if newMax > 120*time.Second {
			newMax = 120 * time.Second
		}

		a.minDelay = newMin
		a.maxDelay = newMax
		a.errorCount = 0
	}
}

// Backoff sleeps before retry number attempt (1-based) of a failed
// navigation, doubling the base delay each attempt with jitter. It returns
// early when the context is cancelled.
func Backoff(ctx context.Context, attempt int, base time.Duration) error {
	if attempt < 1 {
		attempt = 1
	}
	delay := base << (attempt - 1)
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
