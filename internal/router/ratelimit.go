// Package router normalises, deduplicates and routes order flow: live
// intents to the broker, analyze intents to the sandbox engine, all of it
// behind a global rate limit and exchange freeze-quantity splitting.
package router

import (
	"context"
	"sync"
	"time"

	"algobridge/pkg/types"
)

// Limiter is a token bucket with continuous refill. One bucket guards all
// broker-bound requests so a burst of webhook signals cannot trip the
// broker's own limits.
type Limiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	queueTimeout time.Duration
}

// NewLimiter creates a bucket that refills at ratePerSecond up to burst.
// A caller that cannot acquire a token within queueTimeout is rejected.
func NewLimiter(ratePerSecond, burst float64, queueTimeout time.Duration) *Limiter {
	return &Limiter{
		tokens:       burst,
		maxTokens:    burst,
		refillRate:   ratePerSecond,
		lastRefill:   time.Now(),
		queueTimeout: queueTimeout,
	}
}

func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens += elapsed * l.refillRate
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
	l.lastRefill = now
}

// tryAcquire takes one token if available, else returns the wait until the
// next token materialises.
func (l *Limiter) tryAcquire() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(time.Now())
	if l.tokens >= 1 {
		l.tokens--
		return true, 0
	}
	need := (1 - l.tokens) / l.refillRate
	return false, time.Duration(need * float64(time.Second))
}

// Wait blocks until a token is available, the queue timeout elapses, or ctx
// is cancelled. Timeout surfaces as RATE_LIMITED so callers can retry.
func (l *Limiter) Wait(ctx context.Context) error {
	deadline := time.Now().Add(l.queueTimeout)
	for {
		ok, wait := l.tryAcquire()
		if ok {
			return nil
		}
		if time.Now().Add(wait).After(deadline) {
			return types.NewAPIError(types.ErrRateLimited, "order rate limit exceeded")
		}
		select {
		case <-ctx.Done():
			return types.NewAPIErrorf(types.ErrRateLimited, "cancelled while queued: %v", ctx.Err())
		case <-time.After(wait):
		}
	}
}
