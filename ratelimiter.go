/************************************************************************************
 *
 * dgcore, connectivity core for a chat-platform client (gateway + REST)
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package dgcore

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	headerRetryAfter = "Retry-After"
	headerGlobal     = "X-RateLimit-Global"
	headerRemaining  = "X-RateLimit-Remaining"
	headerLimit      = "X-RateLimit-Limit"
	headerResetAfter = "X-RateLimit-Reset-After"
	headerBucket     = "X-RateLimit-Bucket"
	headerScope      = "X-RateLimit-Scope"
)

// globalGate holds, as a UnixNano timestamp, the earliest time any request
// may resume after a global rate limit. It is read far more often than it
// is written, so it is a bare atomic rather than a mutex-guarded field.
type globalGate int64

func (g *globalGate) tripUntil(t time.Time) {
	newVal := t.UnixNano()
	for {
		oldVal := atomic.LoadInt64((*int64)(g))
		if newVal <= oldVal {
			return
		}
		if atomic.CompareAndSwapInt64((*int64)(g), oldVal, newVal) {
			return
		}
	}
}

func (g *globalGate) until() time.Time {
	return time.Unix(0, atomic.LoadInt64((*int64)(g)))
}

// bucket holds per-route rate limit state. Its mutex is the FIFO serializer
// for the route: requests queue on Lock() in arrival order, and the bucket
// is not released until the response that consumed it has been observed,
// so the next request in line always sees up-to-date remaining/resetAt.
type bucket struct {
	sync.Mutex
	remaining int
	limit     int
	resetAt   time.Time
	name      string // X-RateLimit-Bucket, once learned from the API
}

// Permit represents an acquired slot on a route's bucket. The caller must
// call Release with the response headers (or nil on transport failure) to
// unlock the bucket and feed the limiter fresh state for the next waiter.
type Permit struct {
	rl     *RateLimiter
	route  string
	bucket *bucket
}

// Release records the outcome of the request the permit gated and unlocks
// the bucket for the next waiter. It must be called exactly once.
func (p *Permit) Release(h http.Header) {
	if h != nil {
		p.rl.observeLocked(p.bucket, h)
	}
	p.bucket.Unlock()
}

// RateLimiter enforces Discord-style dynamic rate-limit buckets: one bucket
// per classified route (§RouteKey), discovered lazily from response
// headers, plus a global gate that pauses every route when tripped.
type RateLimiter struct {
	buckets *ShardMap[string, *bucket]
	global  globalGate
	logger  Logger
}

// NewRateLimiter creates an empty RateLimiter. Buckets are created on first
// Acquire for a route and never removed; churn is expected to be bounded by
// the number of distinct routes a client actually calls.
func NewRateLimiter(logger Logger) *RateLimiter {
	return &RateLimiter{
		buckets: NewStringShardMap[*bucket](),
		logger:  logger,
	}
}

// Acquire blocks until the named route is clear to send a request: any
// known per-bucket cooldown has elapsed and the global gate, if tripped,
// has reopened. It returns a Permit whose Release must be called with the
// response headers once the request completes.
func (rl *RateLimiter) Acquire(ctx context.Context, route string) (*Permit, error) {
	b, _ := rl.buckets.GetOrSet(route, &bucket{remaining: 1})

	for {
		b.Lock()

		if b.remaining == 0 && time.Now().Before(b.resetAt) {
			wait := time.Until(b.resetAt) + 50*time.Millisecond
			b.Unlock()
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if reset := rl.global.until(); reset.After(time.Now()) {
			wait := time.Until(reset) + 50*time.Millisecond
			b.Unlock()
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrGlobalRateLimited, err)
			}
			continue
		}

		return &Permit{rl: rl, route: route, bucket: b}, nil
	}
}

// Observe updates a route's bucket from response headers without holding a
// Permit. Used when a caller observed a response out of band (e.g. the
// caller manages its own locking). Acquire's Permit.Release is the normal
// path; prefer that over calling Observe directly.
func (rl *RateLimiter) Observe(route string, h http.Header) {
	b, _ := rl.buckets.GetOrSet(route, &bucket{remaining: 1})
	b.Lock()
	rl.observeLocked(b, h)
	b.Unlock()
}

func (rl *RateLimiter) observeLocked(b *bucket, h http.Header) {
	if name := h.Get(headerBucket); name != "" {
		b.name = name
	}
	if rem := h.Get(headerRemaining); rem != "" {
		if n, err := strconv.Atoi(rem); err == nil {
			b.remaining = n
		}
	}
	if lim := h.Get(headerLimit); lim != "" {
		if n, err := strconv.Atoi(lim); err == nil {
			b.limit = n
		}
	}
	if resetAfter := h.Get(headerResetAfter); resetAfter != "" {
		if dur, err := strconv.ParseFloat(resetAfter, 64); err == nil {
			b.resetAt = time.Now().Add(time.Duration(dur * float64(time.Second)))
		}
	}

	if h.Get(headerGlobal) == "true" || h.Get(headerScope) == "shared" {
		retryAfter := time.Second
		if ra := h.Get(headerRetryAfter); ra != "" {
			if sec, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(sec * float64(time.Second))
			}
		}
		rl.TripGlobal(retryAfter)
	}
}

// TripGlobal pauses every route for the given duration, regardless of
// per-bucket state. Used when the API signals a global 429.
func (rl *RateLimiter) TripGlobal(d time.Duration) {
	until := time.Now().Add(d)
	rl.global.tripUntil(until)
	if rl.logger != nil {
		rl.logger.Warn(fmt.Sprintf("rate limiter: global gate tripped until %s", until.Format(time.RFC3339)))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if ctx == nil {
		time.Sleep(d)
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
