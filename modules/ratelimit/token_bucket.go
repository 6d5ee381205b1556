// Copyright 2025 Nhat-Nguyen Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"sync"
	"time"

	"wxpay/modules/clock"

	"golang.org/x/time/rate"
)

var _ RateLimiter = (*TokenBucketRateLimiter)(nil)

type (
	// TokenBucketRateLimiter keeps one golang.org/x/time/rate bucket per key
	// in process memory. Buckets idle for longer than idleTTL are swept so an
	// address scan cannot grow the map without bound.
	TokenBucketRateLimiter struct {
		clock   clock.Clock
		limit   rate.Limit
		burst   int
		idleTTL time.Duration

		mu        sync.Mutex
		buckets   map[Key]*bucket
		lastSweep time.Time
	}

	bucket struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
)

// NewTokenBucket allows perSecond sustained events per key with bursts of
// up to burst.
func NewTokenBucket(c clock.Clock, perSecond float64, burst int) *TokenBucketRateLimiter {
	if c == nil {
		c = clock.RealClockProvider()
	}
	if burst < 1 {
		burst = 1
	}
	return &TokenBucketRateLimiter{
		clock:   c,
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		buckets: make(map[Key]*bucket),
	}
}

// Allow implements RateLimiter. It never returns an error.
func (t *TokenBucketRateLimiter) Allow(_ context.Context, key Key) (Result, error) {
	now := t.clock.Now()

	t.mu.Lock()
	t.sweep(now)
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[key] = b
	}
	b.lastSeen = now
	t.mu.Unlock()

	res := Result{Limit: float64(t.limit), Burst: int64(t.burst)}

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return res, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		res.RetryAfter = delay
		return res, nil
	}

	res.Allowed = true
	res.Remaining = max(int64(b.limiter.TokensAt(now)), 0)
	return res, nil
}

// sweep drops idle buckets at most once per idleTTL. Callers hold mu.
func (t *TokenBucketRateLimiter) sweep(now time.Time) {
	if now.Sub(t.lastSweep) < t.idleTTL {
		return
	}
	for k, b := range t.buckets {
		if now.Sub(b.lastSeen) >= t.idleTTL {
			delete(t.buckets, k)
		}
	}
	t.lastSweep = now
}

// Len is the number of tracked keys.
func (t *TokenBucketRateLimiter) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}
