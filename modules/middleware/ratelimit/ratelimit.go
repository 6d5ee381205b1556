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
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	rl "wxpay/modules/ratelimit"
)

type (
	// KeyFunc extracts from a HTTP request an identifier such as the remote IP.
	KeyFunc func(*http.Request) rl.Key

	// RejectFunc writes the response for a limited request. When the limiter
	// made the decision, the rate limit headers are already set.
	RejectFunc func(w http.ResponseWriter, r *http.Request, result rl.Result)

	Policy struct {
		Limiter rl.RateLimiter
		KeyFn   KeyFunc

		// Reject defaults to a bare 429.
		Reject RejectFunc

		// Allow to next handler if no identifier is extracted from the request
		AllowIfNoIdentifier bool
	}
)

// New wraps a handler with p. Limiter errors let the request through: a
// broken limiter must not turn away genuine deliveries.
func New(p Policy) func(http.Handler) http.Handler {
	if p.KeyFn == nil {
		p.KeyFn = RemoteIPKeyFunc
	}
	if p.Reject == nil {
		p.Reject = func(w http.ResponseWriter, _ *http.Request, _ rl.Result) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := p.KeyFn(r)
			if key == "" {
				if p.AllowIfNoIdentifier {
					next.ServeHTTP(w, r)
					return
				}
				slog.WarnContext(r.Context(), "bad key",
					slog.String("middleware", "rate_limiter"),
					slog.String("url", r.URL.Path),
				)
				p.Reject(w, r, rl.Result{})
				return
			}

			result, err := p.Limiter.Allow(r.Context(), key)
			if err != nil {
				slog.ErrorContext(r.Context(), "rate limit error",
					slog.String("middleware", "rate_limiter"),
					slog.Any("error", err),
					slog.String("url", r.URL.Path),
				)
				next.ServeHTTP(w, r)
				return
			}

			writeRateLimitHeaders(w, result)
			if !result.Allowed {
				slog.WarnContext(r.Context(), "rate limited",
					slog.String("middleware", "rate_limiter"),
					slog.String("url", r.URL.Path),
					slog.String("key", string(key)),
				)
				p.Reject(w, r, result)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitHeaders(w http.ResponseWriter, result rl.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatFloat(result.Limit, 'f', -1, 64))
	h.Set("X-RateLimit-Burst", strconv.FormatInt(result.Burst, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	if !result.Allowed && result.RetryAfter > 0 {
		h.Set("Retry-After", strconv.FormatInt(int64(math.Ceil(result.RetryAfter.Seconds())), 10))
	}
}

// RemoteIPKeyFunc keys on the last X-Forwarded-For hop, which is the one
// appended by the nearest proxy, falling back to the connection address.
func RemoteIPKeyFunc(r *http.Request) rl.Key {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if ip := strings.TrimSpace(ips[len(ips)-1]); ip != "" {
			return rl.Key(ip)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return rl.Key(r.RemoteAddr)
	}
	return rl.Key(host)
}
