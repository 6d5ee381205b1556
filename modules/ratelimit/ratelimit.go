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
	"time"
)

type (
	// RateLimiter decides whether one more event for key is allowed now.
	RateLimiter interface {
		Allow(ctx context.Context, key Key) (Result, error)
	}

	// Key identifies the caller, e.g. the remote IP of a webhook delivery.
	Key string

	// Result represents the outcome of a rate limit decision.
	Result struct {
		Allowed    bool
		Remaining  int64         // tokens left after this event
		RetryAfter time.Duration // if not allowed, when the caller may retry
		Limit      float64       // sustained events per second
		Burst      int64
	}
)
