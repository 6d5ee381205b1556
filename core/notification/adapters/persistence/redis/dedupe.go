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

package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wxpay/core/notification/domain"
	"wxpay/modules/clock"

	"github.com/redis/rueidis"
)

const (
	DefaultTTL      = 24 * time.Hour
	DefaultLeaseTTL = 5 * time.Minute

	keySpace = "notify:"

	stateProcessing = "processing"
	stateDone       = "done"
)

var _ domain.Deduplicator = (*Deduplicator)(nil)

type (
	// Deduplicator tracks notification ids in Redis. A claim is a
	// "processing:<unix>" value set with SET NX under a short lease, so a
	// crashed process cannot hold an id forever. Completing overwrites it
	// with "done:<unix>" for ttl, which should outlast the gateway's
	// redelivery schedule.
	Deduplicator struct {
		client rueidis.Client
		prefix string
		ttl    time.Duration
		lease  time.Duration
		clock  clock.Clock
	}

	Option func(*Deduplicator)
)

// WithKeyPrefix scopes keys, e.g. "wxpay:prod:" gives "wxpay:prod:notify:<id>".
func WithKeyPrefix(prefix string) Option {
	return func(d *Deduplicator) {
		d.prefix = prefix
	}
}

// WithTTL is how long a handled id is remembered.
func WithTTL(ttl time.Duration) Option {
	return func(d *Deduplicator) {
		if ttl >= time.Second {
			d.ttl = ttl
		}
	}
}

// WithLeaseTTL is how long a processing claim blocks redeliveries. It should
// exceed the slowest handler run.
func WithLeaseTTL(lease time.Duration) Option {
	return func(d *Deduplicator) {
		if lease >= time.Second {
			d.lease = lease
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(d *Deduplicator) {
		if c != nil {
			d.clock = c
		}
	}
}

func NewDeduplicator(client rueidis.Client, opts ...Option) *Deduplicator {
	d := &Deduplicator{
		client: client,
		ttl:    DefaultTTL,
		lease:  DefaultLeaseTTL,
		clock:  clock.RealClockProvider(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *Deduplicator) key(id string) string {
	return d.prefix + keySpace + id
}

// value stamps a state with the current time, handy when inspecting keys by hand.
func (d *Deduplicator) value(state string) string {
	return state + ":" + strconv.FormatInt(clock.Unix(d.clock), 10)
}

func (d *Deduplicator) Claim(ctx context.Context, id string) (domain.ClaimStatus, error) {
	key := d.key(id)
	cmd := d.client.B().Set().
		Key(key).
		Value(d.value(stateProcessing)).
		Nx().
		ExSeconds(int64(d.lease / time.Second)).
		Build()

	err := d.client.Do(ctx, cmd).Error()
	if err == nil {
		return domain.ClaimAcquired, nil
	}
	if !rueidis.IsRedisNil(err) {
		return domain.ClaimInProgress, fmt.Errorf("dedupe: claim %q: %w", id, err)
	}

	// taken: find out by whom
	current, err := d.client.Do(ctx, d.client.B().Get().Key(key).Build()).ToString()
	switch {
	case rueidis.IsRedisNil(err):
		// released or expired since the SET; the redelivery will claim it
		return domain.ClaimInProgress, nil
	case err != nil:
		return domain.ClaimInProgress, fmt.Errorf("dedupe: inspect %q: %w", id, err)
	case strings.HasPrefix(current, stateDone+":"):
		return domain.ClaimDone, nil
	default:
		return domain.ClaimInProgress, nil
	}
}

func (d *Deduplicator) Complete(ctx context.Context, id string) error {
	cmd := d.client.B().Set().
		Key(d.key(id)).
		Value(d.value(stateDone)).
		ExSeconds(int64(d.ttl / time.Second)).
		Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("dedupe: complete %q: %w", id, err)
	}
	return nil
}

func (d *Deduplicator) Release(ctx context.Context, id string) error {
	if err := d.client.Do(ctx, d.client.B().Del().Key(d.key(id)).Build()).Error(); err != nil {
		return fmt.Errorf("dedupe: release %q: %w", id, err)
	}
	return nil
}
