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

package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"wxpay/core/payerr"
	"wxpay/modules/clock"
	"wxpay/modules/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	// forced loads get their own flight so a Refresh never joins an
	// AutoLoad that skipped the download
	autoLoadFlightKey   = "platform-certificates"
	refreshFlightKey    = "platform-certificates/refresh"
	defaultFetchTimeout = 30 * time.Second
)

var _ CertificateGetter = (*Store)(nil)

type (
	// Store caches platform certificates by serial number for the lifetime of
	// the process.
	//
	// Lifecycle: Empty -> Populated. Reads go straight to a sync.Map and are
	// never blocked by a fetch. Fetches are single-flight: concurrent callers
	// finding the store empty share one download.
	Store struct {
		source CertificateSource
		certs  sync.Map // serial_no -> PlatformCertificate
		flight singleflight.Group

		clock        clock.Clock
		fetchTimeout time.Duration
		metrics      *telemetry.PayMetrics
		tracer       trace.Tracer
		logger       *slog.Logger

		fetches atomic.Int64
	}

	StoreOption func(*Store)
)

func WithClock(c clock.Clock) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithFetchTimeout bounds a single certificate download, independent of the
// callers waiting on it.
func WithFetchTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

func WithMetrics(m *telemetry.PayMetrics) StoreOption {
	return func(s *Store) {
		s.metrics = m
	}
}

func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewStore(source CertificateSource, opts ...StoreOption) *Store {
	s := &Store{
		source:       source,
		clock:        clock.RealClockProvider(),
		fetchTimeout: defaultFetchTimeout,
		tracer:       telemetry.Tracer(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Get looks a certificate up by serial number. It has no side effects.
// Unknown and expired serials both report false, so verification fails closed.
func (s *Store) Get(serialNo string) (PlatformCertificate, bool) {
	v, ok := s.certs.Load(serialNo)
	if !ok {
		return PlatformCertificate{}, false
	}
	cert := v.(PlatformCertificate)
	if cert.Expired(s.clock.Now()) {
		return PlatformCertificate{}, false
	}
	return cert, true
}

// AutoLoad downloads the certificate list if the store holds no usable
// certificate. Once populated it is a no-op; Refresh forces a download.
func (s *Store) AutoLoad(ctx context.Context) error {
	if s.populated() {
		return nil
	}
	return s.load(ctx, false)
}

// Refresh downloads the certificate list even when the store is populated,
// adding new serials and replacing existing ones.
func (s *Store) Refresh(ctx context.Context) error {
	return s.load(ctx, true)
}

// load joins or starts the in-flight download. The download runs detached
// from ctx and bounded by fetchTimeout, so a caller giving up only stops its
// own wait. singleflight forgets the key when the function returns, on
// success and failure alike, so a failed fetch never blocks the next one.
func (s *Store) load(ctx context.Context, force bool) error {
	key := autoLoadFlightKey
	if force {
		key = refreshFlightKey
	}
	ch := s.flight.DoChan(key, func() (any, error) {
		// a flight that finished just before this one may already have
		// populated the store
		if !force && s.populated() {
			return 0, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.fetchAndPopulate(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (s *Store) fetchAndPopulate(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "wxpay.certificates.fetch")
	defer span.End()

	s.fetches.Add(1)
	certs, err := s.source.FetchCertificates(ctx)
	if len(certs) == 0 {
		if err == nil {
			err = errors.New("certificate store: gateway returned no certificates")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.CertificateFetch(ctx, telemetry.OutcomeError)
		s.logger.ErrorContext(ctx, "platform certificate fetch failed", slog.Any("error", err))
		return 0, err
	}

	added := 0
	for _, cert := range certs {
		// only values built by NewPlatformCertificate carry a parsed key
		if cert.SerialNo == "" || cert.Key() == nil {
			err = errors.Join(err, fmt.Errorf("%w: certificate %q has no parsed key", payerr.ErrParse, cert.SerialNo))
			continue
		}
		if _, loaded := s.certs.Swap(cert.SerialNo, cert); !loaded {
			added++
		}
		s.logger.InfoContext(ctx, "platform certificate cached",
			slog.String("serial_no", cert.SerialNo),
			slog.Time("effective_time", cert.EffectiveTime),
			slog.Time("expire_time", cert.ExpireTime),
		)
	}
	s.metrics.CertificatesCached(ctx, int64(added))
	span.SetAttributes(attribute.Int("wxpay.certificates.count", len(certs)))

	if err != nil {
		// partial population: the good items are in, the bad ones are reported
		s.metrics.CertificateFetch(ctx, telemetry.OutcomeRejected)
		s.logger.WarnContext(ctx, "some platform certificates were skipped", slog.Any("error", err))
		return len(certs), err
	}
	s.metrics.CertificateFetch(ctx, telemetry.OutcomeOK)
	return len(certs), nil
}

// populated reports whether at least one unexpired certificate is cached.
func (s *Store) populated() bool {
	now := s.clock.Now()
	found := false
	s.certs.Range(func(_, v any) bool {
		if !v.(PlatformCertificate).Expired(now) {
			found = true
			return false
		}
		return true
	})
	return found
}

// Certificates returns a snapshot of the cached certificates, newest expiry
// first, including expired ones.
func (s *Store) Certificates() []PlatformCertificate {
	var out []PlatformCertificate
	s.certs.Range(func(_, v any) bool {
		out = append(out, v.(PlatformCertificate))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpireTime.After(out[j].ExpireTime)
	})
	return out
}

// Newest returns the unexpired certificate with the latest expiry, which is
// the one to use when the merchant must encrypt towards the gateway.
func (s *Store) Newest() (PlatformCertificate, bool) {
	now := s.clock.Now()
	for _, c := range s.Certificates() {
		if !c.Expired(now) {
			return c, true
		}
	}
	return PlatformCertificate{}, false
}

// Clear evicts every certificate; the next AutoLoad downloads again.
func (s *Store) Clear() {
	removed := int64(0)
	s.certs.Range(func(k, _ any) bool {
		if _, loaded := s.certs.LoadAndDelete(k); loaded {
			removed++
		}
		return true
	})
	s.metrics.CertificatesCached(context.Background(), -removed)
}

// Fetches is the number of downloads the store has issued.
func (s *Store) Fetches() int64 {
	return s.fetches.Load()
}

// RunRefresher calls Refresh every interval until ctx is done. Failures are
// logged and leave the cached certificates in place.
func (s *Store) RunRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "platform certificate refresh failed", slog.Any("error", err))
			}
		}
	}
}
