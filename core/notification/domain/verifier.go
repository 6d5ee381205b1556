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
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	certdomain "wxpay/core/certificate/domain"
	"wxpay/core/payerr"
	"wxpay/modules/clock"
	"wxpay/modules/signature"
	"wxpay/modules/telemetry"
)

type (
	// Verifier authenticates gateway-signed payloads against the cached
	// platform certificates. It never fetches: an unknown serial is a reject.
	Verifier struct {
		certs   certdomain.CertificateGetter
		clock   clock.Clock
		maxSkew time.Duration
		metrics *telemetry.PayMetrics
		logger  *slog.Logger
	}

	VerifierOption func(*Verifier)
)

func WithVerifierClock(c clock.Clock) VerifierOption {
	return func(v *Verifier) {
		if c != nil {
			v.clock = c
		}
	}
}

// WithMaxSkew rejects signatures whose timestamp is further than d from now.
// Zero, the default, disables the check.
func WithMaxSkew(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.maxSkew = d
		}
	}
}

func WithVerifierMetrics(m *telemetry.PayMetrics) VerifierOption {
	return func(v *Verifier) {
		v.metrics = m
	}
}

func WithVerifierLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

func NewVerifier(certs certdomain.CertificateGetter, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		certs:  certs,
		clock:  clock.RealClockProvider(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// HeaderFrom reads the four Wechatpay-* headers.
func HeaderFrom(h http.Header) Header {
	return Header{
		Timestamp: h.Get(HeaderTimestamp),
		Nonce:     h.Get(HeaderNonce),
		Signature: h.Get(HeaderSignature),
		Serial:    h.Get(HeaderSerial),
	}
}

// Verify reports whether body was signed by the platform certificate named
// in h.Serial. Any missing header, unknown or expired serial, or malformed
// signature yields false.
func (v *Verifier) Verify(ctx context.Context, h Header, body []byte) bool {
	reason := v.check(h, body)
	if reason != "" {
		v.metrics.Verification(ctx, telemetry.OutcomeRejected)
		v.logger.WarnContext(ctx, "gateway signature rejected",
			slog.String("reason", reason),
			slog.String("serial_no", h.Serial),
			slog.String("timestamp", h.Timestamp),
		)
		return false
	}
	v.metrics.Verification(ctx, telemetry.OutcomeOK)
	return true
}

func (v *Verifier) check(h Header, body []byte) string {
	if h.Timestamp == "" || h.Nonce == "" || h.Signature == "" || h.Serial == "" {
		return "missing header"
	}
	if v.maxSkew > 0 {
		ts, err := strconv.ParseInt(h.Timestamp, 10, 64)
		if err != nil {
			return "malformed timestamp"
		}
		skew := v.clock.Now().Sub(time.Unix(ts, 0))
		if skew > v.maxSkew || skew < -v.maxSkew {
			return "timestamp outside window"
		}
	}
	cert, ok := v.certs.Get(h.Serial)
	if !ok {
		return "unknown serial"
	}
	if !cert.VerifyMessage(signature.NotifyMessage(h.Timestamp, h.Nonce, string(body)), h.Signature) {
		return "signature mismatch"
	}
	return ""
}

// VerifyHTTP is Verify over raw HTTP headers, returning
// payerr.ErrInvalidSignature on rejection. It serves both webhooks and
// signed API responses.
func (v *Verifier) VerifyHTTP(ctx context.Context, header http.Header, body []byte) error {
	h := HeaderFrom(header)
	if !v.Verify(ctx, h, body) {
		return fmt.Errorf("%w: serial %q", payerr.ErrInvalidSignature, h.Serial)
	}
	return nil
}
