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

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "wxpay"

// Outcome labels shared by the payment instruments.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// HTTPMetrics holds counters and histograms for the webhook endpoint
type HTTPMetrics struct {
	requestCounter metric.Int64Counter
	durationHisto  metric.Float64Histogram
}

func NewHTTPMetrics(serviceName string) (*HTTPMetrics, error) {
	meter := otel.Meter(serviceName)

	requestCounter, err := meter.Int64Counter(
		"http_server_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	durationHisto, err := meter.Float64Histogram(
		"http_server_duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &HTTPMetrics{
		requestCounter: requestCounter,
		durationHisto:  durationHisto,
	}, nil
}

func (m *HTTPMetrics) RecordRequest(ctx context.Context, method, endpoint, statusCode string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("http_method", method),
		attribute.String("http_endpoint", endpoint),
		attribute.String("http_status_code", statusCode),
	)
	m.requestCounter.Add(ctx, 1, attrs)
	m.durationHisto.Record(ctx, durationMs, attrs)
}

// PayMetrics counts the security-relevant outcomes of the payment core.
// A nil *PayMetrics is valid and records nothing.
type PayMetrics struct {
	certFetches   metric.Int64Counter
	certsCached   metric.Int64UpDownCounter
	verifications metric.Int64Counter
	decryptions   metric.Int64Counter
	outbound      metric.Float64Histogram
}

func NewPayMetrics() (*PayMetrics, error) {
	meter := otel.Meter(instrumentationName)

	certFetches, err := meter.Int64Counter(
		"wxpay_certificate_fetch_total",
		metric.WithDescription("Platform certificate list fetches by outcome"),
	)
	if err != nil {
		return nil, err
	}

	certsCached, err := meter.Int64UpDownCounter(
		"wxpay_certificates_cached",
		metric.WithDescription("Platform certificates currently held in memory"),
	)
	if err != nil {
		return nil, err
	}

	verifications, err := meter.Int64Counter(
		"wxpay_notification_verify_total",
		metric.WithDescription("Webhook signature verifications by outcome"),
	)
	if err != nil {
		return nil, err
	}

	decryptions, err := meter.Int64Counter(
		"wxpay_resource_decrypt_total",
		metric.WithDescription("AEAD resource decryptions by kind and outcome"),
	)
	if err != nil {
		return nil, err
	}

	outbound, err := meter.Float64Histogram(
		"wxpay_gateway_request_duration",
		metric.WithDescription("Signed gateway request duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &PayMetrics{
		certFetches:   certFetches,
		certsCached:   certsCached,
		verifications: verifications,
		decryptions:   decryptions,
		outbound:      outbound,
	}, nil
}

func (m *PayMetrics) CertificateFetch(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.certFetches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *PayMetrics) CertificatesCached(ctx context.Context, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.certsCached.Add(ctx, delta)
}

func (m *PayMetrics) Verification(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Decryption records a decrypt attempt; kind is "certificate" or "notification".
func (m *PayMetrics) Decryption(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.decryptions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

func (m *PayMetrics) GatewayRequest(ctx context.Context, method string, status int, durationMs float64) {
	if m == nil {
		return
	}
	m.outbound.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("http_method", method),
		attribute.Int("http_status_code", status),
	))
}
