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

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wxpay/core/payerr"
	"wxpay/modules/authheader"
	"wxpay/modules/credential"
	"wxpay/modules/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL = "https://api.mch.weixin.qq.com"

	maxResponseBytes = 4 << 20
	userAgent        = "wxpay-go/1.0"
)

type (
	// Doer is the injected HTTP transport. Retries, pooling and TLS belong to it.
	Doer interface {
		Do(*http.Request) (*http.Response, error)
	}

	// ResponseVerifier checks the gateway's signature on a response.
	ResponseVerifier interface {
		VerifyHTTP(ctx context.Context, header http.Header, body []byte) error
	}

	Response struct {
		StatusCode int
		Header     http.Header
		Body       []byte
	}

	// StatusError is a non-2xx reply. It unwraps to payerr.ErrRequest.
	StatusError struct {
		StatusCode int
		Code       string `json:"code"`
		Message    string `json:"message"`
		Body       []byte `json:"-"`
	}

	Client struct {
		doer     Doer
		baseURL  *url.URL
		cred     credential.MerchantCredential
		builder  *authheader.Builder
		verifier ResponseVerifier
		metrics  *telemetry.PayMetrics
		tracer   trace.Tracer
		logger   *slog.Logger
	}

	Option func(*Client)
)

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway: status %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return payerr.ErrRequest
}

func WithDoer(d Doer) Option {
	return func(c *Client) {
		if d != nil {
			c.doer = d
		}
	}
}

func WithBaseURL(u *url.URL) Option {
	return func(c *Client) {
		if u != nil {
			c.baseURL = u
		}
	}
}

func WithBuilder(b *authheader.Builder) Option {
	return func(c *Client) {
		if b != nil {
			c.builder = b
		}
	}
}

// WithResponseVerifier enables signature checks on successful responses.
// Leave it unset for the certificate download itself, which bootstraps the
// keys a verifier needs.
func WithResponseVerifier(v ResponseVerifier) Option {
	return func(c *Client) {
		c.verifier = v
	}
}

func WithMetrics(m *telemetry.PayMetrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(cred credential.MerchantCredential, opts ...Option) *Client {
	base, _ := url.Parse(DefaultBaseURL)
	c := &Client{
		doer:    &http.Client{Timeout: 30 * time.Second},
		baseURL: base,
		cred:    cred,
		builder: authheader.NewBuilder(),
		tracer:  telemetry.Tracer(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Credential returns the merchant credential the client signs with.
func (c *Client) Credential() credential.MerchantCredential {
	return c.cred
}

func (c *Client) Get(ctx context.Context, pathAndQuery string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, pathAndQuery, nil)
}

// PostJSON marshals payload and sends it as the signed request body.
func (c *Client) PostJSON(ctx context.Context, path string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", payerr.ErrParse, err)
	}
	return c.Do(ctx, http.MethodPost, path, body)
}

// Do sends one signed request. The string signed is the request-target
// exactly as it goes on the wire. Non-2xx replies are returned as *StatusError.
func (c *Client) Do(ctx context.Context, method, pathAndQuery string, body []byte) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "wxpay.gateway "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.request.method", method)),
	)
	defer span.End()

	resp, err := c.do(ctx, method, pathAndQuery, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, pathAndQuery string, body []byte) (*Response, error) {
	ref, err := url.Parse(pathAndQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: bad path %q: %w", payerr.ErrRequest, pathAndQuery, err)
	}
	target := c.baseURL.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", payerr.ErrRequest, err)
	}

	auth, err := c.builder.Build(c.cred, method, req.URL.RequestURI(), string(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	httpResp, err := c.doer.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "gateway request failed",
			slog.String("method", method),
			slog.String("path", req.URL.Path),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("%w: %w", payerr.ErrRequest, err)
	}
	defer httpResp.Body.Close()

	// one byte past the limit tells an oversized body from one that fits exactly
	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", payerr.ErrRequest, err)
	}
	c.metrics.GatewayRequest(ctx, method, httpResp.StatusCode, float64(time.Since(start).Milliseconds()))
	if len(respBody) > maxResponseBytes {
		c.logger.WarnContext(ctx, "gateway response too large",
			slog.String("method", method),
			slog.String("path", req.URL.Path),
			slog.Int("status", httpResp.StatusCode),
		)
		return nil, fmt.Errorf("%w: response too large (over %d bytes)", payerr.ErrRequest, maxResponseBytes)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		se := &StatusError{StatusCode: httpResp.StatusCode, Body: respBody}
		// best effort, the gateway replies {"code": ..., "message": ...}
		_ = json.Unmarshal(respBody, se)
		c.logger.WarnContext(ctx, "gateway replied with error status",
			slog.String("method", method),
			slog.String("path", req.URL.Path),
			slog.Int("status", se.StatusCode),
			slog.String("code", se.Code),
			slog.String("request_id", httpResp.Header.Get("Request-ID")),
		)
		return nil, se
	}

	if c.verifier != nil && httpResp.StatusCode != http.StatusNoContent {
		if err := c.verifier.VerifyHTTP(ctx, httpResp.Header, respBody); err != nil {
			return nil, fmt.Errorf("gateway: response signature: %w", err)
		}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

// IsStatus reports whether err is a *StatusError with the given status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == status
}

// TrimBase drops a trailing slash so callers can pass "https://host/".
func TrimBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("gateway: base url %q needs scheme and host", raw)
	}
	return u, nil
}
