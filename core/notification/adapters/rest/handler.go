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

package rest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"wxpay/core/notification/domain"
	"wxpay/modules/api/serde"
	"wxpay/modules/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxBodyBytes = 1 << 20

	AckSuccess = "SUCCESS"
	AckFail    = "FAIL"
)

type (
	// Opener verifies, decodes and decrypts one webhook delivery.
	Opener interface {
		Open(ctx context.Context, header http.Header, body, apiV3Key []byte) (domain.Opened, error)
	}

	// Ack is the body the gateway expects in reply. Anything but a 2xx makes
	// it redeliver.
	Ack struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	// NotifyAPI is the webhook endpoint.
	NotifyAPI struct {
		opener   Opener
		apiV3Key []byte
		handler  domain.Handler
		dedupe   domain.Deduplicator
		maxBody  int64
		logger   *slog.Logger
		tracer   trace.Tracer
	}

	Option func(*NotifyAPI)
)

var _ Opener = (*domain.Verifier)(nil)

// WithDeduplicator acknowledges redeliveries of an already handled id
// without calling the handler again, and turns away deliveries of an id
// that is still being processed.
func WithDeduplicator(d domain.Deduplicator) Option {
	return func(a *NotifyAPI) {
		a.dedupe = d
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *NotifyAPI) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *NotifyAPI) {
		if l != nil {
			a.logger = l
		}
	}
}

func NewNotifyAPI(opener Opener, apiV3Key []byte, handler domain.Handler, opts ...Option) *NotifyAPI {
	a := &NotifyAPI{
		opener:   opener,
		apiV3Key: apiV3Key,
		handler:  handler,
		maxBody:  DefaultMaxBodyBytes,
		logger:   slog.Default(),
		tracer:   telemetry.Tracer(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

func (a *NotifyAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "wxpay.notify", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	body, err := serde.ReadBody(w, r, a.maxBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, serde.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		a.fail(ctx, span, w, status, "unreadable body", err)
		return
	}

	opened, err := a.opener.Open(ctx, r.Header, body, a.apiV3Key)
	span.SetAttributes(attribute.String("wxpay.notify.state", string(opened.State)))
	if err != nil {
		if opened.State == domain.StateRejected {
			a.fail(ctx, span, w, http.StatusUnauthorized, "signature verification failed", err)
			return
		}
		a.fail(ctx, span, w, http.StatusBadRequest, "notification could not be decrypted", err)
		return
	}

	env := opened.Envelope
	span.SetAttributes(
		attribute.String("wxpay.notify.id", env.ID),
		attribute.String("wxpay.notify.event_type", env.EventType),
	)

	claimed := false
	if a.dedupe != nil && env.ID != "" {
		status, err := a.dedupe.Claim(ctx, env.ID)
		if err == nil {
			span.SetAttributes(attribute.String("wxpay.notify.claim", status.String()))
		}
		switch {
		case err != nil:
			// no replay guard available: handle it, the handler is idempotent
			a.logger.WarnContext(ctx, "notification dedupe unavailable", slog.String("notification_id", env.ID), slog.Any("error", err))
		case status == domain.ClaimDone:
			a.logger.InfoContext(ctx, "duplicate notification acknowledged", slog.String("notification_id", env.ID))
			serde.WriteJSON(w, http.StatusOK, Ack{Code: AckSuccess, Message: "OK"})
			return
		case status == domain.ClaimInProgress:
			// the running attempt may still fail, so only a non-2xx keeps
			// the gateway redelivering
			a.fail(ctx, span, w, http.StatusConflict, "notification is being processed",
				errors.New("notification already in progress"))
			return
		default:
			claimed = true
		}
	}

	// settle with a detached context: the gateway hanging up must not leave
	// the id stuck in processing
	settleCtx := context.WithoutCancel(ctx)
	handled := false
	if claimed {
		defer func() {
			if handled {
				return
			}
			// handler error or panic
			if err := a.dedupe.Release(settleCtx, env.ID); err != nil {
				a.logger.ErrorContext(ctx, "failed to release notification claim", slog.String("notification_id", env.ID), slog.Any("error", err))
			}
		}()
	}

	if err := a.handler.HandleNotification(ctx, env, opened.Notification); err != nil {
		a.fail(ctx, span, w, http.StatusInternalServerError, "notification handler failed", err)
		return
	}
	handled = true

	if claimed {
		// the work is done either way; a lost marker only costs a reprocess
		// once the lease runs out
		if err := a.dedupe.Complete(settleCtx, env.ID); err != nil {
			a.logger.ErrorContext(ctx, "failed to mark notification done", slog.String("notification_id", env.ID), slog.Any("error", err))
		}
	}

	a.logger.InfoContext(ctx, "notification handled",
		slog.String("notification_id", env.ID),
		slog.String("event_type", env.EventType),
	)
	serde.WriteJSON(w, http.StatusOK, Ack{Code: AckSuccess, Message: "OK"})
}

func (a *NotifyAPI) fail(ctx context.Context, span trace.Span, w http.ResponseWriter, status int, message string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, message)
	a.logger.WarnContext(ctx, message, slog.Int("status", status), slog.Any("error", err))
	serde.WriteJSON(w, status, Ack{Code: AckFail, Message: message})
}
