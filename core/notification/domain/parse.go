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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"wxpay/core/payerr"
	"wxpay/modules/aead"
	"wxpay/modules/telemetry"
)

const (
	eventPrefixTransaction = "TRANSACTION."
	eventPrefixRefund      = "REFUND."
)

// DecodeEnvelope parses a webhook body. It does not decrypt anything.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: notification envelope: %w", payerr.ErrParse, err)
	}
	if env.EventType == "" || env.Resource.Ciphertext == "" {
		return Envelope{}, fmt.Errorf("%w: notification envelope: missing event_type or resource", payerr.ErrParse)
	}
	return env, nil
}

// ParseNotify decrypts env.Resource with the API v3 key and decodes it into
// the payload type selected by env.EventType. Call it only for an envelope
// whose raw body passed Verify. A failure here is final for the notification.
func ParseNotify(env Envelope, apiV3Key []byte) (DecryptedNotification, error) {
	plaintext, err := aead.Decrypt(env.Resource, apiV3Key)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(plaintext)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: %s resource is not a JSON object", payerr.ErrParse, env.EventType)
	}

	switch {
	case strings.HasPrefix(env.EventType, eventPrefixTransaction):
		out := &PaymentResult{EventType: env.EventType}
		if err := json.Unmarshal(trimmed, out); err != nil {
			return nil, fmt.Errorf("%w: payment result: %w", payerr.ErrParse, err)
		}
		return out, nil
	case strings.HasPrefix(env.EventType, eventPrefixRefund):
		out := &RefundResult{EventType: env.EventType}
		if err := json.Unmarshal(trimmed, out); err != nil {
			return nil, fmt.Errorf("%w: refund result: %w", payerr.ErrParse, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported event_type %q", payerr.ErrParse, env.EventType)
	}
}

// Opened is the outcome of Open for one webhook delivery.
type Opened struct {
	State        State
	Envelope     Envelope
	Notification DecryptedNotification
}

// Open runs a webhook through Received -> Verified -> Decrypted. The body is
// decoded only after its signature verified, and the resource is decrypted
// only after the envelope decoded. The returned State is the last one
// reached, so a non-nil error comes with StateRejected or StateFailed.
func (v *Verifier) Open(ctx context.Context, header http.Header, body, apiV3Key []byte) (Opened, error) {
	out := Opened{State: StateReceived}

	if err := v.VerifyHTTP(ctx, header, body); err != nil {
		out.State = StateRejected
		return out, err
	}
	out.State = StateVerified

	env, err := DecodeEnvelope(body)
	if err != nil {
		out.State = StateFailed
		v.logger.WarnContext(ctx, "verified notification has a malformed envelope", slog.Any("error", err))
		return out, err
	}
	out.Envelope = env

	n, err := ParseNotify(env, apiV3Key)
	if err != nil {
		out.State = StateFailed
		outcome := telemetry.OutcomeError
		if errors.Is(err, payerr.ErrDecryption) {
			outcome = telemetry.OutcomeRejected
		}
		v.metrics.Decryption(ctx, "notification", outcome)
		v.logger.ErrorContext(ctx, "notification could not be opened",
			slog.String("notification_id", env.ID),
			slog.String("event_type", env.EventType),
			slog.Any("error", err),
		)
		return out, err
	}
	v.metrics.Decryption(ctx, "notification", telemetry.OutcomeOK)

	out.State = StateDecrypted
	out.Notification = n
	return out, nil
}
