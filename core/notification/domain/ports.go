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

import "context"

// Handler is the business layer receiving opened notifications. It must be
// idempotent: the gateway delivers at least once.
type Handler interface {
	HandleNotification(ctx context.Context, env Envelope, n DecryptedNotification) error
}

type HandlerFunc func(ctx context.Context, env Envelope, n DecryptedNotification) error

func (f HandlerFunc) HandleNotification(ctx context.Context, env Envelope, n DecryptedNotification) error {
	return f(ctx, env, n)
}

// ClaimStatus is what Claim found for a notification id.
type ClaimStatus int

const (
	// ClaimAcquired: the id was free and the caller now processes it.
	ClaimAcquired ClaimStatus = iota
	// ClaimInProgress: another delivery of the id is being processed and
	// may still fail, so this one must not be acknowledged.
	ClaimInProgress
	// ClaimDone: the id was handled successfully before.
	ClaimDone
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimAcquired:
		return "acquired"
	case ClaimInProgress:
		return "in_progress"
	case ClaimDone:
		return "done"
	default:
		return "unknown"
	}
}

// Deduplicator tracks notification ids through processing -> done.
type Deduplicator interface {
	// Claim marks id as processing when it is free.
	Claim(ctx context.Context, id string) (ClaimStatus, error)
	// Complete marks a claimed id as handled; later deliveries get ClaimDone.
	Complete(ctx context.Context, id string) error
	// Release forgets a claimed id so a redelivery is processed again.
	Release(ctx context.Context, id string) error
}
