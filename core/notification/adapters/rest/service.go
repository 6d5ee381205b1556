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
	"net/http"

	"wxpay/modules/api/serde"
	"wxpay/modules/middleware"
	"wxpay/modules/ratelimit"
	"wxpay/modules/server"
)

const DefaultNotifyPath = "/v3/notify"

var _ server.RegistrableService = (*NotifyService)(nil)

// NotifyService mounts the webhook endpoint and a health probe.
type NotifyService struct {
	path  string
	api   http.Handler
	ready func() bool
}

// NewNotifyService serves api at POST path. ready reports whether the service
// can verify anything yet; nil means always ready.
func NewNotifyService(path string, api http.Handler, ready func() bool) *NotifyService {
	if path == "" {
		path = DefaultNotifyPath
	}
	return &NotifyService{path: path, api: api, ready: ready}
}

func (s *NotifyService) Register(mux *http.ServeMux) {
	mux.Handle("POST "+s.path, s.api)
	mux.HandleFunc("GET /healthz", s.healthz)
}

// Middlewares returns the recovery middleware, which answers a panicking
// delivery with a FAIL ack so the gateway retries it.
func (s *NotifyService) Middlewares() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		middleware.Recovery(func(w http.ResponseWriter, r *http.Request, recovered any) {
			serde.WriteJSON(w, http.StatusInternalServerError, Ack{Code: AckFail, Message: "server error"})
		}),
	}
}

// healthz returns 204 once at least one usable platform certificate is cached.
func (s *NotifyService) healthz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready() {
		serde.WriteJSON(w, http.StatusServiceUnavailable, Ack{Code: AckFail, Message: "no platform certificate"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RejectLimited answers a rate limited delivery with a FAIL ack. The gateway
// treats it like any other failure and redelivers later.
func RejectLimited(w http.ResponseWriter, _ *http.Request, _ ratelimit.Result) {
	serde.WriteJSON(w, http.StatusTooManyRequests, Ack{Code: AckFail, Message: "too many requests"})
}
