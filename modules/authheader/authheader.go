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

package authheader

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"wxpay/modules/clock"
	"wxpay/modules/credential"
	"wxpay/modules/signature"

	"github.com/gofrs/uuid/v5"
)

// Schema is the custom auth-scheme token of the Authorization header.
const Schema = "WECHATPAY2-SHA256-RSA2048"

// NonceSource returns a fresh random string per call.
type NonceSource func() (string, error)

// UUIDNonce yields 32 lowercase hex characters from a random v4 UUID.
func UUIDNonce() (string, error) {
	u, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(u.Bytes()), nil
}

type (
	// Builder composes Authorization headers for outbound calls. It is safe
	// for concurrent use.
	Builder struct {
		clock clock.Clock
		nonce NonceSource

		// parsed signers keyed by PEM, so a key is parsed once per process
		signers sync.Map
	}

	Option func(*Builder)
)

func WithClock(c clock.Clock) Option {
	return func(b *Builder) {
		if c != nil {
			b.clock = c
		}
	}
}

func WithNonceSource(fn NonceSource) Option {
	return func(b *Builder) {
		if fn != nil {
			b.nonce = fn
		}
	}
}

func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		clock: clock.RealClockProvider(),
		nonce: UUIDNonce,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Build signs method, url (path plus query) and body with the merchant key and
// formats the Authorization header value. A fresh nonce and timestamp are
// drawn on every call.
func (b *Builder) Build(cred credential.MerchantCredential, method, url, body string) (string, error) {
	if err := cred.Validate(); err != nil {
		return "", err
	}

	signer, err := b.signer(cred.PrivateKey)
	if err != nil {
		return "", err
	}

	nonce, err := b.nonce()
	if err != nil {
		return "", fmt.Errorf("authheader: nonce: %w", err)
	}
	timestamp := clock.Unix(b.clock)

	sig, err := signer.SignRequest(method, url, timestamp, nonce, body)
	if err != nil {
		return "", err
	}

	return Format(cred.MchID, nonce, sig, timestamp, cred.SerialNo), nil
}

func (b *Builder) signer(privateKey []byte) (*signature.Signer, error) {
	if s, ok := b.signers.Load(string(privateKey)); ok {
		return s.(*signature.Signer), nil
	}
	s, err := signature.NewSigner(privateKey)
	if err != nil {
		return nil, err
	}
	actual, _ := b.signers.LoadOrStore(string(privateKey), s)
	return actual.(*signature.Signer), nil
}

// Format renders the header grammar:
//
//	WECHATPAY2-SHA256-RSA2048 mchid="…",nonce_str="…",signature="…",timestamp="…",serial_no="…"
func Format(mchID, nonce, sig string, timestamp int64, serialNo string) string {
	var sb strings.Builder
	sb.WriteString(Schema)
	sb.WriteString(` mchid="`)
	sb.WriteString(mchID)
	sb.WriteString(`",nonce_str="`)
	sb.WriteString(nonce)
	sb.WriteString(`",signature="`)
	sb.WriteString(sig)
	sb.WriteString(`",timestamp="`)
	sb.WriteString(strconv.FormatInt(timestamp, 10))
	sb.WriteString(`",serial_no="`)
	sb.WriteString(serialNo)
	sb.WriteString(`"`)
	return sb.String()
}
