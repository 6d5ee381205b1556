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
	"crypto/rsa"
	"fmt"
	"time"

	"wxpay/core/payerr"
	"wxpay/modules/signature"
)

// PlatformCertificate is a gateway signing certificate. Values are immutable
// once constructed; the store replaces them, it never edits them.
type PlatformCertificate struct {
	SerialNo      string
	PublicKey     []byte // PEM, a CERTIFICATE or PUBLIC KEY block
	EffectiveTime time.Time
	ExpireTime    time.Time

	key *rsa.PublicKey
}

// NewPlatformCertificate parses publicKeyPEM once so that verification does
// not re-parse on every webhook.
func NewPlatformCertificate(serialNo string, publicKeyPEM []byte, effective, expire time.Time) (PlatformCertificate, error) {
	if serialNo == "" {
		return PlatformCertificate{}, fmt.Errorf("%w: empty serial_no", payerr.ErrParse)
	}
	key, err := signature.ParsePublicKey(publicKeyPEM)
	if err != nil {
		return PlatformCertificate{}, fmt.Errorf("certificate %s: %w", serialNo, err)
	}
	return PlatformCertificate{
		SerialNo:      serialNo,
		PublicKey:     append([]byte(nil), publicKeyPEM...),
		EffectiveTime: effective,
		ExpireTime:    expire,
		key:           key,
	}, nil
}

// Key is the parsed RSA public key; nil for a zero value.
func (c PlatformCertificate) Key() *rsa.PublicKey {
	return c.key
}

// Expired reports whether now is past ExpireTime. An unknown (zero)
// expiry never expires.
func (c PlatformCertificate) Expired(now time.Time) bool {
	return !c.ExpireTime.IsZero() && now.After(c.ExpireTime)
}

// VerifyMessage checks a base64 signature against this certificate.
func (c PlatformCertificate) VerifyMessage(message, sig string) bool {
	if c.key != nil {
		return signature.VerifyWithKey(message, sig, c.key)
	}
	return signature.Verify(message, sig, c.PublicKey)
}
