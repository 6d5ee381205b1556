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

package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"wxpay/core/payerr"
)

// RequestMessage builds the canonical string signed for outbound API calls.
// Every field, body included, is terminated by a newline.
func RequestMessage(method, url string, timestamp int64, nonce, body string) string {
	var b strings.Builder
	b.Grow(len(method) + len(url) + len(nonce) + len(body) + 16)
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(url)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.WriteString(body)
	b.WriteByte('\n')
	return b.String()
}

// NotifyMessage builds the canonical string the gateway signs for webhooks
// and API responses. Method and URL are not part of it.
func NotifyMessage(timestamp, nonce, body string) string {
	return timestamp + "\n" + nonce + "\n" + body + "\n"
}

// Signer produces RSA-SHA256 (PKCS#1 v1.5) signatures with a parsed merchant key.
type Signer struct {
	key *rsa.PrivateKey
}

// NewSigner parses a PEM private key (PKCS#1 or PKCS#8).
func NewSigner(privateKeyPEM []byte) (*Signer, error) {
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key}, nil
}

// SignMessage signs an already canonicalised message and returns the
// standard base64 encoding of the signature.
func (s *Signer) SignMessage(message string) (string, error) {
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: %w", payerr.ErrSigning, err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (s *Signer) SignRequest(method, url string, timestamp int64, nonce, body string) (string, error) {
	return s.SignMessage(RequestMessage(method, url, timestamp, nonce, body))
}

// Sign is the one-shot form of Signer.SignRequest.
func Sign(method, url string, timestamp int64, nonce, body string, privateKeyPEM []byte) (string, error) {
	s, err := NewSigner(privateKeyPEM)
	if err != nil {
		return "", err
	}
	return s.SignRequest(method, url, timestamp, nonce, body)
}

// Verify checks a base64 signature over message against a PEM public key or
// certificate. Any malformed input yields false; it never errors so callers
// make the fail-closed decision themselves.
func Verify(message, signature string, publicKeyPEM []byte) bool {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return false
	}
	return VerifyWithKey(message, signature, pub)
}

func VerifyWithKey(message, signature string, pub *rsa.PublicKey) bool {
	if pub == nil {
		return false
	}
	// strict: non-zero padding bits would let two encodings verify as one
	sig, err := base64.StdEncoding.Strict().DecodeString(signature)
	if err != nil || len(sig) == 0 {
		return false
	}
	digest := sha256.Sum256([]byte(message))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

var errNotRSA = errors.New("key is not RSA")

// ParsePrivateKey accepts "RSA PRIVATE KEY" (PKCS#1) and "PRIVATE KEY" (PKCS#8) blocks.
func ParsePrivateKey(privateKeyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in private key", payerr.ErrSigning)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", payerr.ErrSigning, err)
		}
		return key, nil
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", payerr.ErrSigning, err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: %w", payerr.ErrSigning, errNotRSA)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", payerr.ErrSigning, block.Type)
	}
}

// ParsePublicKey accepts "PUBLIC KEY", "RSA PUBLIC KEY" and "CERTIFICATE" blocks.
func ParsePublicKey(publicKeyPEM []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in public key", payerr.ErrParse)
	}

	var parsed any
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", payerr.ErrParse, err)
		}
		parsed = cert.PublicKey
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", payerr.ErrParse, err)
		}
		parsed = key
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", payerr.ErrParse, err)
		}
		parsed = key
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", payerr.ErrParse, block.Type)
	}

	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %w", payerr.ErrParse, errNotRSA)
	}
	return pub, nil
}
