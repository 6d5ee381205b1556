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

// Package payerr holds the error taxonomy shared by the signing, decryption,
// certificate and notification packages. Errors are wrapped with %w and
// matched with errors.Is.
package payerr

import "errors"

var (
	// precondition: empty mch id, serial number or private key
	ErrMissingCredential = errors.New("missing merchant credential")

	// private key could not be parsed or the RSA signing itself failed
	ErrSigning = errors.New("signing failed")

	// signature did not verify or the signature headers are absent
	ErrInvalidSignature = errors.New("invalid signature")

	// network error or non-2xx status while talking to the gateway
	ErrRequest = errors.New("gateway request failed")

	// AEAD tag mismatch or malformed ciphertext
	ErrDecryption = errors.New("decryption failed")

	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// malformed JSON, PEM or certificate payload
	ErrParse = errors.New("parse error")
)
