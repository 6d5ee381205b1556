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

package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"

	"wxpay/core/payerr"
)

const (
	AlgorithmAES256GCM = "AEAD_AES_256_GCM"

	KeySize = 32
	TagSize = 16
)

// EncryptedResource is the envelope used both for notification resources
// and for the certificate-list "encrypt_certificate" field.
type EncryptedResource struct {
	Algorithm      string `json:"algorithm"`
	Nonce          string `json:"nonce"`
	AssociatedData string `json:"associated_data,omitempty"`
	Ciphertext     string `json:"ciphertext"`
	// only present on notification resources
	OriginalType string `json:"original_type,omitempty"`
}

// Decrypt authenticates and decrypts a resource with the merchant's API v3 key.
//
// The nonce and associated data are used as their raw UTF-8 bytes (no
// base64/hex decoding), which is the gateway's wire format. The last TagSize
// bytes of the decoded ciphertext are the GCM tag. A tag mismatch returns
// ErrDecryption and no plaintext.
func Decrypt(res EncryptedResource, key []byte) ([]byte, error) {
	if res.Algorithm != AlgorithmAES256GCM {
		return nil, fmt.Errorf("%w: %q", payerr.ErrUnsupportedAlgorithm, res.Algorithm)
	}

	gcm, err := newGCM(key, len(res.Nonce))
	if err != nil {
		return nil, err
	}

	sealed, err := base64.StdEncoding.DecodeString(res.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64: %w", payerr.ErrDecryption, err)
	}
	if len(sealed) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", payerr.ErrDecryption)
	}

	// crypto/cipher expects body||tag, which is exactly the wire layout
	plaintext, err := gcm.Open(nil, []byte(res.Nonce), sealed, []byte(res.AssociatedData))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", payerr.ErrDecryption, err)
	}
	return plaintext, nil
}

// Encrypt is the inverse of Decrypt. The gateway only ever encrypts, so this
// exists for fixtures and mock endpoints.
func Encrypt(plaintext, key []byte, nonce, associatedData string) (EncryptedResource, error) {
	gcm, err := newGCM(key, len(nonce))
	if err != nil {
		return EncryptedResource{}, err
	}

	sealed := gcm.Seal(nil, []byte(nonce), plaintext, []byte(associatedData))
	return EncryptedResource{
		Algorithm:      AlgorithmAES256GCM,
		Nonce:          nonce,
		AssociatedData: associatedData,
		Ciphertext:     base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

func newGCM(key []byte, nonceSize int) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", payerr.ErrDecryption, KeySize, len(key))
	}
	if nonceSize == 0 {
		return nil, fmt.Errorf("%w: empty nonce", payerr.ErrDecryption)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", payerr.ErrDecryption, err)
	}

	// the gateway uses 12 byte nonces, but the size is taken from the
	// envelope rather than assumed
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", payerr.ErrDecryption, err)
	}
	return gcm, nil
}
