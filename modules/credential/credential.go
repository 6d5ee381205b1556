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

package credential

import (
	"fmt"
	"os"

	"wxpay/core/payerr"
	"wxpay/modules/aead"
)

// MerchantConfig is the env-facing shape of a merchant credential.
// Either PrivateKey (inline PEM) or PrivateKeyPath must be set.
type MerchantConfig struct {
	AppID          string `env:"APPID"`
	MchID          string `env:"MCHID,notEmpty"`
	SerialNo       string `env:"SERIAL_NO,notEmpty"`
	PrivateKey     string `env:"PRIVATE_KEY"`
	PrivateKeyPath string `env:"PRIVATE_KEY_PATH"`
	APIv3Key       string `env:"API_V3_KEY,notEmpty"`
}

// MerchantCredential identifies the merchant towards the gateway.
// It is never mutated after Load.
type MerchantCredential struct {
	AppID      string
	MchID      string
	SerialNo   string
	PrivateKey []byte // PEM
	APIv3Key   []byte
}

// Load resolves the private key material and validates the credential.
func Load(cfg MerchantConfig) (MerchantCredential, error) {
	key := []byte(cfg.PrivateKey)
	if len(key) == 0 && cfg.PrivateKeyPath != "" {
		b, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return MerchantCredential{}, fmt.Errorf("credential: read private key: %w", err)
		}
		key = b
	}

	cred := MerchantCredential{
		AppID:      cfg.AppID,
		MchID:      cfg.MchID,
		SerialNo:   cfg.SerialNo,
		PrivateKey: key,
		APIv3Key:   []byte(cfg.APIv3Key),
	}
	if err := cred.Validate(); err != nil {
		return MerchantCredential{}, err
	}
	if len(cred.APIv3Key) != aead.KeySize {
		return MerchantCredential{}, fmt.Errorf("%w: api v3 key must be %d bytes", payerr.ErrMissingCredential, aead.KeySize)
	}
	return cred, nil
}

// Validate is the signing precondition: mch id, serial number and private
// key must be present.
func (c MerchantCredential) Validate() error {
	switch {
	case c.MchID == "":
		return fmt.Errorf("%w: mchid", payerr.ErrMissingCredential)
	case c.SerialNo == "":
		return fmt.Errorf("%w: serial_no", payerr.ErrMissingCredential)
	case len(c.PrivateKey) == 0:
		return fmt.Errorf("%w: private key", payerr.ErrMissingCredential)
	}
	return nil
}
