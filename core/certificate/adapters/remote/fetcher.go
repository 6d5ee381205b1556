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

package remote

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"wxpay/core/certificate/domain"
	"wxpay/core/payerr"
	"wxpay/modules/aead"
	"wxpay/modules/gateway"
	"wxpay/modules/telemetry"
	"wxpay/modules/worker"
)

const (
	CertificatesPath = "/v3/certificates"

	// the list holds at most a handful of certificates during rotation
	decryptPoolSize = 4
)

var _ domain.CertificateSource = (*Fetcher)(nil)

type (
	certificateList struct {
		Data []certificateItem `json:"data"`
	}

	certificateItem struct {
		SerialNo           string                  `json:"serial_no"`
		EffectiveTime      string                  `json:"effective_time"`
		ExpireTime         string                  `json:"expire_time"`
		EncryptCertificate *aead.EncryptedResource `json:"encrypt_certificate"`
	}

	// Fetcher downloads /v3/certificates with a signed GET and decrypts
	// each item with the merchant's API v3 key.
	Fetcher struct {
		client   *gateway.Client
		apiV3Key []byte
		metrics  *telemetry.PayMetrics
		logger   *slog.Logger
	}

	FetcherOption func(*Fetcher)
)

func WithMetrics(m *telemetry.PayMetrics) FetcherOption {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

func WithLogger(l *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFetcher uses client's credential API v3 key for decryption. client
// must not verify response signatures, the certificates are not known yet.
func NewFetcher(client *gateway.Client, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:   client,
		apiV3Key: client.Credential().APIv3Key,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// FetchCertificates implements domain.CertificateSource.
func (f *Fetcher) FetchCertificates(ctx context.Context) ([]domain.PlatformCertificate, error) {
	resp, err := f.client.Get(ctx, CertificatesPath)
	if err != nil {
		return nil, err
	}

	var list certificateList
	if err := json.Unmarshal(resp.Body, &list); err != nil {
		return nil, fmt.Errorf("%w: certificate list: %w", payerr.ErrParse, err)
	}

	results := worker.Map(ctx, decryptPoolSize, list.Data, f.decodeItem)

	certs := make([]domain.PlatformCertificate, 0, len(results))
	var errs []error
	for i, r := range results {
		if r.Err != nil {
			f.logger.WarnContext(ctx, "skipping platform certificate",
				slog.String("serial_no", list.Data[i].SerialNo),
				slog.Any("error", r.Err),
			)
			errs = append(errs, r.Err)
			continue
		}
		certs = append(certs, r.Value)
	}
	return certs, errors.Join(errs...)
}

func (f *Fetcher) decodeItem(ctx context.Context, item certificateItem) (domain.PlatformCertificate, error) {
	if item.SerialNo == "" || item.EncryptCertificate == nil {
		return domain.PlatformCertificate{}, fmt.Errorf("%w: certificate item missing serial_no or encrypt_certificate", payerr.ErrParse)
	}

	plaintext, err := aead.Decrypt(*item.EncryptCertificate, f.apiV3Key)
	if err != nil {
		f.metrics.Decryption(ctx, "certificate", telemetry.OutcomeError)
		return domain.PlatformCertificate{}, fmt.Errorf("certificate %s: %w", item.SerialNo, err)
	}
	f.metrics.Decryption(ctx, "certificate", telemetry.OutcomeOK)

	cert, err := parseCertificate(plaintext)
	if err != nil {
		return domain.PlatformCertificate{}, fmt.Errorf("certificate %s: %w", item.SerialNo, err)
	}

	// the listed serial must name the key we are about to cache under it;
	// compared as numbers since the listing may zero-pad the hex
	if listed, ok := new(big.Int).SetString(item.SerialNo, 16); !ok || listed.Cmp(cert.SerialNumber) != 0 {
		return domain.PlatformCertificate{}, fmt.Errorf("%w: listed serial %s does not match certificate serial %X",
			payerr.ErrParse, item.SerialNo, cert.SerialNumber)
	}

	effective, err := parseTime(item.EffectiveTime, cert.NotBefore)
	if err != nil {
		return domain.PlatformCertificate{}, fmt.Errorf("certificate %s effective_time: %w", item.SerialNo, err)
	}
	expire, err := parseTime(item.ExpireTime, cert.NotAfter)
	if err != nil {
		return domain.PlatformCertificate{}, fmt.Errorf("certificate %s expire_time: %w", item.SerialNo, err)
	}

	return domain.NewPlatformCertificate(item.SerialNo, plaintext, effective, expire)
}

func parseCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: decrypted payload is not a PEM certificate", payerr.ErrParse)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", payerr.ErrParse, err)
	}
	return cert, nil
}

// parseTime reads the gateway's RFC 3339 timestamps; an absent value falls
// back to the certificate's own validity bound.
func parseTime(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", payerr.ErrParse, err)
	}
	return t, nil
}
