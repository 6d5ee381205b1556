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

// CertificateSource downloads and decrypts the gateway's platform certificates.
//
// Contract:
//   - A transport failure or non-2xx reply returns (nil, err) with err
//     wrapping payerr.ErrRequest; the store is then left untouched.
//   - Items that fail to decrypt or parse are skipped. The certificates that
//     did decode are returned together with a joined error describing the
//     skipped items (payerr.ErrDecryption / payerr.ErrParse).
//   - A returned certificate's SerialNo always matches the key it carries.
type CertificateSource interface {
	FetchCertificates(ctx context.Context) ([]PlatformCertificate, error)
}

// CertificateGetter is the read side consumed by notification verification.
// Lookups never fetch.
type CertificateGetter interface {
	Get(serialNo string) (PlatformCertificate, bool)
}
