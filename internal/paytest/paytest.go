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

// Package paytest mints gateway-side fixtures for tests: platform
// certificates, signed webhooks and encrypted certificate lists.
package paytest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"wxpay/core/certificate/domain"
	"wxpay/modules/aead"
	"wxpay/modules/credential"
	"wxpay/modules/signature"
)

// APIv3Key is a valid 32 byte symmetric key for fixtures.
const APIv3Key = "0123456789abcdef0123456789abcdef"

// Platform is a gateway signing identity: an RSA key and its certificate.
type Platform struct {
	Key       *rsa.PrivateKey
	CertPEM   []byte
	SerialNo  string
	NotBefore time.Time
	NotAfter  time.Time

	signer *signature.Signer
}

// NewPlatform creates a self-signed certificate whose serial_no is the upper
// hex of serial, matching how the gateway lists it.
func NewPlatform(t testing.TB, serial int64, notAfter time.Time) *Platform {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate platform key: %v", err)
	}
	notBefore := notAfter.Add(-5 * 365 * 24 * time.Hour)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "Tenpay.com Root CA", Organization: []string{"Tenpay.com"}},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create platform certificate: %v", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	signer, err := signature.NewSigner(keyPEM)
	if err != nil {
		t.Fatalf("platform signer: %v", err)
	}

	return &Platform{
		Key:       key,
		CertPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		SerialNo:  fmt.Sprintf("%X", big.NewInt(serial)),
		NotBefore: notBefore,
		NotAfter:  notAfter,
		signer:    signer,
	}
}

// Certificate returns the store value for this platform.
func (p *Platform) Certificate(t testing.TB) domain.PlatformCertificate {
	t.Helper()
	c, err := domain.NewPlatformCertificate(p.SerialNo, p.CertPEM, p.NotBefore, p.NotAfter)
	if err != nil {
		t.Fatalf("platform certificate: %v", err)
	}
	return c
}

// SignNotify signs the webhook canonical string the way the gateway does.
func (p *Platform) SignNotify(t testing.TB, timestamp, nonce, body string) string {
	t.Helper()
	sig, err := p.signer.SignMessage(signature.NotifyMessage(timestamp, nonce, body))
	if err != nil {
		t.Fatalf("sign notify: %v", err)
	}
	return sig
}

// CertificateItem is one element of the /v3/certificates "data" array.
type CertificateItem struct {
	SerialNo           string                 `json:"serial_no"`
	EffectiveTime      string                 `json:"effective_time"`
	ExpireTime         string                 `json:"expire_time"`
	EncryptCertificate aead.EncryptedResource `json:"encrypt_certificate"`
}

// Item encrypts the platform certificate with apiV3Key.
func (p *Platform) Item(t testing.TB, apiV3Key string) CertificateItem {
	t.Helper()
	enc, err := aead.Encrypt(p.CertPEM, []byte(apiV3Key), nonceFor(p.SerialNo), "certificate")
	if err != nil {
		t.Fatalf("encrypt certificate: %v", err)
	}
	return CertificateItem{
		SerialNo:           p.SerialNo,
		EffectiveTime:      p.NotBefore.Format(time.RFC3339),
		ExpireTime:         p.NotAfter.Format(time.RFC3339),
		EncryptCertificate: enc,
	}
}

// CertificateList renders a /v3/certificates response body.
func CertificateList(t testing.TB, items ...CertificateItem) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"data": items})
	if err != nil {
		t.Fatalf("marshal certificate list: %v", err)
	}
	return b
}

func nonceFor(serial string) string {
	n := "000000000000" + serial
	return n[len(n)-12:]
}

var (
	merchantOnce sync.Once
	merchantKey  []byte
	merchantErr  error
)

// Merchant returns a credential with a process-wide generated RSA key.
func Merchant(t testing.TB) credential.MerchantCredential {
	t.Helper()
	merchantOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			merchantErr = err
			return
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			merchantErr = err
			return
		}
		merchantKey = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	})
	if merchantErr != nil {
		t.Fatalf("merchant key: %v", merchantErr)
	}
	return credential.MerchantCredential{
		AppID:      "wxd678efh567hg6787",
		MchID:      "1900009191",
		SerialNo:   "3775B6A45ACD588826D15E583A95F5DD1B4F1A2C",
		PrivateKey: merchantKey,
		APIv3Key:   []byte(APIv3Key),
	}
}

// Unix formats t as the gateway's string timestamp header.
func Unix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// NotifyBody renders a webhook envelope whose resource is payload encrypted
// with apiV3Key.
func NotifyBody(t testing.TB, apiV3Key, id, eventType string, payload any) []byte {
	t.Helper()
	plaintext, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal notification payload: %v", err)
	}
	return NotifyBodyRaw(t, apiV3Key, id, eventType, plaintext)
}

// NotifyBodyRaw is NotifyBody for an already encoded resource plaintext.
func NotifyBodyRaw(t testing.TB, apiV3Key, id, eventType string, plaintext []byte) []byte {
	t.Helper()
	originalType := "transaction"
	if strings.HasPrefix(eventType, "REFUND.") {
		originalType = "refund"
	}
	res, err := aead.Encrypt(plaintext, []byte(apiV3Key), "fdasflkja484", originalType)
	if err != nil {
		t.Fatalf("encrypt notification: %v", err)
	}
	res.OriginalType = originalType
	body, err := json.Marshal(map[string]any{
		"id":            id,
		"create_time":   "2015-05-20T13:29:35+08:00",
		"event_type":    eventType,
		"summary":       "支付成功",
		"resource_type": "encrypt-resource",
		"resource":      res,
	})
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	return body
}

// NotifyHeader signs body at ts and returns the Wechatpay-* headers the
// gateway would send with it.
func (p *Platform) NotifyHeader(t testing.TB, ts time.Time, nonce string, body []byte) http.Header {
	t.Helper()
	h := http.Header{}
	h.Set("Wechatpay-Timestamp", Unix(ts))
	h.Set("Wechatpay-Nonce", nonce)
	h.Set("Wechatpay-Signature", p.SignNotify(t, Unix(ts), nonce, string(body)))
	h.Set("Wechatpay-Serial", p.SerialNo)
	h.Set("Content-Type", "application/json")
	return h
}

// PaymentPayload is a representative TRANSACTION.SUCCESS resource.
func PaymentPayload() map[string]any {
	return map[string]any{
		"appid":            "wxd678efh567hg6787",
		"mchid":            "1230000109",
		"out_trade_no":     "1217752501201407033233368018",
		"transaction_id":   "1217752501201407033233368018",
		"trade_type":       "JSAPI",
		"trade_state":      "SUCCESS",
		"trade_state_desc": "支付成功",
		"bank_type":        "CMC",
		"attach":           "自定义数据",
		"success_time":     "2018-06-08T10:34:56+08:00",
		"payer":            map[string]any{"openid": "oUpF8uMuAJO_M2pxb1Q9zNjWeS6o"},
		"amount":           map[string]any{"total": 100, "payer_total": 100, "currency": "CNY", "payer_currency": "CNY"},
	}
}

// RefundPayload is a representative REFUND.SUCCESS resource.
func RefundPayload() map[string]any {
	return map[string]any{
		"mchid":                 "1900000100",
		"transaction_id":        "1008450740201411110005820873",
		"out_trade_no":          "20150806125346",
		"refund_id":             "50200207182018070300011301001",
		"out_refund_no":         "7752501201407033233368018",
		"refund_status":         "SUCCESS",
		"success_time":          "2018-06-08T10:34:56+08:00",
		"user_received_account": "招商银行信用卡0403",
		"amount":                map[string]any{"total": 999, "refund": 999, "payer_total": 999, "payer_refund": 999},
	}
}
