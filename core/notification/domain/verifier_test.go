package domain_test

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	certdomain "wxpay/core/certificate/domain"
	"wxpay/core/notification/domain"
	"wxpay/core/payerr"
	"wxpay/internal/paytest"
	"wxpay/modules/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls atomic.Int64
	certs []certdomain.PlatformCertificate
}

func (s *countingSource) FetchCertificates(context.Context) ([]certdomain.PlatformCertificate, error) {
	s.calls.Add(1)
	return s.certs, nil
}

type fixture struct {
	platform *paytest.Platform
	source   *countingSource
	store    *certdomain.Store
	verifier *domain.Verifier
}

func newFixture(t *testing.T, opts ...domain.VerifierOption) *fixture {
	t.Helper()
	p := paytest.NewPlatform(t, 0x5157F09EFDC096DE, time.Now().Add(365*24*time.Hour))
	src := &countingSource{certs: []certdomain.PlatformCertificate{p.Certificate(t)}}
	store := certdomain.NewStore(src)
	require.NoError(t, store.AutoLoad(context.Background()))
	return &fixture{
		platform: p,
		source:   src,
		store:    store,
		verifier: domain.NewVerifier(store, opts...),
	}
}

func signedHeader(t *testing.T, p *paytest.Platform, ts, nonce string, body []byte) domain.Header {
	t.Helper()
	return domain.Header{
		Timestamp: ts,
		Nonce:     nonce,
		Signature: p.SignNotify(t, ts, nonce, string(body)),
		Serial:    p.SerialNo,
	}
}

func flip(s string, i int) string {
	b := []byte(s)
	b[i] ^= 0x01
	return string(b)
}

func TestVerify_ValidSignature(t *testing.T) {
	f := newFixture(t)
	body := paytest.NotifyBody(t, paytest.APIv3Key, "EV-2018022511223320873", "TRANSACTION.SUCCESS", paytest.PaymentPayload())
	h := signedHeader(t, f.platform, "1700000000", "5K8264ILTKCH16CQ2502SI8ZNMTM67VS", body)

	assert.True(t, f.verifier.Verify(context.Background(), h, body))
}

func TestVerify_AnySingleByteFlipFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := []byte(`{"id":"EV-1","event_type":"TRANSACTION.SUCCESS","resource":{"ciphertext":"c2Vj"}}`)
	h := signedHeader(t, f.platform, "1700000000", "abc123", body)
	require.True(t, f.verifier.Verify(ctx, h, body))

	for i := range body {
		tampered := []byte(flip(string(body), i))
		assert.False(t, f.verifier.Verify(ctx, h, tampered), "body byte %d", i)
	}
	for i := range h.Timestamp {
		hh := h
		hh.Timestamp = flip(h.Timestamp, i)
		assert.False(t, f.verifier.Verify(ctx, hh, body), "timestamp byte %d", i)
	}
	for i := range h.Nonce {
		hh := h
		hh.Nonce = flip(h.Nonce, i)
		assert.False(t, f.verifier.Verify(ctx, hh, body), "nonce byte %d", i)
	}
	for i := range h.Signature {
		hh := h
		hh.Signature = flip(h.Signature, i)
		assert.False(t, f.verifier.Verify(ctx, hh, body), "signature char %d", i)
	}

	raw, err := base64.StdEncoding.DecodeString(h.Signature)
	require.NoError(t, err)
	for i := range raw {
		tampered := append([]byte(nil), raw...)
		tampered[i] ^= 0x80
		hh := h
		hh.Signature = base64.StdEncoding.EncodeToString(tampered)
		assert.False(t, f.verifier.Verify(ctx, hh, body), "signature byte %d", i)
	}
}

func TestVerify_UnknownSerialDoesNotFetch(t *testing.T) {
	f := newFixture(t)
	require.EqualValues(t, 1, f.source.calls.Load())

	body := []byte(`{}`)
	h := signedHeader(t, f.platform, "1700000000", "abc123", body)
	h.Serial = "0123456789ABCDEF"

	assert.False(t, f.verifier.Verify(context.Background(), h, body))
	assert.EqualValues(t, 1, f.source.calls.Load())
}

func TestVerify_EmptyStoreFailsClosed(t *testing.T) {
	p := paytest.NewPlatform(t, 0x10, time.Now().Add(time.Hour))
	src := &countingSource{certs: []certdomain.PlatformCertificate{p.Certificate(t)}}
	v := domain.NewVerifier(certdomain.NewStore(src))

	body := []byte(`{}`)
	assert.False(t, v.Verify(context.Background(), signedHeader(t, p, "1700000000", "abc123", body), body))
	assert.Zero(t, src.calls.Load())
}

func TestVerify_SignedByAnotherKey(t *testing.T) {
	f := newFixture(t)
	impostor := paytest.NewPlatform(t, 0x5157F09EFDC096DE, time.Now().Add(time.Hour))

	body := []byte(`{}`)
	h := signedHeader(t, impostor, "1700000000", "abc123", body)
	assert.Equal(t, f.platform.SerialNo, h.Serial)
	assert.False(t, f.verifier.Verify(context.Background(), h, body))
}

func TestVerify_MissingHeaders(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{}`)
	good := signedHeader(t, f.platform, "1700000000", "abc123", body)

	cases := map[string]func(h *domain.Header){
		"timestamp": func(h *domain.Header) { h.Timestamp = "" },
		"nonce":     func(h *domain.Header) { h.Nonce = "" },
		"signature": func(h *domain.Header) { h.Signature = "" },
		"serial":    func(h *domain.Header) { h.Serial = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := good
			mutate(&h)
			assert.False(t, f.verifier.Verify(context.Background(), h, body))
		})
	}
}

func TestVerify_ExpiredCertificate(t *testing.T) {
	now := time.Now()
	p := paytest.NewPlatform(t, 0x20, now.Add(time.Hour))
	src := &countingSource{certs: []certdomain.PlatformCertificate{p.Certificate(t)}}
	store := certdomain.NewStore(src, certdomain.WithClock(clock.Fixed(now.Add(2*time.Hour))))
	// populate directly, AutoLoad would refuse to treat an expired set as usable
	require.NoError(t, store.Refresh(context.Background()))

	body := []byte(`{}`)
	v := domain.NewVerifier(store)
	assert.False(t, v.Verify(context.Background(), signedHeader(t, p, "1700000000", "abc123", body), body))
}

func TestVerify_MaxSkew(t *testing.T) {
	now := time.Unix(1700000000, 0)
	f := newFixture(t, domain.WithMaxSkew(5*time.Minute), domain.WithVerifierClock(clock.Fixed(now)))
	body := []byte(`{}`)

	cases := map[string]struct {
		ts   string
		want bool
	}{
		"now":             {ts: paytest.Unix(now), want: true},
		"four minutes":    {ts: paytest.Unix(now.Add(-4 * time.Minute)), want: true},
		"ten minutes old": {ts: paytest.Unix(now.Add(-10 * time.Minute)), want: false},
		"in the future":   {ts: paytest.Unix(now.Add(10 * time.Minute)), want: false},
		"not a number":    {ts: "yesterday", want: false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := signedHeader(t, f.platform, tc.ts, "abc123", body)
			assert.Equal(t, tc.want, f.verifier.Verify(context.Background(), h, body))
		})
	}
}

func TestVerifyHTTP(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"code":"SUCCESS"}`)
	header := f.platform.NotifyHeader(t, time.Now(), "abc123", body)

	require.NoError(t, f.verifier.VerifyHTTP(context.Background(), header, body))

	err := f.verifier.VerifyHTTP(context.Background(), header, []byte(`{"code":"FAIL"}`))
	assert.ErrorIs(t, err, payerr.ErrInvalidSignature)

	err = f.verifier.VerifyHTTP(context.Background(), http.Header{}, body)
	assert.ErrorIs(t, err, payerr.ErrInvalidSignature)
}
