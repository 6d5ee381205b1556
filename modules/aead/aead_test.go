package aead

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"wxpay/core/payerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestRoundTrip(t *testing.T) {
	big := make([]byte, 64*1024)
	_, _ = rand.Read(big)

	cases := map[string]struct {
		plaintext []byte
		nonce     string
		aad       string
	}{
		"json payload":   {plaintext: []byte(`{"out_trade_no":"1217752501201407033233368018"}`), nonce: "fdasflkja484", aad: "transaction"},
		"empty aad":      {plaintext: []byte("hello"), nonce: "a1b2c3d4e5f6", aad: ""},
		"empty payload":  {plaintext: []byte{}, nonce: "a1b2c3d4e5f6", aad: "certificate"},
		"binary payload": {plaintext: big, nonce: "0000000000ab", aad: "x"},
		"long nonce":     {plaintext: []byte("odd nonce size"), nonce: "a-nonce-of-twenty-two!", aad: "refund"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := Encrypt(tc.plaintext, testKey, tc.nonce, tc.aad)
			require.NoError(t, err)
			assert.Equal(t, AlgorithmAES256GCM, res.Algorithm)

			got, err := Decrypt(res, testKey)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tc.plaintext, got))
		})
	}
}

func TestDecrypt_TamperAlwaysFails(t *testing.T) {
	res, err := Encrypt([]byte(`{"trade_state":"SUCCESS"}`), testKey, "fdasflkja484", "transaction")
	require.NoError(t, err)

	t.Run("wrong key", func(t *testing.T) {
		wrong := bytes.Clone(testKey)
		wrong[0] ^= 0xff
		_, err := Decrypt(res, wrong)
		assert.ErrorIs(t, err, payerr.ErrDecryption)
	})

	t.Run("wrong nonce", func(t *testing.T) {
		r := res
		r.Nonce = "fdasflkja485"
		_, err := Decrypt(r, testKey)
		assert.ErrorIs(t, err, payerr.ErrDecryption)
	})

	t.Run("wrong associated data", func(t *testing.T) {
		r := res
		r.AssociatedData = "refund"
		_, err := Decrypt(r, testKey)
		assert.ErrorIs(t, err, payerr.ErrDecryption)
	})

	t.Run("missing associated data", func(t *testing.T) {
		r := res
		r.AssociatedData = ""
		_, err := Decrypt(r, testKey)
		assert.ErrorIs(t, err, payerr.ErrDecryption)
	})

	// every single-bit flip, in the body and in the trailing tag
	sealed, err := base64.StdEncoding.DecodeString(res.Ciphertext)
	require.NoError(t, err)
	for i := range sealed {
		for bit := range 8 {
			tampered := bytes.Clone(sealed)
			tampered[i] ^= 1 << bit

			r := res
			r.Ciphertext = base64.StdEncoding.EncodeToString(tampered)
			out, err := Decrypt(r, testKey)
			require.ErrorIs(t, err, payerr.ErrDecryption, "byte %d bit %d", i, bit)
			require.Nil(t, out)
		}
	}
}

func TestDecrypt_MalformedInput(t *testing.T) {
	res, err := Encrypt([]byte("payload"), testKey, "fdasflkja484", "certificate")
	require.NoError(t, err)

	t.Run("unsupported algorithm", func(t *testing.T) {
		r := res
		r.Algorithm = "AEAD_AES_128_GCM"
		_, err := Decrypt(r, testKey)
		assert.ErrorIs(t, err, payerr.ErrUnsupportedAlgorithm)
	})

	t.Run("algorithm is case sensitive", func(t *testing.T) {
		r := res
		r.Algorithm = "aead_aes_256_gcm"
		_, err := Decrypt(r, testKey)
		assert.ErrorIs(t, err, payerr.ErrUnsupportedAlgorithm)
	})

	t.Run("ciphertext not base64", func(t *testing.T) {
		r := res
		r.Ciphertext = "***"
		_, err := Decrypt(r, testKey)
		assert.ErrorIs(t, err, payerr.ErrDecryption)
	})

	t.Run("ciphertext shorter than tag", func(t *testing.T) {
		r := res
		r.Ciphertext = base64.StdEncoding.EncodeToString([]byte("short"))
		_, err := Decrypt(r, testKey)
		assert.ErrorIs(t, err, payerr.ErrDecryption)
	})

	t.Run("truncated tag", func(t *testing.T) {
		sealed, _ := base64.StdEncoding.DecodeString(res.Ciphertext)
		r := res
		r.Ciphertext = base64.StdEncoding.EncodeToString(sealed[:len(sealed)-1])
		_, err := Decrypt(r, testKey)
		assert.ErrorIs(t, err, payerr.ErrDecryption)
	})

	t.Run("short key", func(t *testing.T) {
		_, err := Decrypt(res, testKey[:16])
		assert.ErrorIs(t, err, payerr.ErrDecryption)
	})

	t.Run("empty nonce", func(t *testing.T) {
		r := res
		r.Nonce = ""
		_, err := Decrypt(r, testKey)
		assert.ErrorIs(t, err, payerr.ErrDecryption)
	})
}
