package mls

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

var suites = []CipherSuite{
	X25519_AES128GCM_SHA256_Ed25519,
	X25519_CHACHA20POLY1305_SHA256_Ed25519,
}

func TestDigestSize(t *testing.T) {
	data := []byte("input")
	for _, suite := range suites {
		d := suite.Digest(data)
		require.Equal(t, suite.Constants().SecretSize, len(d))
	}
}

func TestHKDFExpandLabel(t *testing.T) {
	secret := bytes.Repeat([]byte{0xA0}, 32)
	for _, suite := range suites {
		out := suite.hkdfExpandLabel(secret, "test", []byte("ctx"), 16)
		require.Equal(t, 16, len(out))
		require.Equal(t, out, suite.hkdfExpandLabel(secret, "test", []byte("ctx"), 16))
		require.NotEqual(t, out, suite.hkdfExpandLabel(secret, "other", []byte("ctx"), 16))
	}
}

func TestHPKERoundTrip(t *testing.T) {
	aad := []byte("aad")
	original := []byte("plaintext")
	for _, suite := range suites {
		priv, err := suite.hpke().Generate()
		require.Nil(t, err)

		encrypted, err := suite.hpke().Encrypt(priv.PublicKey, aad, original)
		require.Nil(t, err)

		decrypted, err := suite.hpke().Decrypt(priv, aad, encrypted)
		require.Nil(t, err)
		require.Equal(t, original, decrypted)

		_, err = suite.hpke().Decrypt(priv, []byte("wrong"), encrypted)
		require.Error(t, err)
	}
}

func TestHPKEDerive(t *testing.T) {
	seed := bytes.Repeat([]byte{0xB0}, 32)
	for _, suite := range suites {
		k1, err := suite.hpke().Derive(seed)
		require.Nil(t, err)
		k2, err := suite.hpke().Derive(seed)
		require.Nil(t, err)
		require.Equal(t, k1.PublicKey.Data, k2.PublicKey.Data)
	}
}

func TestSignVerify(t *testing.T) {
	message := []byte("sign me")
	priv, err := Ed25519.Generate()
	require.Nil(t, err)

	sig, err := Ed25519.Sign(&priv, message)
	require.Nil(t, err)
	require.True(t, Ed25519.Verify(&priv.PublicKey, message, sig))
	require.False(t, Ed25519.Verify(&priv.PublicKey, []byte("other"), sig))
}
