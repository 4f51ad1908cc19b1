package mls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"github.com/cisco/go-hpke"
	syntax "github.com/cisco/go-tls-syntax"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

type CipherSuite uint16

const (
	X25519_AES128GCM_SHA256_Ed25519        CipherSuite = 0x0001
	X25519_CHACHA20POLY1305_SHA256_Ed25519 CipherSuite = 0x0003
)

type cipherConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int
	HPKEKEM    hpke.KEMID
	HPKEKDF    hpke.KDFID
	HPKEAEAD   hpke.AEADID
}

func (cs CipherSuite) supported() bool {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return true
	}
	return false
}

func (cs CipherSuite) Constants() cipherConstants {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return cipherConstants{
			KeySize:    16,
			NonceSize:  12,
			SecretSize: 32,
			HPKEKEM:    hpke.DHKEM_X25519,
			HPKEKDF:    hpke.KDF_HKDF_SHA256,
			HPKEAEAD:   hpke.AEAD_AESGCM128,
		}
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return cipherConstants{
			KeySize:    32,
			NonceSize:  12,
			SecretSize: 32,
			HPKEKEM:    hpke.DHKEM_X25519,
			HPKEKDF:    hpke.KDF_HKDF_SHA256,
			HPKEAEAD:   hpke.AEAD_CHACHA20POLY1305,
		}
	}
	panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) Scheme() SignatureScheme {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return Ed25519
	}
	panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) newDigest() hash.Hash {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return sha256.New()
	}
	panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) hashFunc() func() hash.Hash {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return sha256.New
	}
	panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) Digest(data []byte) []byte {
	d := cs.newDigest()
	d.Write(data)
	return d.Sum(nil)
}

func (cs CipherSuite) newHMAC(key []byte) hash.Hash {
	return hmac.New(cs.hashFunc(), key)
}

func (cs CipherSuite) NewAEAD(key []byte) (cipher.AEAD, error) {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return chacha20poly1305.New(key)
	}
	return nil, fmt.Errorf("mls.crypto: unsupported ciphersuite %04x", uint16(cs))
}

func (cs CipherSuite) zero() []byte {
	return make([]byte, cs.newDigest().Size())
}

///
/// HKDF key schedule primitives
///

func (cs CipherSuite) hkdfExtract(secret, salt []byte) []byte {
	return hkdf.Extract(cs.hashFunc(), secret, salt)
}

func (cs CipherSuite) hkdfExpand(secret, info []byte, size int) []byte {
	out := make([]byte, size)
	r := hkdf.Expand(cs.hashFunc(), secret, info)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Errorf("mls.crypto: hkdf expand failure %v", err))
	}
	return out
}

type hkdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func (cs CipherSuite) hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	mlsLabel := []byte("mls10 " + label)
	labelData, err := syntax.Marshal(hkdfLabel{uint16(length), mlsLabel, context})
	if err != nil {
		panic(fmt.Errorf("mls.crypto: hkdf label marshal failure %v", err))
	}
	return cs.hkdfExpand(secret, labelData, length)
}

func (cs CipherSuite) deriveSecret(secret []byte, label string, context []byte) []byte {
	contextHash := cs.Digest(context)
	size := cs.Constants().SecretSize
	return cs.hkdfExpandLabel(secret, label, contextHash, size)
}

type applicationContext struct {
	Member     LeafIndex
	Generation uint32
}

func (cs CipherSuite) deriveAppSecret(secret []byte, label string, member LeafIndex, generation uint32, length int) []byte {
	context, err := syntax.Marshal(applicationContext{member, generation})
	if err != nil {
		panic(fmt.Errorf("mls.crypto: app context marshal failure %v", err))
	}
	return cs.hkdfExpandLabel(secret, label, context, length)
}

///
/// HPKE
///

type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k HPKEPublicKey) Equals(o HPKEPublicKey) bool {
	return constantEqual(k.Data, o.Data)
}

type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

type hpkeInstance struct {
	ID        CipherSuite
	BaseSuite hpke.CipherSuite
}

func (cs CipherSuite) hpke() hpkeInstance {
	cc := cs.Constants()
	suite, err := hpke.AssembleCipherSuite(cc.HPKEKEM, cc.HPKEKDF, cc.HPKEAEAD)
	if err != nil {
		panic(fmt.Errorf("mls.crypto: hpke suite assembly failure %v", err))
	}
	return hpkeInstance{cs, suite}
}

func (h hpkeInstance) Generate() (HPKEPrivateKey, error) {
	ikm := make([]byte, h.BaseSuite.KEM.PrivateKeySize())
	if _, err := rand.Read(ikm); err != nil {
		return HPKEPrivateKey{}, err
	}

	priv, pub, err := h.BaseSuite.KEM.DeriveKeyPair(ikm)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	key := HPKEPrivateKey{
		Data:      h.BaseSuite.KEM.SerializePrivateKey(priv),
		PublicKey: HPKEPublicKey{h.BaseSuite.KEM.SerializePublicKey(pub)},
	}
	return key, nil
}

func (h hpkeInstance) Derive(seed []byte) (HPKEPrivateKey, error) {
	digest := h.ID.Digest(seed)
	priv, pub, err := h.BaseSuite.KEM.DeriveKeyPair(digest)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	key := HPKEPrivateKey{
		Data:      h.BaseSuite.KEM.SerializePrivateKey(priv),
		PublicKey: HPKEPublicKey{h.BaseSuite.KEM.SerializePublicKey(pub)},
	}
	return key, nil
}

func (h hpkeInstance) Encrypt(pub HPKEPublicKey, aad, pt []byte) (HPKECiphertext, error) {
	pkR, err := h.BaseSuite.KEM.DeserializePublicKey(pub.Data)
	if err != nil {
		return HPKECiphertext{}, err
	}

	enc, ctx, err := hpke.SetupBaseS(h.BaseSuite, rand.Reader, pkR, nil)
	if err != nil {
		return HPKECiphertext{}, err
	}

	ct := ctx.Seal(aad, pt)
	return HPKECiphertext{enc, ct}, nil
}

func (h hpkeInstance) Decrypt(priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error) {
	skR, err := h.BaseSuite.KEM.DeserializePrivateKey(priv.Data)
	if err != nil {
		return nil, err
	}

	ctx, err := hpke.SetupBaseR(h.BaseSuite, skR, ct.KEMOutput, nil)
	if err != nil {
		return nil, err
	}

	return ctx.Open(aad, ct.Ciphertext)
}

///
/// Signing
///

type SignatureScheme uint16

const (
	Ed25519 SignatureScheme = 0x0807
)

func (ss SignatureScheme) supported() bool {
	return ss == Ed25519
}

type SignaturePrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey SignaturePublicKey
}

type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

func (pub SignaturePublicKey) Equals(o SignaturePublicKey) bool {
	return constantEqual(pub.Data, o.Data)
}

func (ss SignatureScheme) Generate() (SignaturePrivateKey, error) {
	if ss != Ed25519 {
		return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: unsupported signature scheme %04x", uint16(ss))
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SignaturePrivateKey{}, err
	}

	return SignaturePrivateKey{
		Data:      priv,
		PublicKey: SignaturePublicKey{pub},
	}, nil
}

// Derive produces a deterministic signing key from a seed, so that a stable
// identity secret always yields the same MLS signature key.
func (ss SignatureScheme) Derive(seed []byte) (SignaturePrivateKey, error) {
	if ss != Ed25519 {
		return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: unsupported signature scheme %04x", uint16(ss))
	}

	digest := sha256.Sum256(seed)
	priv := ed25519.NewKeyFromSeed(digest[:])
	pub := priv.Public().(ed25519.PublicKey)
	return SignaturePrivateKey{
		Data:      priv,
		PublicKey: SignaturePublicKey{pub},
	}, nil
}

func (ss SignatureScheme) Sign(priv *SignaturePrivateKey, message []byte) ([]byte, error) {
	if ss != Ed25519 {
		return nil, fmt.Errorf("mls.crypto: unsupported signature scheme %04x", uint16(ss))
	}
	if len(priv.Data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("mls.crypto: invalid signing key size %d", len(priv.Data))
	}

	return ed25519.Sign(ed25519.PrivateKey(priv.Data), message), nil
}

func (ss SignatureScheme) Verify(pub *SignaturePublicKey, message, signature []byte) bool {
	if ss != Ed25519 || len(pub.Data) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub.Data), message, signature)
}

func constantEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	eq := true
	for i := range a {
		eq = eq && a[i] == b[i]
	}
	return eq
}
