// Package media derives per-sender audio keys from MLS exporter
// secrets and performs the frame AEAD. All state is per (sender,
// track, epoch): a 32-byte base key fans out into per-generation AEAD
// keys and nonce salts, where the generation is the high byte of the
// 32-bit frame counter.
package media

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// BaseKeySize is the exporter output length for a media base key.
	BaseKeySize = 32

	// ExporterLabel is the MLS exporter label media base keys derive
	// under.
	ExporterLabel = "moq-media-base-v1"

	// GenerationCacheTTL bounds how long derived generation keys (and,
	// in the receiver, prior-epoch base keys) stay usable. Ten seconds
	// absorbs reorder and late delivery across rotations.
	GenerationCacheTTL = 10 * time.Second

	aeadKeySize   = 32
	nonceSaltSize = 12
)

type cachedGeneration struct {
	aead      cipher.AEAD
	nonceSalt [nonceSaltSize]byte
	createdAt time.Time
}

// Crypto encrypts and decrypts media frames under one base key. It is
// safe for concurrent use.
type Crypto struct {
	sync.Mutex
	baseKey [BaseKeySize]byte
	cache   map[uint8]*cachedGeneration

	// now is replaced in tests.
	now func() time.Time
}

// New creates a Crypto from a 32-byte exporter-derived base key.
func New(baseKey []byte) (*Crypto, error) {
	if len(baseKey) != BaseKeySize {
		return nil, fmt.Errorf("media: base key must be %d bytes, got %d", BaseKeySize, len(baseKey))
	}
	c := &Crypto{
		cache: make(map[uint8]*cachedGeneration),
		now:   time.Now,
	}
	copy(c.baseKey[:], baseKey)
	return c, nil
}

// generationKeys derives (or returns cached) AEAD state for one
// generation. Expired entries are purged on each access.
func (c *Crypto) generationKeys(generation uint8) (*cachedGeneration, error) {
	c.Lock()
	defer c.Unlock()

	now := c.now()
	for g, cached := range c.cache {
		if now.Sub(cached.createdAt) >= GenerationCacheTTL {
			delete(c.cache, g)
		}
	}

	if cached, ok := c.cache[generation]; ok {
		return cached, nil
	}

	key := make([]byte, aeadKeySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, c.baseKey[:], []byte{'k', generation}), key); err != nil {
		return nil, fmt.Errorf("media: derive generation key: %v", err)
	}
	cached := &cachedGeneration{createdAt: now}
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, c.baseKey[:], []byte{'n', generation}), cached.nonceSalt[:]); err != nil {
		return nil, fmt.Errorf("media: derive nonce salt: %v", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("media: %v", err)
	}
	cached.aead, err = cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("media: %v", err)
	}
	c.cache[generation] = cached
	return cached, nil
}

// constructNonce XORs the big-endian frame counter into the last four
// bytes of the generation's nonce salt. Uniqueness holds because the
// counter (including its generation byte) never repeats within an
// epoch.
func constructNonce(salt [nonceSaltSize]byte, counter uint32) [nonceSaltSize]byte {
	nonce := salt
	var ctr [4]byte
	binary.BigEndian.PutUint32(ctr[:], counter)
	for i, b := range ctr {
		nonce[8+i] ^= b
	}
	return nonce
}

// Encrypt seals a plaintext under the counter's generation key.
func (c *Crypto) Encrypt(plaintext []byte, counter uint32, aad []byte) ([]byte, error) {
	generation := uint8(counter >> 24)
	keys, err := c.generationKeys(generation)
	if err != nil {
		return nil, err
	}
	nonce := constructNonce(keys.nonceSalt, counter)
	return keys.aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Decrypt opens a ciphertext sealed by Encrypt with the same counter
// and AAD.
func (c *Crypto) Decrypt(ciphertext []byte, counter uint32, aad []byte) ([]byte, error) {
	generation := uint8(counter >> 24)
	keys, err := c.generationKeys(generation)
	if err != nil {
		return nil, err
	}
	nonce := constructNonce(keys.nonceSalt, counter)
	plaintext, err := keys.aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("media: frame authentication failed")
	}
	return plaintext, nil
}
