package moq

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// CapabilityVersion is the only capability format this code emits or
// accepts.
const CapabilityVersion = 1

// DefaultCapabilityTTL bounds self-issued tokens. Relays are expected
// to reject expired tokens, so the bridge mints fresh ones per track
// open rather than caching long-lived grants.
const DefaultCapabilityTTL = 10 * time.Minute

// Signer produces BIP-340 signatures under a 32-byte x-only public
// key. *identity.Identity satisfies it.
type Signer interface {
	PublicKey() []byte
	SchnorrSign(digest []byte) ([]byte, error)
}

// Capability is a self-issued authorization claim for relay tracks
// under one group root. It travels base64url-encoded in a URL query
// parameter together with a detached Schnorr signature.
type Capability struct {
	Ver  int      `json:"ver"`
	KID  string   `json:"kid"`
	Root string   `json:"root"`
	Get  []string `json:"get,omitempty"`
	Put  []string `json:"put,omitempty"`
	Exp  int64    `json:"exp"`
	Nbf  int64    `json:"nbf,omitempty"`
	Aud  string   `json:"aud,omitempty"`
	JTI  string   `json:"jti,omitempty"`
}

// NewCapability mints a capability for the given root scoped to the
// listed track suffixes, keyed by the signer's identity.
func NewCapability(signer Signer, root string, get, put []string) *Capability {
	now := time.Now()
	return &Capability{
		Ver:  CapabilityVersion,
		KID:  hex.EncodeToString(signer.PublicKey()),
		Root: root,
		Get:  get,
		Put:  put,
		Exp:  now.Add(DefaultCapabilityTTL).Unix(),
		Nbf:  now.Add(-1 * time.Minute).Unix(),
	}
}

// Encode serializes and signs the capability. The returned values are
// the base64url payload and base64url signature, ready for query
// parameters.
func (c *Capability) Encode(signer Signer) (payload, sig string, err error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", "", fmt.Errorf("moq.capability: serialize: %v", err)
	}
	digest := sha256.Sum256(raw)
	sigBytes, err := signer.SchnorrSign(digest[:])
	if err != nil {
		return "", "", fmt.Errorf("moq.capability: sign: %v", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(raw), enc.EncodeToString(sigBytes), nil
}

// Query returns the capability as URL query parameters ("cap", "sig").
func (c *Capability) Query(signer Signer) (string, error) {
	payload, sig, err := c.Encode(signer)
	if err != nil {
		return "", err
	}
	v := url.Values{}
	v.Set("cap", payload)
	v.Set("sig", sig)
	return v.Encode(), nil
}

// DecodeCapability verifies a base64url payload and signature pair and
// returns the claims. The signature must verify under the embedded kid
// and the validity window must cover now.
func DecodeCapability(payload, sig string, now time.Time) (*Capability, error) {
	enc := base64.RawURLEncoding
	raw, err := enc.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("moq.capability: bad payload encoding: %v", err)
	}
	sigBytes, err := enc.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("moq.capability: bad signature encoding: %v", err)
	}
	var c Capability
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("moq.capability: parse: %v", err)
	}
	if c.Ver != CapabilityVersion {
		return nil, fmt.Errorf("moq.capability: unsupported version %d", c.Ver)
	}
	kid, err := hex.DecodeString(c.KID)
	if err != nil {
		return nil, fmt.Errorf("moq.capability: bad kid: %v", err)
	}
	pub, err := schnorr.ParsePubKey(kid)
	if err != nil {
		return nil, fmt.Errorf("moq.capability: bad kid: %v", err)
	}
	parsed, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return nil, fmt.Errorf("moq.capability: bad signature: %v", err)
	}
	digest := sha256.Sum256(raw)
	if !parsed.Verify(digest[:], pub) {
		return nil, fmt.Errorf("moq.capability: signature verification failed")
	}
	if c.Nbf != 0 && now.Unix() < c.Nbf {
		return nil, fmt.Errorf("moq.capability: not yet valid")
	}
	if now.Unix() >= c.Exp {
		return nil, fmt.Errorf("moq.capability: expired")
	}
	return &c, nil
}

// Allows reports whether the capability grants the given access to a
// track path.
func (c *Capability) Allows(track string, write bool) bool {
	grants := c.Get
	if write {
		grants = c.Put
	}
	for _, g := range grants {
		if c.Root+"/"+g == track || g == track {
			return true
		}
	}
	return false
}
