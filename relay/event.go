package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// HandshakeKind is the event kind reserved for bootstrap handshake
// traffic. Relays that index by kind keep handshake envelopes apart
// from unrelated application events.
const HandshakeKind = 44501

// Event is a signed relay event. The wire form matches the common
// relay convention: a flat JSON object whose id is the SHA-256 of a
// canonical serialization and whose sig is a BIP-340 signature over
// that id.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Signer produces BIP-340 signatures under a 32-byte x-only public
// key. *identity.Identity satisfies it.
type Signer interface {
	PublicKey() []byte
	SchnorrSign(digest []byte) ([]byte, error)
}

func (ev *Event) idDigest() ([]byte, error) {
	canonical := []interface{}{
		0,
		ev.PubKey,
		ev.CreatedAt,
		ev.Kind,
		ev.Tags,
		ev.Content,
	}
	enc, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("relay.event: serialize for id: %v", err)
	}
	digest := sha256.Sum256(enc)
	return digest[:], nil
}

// ComputeID fills in the event id from the canonical serialization.
func (ev *Event) ComputeID() error {
	digest, err := ev.idDigest()
	if err != nil {
		return err
	}
	ev.ID = hex.EncodeToString(digest)
	return nil
}

// Sign sets the pubkey, id, and signature fields from the signer.
func (ev *Event) Sign(signer Signer) error {
	ev.PubKey = hex.EncodeToString(signer.PublicKey())
	digest, err := ev.idDigest()
	if err != nil {
		return err
	}
	ev.ID = hex.EncodeToString(digest)
	sig, err := signer.SchnorrSign(digest)
	if err != nil {
		return fmt.Errorf("relay.event: sign: %v", err)
	}
	ev.Sig = hex.EncodeToString(sig)
	return nil
}

// Verify checks that the id matches the canonical serialization and
// that the signature verifies under the event's pubkey.
func (ev *Event) Verify() error {
	digest, err := ev.idDigest()
	if err != nil {
		return err
	}
	if hex.EncodeToString(digest) != ev.ID {
		return fmt.Errorf("relay.event: id mismatch")
	}
	pubBytes, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		return fmt.Errorf("relay.event: bad pubkey encoding: %v", err)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("relay.event: bad pubkey: %v", err)
	}
	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return fmt.Errorf("relay.event: bad signature encoding: %v", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("relay.event: bad signature: %v", err)
	}
	if !sig.Verify(digest, pub) {
		return fmt.Errorf("relay.event: signature verification failed")
	}
	return nil
}

// TagValue returns the first value of the named single-value tag, or
// the empty string when the tag is absent.
func (ev *Event) TagValue(name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}
