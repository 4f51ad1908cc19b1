// Package identity owns the long-term signing key and all MLS state for a
// process: key packages, per-group ratchet state, and the wrapper
// encrypt/ingest surface the controller drives.
package identity

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"gopkg.in/op/go-logging.v1"

	"github.com/marmotchat/marmot/internal/log"
	"github.com/marmotchat/marmot/mls"
)

const suite = mls.X25519_AES128GCM_SHA256_Ed25519

// Invitee pairs a key package with the admin flag it will be admitted with.
type Invitee struct {
	KeyPackage mls.KeyPackage
	Admin      bool
}

// Identity is the single owner of MLS cryptographic state.  It is not safe
// for concurrent use; the controller serializes access through its
// operation queue.
type Identity struct {
	secret  *secp256k1.PrivateKey
	pub     []byte
	sigPriv mls.SignaturePrivateKey

	groups  map[string]*mls.Group
	bundles []*mls.KeyPackageBundle

	log *logging.Logger
}

// New initializes key material from a 32-byte secp256k1 secret.
// Deterministic per secret, so re-creating an identity from the same secret
// yields the same public identifier and MLS credential.
func New(secret []byte, backend *log.Backend) (*Identity, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("identity: secret must be 32 bytes, got %d", len(secret))
	}

	priv := secp256k1.PrivKeyFromBytes(secret)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("identity: invalid secret")
	}

	sigPriv, err := suite.Scheme().Derive(secret)
	if err != nil {
		return nil, err
	}

	id := &Identity{
		secret:  priv,
		pub:     schnorr.SerializePubKey(priv.PubKey()),
		sigPriv: sigPriv,
		groups:  map[string]*mls.Group{},
	}
	if backend != nil {
		id.log = backend.GetLogger("marmot/identity")
	}
	return id, nil
}

// PublicKey is the 32-byte x-only secp256k1 public key: the durable
// identifier used on the signalling relay and in MoQ paths.
func (id *Identity) PublicKey() []byte {
	out := make([]byte, len(id.pub))
	copy(out, id.pub)
	return out
}

// SchnorrSign signs a 32-byte digest with the identity key (BIP340 style,
// as the signalling relay requires).
func (id *Identity) SchnorrSign(digest []byte) ([]byte, error) {
	sig, err := schnorr.Sign(id.secret, digest)
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// CreateKeyPackage produces a signed offer plus a locally re-importable
// bundle.  The bundle is retained so a later welcome can be accepted.
func (id *Identity) CreateKeyPackage() (*mls.KeyPackage, []byte, error) {
	cred := mls.NewBasicCredential(id.pub, suite.Scheme(), id.sigPriv)
	kp, err := mls.NewKeyPackage(suite, cred)
	if err != nil {
		return nil, nil, err
	}

	bundle, err := mls.BundleFor(kp, id.sigPriv)
	if err != nil {
		return nil, nil, err
	}
	id.bundles = append(id.bundles, bundle)

	data, err := bundle.Marshal()
	if err != nil {
		return nil, nil, err
	}
	return kp, data, nil
}

// ImportBundle reinserts a previously exported key package bundle, e.g.
// after a restart between offer publication and welcome delivery.
func (id *Identity) ImportBundle(data []byte) error {
	bundle, err := mls.UnmarshalKeyPackageBundle(data)
	if err != nil {
		return err
	}
	id.bundles = append(id.bundles, bundle)
	return nil
}

// CreateGroup forms a new MLS group seeded with the invitees' key packages.
// The creator is the sole admin unless invitees carry the admin flag.  It
// returns the fresh 32-byte group identifier and a welcome covering every
// invitee.
func (id *Identity) CreateGroup(invitees []Invitee) ([]byte, *mls.Welcome, error) {
	groupID := make([]byte, 32)
	if _, err := rand.Read(groupID); err != nil {
		return nil, nil, err
	}

	cred := mls.NewBasicCredential(id.pub, suite.Scheme(), id.sigPriv)
	kp, err := mls.NewKeyPackage(suite, cred)
	if err != nil {
		return nil, nil, err
	}
	bundle, err := mls.BundleFor(kp, id.sigPriv)
	if err != nil {
		return nil, nil, err
	}

	group, err := mls.NewGroup(groupID, bundle)
	if err != nil {
		return nil, nil, err
	}

	for _, inv := range invitees {
		if err := group.Add(inv.KeyPackage, inv.Admin); err != nil {
			return nil, nil, err
		}
	}

	var welcome *mls.Welcome
	if len(invitees) > 0 {
		_, welcome, err = group.Commit(freshSecret())
		if err != nil {
			return nil, nil, err
		}
		// The creator is alone at epoch 0, so nobody else needs the
		// commit wrapper; merge immediately.
		if _, err := group.MergePendingCommit(); err != nil {
			return nil, nil, err
		}
	}

	id.groups[groupKey(groupID)] = group
	if id.log != nil {
		id.log.Noticef("created group %x at epoch %d with %d invitee(s)",
			groupID[:4], group.Epoch, len(invitees))
	}
	return groupID, welcome, nil
}

// AcceptWelcome joins a group from a welcome, trying every locally held key
// package bundle.  Idempotent: a welcome for a group already joined at the
// same or a later epoch returns the group id (or a stale error) without
// touching state.
func (id *Identity) AcceptWelcome(welcome *mls.Welcome) ([]byte, error) {
	var joined *mls.Group
	var lastErr error = mls.ErrWelcomeMismatch
	for _, bundle := range id.bundles {
		g, err := mls.NewGroupFromWelcome(welcome, bundle)
		if err == nil {
			joined = g
			break
		}
		lastErr = err
	}
	if joined == nil {
		return nil, lastErr
	}

	key := groupKey(joined.GroupID)
	if existing, ok := id.groups[key]; ok {
		if existing.Epoch >= joined.Epoch {
			if existing.Epoch == joined.Epoch {
				return existing.GroupID, nil
			}
			return nil, mls.ErrStaleEpoch
		}
	}

	id.groups[key] = joined
	if id.log != nil {
		id.log.Noticef("joined group %x at epoch %d", joined.GroupID[:4], joined.Epoch)
	}
	return joined.GroupID, nil
}

// HasGroup reports whether the identity holds state for the group.
func (id *Identity) HasGroup(groupID []byte) bool {
	_, ok := id.groups[groupKey(groupID)]
	return ok
}

func (id *Identity) group(groupID []byte) (*mls.Group, error) {
	g, ok := id.groups[groupKey(groupID)]
	if !ok {
		return nil, fmt.Errorf("identity: unknown group %x", groupID)
	}
	return g, nil
}

// CreateMessage encrypts an application payload to the current epoch and
// returns the wrapper bytes for the transport.
func (id *Identity) CreateMessage(groupID []byte, payload *Payload) ([]byte, error) {
	g, err := id.group(groupID)
	if err != nil {
		return nil, err
	}

	data, err := payload.Encode()
	if err != nil {
		return nil, err
	}

	ct, err := g.Protect(data)
	if err != nil {
		return nil, err
	}
	return ct.MarshalWrapper()
}

// SelfUpdate produces a key-rotation commit for the group and returns its
// wrapper bytes.  The new epoch stays staged until MergePendingCommit.
func (id *Identity) SelfUpdate(groupID []byte) ([]byte, error) {
	g, err := id.group(groupID)
	if err != nil {
		return nil, err
	}

	if err := g.Update(freshSecret()); err != nil {
		return nil, err
	}
	ct, _, err := g.Commit(freshSecret())
	if err != nil {
		return nil, err
	}
	return ct.MarshalWrapper()
}

// AddMember builds an add proposal plus commit for one new member and
// returns the commit wrapper and the welcome for the joiner.
func (id *Identity) AddMember(groupID []byte, kp mls.KeyPackage, admin bool) ([]byte, *mls.Welcome, error) {
	g, err := id.group(groupID)
	if err != nil {
		return nil, nil, err
	}

	if err := g.Add(kp, admin); err != nil {
		return nil, nil, err
	}
	ct, welcome, err := g.Commit(freshSecret())
	if err != nil {
		return nil, nil, err
	}

	wrapper, err := ct.MarshalWrapper()
	if err != nil {
		return nil, nil, err
	}
	return wrapper, welcome, nil
}

// MergePendingCommit advances the group to its staged epoch.
func (id *Identity) MergePendingCommit(groupID []byte) (uint64, error) {
	g, err := id.group(groupID)
	if err != nil {
		return 0, err
	}
	epoch, err := g.MergePendingCommit()
	return uint64(epoch), err
}

// ListMembers is the authoritative roster for the group.
func (id *Identity) ListMembers(groupID []byte) ([]mls.MemberInfo, error) {
	g, err := id.group(groupID)
	if err != nil {
		return nil, err
	}
	return g.Members(), nil
}

// CurrentEpoch returns the group's merged epoch.
func (id *Identity) CurrentEpoch(groupID []byte) (uint64, error) {
	g, err := id.group(groupID)
	if err != nil {
		return 0, err
	}
	return uint64(g.Epoch), nil
}

// ExportSecret derives an application secret from the group's current epoch.
func (id *Identity) ExportSecret(groupID []byte, label string, context []byte, length int) ([]byte, error) {
	g, err := id.group(groupID)
	if err != nil {
		return nil, err
	}
	return g.Export(label, context, length), nil
}

// DeriveMediaBaseKey derives the audio base key for a sender's track at
// the group's current epoch. Both the sender and every subscriber
// derive the same key from the epoch's exporter secret.
func (id *Identity) DeriveMediaBaseKey(groupID []byte, senderPub []byte, trackLabel string) ([]byte, uint64, error) {
	g, err := id.group(groupID)
	if err != nil {
		return nil, 0, err
	}
	var leaf mls.LeafIndex
	found := false
	for _, m := range g.Members() {
		if bytes.Equal(m.Identity, senderPub) {
			leaf = m.Index
			found = true
			break
		}
	}
	if !found {
		return nil, 0, mls.ErrNotMember
	}
	context := make([]byte, 0, 4+len(trackLabel)+8)
	context = binary.BigEndian.AppendUint32(context, uint32(leaf))
	context = append(context, trackLabel...)
	context = binary.BigEndian.AppendUint64(context, uint64(g.Epoch))
	return g.Export("moq-media-base-v1", context, 32), uint64(g.Epoch), nil
}

// DeriveGroupRoot returns the stable MoQ path prefix for the group,
// identical across members and epochs.
func (id *Identity) DeriveGroupRoot(groupID []byte) (string, error) {
	g, err := id.group(groupID)
	if err != nil {
		return "", err
	}
	root := g.RootExport("moq-group-root-v1", 16)
	return "marmot/" + hex.EncodeToString(root), nil
}

func groupKey(groupID []byte) string {
	return hex.EncodeToString(groupID)
}

func freshSecret() []byte {
	out := make([]byte, suite.Constants().SecretSize)
	if _, err := rand.Read(out); err != nil {
		panic(fmt.Errorf("identity: entropy failure %v", err))
	}
	return out
}
