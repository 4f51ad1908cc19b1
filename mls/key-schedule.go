package mls

import (
	"fmt"
)

type keyAndNonce struct {
	Key   []byte `tls:"head=1"`
	Nonce []byte `tls:"head=1"`
}

func (k keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{
		Key:   dup(k.Key),
		Nonce: dup(k.Nonce),
	}
}

///
/// Hash ratchet
///

type hashRatchet struct {
	Suite          CipherSuite
	Member         LeafIndex
	NextSecret     []byte `tls:"head=1"`
	NextGeneration uint32
	Cache          map[uint32]keyAndNonce `tls:"head=4"`
	KeySize        uint32
	NonceSize      uint32
	SecretSize     uint32
}

func newHashRatchet(suite CipherSuite, member LeafIndex, baseSecret []byte) *hashRatchet {
	return &hashRatchet{
		Suite:          suite,
		Member:         member,
		NextSecret:     baseSecret,
		NextGeneration: 0,
		Cache:          map[uint32]keyAndNonce{},
		KeySize:        uint32(suite.Constants().KeySize),
		NonceSize:      uint32(suite.Constants().NonceSize),
		SecretSize:     uint32(suite.Constants().SecretSize),
	}
}

func (hr *hashRatchet) Next() (uint32, keyAndNonce) {
	key := hr.Suite.deriveAppSecret(hr.NextSecret, "app-key", hr.Member, hr.NextGeneration, int(hr.KeySize))
	nonce := hr.Suite.deriveAppSecret(hr.NextSecret, "app-nonce", hr.Member, hr.NextGeneration, int(hr.NonceSize))
	secret := hr.Suite.deriveAppSecret(hr.NextSecret, "app-secret", hr.Member, hr.NextGeneration, int(hr.SecretSize))

	generation := hr.NextGeneration

	hr.NextGeneration += 1
	zeroize(hr.NextSecret)
	hr.NextSecret = secret

	kn := keyAndNonce{key, nonce}
	hr.Cache[generation] = kn
	return generation, kn.clone()
}

func (hr *hashRatchet) Get(generation uint32) (keyAndNonce, error) {
	if kn, ok := hr.Cache[generation]; ok {
		return kn, nil
	}

	if hr.NextGeneration > generation {
		return keyAndNonce{}, fmt.Errorf("mls.keys: request for expired key")
	}

	for hr.NextGeneration < generation {
		hr.Next()
	}

	_, kn := hr.Next()
	return kn, nil
}

func (hr *hashRatchet) Erase(generation uint32) {
	if _, ok := hr.Cache[generation]; !ok {
		return
	}

	zeroize(hr.Cache[generation].Key)
	zeroize(hr.Cache[generation].Nonce)
	delete(hr.Cache, generation)
}

///
/// Base key source
///

// baseKeySource hands each sender the root of its per-epoch ratchet chain.
// Derivations are memoized so repeated lookups for the same sender agree.
type baseKeySource struct {
	CipherSuite CipherSuite
	Label       string
	RootSecret  []byte               `tls:"head=1"`
	Secrets     map[LeafIndex][]byte `tls:"head=4"`
}

func newBaseKeySource(suite CipherSuite, label string, rootSecret []byte) *baseKeySource {
	return &baseKeySource{
		CipherSuite: suite,
		Label:       label,
		RootSecret:  rootSecret,
		Secrets:     map[LeafIndex][]byte{},
	}
}

func (bks *baseKeySource) Get(sender LeafIndex) []byte {
	if secret, ok := bks.Secrets[sender]; ok {
		return secret
	}

	secretSize := bks.CipherSuite.Constants().SecretSize
	secret := bks.CipherSuite.deriveAppSecret(bks.RootSecret, bks.Label, sender, 0, secretSize)
	bks.Secrets[sender] = secret
	return secret
}

///
/// Group key source
///

type groupKeySource struct {
	Base     *baseKeySource
	Ratchets map[LeafIndex]*hashRatchet
}

func (gks groupKeySource) ratchet(sender LeafIndex) *hashRatchet {
	if r, ok := gks.Ratchets[sender]; ok {
		return r
	}

	baseSecret := gks.Base.Get(sender)
	gks.Ratchets[sender] = newHashRatchet(gks.Base.CipherSuite, sender, baseSecret)
	return gks.Ratchets[sender]
}

func (gks groupKeySource) Next(sender LeafIndex) (uint32, keyAndNonce) {
	return gks.ratchet(sender).Next()
}

func (gks groupKeySource) Get(sender LeafIndex, generation uint32) (keyAndNonce, error) {
	return gks.ratchet(sender).Get(generation)
}

func (gks groupKeySource) Erase(sender LeafIndex, generation uint32) {
	gks.ratchet(sender).Erase(generation)
}

///
/// GroupInfo keys
///

func groupInfoKeyAndNonce(suite CipherSuite, epochSecret []byte) keyAndNonce {
	secretSize := suite.Constants().SecretSize
	keySize := suite.Constants().KeySize
	nonceSize := suite.Constants().NonceSize

	groupInfoSecret := suite.hkdfExpandLabel(epochSecret, "group info", []byte{}, secretSize)
	groupInfoKey := suite.hkdfExpandLabel(groupInfoSecret, "key", []byte{}, keySize)
	groupInfoNonce := suite.hkdfExpandLabel(groupInfoSecret, "nonce", []byte{}, nonceSize)

	return keyAndNonce{
		Key:   groupInfoKey,
		Nonce: groupInfoNonce,
	}
}

///
/// Key schedule epoch
///

type keyScheduleEpoch struct {
	Suite        CipherSuite
	GroupContext []byte `tls:"head=1"`

	EpochSecret       []byte `tls:"head=1"`
	SenderDataSecret  []byte `tls:"head=1"`
	SenderDataKey     []byte `tls:"head=1"`
	HandshakeSecret   []byte `tls:"head=1"`
	ApplicationSecret []byte `tls:"head=1"`
	ExporterSecret    []byte `tls:"head=1"`
	ConfirmationKey   []byte `tls:"head=1"`
	InitSecret        []byte `tls:"head=1"`

	HandshakeBaseKeys   *baseKeySource
	ApplicationBaseKeys *baseKeySource

	HandshakeRatchets   map[LeafIndex]*hashRatchet `tls:"head=4"`
	ApplicationRatchets map[LeafIndex]*hashRatchet `tls:"head=4"`

	ApplicationKeys *groupKeySource `tls:"omit"`
	HandshakeKeys   *groupKeySource `tls:"omit"`
}

func newKeyScheduleEpoch(suite CipherSuite, epochSecret, context []byte) keyScheduleEpoch {
	senderDataSecret := suite.deriveSecret(epochSecret, "sender data", context)
	handshakeSecret := suite.deriveSecret(epochSecret, "handshake", context)
	applicationSecret := suite.deriveSecret(epochSecret, "app", context)
	exporterSecret := suite.deriveSecret(epochSecret, "exporter", context)
	confirmationKey := suite.deriveSecret(epochSecret, "confirm", context)
	initSecret := suite.deriveSecret(epochSecret, "init", context)

	senderDataKey := suite.hkdfExpandLabel(senderDataSecret, "sd key", []byte{}, suite.Constants().KeySize)

	kse := keyScheduleEpoch{
		Suite:        suite,
		GroupContext: context,

		EpochSecret:       epochSecret,
		SenderDataSecret:  senderDataSecret,
		SenderDataKey:     senderDataKey,
		HandshakeSecret:   handshakeSecret,
		ApplicationSecret: applicationSecret,
		ExporterSecret:    exporterSecret,
		ConfirmationKey:   confirmationKey,
		InitSecret:        initSecret,

		HandshakeBaseKeys:   newBaseKeySource(suite, "hs-secret", handshakeSecret),
		ApplicationBaseKeys: newBaseKeySource(suite, "app-secret-base", applicationSecret),

		HandshakeRatchets:   map[LeafIndex]*hashRatchet{},
		ApplicationRatchets: map[LeafIndex]*hashRatchet{},
	}

	kse.enableKeySources()
	return kse
}

// Wire up the key sources as logic on top of data owned by the epoch
func (kse *keyScheduleEpoch) enableKeySources() {
	kse.HandshakeKeys = &groupKeySource{kse.HandshakeBaseKeys, kse.HandshakeRatchets}
	kse.ApplicationKeys = &groupKeySource{kse.ApplicationBaseKeys, kse.ApplicationRatchets}
}

// Next chains the init secret of this epoch into the next one, so knowledge
// of a past epoch secret alone is not enough to enter the new epoch.
func (kse *keyScheduleEpoch) Next(commitSecret, context []byte) keyScheduleEpoch {
	earlySecret := kse.Suite.hkdfExtract(kse.Suite.zero(), kse.InitSecret)
	preEpochSecret := kse.Suite.deriveSecret(earlySecret, "derived", context)
	epochSecret := kse.Suite.hkdfExtract(commitSecret, preEpochSecret)
	return newKeyScheduleEpoch(kse.Suite, epochSecret, context)
}

func (kse *keyScheduleEpoch) Export(label string, context []byte, keyLength int) []byte {
	exporterBase := kse.Suite.deriveSecret(kse.ExporterSecret, label, kse.GroupContext)
	hctx := kse.Suite.Digest(context)
	return kse.Suite.hkdfExpandLabel(exporterBase, "exporter", hctx, keyLength)
}
