package mls

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

// GroupInfo is everything a joiner needs to reconstruct the group state for
// the epoch the welcome points at, minus the epoch secret itself.
type GroupInfo struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	Roster                  Roster
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`
	Confirmation            []byte `tls:"head=1"`
	SignerIndex             LeafIndex
	Signature               []byte `tls:"head=2"`
}

type groupInfoTBS struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	Roster                  Roster
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`
	Confirmation            []byte `tls:"head=1"`
	SignerIndex             LeafIndex
}

func (gi GroupInfo) toBeSigned() ([]byte, error) {
	return syntax.Marshal(groupInfoTBS{
		GroupID:                 gi.GroupID,
		Epoch:                   gi.Epoch,
		Roster:                  gi.Roster,
		ConfirmedTranscriptHash: gi.ConfirmedTranscriptHash,
		InterimTranscriptHash:   gi.InterimTranscriptHash,
		Confirmation:            gi.Confirmation,
		SignerIndex:             gi.SignerIndex,
	})
}

func (gi *GroupInfo) sign(index LeafIndex, priv *SignaturePrivateKey, scheme SignatureScheme) error {
	gi.SignerIndex = index
	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}
	gi.Signature, err = scheme.Sign(priv, tbs)
	return err
}

// verify checks the signature against the signer's credential in the roster
// the GroupInfo itself carries.
func (gi GroupInfo) verify() error {
	cred, err := gi.Roster.CredentialAt(gi.SignerIndex)
	if err != nil {
		return fmt.Errorf("mls.welcome: groupInfo signer not in roster %v", err)
	}

	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}
	if !cred.Scheme().Verify(cred.PublicKey(), tbs, gi.Signature) {
		return ErrBadSignature
	}
	return nil
}

// EncryptedGroupSecrets carries the epoch secret sealed to one joiner's
// key package init key.
type EncryptedGroupSecrets struct {
	KeyPackageHash       []byte `tls:"head=1"`
	EncryptedEpochSecret HPKECiphertext
}

type Welcome struct {
	Version            ProtocolVersion
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`

	epochSecret []byte `tls:"omit"`
}

func newWelcome(cs CipherSuite, epochSecret []byte, groupInfo *GroupInfo) *Welcome {
	pt, err := syntax.Marshal(groupInfo)
	if err != nil {
		panic(fmt.Errorf("mls.welcome: groupInfo marshal failure %v", err))
	}

	kn := groupInfoKeyAndNonce(cs, epochSecret)
	aead, err := cs.NewAEAD(kn.Key)
	if err != nil {
		panic(fmt.Errorf("mls.welcome: error creating AEAD %v", err))
	}
	ct := aead.Seal(nil, kn.Nonce, pt, []byte{})

	return &Welcome{
		Version:            ProtocolVersionMarmot10,
		CipherSuite:        cs,
		EncryptedGroupInfo: ct,
		epochSecret:        epochSecret,
	}
}

// EncryptTo appends a copy of the epoch secret sealed to the joiner's init
// key.  Cannot be called on a received welcome.
func (w *Welcome) EncryptTo(kp KeyPackage) error {
	if w.epochSecret == nil {
		return fmt.Errorf("mls.welcome: encrypt with no epoch secret")
	}

	hash, err := kp.Hash(w.CipherSuite)
	if err != nil {
		return err
	}

	enc, err := w.CipherSuite.hpke().Encrypt(kp.InitKey, []byte{}, w.epochSecret)
	if err != nil {
		return fmt.Errorf("mls.welcome: epoch secret encrypt failure %v", err)
	}

	w.Secrets = append(w.Secrets, EncryptedGroupSecrets{
		KeyPackageHash:       hash,
		EncryptedEpochSecret: enc,
	})
	return nil
}

// Decrypt opens the GroupInfo once the caller has recovered the epoch
// secret from its sealed copy.
func (w Welcome) Decrypt(epochSecret []byte) (*GroupInfo, error) {
	kn := groupInfoKeyAndNonce(w.CipherSuite, epochSecret)
	aead, err := w.CipherSuite.NewAEAD(kn.Key)
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: error creating AEAD %v", err)
	}

	pt, err := aead.Open(nil, kn.Nonce, w.EncryptedGroupInfo, []byte{})
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: groupInfo decrypt failure %v", err)
	}

	gi := new(GroupInfo)
	if _, err := syntax.Unmarshal(pt, gi); err != nil {
		return nil, fmt.Errorf("mls.welcome: groupInfo unmarshal failure %v", err)
	}
	if err := gi.verify(); err != nil {
		return nil, err
	}
	return gi, nil
}

// Marshal serializes the welcome for transport inside a handshake
// envelope.
func (w Welcome) Marshal() ([]byte, error) {
	return syntax.Marshal(w)
}

func UnmarshalWelcome(data []byte) (*Welcome, error) {
	var w Welcome
	if _, err := syntax.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("mls.welcome: unmarshal failure %v", err)
	}
	return &w, nil
}
