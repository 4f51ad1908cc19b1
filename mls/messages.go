package mls

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type ProtocolVersion uint8

const (
	ProtocolVersionMarmot10 ProtocolVersion = 0x01
)

///
/// KeyPackage
///

// KeyPackage is a signed offer that lets the group admit its holder through
// a welcome: credential, HPKE init key, and supported parameters.
type KeyPackage struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	Credential  Credential
	Signature   Signature

	privateKey *HPKEPrivateKey `tls:"omit"`
}

type keyPackageTBS struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	Credential  Credential
}

func (kp KeyPackage) toBeSigned() ([]byte, error) {
	return syntax.Marshal(keyPackageTBS{
		Version:     kp.Version,
		CipherSuite: kp.CipherSuite,
		InitKey:     kp.InitKey,
		Credential:  kp.Credential,
	})
}

func (kp *KeyPackage) sign() error {
	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}
	if kp.Credential.privateKey == nil {
		return fmt.Errorf("mls.keypackage: no signing key")
	}
	sig, err := kp.Credential.Scheme().Sign(kp.Credential.privateKey, tbs)
	if err != nil {
		return err
	}
	kp.Signature = Signature{sig}
	return nil
}

// Verify checks the self-signature binding the init key to the credential.
func (kp KeyPackage) Verify() error {
	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}
	if !kp.Credential.Scheme().Verify(kp.Credential.PublicKey(), tbs, kp.Signature.Data) {
		return ErrBadSignature
	}
	return nil
}

func (kp KeyPackage) Hash(suite CipherSuite) ([]byte, error) {
	data, err := syntax.Marshal(kp)
	if err != nil {
		return nil, err
	}
	return suite.Digest(data), nil
}

func (kp KeyPackage) Equals(o KeyPackage) bool {
	return kp.CipherSuite == o.CipherSuite &&
		kp.InitKey.Equals(o.InitKey) &&
		kp.Credential.Equals(o.Credential)
}

// NewKeyPackage generates a fresh init key for the credential and signs the
// resulting offer.
func NewKeyPackage(suite CipherSuite, cred Credential) (*KeyPackage, error) {
	initPriv, err := suite.hpke().Generate()
	if err != nil {
		return nil, fmt.Errorf("mls.keypackage: init key generation failure %v", err)
	}

	kp := &KeyPackage{
		Version:     ProtocolVersionMarmot10,
		CipherSuite: suite,
		InitKey:     initPriv.PublicKey,
		Credential:  cred,
		privateKey:  &initPriv,
	}
	if err := kp.sign(); err != nil {
		return nil, err
	}
	return kp, nil
}

// KeyPackageBundle is the locally re-importable form of a key package: the
// public offer plus its private halves.  It is treated as an opaque blob by
// everything above this package.
type KeyPackageBundle struct {
	KeyPackage KeyPackage
	InitPriv   HPKEPrivateKey
	SigPriv    SignaturePrivateKey
}

// BundleFor captures the private halves of a freshly generated key package.
func BundleFor(kp *KeyPackage, sigPriv SignaturePrivateKey) (*KeyPackageBundle, error) {
	if kp.privateKey == nil {
		return nil, fmt.Errorf("mls.keypackage: no private key to bundle")
	}
	return &KeyPackageBundle{
		KeyPackage: *kp,
		InitPriv:   *kp.privateKey,
		SigPriv:    sigPriv,
	}, nil
}

func (b KeyPackageBundle) Marshal() ([]byte, error) {
	return syntax.Marshal(b)
}

func UnmarshalKeyPackageBundle(data []byte) (*KeyPackageBundle, error) {
	var b KeyPackageBundle
	if _, err := syntax.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("mls.keypackage: bundle unmarshal failure %v", err)
	}
	b.KeyPackage.privateKey = &b.InitPriv
	b.KeyPackage.Credential.privateKey = &b.SigPriv
	return &b, nil
}

///
/// Proposals and commits
///

type ProposalType uint8

const (
	ProposalTypeInvalid ProposalType = 0
	ProposalTypeAdd     ProposalType = 1
	ProposalTypeUpdate  ProposalType = 2
	ProposalTypeRemove  ProposalType = 3
)

func (pt ProposalType) ValidForTLS() error {
	return validateEnum(pt, ProposalTypeAdd, ProposalTypeUpdate, ProposalTypeRemove)
}

// AddProposal admits the holder of KeyPackage; Admin grants roster admin
// rights in the same commit that adds the member.
type AddProposal struct {
	KeyPackage KeyPackage
	Admin      uint8
}

type UpdateProposal struct {
	LeafKey HPKEPublicKey
}

type RemoveProposal struct {
	Removed LeafIndex
}

type Proposal struct {
	Add    *AddProposal
	Update *UpdateProposal
	Remove *RemoveProposal
}

func (p Proposal) Type() ProposalType {
	switch {
	case p.Add != nil:
		return ProposalTypeAdd
	case p.Update != nil:
		return ProposalTypeUpdate
	case p.Remove != nil:
		return ProposalTypeRemove
	}
	return ProposalTypeInvalid
}

func (p Proposal) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	proposalType := p.Type()
	err := s.Write(proposalType)
	if err != nil {
		return nil, err
	}

	switch proposalType {
	case ProposalTypeAdd:
		err = s.Write(p.Add)
	case ProposalTypeUpdate:
		err = s.Write(p.Update)
	case ProposalTypeRemove:
		err = s.Write(p.Remove)
	default:
		err = fmt.Errorf("mls.proposal: marshal for invalid proposal")
	}
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var proposalType ProposalType
	_, err := s.Read(&proposalType)
	if err != nil {
		return 0, err
	}

	switch proposalType {
	case ProposalTypeAdd:
		p.Add = new(AddProposal)
		_, err = s.Read(p.Add)
	case ProposalTypeUpdate:
		p.Update = new(UpdateProposal)
		_, err = s.Read(p.Update)
	case ProposalTypeRemove:
		p.Remove = new(RemoveProposal)
		_, err = s.Read(p.Remove)
	default:
		err = fmt.Errorf("mls.proposal: unmarshal for invalid proposal type %d", proposalType)
	}
	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

// CommitSecretBox carries the commit secret KEMed to one surviving member's
// current init key.
type CommitSecretBox struct {
	Member    LeafIndex
	Encrypted HPKECiphertext
}

// Commit carries its proposals by value, so receivers never wait on separate
// proposal delivery before they can ratchet forward.
type Commit struct {
	Adds        []AddProposal     `tls:"head=2"`
	Updates     []UpdateProposal  `tls:"head=2"`
	Removes     []RemoveProposal  `tls:"head=2"`
	SecretBoxes []CommitSecretBox `tls:"head=2"`
}

type Confirmation struct {
	Data []byte `tls:"head=1"`
}

type CommitData struct {
	Commit       Commit
	Confirmation Confirmation
}

type Signature struct {
	Data []byte `tls:"head=2"`
}

///
/// Plaintext framing
///

type ContentType uint8

const (
	ContentTypeInvalid     ContentType = 0
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

func (ct ContentType) ValidForTLS() error {
	return validateEnum(ct, ContentTypeApplication, ContentTypeProposal, ContentTypeCommit)
}

type SenderType uint8

const (
	SenderTypeInvalid SenderType = 0
	SenderTypeMember  SenderType = 1
)

type Sender struct {
	Type   SenderType
	Sender uint32
}

type ApplicationData struct {
	Data []byte `tls:"head=4"`
}

type MLSPlaintextContent struct {
	Application *ApplicationData
	Proposal    *Proposal
	Commit      *CommitData
}

func (c MLSPlaintextContent) Type() ContentType {
	switch {
	case c.Application != nil:
		return ContentTypeApplication
	case c.Proposal != nil:
		return ContentTypeProposal
	case c.Commit != nil:
		return ContentTypeCommit
	}
	return ContentTypeInvalid
}

func (c MLSPlaintextContent) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	contentType := c.Type()
	err := s.Write(contentType)
	if err != nil {
		return nil, err
	}

	switch contentType {
	case ContentTypeApplication:
		err = s.Write(c.Application)
	case ContentTypeProposal:
		err = s.Write(c.Proposal)
	case ContentTypeCommit:
		err = s.Write(c.Commit)
	default:
		err = fmt.Errorf("mls.plaintext: marshal for invalid content")
	}
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (c *MLSPlaintextContent) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var contentType ContentType
	_, err := s.Read(&contentType)
	if err != nil {
		return 0, err
	}

	switch contentType {
	case ContentTypeApplication:
		c.Application = new(ApplicationData)
		_, err = s.Read(c.Application)
	case ContentTypeProposal:
		c.Proposal = new(Proposal)
		_, err = s.Read(c.Proposal)
	case ContentTypeCommit:
		c.Commit = new(CommitData)
		_, err = s.Read(c.Commit)
	default:
		err = fmt.Errorf("mls.plaintext: unmarshal for invalid content type %d", contentType)
	}
	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

type MLSPlaintext struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`
	Content           MLSPlaintextContent
	Signature         Signature
}

type plaintextTBS struct {
	Context           GroupContext
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`
	Content           MLSPlaintextContent
}

func (pt MLSPlaintext) toBeSigned(ctx GroupContext) []byte {
	data, err := syntax.Marshal(plaintextTBS{
		Context:           ctx,
		GroupID:           pt.GroupID,
		Epoch:             pt.Epoch,
		Sender:            pt.Sender,
		AuthenticatedData: pt.AuthenticatedData,
		Content:           pt.Content,
	})
	if err != nil {
		panic(fmt.Errorf("mls.plaintext: TBS marshal failure %v", err))
	}
	return data
}

func (pt *MLSPlaintext) sign(ctx GroupContext, priv SignaturePrivateKey, scheme SignatureScheme) {
	tbs := pt.toBeSigned(ctx)
	sig, err := scheme.Sign(&priv, tbs)
	if err != nil {
		panic(fmt.Errorf("mls.plaintext: sign failure %v", err))
	}
	pt.Signature = Signature{sig}
}

func (pt *MLSPlaintext) verify(ctx GroupContext, pub *SignaturePublicKey, scheme SignatureScheme) bool {
	tbs := pt.toBeSigned(ctx)
	return scheme.Verify(pub, tbs, pt.Signature.Data)
}

// commitContent covers everything up to but not including the confirmation,
// for the confirmed transcript hash.
func (pt MLSPlaintext) commitContent() []byte {
	enc, err := syntax.Marshal(struct {
		GroupID []byte `tls:"head=1"`
		Epoch   Epoch
		Sender  Sender
		Commit  Commit
	}{
		GroupID: pt.GroupID,
		Epoch:   pt.Epoch,
		Sender:  pt.Sender,
		Commit:  pt.Content.Commit.Commit,
	})
	if err != nil {
		panic(fmt.Errorf("mls.plaintext: commit content marshal failure %v", err))
	}
	return enc
}

func (pt MLSPlaintext) commitAuthData() ([]byte, error) {
	return syntax.Marshal(struct {
		Confirmation Confirmation
		Signature    Signature
	}{
		Confirmation: pt.Content.Commit.Confirmation,
		Signature:    pt.Signature,
	})
}

///
/// Ciphertext framing (the transport wrapper)
///

type MLSCiphertext struct {
	GroupID             []byte `tls:"head=1"`
	Epoch               Epoch
	ContentType         ContentType
	AuthenticatedData   []byte `tls:"head=4"`
	SenderDataNonce     []byte `tls:"head=1"`
	EncryptedSenderData []byte `tls:"head=1"`
	Ciphertext          []byte `tls:"head=4"`
}

// MarshalWrapper frames a ciphertext as opaque transport bytes.
func (ct MLSCiphertext) MarshalWrapper() ([]byte, error) {
	return syntax.Marshal(ct)
}

func UnmarshalWrapper(data []byte) (*MLSCiphertext, error) {
	var ct MLSCiphertext
	if _, err := syntax.Unmarshal(data, &ct); err != nil {
		return nil, fmt.Errorf("mls.wrapper: unmarshal failure %v", err)
	}
	return &ct, nil
}

// Marshal serializes the key package for transport inside a handshake
// envelope.
func (kp KeyPackage) Marshal() ([]byte, error) {
	return syntax.Marshal(kp)
}

func UnmarshalKeyPackage(data []byte) (*KeyPackage, error) {
	var kp KeyPackage
	if _, err := syntax.Unmarshal(data, &kp); err != nil {
		return nil, fmt.Errorf("mls.keyPackage: unmarshal failure %v", err)
	}
	if err := kp.Verify(); err != nil {
		return nil, err
	}
	return &kp, nil
}
