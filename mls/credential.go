package mls

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type CredentialType uint8

const (
	CredentialTypeInvalid CredentialType = 255
	CredentialTypeBasic   CredentialType = 0
)

func (ct CredentialType) ValidForTLS() error {
	return validateEnum(ct, CredentialTypeBasic)
}

// BasicCredential binds a member's durable identity key (the 32-byte x-only
// secp256k1 public key used on the signalling relay and in transport paths)
// to the MLS signature key that authenticates their leaf.
//
// struct {
//     opaque identity<0..2^16-1>;
//     SignatureScheme algorithm;
//     SignaturePublicKey public_key;
// } BasicCredential;
type BasicCredential struct {
	Identity        []byte `tls:"head=2"`
	SignatureScheme SignatureScheme
	PublicKey       SignaturePublicKey
}

type Credential struct {
	Basic      *BasicCredential
	privateKey *SignaturePrivateKey
}

// NewBasicCredential signs nothing by itself; the key package carries the
// signature over the whole offer.
func NewBasicCredential(identity []byte, scheme SignatureScheme, priv SignaturePrivateKey) Credential {
	basic := &BasicCredential{
		Identity:        dup(identity),
		SignatureScheme: scheme,
		PublicKey:       priv.PublicKey,
	}
	return Credential{Basic: basic, privateKey: &priv}
}

func (c Credential) Type() CredentialType {
	if c.Basic != nil {
		return CredentialTypeBasic
	}
	return CredentialTypeInvalid
}

func (c Credential) Identity() []byte {
	if c.Basic == nil {
		return nil
	}
	return c.Basic.Identity
}

func (c Credential) Scheme() SignatureScheme {
	if c.Basic == nil {
		panic("mls.credential: scheme for invalid credential")
	}
	return c.Basic.SignatureScheme
}

func (c Credential) PublicKey() *SignaturePublicKey {
	if c.Basic == nil {
		panic("mls.credential: public key for invalid credential")
	}
	return &c.Basic.PublicKey
}

func (c Credential) Equals(o Credential) bool {
	switch {
	case c.Basic != nil && o.Basic != nil:
		return constantEqual(c.Basic.Identity, o.Basic.Identity) &&
			c.Basic.SignatureScheme == o.Basic.SignatureScheme &&
			c.Basic.PublicKey.Equals(o.Basic.PublicKey)
	}
	return false
}

func (c Credential) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.Write(c.Type())
	if err != nil {
		return nil, err
	}
	switch c.Type() {
	case CredentialTypeBasic:
		err = s.Write(c.Basic)
	default:
		err = fmt.Errorf("mls.credential: marshal for invalid credential")
	}
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var credType CredentialType
	_, err := s.Read(&credType)
	if err != nil {
		return 0, err
	}

	switch credType {
	case CredentialTypeBasic:
		c.Basic = new(BasicCredential)
		_, err = s.Read(c.Basic)
	default:
		err = fmt.Errorf("mls.credential: unmarshal for invalid credential type %d", credType)
	}
	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}
