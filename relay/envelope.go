package relay

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies which side of the bootstrap session an envelope
// comes from. Envelopes from our own role are ignored on receive.
type Role string

const (
	RoleInitial Role = "initial"
	RoleInvitee Role = "invitee"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleInitial, RoleInvitee:
		return Role(s), nil
	}
	return "", fmt.Errorf("relay.envelope: unknown role %q", s)
}

// MessageType names the four handshake envelope types.
type MessageType string

const (
	TypeRequestKeyPackage MessageType = "request-key-package"
	TypeKeyPackage        MessageType = "key-package"
	TypeRequestWelcome    MessageType = "request-welcome"
	TypeWelcome           MessageType = "welcome"
)

// Envelope is the JSON content of a handshake event. Optional fields
// are populated per type: request-* carry at most pubkey and isAdmin,
// key-package carries event/bundle/pubkey, welcome carries
// welcome/groupIdHex and an optional recipient pubkey that lets the
// creator target one invitee on a shared channel.
type Envelope struct {
	Type      MessageType `json:"type"`
	Session   string      `json:"session"`
	From      Role        `json:"from"`
	CreatedAt int64       `json:"created_at"`

	PubKey     string `json:"pubkey,omitempty"`
	IsAdmin    *bool  `json:"isAdmin,omitempty"`
	Event      string `json:"event,omitempty"`
	Bundle     string `json:"bundle,omitempty"`
	Welcome    string `json:"welcome,omitempty"`
	GroupIDHex string `json:"groupIdHex,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
}

func (env *Envelope) check() error {
	switch env.Type {
	case TypeRequestKeyPackage, TypeRequestWelcome:
	case TypeKeyPackage:
		if env.Event == "" {
			return fmt.Errorf("relay.envelope: key-package without event")
		}
	case TypeWelcome:
		if env.Welcome == "" {
			return fmt.Errorf("relay.envelope: welcome without payload")
		}
	default:
		return fmt.Errorf("relay.envelope: unknown message type %q", env.Type)
	}
	return nil
}

// BuildEvent wraps the envelope in a signed relay event tagged for the
// session channel.
func (env *Envelope) BuildEvent(signer Signer) (*Event, error) {
	if err := env.check(); err != nil {
		return nil, err
	}
	if env.CreatedAt == 0 {
		env.CreatedAt = time.Now().Unix()
	}
	content, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("relay.envelope: serialize: %v", err)
	}
	ev := &Event{
		CreatedAt: env.CreatedAt,
		Kind:      HandshakeKind,
		Tags: [][]string{
			{"t", env.Session},
			{"type", string(env.Type)},
			{"role", string(env.From)},
		},
		Content: string(content),
	}
	if err := ev.Sign(signer); err != nil {
		return nil, err
	}
	return ev, nil
}

// DecodeEnvelope parses and sanity-checks a handshake event's content.
// Events of the wrong kind, for another session, or from our own role
// yield a nil envelope with no error so callers can skip them.
func DecodeEnvelope(ev *Event, session string, ownRole Role) (*Envelope, error) {
	if ev.Kind != HandshakeKind {
		return nil, nil
	}
	var env Envelope
	if err := json.Unmarshal([]byte(ev.Content), &env); err != nil {
		return nil, fmt.Errorf("relay.envelope: parse: %v", err)
	}
	if env.Session != session {
		return nil, nil
	}
	if _, err := ParseRole(string(env.From)); err != nil {
		return nil, err
	}
	if env.From == ownRole {
		return nil, nil
	}
	if err := env.check(); err != nil {
		return nil, err
	}
	return &env, nil
}
