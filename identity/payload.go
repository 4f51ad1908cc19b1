package identity

import (
	"encoding/json"
	"fmt"
	"time"
)

// PayloadType discriminates application payload variants.
type PayloadType string

const (
	// PayloadText is a user chat message.
	PayloadText PayloadType = "text"

	// PayloadDirectory announces the sender's audio track label so peers
	// can subscribe; carried encrypted like any other application message.
	PayloadDirectory PayloadType = "directory"
)

// Payload is the JSON application payload carried inside MLS wrappers.
type Payload struct {
	Type       PayloadType `json:"type"`
	Body       string      `json:"body,omitempty"`
	TrackLabel string      `json:"track_label,omitempty"`
	CreatedAt  uint64      `json:"created_at"`
}

// NewTextPayload builds a chat message payload stamped with the current time.
func NewTextPayload(body string) *Payload {
	return &Payload{
		Type:      PayloadText,
		Body:      body,
		CreatedAt: uint64(time.Now().Unix()),
	}
}

// NewDirectoryPayload announces the sender's audio track label.
func NewDirectoryPayload(trackLabel string) *Payload {
	return &Payload{
		Type:       PayloadDirectory,
		TrackLabel: trackLabel,
		CreatedAt:  uint64(time.Now().Unix()),
	}
}

func (p *Payload) Encode() ([]byte, error) {
	if p.Type != PayloadText && p.Type != PayloadDirectory {
		return nil, fmt.Errorf("identity: unknown payload type %q", p.Type)
	}
	return json.Marshal(p)
}

func DecodePayload(data []byte) (*Payload, error) {
	p := new(Payload)
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("identity: payload decode failure %v", err)
	}
	switch p.Type {
	case PayloadText, PayloadDirectory:
		return p, nil
	}
	return nil, fmt.Errorf("identity: unknown payload type %q", p.Type)
}
