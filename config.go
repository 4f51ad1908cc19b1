package marmot

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/marmotchat/marmot/internal/log"
	"github.com/marmotchat/marmot/moq"
	"github.com/marmotchat/marmot/relay"
)

// RelayClient is the engine's view of the signalling connection.
// Satisfied by *relay.Client; tests substitute an in-process bus.
type RelayClient interface {
	Publish(env *relay.Envelope) error
	Halt()
}

// SessionConfig carries everything needed to start one session.
type SessionConfig struct {
	// Role is this side's handshake role, "initial" or "invitee".
	Role relay.Role

	// SignallingURL is the websocket relay endpoint.
	SignallingURL string

	// TransportURL is the media relay endpoint, scheme "moq" or "moqs".
	TransportURL string

	// SessionID is the bootstrap channel id shared out of band.
	SessionID string

	// SecretHex is the 32-byte identity secret, hex encoded.
	SecretHex string

	// GroupIDHex, when set on an invitee, is checked against the group
	// id announced in the welcome.
	GroupIDHex string

	// AdminPubKeys lists hex identity keys granted admin on group
	// creation.
	AdminPubKeys []string

	// PeerPubKeys lists hex identity keys of peers expected in the
	// session.
	PeerPubKeys []string

	// OnEvent receives engine events from the engine's own goroutine.
	// It must not block and must not call back into the engine
	// synchronously.
	OnEvent func(Event)

	// HeartbeatInterval overrides the handshake beacon cadence.
	HeartbeatInterval time.Duration

	// HandshakeDeadline overrides the overall handshake bound.
	HandshakeDeadline time.Duration

	// LogBackend is the logging backend to use. Defaults to a stderr
	// backend at NOTICE.
	LogBackend *log.Backend

	// DialRelay overrides how the signalling client is built. Defaults
	// to relay.New.
	DialRelay func(cfg *relay.Config) (RelayClient, error)

	// DialTransport overrides how the media relay session is opened.
	// Defaults to moq.Dial.
	DialTransport func(ctx context.Context, url string) (moq.Conn, error)
}

func (cfg *SessionConfig) validate() error {
	if _, err := relay.ParseRole(string(cfg.Role)); err != nil {
		return err
	}
	if cfg.SignallingURL == "" {
		return fmt.Errorf("marmot: missing signalling URL")
	}
	if cfg.TransportURL == "" {
		return fmt.Errorf("marmot: missing transport URL")
	}
	if cfg.SessionID == "" {
		return fmt.Errorf("marmot: missing session id")
	}
	secret, err := hex.DecodeString(cfg.SecretHex)
	if err != nil {
		return fmt.Errorf("marmot: malformed secret: %v", err)
	}
	if len(secret) != 32 {
		return fmt.Errorf("marmot: secret must be 32 bytes, got %d", len(secret))
	}
	return nil
}

func (cfg *SessionConfig) applyDefaults() {
	if cfg.LogBackend == nil {
		cfg.LogBackend = log.NewDefault("NOTICE")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = relay.DefaultHeartbeatInterval
	}
	if cfg.HandshakeDeadline == 0 {
		cfg.HandshakeDeadline = relay.DefaultHandshakeDeadline
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(Event) {}
	}
	if cfg.DialRelay == nil {
		cfg.DialRelay = func(rcfg *relay.Config) (RelayClient, error) {
			return relay.New(rcfg)
		}
	}
	if cfg.DialTransport == nil {
		cfg.DialTransport = func(ctx context.Context, url string) (moq.Conn, error) {
			return moq.Dial(ctx, &moq.DialConfig{URL: url})
		}
	}
}
