// Package marmot is the engine controller: it sequences the bootstrap
// handshake, the MLS group state, the transport bridge, and the media
// key schedule behind a single-goroutine operation queue, and exposes
// the result to the host as an event stream.
package marmot

import "fmt"

// Event is the interface for events emitted to the host.
type Event interface {
	// String returns a string representation of the Event.
	String() string
}

// Member is the host-facing view of one roster entry.
type Member struct {
	PubKey  string
	IsAdmin bool
}

// HandshakePhase tracks bootstrap progress for the host UI.
type HandshakePhase string

const (
	PhaseInitializing         HandshakePhase = "initializing"
	PhaseWaitingForKeyPackage HandshakePhase = "waiting_for_key_package"
	PhaseWaitingForWelcome    HandshakePhase = "waiting_for_welcome"
	PhaseFinalizing           HandshakePhase = "finalizing"
	PhaseConnected            HandshakePhase = "connected"
)

// Recovery is the action a surfaced error recommends to the user.
type Recovery string

const (
	RecoveryNone            Recovery = "none"
	RecoveryRetry           Recovery = "retry"
	RecoveryRefresh         Recovery = "refresh"
	RecoveryCheckConnection Recovery = "check_connection"
)

// StatusEvent is free-form progress text.
type StatusEvent struct {
	Text string
}

func (e *StatusEvent) String() string { return "Status: " + e.Text }

// ReadyEvent reports transport readiness.
type ReadyEvent struct {
	Ready bool
}

func (e *ReadyEvent) String() string { return fmt.Sprintf("Ready: %v", e.Ready) }

// MessageEvent is a decrypted text message, including the local echo.
type MessageEvent struct {
	Author    string
	Content   string
	CreatedAt int64
	Local     bool
}

func (e *MessageEvent) String() string {
	return fmt.Sprintf("Message[%s local=%v]: %s", e.Author, e.Local, e.Content)
}

// CommitEvent reports a merged commit and the running total.
type CommitEvent struct {
	Total uint32
}

func (e *CommitEvent) String() string { return fmt.Sprintf("Commit: total=%d", e.Total) }

// RosterEvent is a full snapshot of the current membership.
type RosterEvent struct {
	Members []Member
}

func (e *RosterEvent) String() string { return fmt.Sprintf("Roster: %d members", len(e.Members)) }

// MemberJoinedEvent reports a member newly present in the roster.
type MemberJoinedEvent struct {
	Member Member
}

func (e *MemberJoinedEvent) String() string { return "MemberJoined: " + e.Member.PubKey }

// MemberUpdatedEvent reports a change to a member's admin flag.
type MemberUpdatedEvent struct {
	Member Member
}

func (e *MemberUpdatedEvent) String() string { return "MemberUpdated: " + e.Member.PubKey }

// MemberLeftEvent reports a member removed from the roster.
type MemberLeftEvent struct {
	PubKey string
}

func (e *MemberLeftEvent) String() string { return "MemberLeft: " + e.PubKey }

// InviteGeneratedEvent reports that a welcome was produced for an
// invited member.
type InviteGeneratedEvent struct {
	Recipient string
	IsAdmin   bool
	Welcome   string
}

func (e *InviteGeneratedEvent) String() string { return "InviteGenerated: " + e.Recipient }

// AudioFrameEvent is one decrypted audio frame from a peer track.
type AudioFrameEvent struct {
	PubKey  string
	Label   string
	Epoch   uint64
	Payload []byte
}

func (e *AudioFrameEvent) String() string {
	return fmt.Sprintf("AudioFrame[%s/%s]: %d bytes", e.PubKey, e.Label, len(e.Payload))
}

// ErrorEvent surfaces a failure with its severity and the recommended
// recovery action. Fatal errors leave the engine stopped.
type ErrorEvent struct {
	Message  string
	Fatal    bool
	Recovery Recovery
}

func (e *ErrorEvent) String() string {
	return fmt.Sprintf("Error[fatal=%v recovery=%s]: %s", e.Fatal, e.Recovery, e.Message)
}

// HandshakeEvent reports a bootstrap phase change.
type HandshakeEvent struct {
	Phase HandshakePhase
}

func (e *HandshakeEvent) String() string { return "Handshake: " + string(e.Phase) }
