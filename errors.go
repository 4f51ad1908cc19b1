package marmot

import (
	"errors"

	"github.com/marmotchat/marmot/mls"
)

// stage identifies which subsystem an error came from, which picks the
// default user-facing message and the recommended recovery action.
type stage int

const (
	stageHandshake stage = iota
	stageMessaging
	stageInvite
	stageTransport
)

func (s stage) defaultMessage() string {
	switch s {
	case stageHandshake:
		return "Handshake failed. Refresh the page or request a new invite."
	case stageMessaging:
		return "Secure messaging failed. Refresh the page to rejoin."
	case stageInvite:
		return "Invite failed. Check the key and try again."
	default:
		return "Connection lost. Check your network and retry."
	}
}

func (s stage) recovery() Recovery {
	switch s {
	case stageHandshake, stageMessaging:
		return RecoveryRefresh
	case stageInvite:
		return RecoveryRetry
	default:
		return RecoveryCheckConnection
	}
}

// surface converts an internal error into the event shown to the host.
// Transient sequencing errors are never fatal and are handled by the
// retry queue before they reach here.
func surface(s stage, err error) *ErrorEvent {
	ev := &ErrorEvent{
		Message:  s.defaultMessage(),
		Recovery: s.recovery(),
	}
	switch {
	case mls.Transient(err):
		ev.Fatal = false
		ev.Recovery = RecoveryNone
	case errors.Is(err, mls.ErrRemovedFromGroup):
		ev.Message = "You were removed from the group."
		ev.Fatal = true
		ev.Recovery = RecoveryRefresh
	case errors.Is(err, mls.ErrBadSignature), errors.Is(err, mls.ErrNotMember):
		ev.Fatal = true
	case s == stageInvite:
		ev.Fatal = false
	default:
		ev.Fatal = true
	}
	return ev
}
