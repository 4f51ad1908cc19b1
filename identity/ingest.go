package identity

import (
	"errors"
	"fmt"

	"github.com/marmotchat/marmot/mls"
)

// OutcomeKind tags the result of ingesting one wrapper.
type OutcomeKind uint8

const (
	// OutcomeApplication carries a decrypted application payload.
	OutcomeApplication OutcomeKind = iota

	// OutcomeCommit means a commit was verified and staged; the caller
	// decides when to merge.
	OutcomeCommit

	// OutcomeProposal means a proposal was queued; no state change yet.
	OutcomeProposal

	// OutcomeUnprocessable means ingestion failed; Transient tells the
	// caller whether queueing for retry can help.
	OutcomeUnprocessable
)

// Outcome is the sum type returned by IngestWrapper.
type Outcome struct {
	Kind    OutcomeKind
	GroupID []byte

	// Application fields
	Author  []byte
	Payload *Payload

	// Commit fields
	EpochAfter uint64

	// Unprocessable fields
	Reason    error
	Transient bool
}

func unprocessable(groupID []byte, reason error) Outcome {
	return Outcome{
		Kind:      OutcomeUnprocessable,
		GroupID:   groupID,
		Reason:    reason,
		Transient: mls.Transient(reason),
	}
}

// IngestWrapper decrypts and processes one inbound wrapper.  It never
// returns a Go error; failures are reported as Unprocessable outcomes so
// the controller can route transient vs fatal uniformly.
func (id *Identity) IngestWrapper(raw []byte) Outcome {
	ct, err := mls.UnmarshalWrapper(raw)
	if err != nil {
		return unprocessable(nil, err)
	}

	g, ok := id.groups[groupKey(ct.GroupID)]
	if !ok {
		// A wrapper for a group whose welcome has not arrived yet.
		return unprocessable(ct.GroupID, fmt.Errorf("identity: wrapper for unknown group: %w", mls.ErrFutureEpoch))
	}

	recv, err := g.Handle(ct)
	if err != nil {
		if errors.Is(err, mls.ErrOwnCommit) {
			// Own wrappers are merged from the staged state, never from
			// the echo; treat as a no-op rather than a failure.
			return Outcome{Kind: OutcomeProposal, GroupID: ct.GroupID}
		}
		return unprocessable(ct.GroupID, err)
	}

	out := Outcome{
		GroupID: ct.GroupID,
		Author:  recv.SenderIdentity,
	}

	switch recv.ContentType {
	case mls.ContentTypeApplication:
		payload, err := DecodePayload(recv.Application)
		if err != nil {
			return unprocessable(ct.GroupID, err)
		}
		out.Kind = OutcomeApplication
		out.Payload = payload

	case mls.ContentTypeCommit:
		out.Kind = OutcomeCommit
		out.EpochAfter = uint64(recv.EpochAfter)

	case mls.ContentTypeProposal:
		out.Kind = OutcomeProposal

	default:
		return unprocessable(ct.GroupID, fmt.Errorf("identity: unexpected content type %d", recv.ContentType))
	}
	return out
}
