package mls

import (
	"errors"
	"fmt"
)

// Epoch numbers a group generation; every merged commit advances it by one.
type Epoch uint64

// LeafIndex identifies a member slot in the group roster.
type LeafIndex uint32

// Boundary errors.  The engine routes transient-vs-fatal on these values,
// never on message text.
var (
	// ErrFutureEpoch marks a wrapper sealed under an epoch this group has
	// not reached yet.  Retry after merging the intervening commits.
	ErrFutureEpoch = errors.New("mls: wrapper from a future epoch")

	// ErrStaleEpoch marks a wrapper (or welcome) for an epoch that has
	// already been ratcheted past.
	ErrStaleEpoch = errors.New("mls: wrapper from a prior epoch")

	// ErrBadSignature marks a credential or message signature failure.
	ErrBadSignature = errors.New("mls: invalid signature")

	// ErrNotMember marks a sender that does not occupy a roster slot.
	ErrNotMember = errors.New("mls: sender is not a group member")

	// ErrRemovedFromGroup is returned once a merged commit removes the
	// local member; the group is unusable afterwards.
	ErrRemovedFromGroup = errors.New("mls: local member removed from group")

	// ErrPendingCommit is returned when a second commit is attempted while
	// one is already staged, or a merge is attempted with none staged.
	ErrPendingCommit = errors.New("mls: pending commit state mismatch")

	// ErrWelcomeMismatch marks a welcome that addresses a different key
	// package than any held locally.
	ErrWelcomeMismatch = errors.New("mls: welcome does not match key package")

	// ErrOwnCommit is returned when the group is asked to process its own
	// commit wrapper; own commits are merged from the stashed state.
	ErrOwnCommit = errors.New("mls: own commit handled via pending state")
)

// ErrNotAdmin rejects a membership change from a non-admin sender.
var ErrNotAdmin = errors.New("mls: sender is not an admin")

// Transient reports whether err is a sequencing failure that can resolve
// itself once further wrappers arrive and commits merge.
func Transient(err error) bool {
	return errors.Is(err, ErrFutureEpoch) || errors.Is(err, ErrStaleEpoch)
}

func validateEnum(v interface{}, known ...interface{}) error {
	for _, kv := range known {
		if v == kv {
			return nil
		}
	}
	return fmt.Errorf("Unknown enum value: %v", v)
}

func dup(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
