package moq

import (
	"context"
	"errors"
	"fmt"
)

// Track path helpers. <root> is the group root ("marmot/<hex>"); every
// track has a single writer identified by pubkey.

// WrapperTrack is the control-message track a member publishes MLS
// wrappers on.
func WrapperTrack(root, pubkey string) string {
	return root + "/wrappers/" + pubkey
}

// AudioTrack is a member's audio track for one announced label.
func AudioTrack(root, pubkey, label string) string {
	return root + "/audio/" + pubkey + "/" + label
}

// WrapperSuffix and AudioSuffix are the root-relative forms used in
// capability grants.
func WrapperSuffix(pubkey string) string { return "wrappers/" + pubkey }

func AudioSuffix(pubkey, label string) string { return "audio/" + pubkey + "/" + label }

// Control-plane messages. One control message opens each track stream;
// the relay answers with ok or error before frames flow.
const (
	msgPublish     = "publish"
	msgSubscribe   = "subscribe"
	msgOK          = "ok"
	msgError       = "error"
	msgUnsubscribe = "unsubscribe"
)

type controlMessage struct {
	Type   string `cbor:"type"`
	Track  string `cbor:"track,omitempty"`
	Auth   string `cbor:"auth,omitempty"`
	Cursor uint64 `cbor:"cursor,omitempty"`
	Reason string `cbor:"reason,omitempty"`
}

type frameMessage struct {
	Seq     uint64 `cbor:"seq"`
	Payload []byte `cbor:"payload"`
}

// TrackWriter appends frames to a single-writer track.
type TrackWriter interface {
	WriteFrame(payload []byte) error
	Close() error
}

// TrackReader yields a track's frames in arrival order.
type TrackReader interface {
	// ReadFrame blocks for the next frame. The returned sequence
	// number is the relay-assigned position usable as a resume cursor.
	ReadFrame() (seq uint64, payload []byte, err error)
	Close() error
}

// Conn is a transport session able to open tracks. The QUIC
// implementation lives in this package; tests substitute an in-memory
// one.
type Conn interface {
	// OpenPublish opens the named track for writing. auth is the
	// encoded capability query string.
	OpenPublish(ctx context.Context, track, auth string) (TrackWriter, error)

	// OpenSubscribe opens the named track for reading, resuming after
	// cursor (0 means from the start of the relay's retained window).
	OpenSubscribe(ctx context.Context, track string, cursor uint64, auth string) (TrackReader, error)

	Close() error
}

// trackError distinguishes transport faults the bridge retries from
// ones it propagates.
type trackError struct {
	reason    string
	transient bool
}

func (e *trackError) Error() string {
	return fmt.Sprintf("moq: track error: %s", e.reason)
}

// IsTransient reports whether err is a retryable transport fault
// (reset stream, track not found yet, connection churn).
func IsTransient(err error) bool {
	var te *trackError
	return errors.As(err, &te) && te.transient
}
