package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// aadVersion is the leading byte of every frame AAD.
const aadVersion = 0x01

// ErrCounterExhausted is returned when a sender has issued all 2^32
// frame counters within one epoch. The caller must rotate the epoch
// before sending more frames.
var ErrCounterExhausted = errors.New("media: frame counter exhausted")

// AAD describes the authenticated context a frame is bound to. Replay
// across groups, tracks, or positions fails authentication.
type AAD struct {
	GroupRoot  string
	TrackLabel string
	Epoch      uint64
	GroupSeq   uint64
	FrameIdx   uint64
	Keyframe   bool
}

// Bytes serializes the AAD in the canonical layout.
func (a *AAD) Bytes() []byte {
	out := make([]byte, 0, 1+len(a.GroupRoot)+len(a.TrackLabel)+25)
	out = append(out, aadVersion)
	out = append(out, a.GroupRoot...)
	out = append(out, a.TrackLabel...)
	out = binary.BigEndian.AppendUint64(out, a.Epoch)
	out = binary.BigEndian.AppendUint64(out, a.GroupSeq)
	out = binary.BigEndian.AppendUint64(out, a.FrameIdx)
	if a.Keyframe {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return out
}

// Wire frame layout: a 4-byte big-endian frame counter followed by the
// AEAD ciphertext.

// SealFrame encrypts a plaintext and prepends the counter header.
func (c *Crypto) SealFrame(plaintext []byte, counter uint32, aad *AAD) ([]byte, error) {
	ct, err := c.Encrypt(plaintext, counter, aad.Bytes())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, 4+len(ct))
	binary.BigEndian.PutUint32(out, counter)
	return append(out, ct...), nil
}

// FrameCounter reads the counter header without decrypting.
func FrameCounter(frame []byte) (uint32, error) {
	if len(frame) < 4 {
		return 0, fmt.Errorf("media: frame too short")
	}
	return binary.BigEndian.Uint32(frame), nil
}

// OpenFrame reads the counter header and decrypts the remainder.
func (c *Crypto) OpenFrame(frame []byte, aad *AAD) ([]byte, uint32, error) {
	counter, err := FrameCounter(frame)
	if err != nil {
		return nil, 0, err
	}
	plaintext, err := c.Decrypt(frame[4:], counter, aad.Bytes())
	if err != nil {
		return nil, counter, err
	}
	return plaintext, counter, nil
}

// Sender issues frame counters for one (track, epoch) and refuses
// reuse. Counters start at zero and the generation byte rolls as the
// counter crosses each 2^24 boundary.
type Sender struct {
	sync.Mutex
	crypto    *Crypto
	next      uint32
	exhausted bool
}

// NewSender wraps a Crypto with a counter guard.
func NewSender(crypto *Crypto) *Sender {
	return &Sender{crypto: crypto}
}

// EncryptNext seals a plaintext under the next unissued counter and
// returns the wire frame along with the counter used.
func (s *Sender) EncryptNext(plaintext []byte, aad *AAD) ([]byte, uint32, error) {
	s.Lock()
	if s.exhausted {
		s.Unlock()
		return nil, 0, ErrCounterExhausted
	}
	counter := s.next
	if s.next == ^uint32(0) {
		s.exhausted = true
	} else {
		s.next++
	}
	s.Unlock()

	frame, err := s.crypto.SealFrame(plaintext, counter, aad)
	if err != nil {
		return nil, counter, err
	}
	return frame, counter, nil
}

// Issued returns how many counters have been handed out.
func (s *Sender) Issued() uint64 {
	s.Lock()
	defer s.Unlock()
	if s.exhausted {
		return 1 << 32
	}
	return uint64(s.next)
}
