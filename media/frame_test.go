package media

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func testAAD() *AAD {
	return &AAD{
		GroupRoot:  "marmot/00112233445566778899aabbccddeeff",
		TrackLabel: "mic",
		Epoch:      3,
		GroupSeq:   100,
		FrameIdx:   42,
	}
}

func TestAADLayout(t *testing.T) {
	aad := testAAD()
	aad.Keyframe = true
	raw := aad.Bytes()

	require.Equal(t, byte(aadVersion), raw[0])
	offset := 1
	require.Equal(t, []byte(aad.GroupRoot), raw[offset:offset+len(aad.GroupRoot)])
	offset += len(aad.GroupRoot) + len(aad.TrackLabel)
	require.Equal(t, uint64(3), binary.BigEndian.Uint64(raw[offset:]))
	require.Equal(t, uint64(100), binary.BigEndian.Uint64(raw[offset+8:]))
	require.Equal(t, uint64(42), binary.BigEndian.Uint64(raw[offset+16:]))
	require.Equal(t, byte(1), raw[len(raw)-1])

	// Deterministic.
	require.Equal(t, raw, aad.Bytes())

	aad.Keyframe = false
	require.Equal(t, byte(0), aad.Bytes()[len(raw)-1])
}

func TestFrameWireFormat(t *testing.T) {
	c, err := New(testBaseKey(9))
	require.Nil(t, err)
	aad := testAAD()

	frame, err := c.SealFrame([]byte("payload"), 0x01020304, aad)
	require.Nil(t, err)
	counter, err := FrameCounter(frame)
	require.Nil(t, err)
	require.Equal(t, uint32(0x01020304), counter)

	pt, gotCounter, err := c.OpenFrame(frame, aad)
	require.Nil(t, err)
	require.Equal(t, uint32(0x01020304), gotCounter)
	require.Equal(t, []byte("payload"), pt)

	_, err = FrameCounter([]byte{1, 2})
	require.Error(t, err)
}

func TestFrameCrossTrackReplay(t *testing.T) {
	c, err := New(testBaseKey(9))
	require.Nil(t, err)

	frame, err := c.SealFrame([]byte("payload"), 7, testAAD())
	require.Nil(t, err)

	other := testAAD()
	other.TrackLabel = "cam"
	_, _, err = c.OpenFrame(frame, other)
	require.Error(t, err)

	otherGroup := testAAD()
	otherGroup.GroupRoot = "marmot/ffeeddccbbaa99887766554433221100"
	_, _, err = c.OpenFrame(frame, otherGroup)
	require.Error(t, err)
}

func TestSenderCounterMonotonic(t *testing.T) {
	c, err := New(testBaseKey(3))
	require.Nil(t, err)
	s := NewSender(c)
	aad := testAAD()

	_, c0, err := s.EncryptNext([]byte("a"), aad)
	require.Nil(t, err)
	_, c1, err := s.EncryptNext([]byte("b"), aad)
	require.Nil(t, err)
	require.Equal(t, uint32(0), c0)
	require.Equal(t, uint32(1), c1)
	require.Equal(t, uint64(2), s.Issued())
}

func TestSenderExhaustion(t *testing.T) {
	c, err := New(testBaseKey(3))
	require.Nil(t, err)
	s := NewSender(c)
	s.next = ^uint32(0)

	_, counter, err := s.EncryptNext([]byte("last"), testAAD())
	require.Nil(t, err)
	require.Equal(t, ^uint32(0), counter)

	_, _, err = s.EncryptNext([]byte("overflow"), testAAD())
	require.ErrorIs(t, err, ErrCounterExhausted)
}
