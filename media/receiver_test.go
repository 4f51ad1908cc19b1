package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func receiverAAD(epoch uint64, _ uint32) *AAD {
	return &AAD{
		GroupRoot:  "marmot/00112233445566778899aabbccddeeff",
		TrackLabel: "mic",
		Epoch:      epoch,
	}
}

func TestReceiverCurrentEpoch(t *testing.T) {
	r := NewReceiver(receiverAAD)
	require.Nil(t, r.SetEpoch(1, testBaseKey(1)))

	sender, err := New(testBaseKey(1))
	require.Nil(t, err)
	frame, err := sender.SealFrame([]byte("hello"), 0, receiverAAD(1, 0))
	require.Nil(t, err)

	pt, epoch, err := r.OpenFrame(frame)
	require.Nil(t, err)
	require.Equal(t, uint64(1), epoch)
	require.Equal(t, []byte("hello"), pt)
}

func TestReceiverNoEpochInstalled(t *testing.T) {
	r := NewReceiver(receiverAAD)
	_, _, err := r.OpenFrame([]byte{0, 0, 0, 0, 1, 2, 3})
	require.Error(t, err)
}

func TestReceiverCrossEpochWindow(t *testing.T) {
	r := NewReceiver(receiverAAD)
	now := time.Now()
	r.now = func() time.Time { return now }

	require.Nil(t, r.SetEpoch(1, testBaseKey(1)))

	oldSender, err := New(testBaseKey(1))
	require.Nil(t, err)
	oldFrame, err := oldSender.SealFrame([]byte("late"), 5, receiverAAD(1, 5))
	require.Nil(t, err)

	// The epoch rotates; frames from epoch 1 are still accepted
	// inside the window.
	require.Nil(t, r.SetEpoch(2, testBaseKey(2)))
	pt, epoch, err := r.OpenFrame(oldFrame)
	require.Nil(t, err)
	require.Equal(t, uint64(1), epoch)
	require.Equal(t, []byte("late"), pt)

	newSender, err := New(testBaseKey(2))
	require.Nil(t, err)
	newFrame, err := newSender.SealFrame([]byte("fresh"), 0, receiverAAD(2, 0))
	require.Nil(t, err)
	pt, epoch, err = r.OpenFrame(newFrame)
	require.Nil(t, err)
	require.Equal(t, uint64(2), epoch)
	require.Equal(t, []byte("fresh"), pt)

	// Past the window the old epoch is purged and its frames are
	// rejected.
	now = now.Add(GenerationCacheTTL + time.Second)
	_, _, err = r.OpenFrame(oldFrame)
	require.ErrorIs(t, err, ErrFrameRejected)
}

func TestReceiverSetEpochIdempotent(t *testing.T) {
	r := NewReceiver(receiverAAD)
	require.Nil(t, r.SetEpoch(1, testBaseKey(1)))
	require.Nil(t, r.SetEpoch(2, testBaseKey(2)))
	require.Nil(t, r.SetEpoch(2, testBaseKey(2)))

	r.Lock()
	entry := r.epochs[2]
	require.True(t, entry.current)
	require.False(t, r.epochs[1].current)
	r.Unlock()
}

func TestReceiverTamperedFrame(t *testing.T) {
	r := NewReceiver(receiverAAD)
	require.Nil(t, r.SetEpoch(1, testBaseKey(1)))

	sender, err := New(testBaseKey(1))
	require.Nil(t, err)
	frame, err := sender.SealFrame([]byte("hello"), 0, receiverAAD(1, 0))
	require.Nil(t, err)
	frame[len(frame)-1] ^= 0xff

	_, _, err = r.OpenFrame(frame)
	require.ErrorIs(t, err, ErrFrameRejected)
}
