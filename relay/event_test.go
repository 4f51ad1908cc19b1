package relay

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmotchat/marmot/identity"
	"github.com/marmotchat/marmot/internal/log"
)

func testSigner(t *testing.T, seed byte) *identity.Identity {
	secret := make([]byte, 32)
	secret[0] = seed
	secret[31] = 1
	id, err := identity.New(secret, log.NewDefault("ERROR"))
	require.Nil(t, err)
	return id
}

func TestEventSignVerify(t *testing.T) {
	signer := testSigner(t, 1)
	ev := &Event{
		CreatedAt: 1700000000,
		Kind:      HandshakeKind,
		Tags:      [][]string{{"t", "session-1"}},
		Content:   `{"type":"request-welcome"}`,
	}
	require.Nil(t, ev.Sign(signer))
	require.NotEmpty(t, ev.ID)
	require.NotEmpty(t, ev.Sig)
	require.Nil(t, ev.Verify())
}

func TestEventTamperDetection(t *testing.T) {
	signer := testSigner(t, 2)
	ev := &Event{
		CreatedAt: 1700000000,
		Kind:      HandshakeKind,
		Tags:      [][]string{{"t", "session-1"}},
		Content:   "original",
	}
	require.Nil(t, ev.Sign(signer))

	tampered := *ev
	tampered.Content = "modified"
	require.Error(t, tampered.Verify())

	// Recomputing the id does not repair a signature made over the
	// original content.
	require.Nil(t, tampered.ComputeID())
	require.Error(t, tampered.Verify())
}

func TestEventWrongKey(t *testing.T) {
	signer := testSigner(t, 3)
	other := testSigner(t, 4)
	ev := &Event{
		CreatedAt: 1700000000,
		Kind:      HandshakeKind,
		Content:   "hello",
	}
	require.Nil(t, ev.Sign(signer))

	// Swapping in another identity's pubkey breaks the id binding.
	forged := *ev
	forged.PubKey = hex.EncodeToString(other.PublicKey())
	require.Error(t, forged.Verify())
}

func TestTagValue(t *testing.T) {
	ev := &Event{
		Tags: [][]string{
			{"t", "session-1"},
			{"type", "welcome"},
			{"short"},
		},
	}
	require.Equal(t, "session-1", ev.TagValue("t"))
	require.Equal(t, "welcome", ev.TagValue("type"))
	require.Equal(t, "", ev.TagValue("short"))
	require.Equal(t, "", ev.TagValue("absent"))
}
