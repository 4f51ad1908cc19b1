package moq

import (
	"net/url"
	"testing"
	"time"

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

func TestCapabilityRoundTrip(t *testing.T) {
	signer := testSigner(t, 1)
	root := "marmot/00112233445566778899aabbccddeeff"
	token := NewCapability(signer, root, []string{"wrappers/peer"}, []string{"wrappers/self"})

	query, err := token.Query(signer)
	require.Nil(t, err)
	values, err := url.ParseQuery(query)
	require.Nil(t, err)

	got, err := DecodeCapability(values.Get("cap"), values.Get("sig"), time.Now())
	require.Nil(t, err)
	require.Equal(t, CapabilityVersion, got.Ver)
	require.Equal(t, root, got.Root)
	require.True(t, got.Allows(root+"/wrappers/peer", false))
	require.True(t, got.Allows(root+"/wrappers/self", true))
	require.False(t, got.Allows(root+"/wrappers/peer", true))
	require.False(t, got.Allows(root+"/wrappers/other", false))
}

func TestCapabilityTamper(t *testing.T) {
	signer := testSigner(t, 2)
	token := NewCapability(signer, "marmot/aa", nil, []string{"wrappers/self"})
	payload, sig, err := token.Encode(signer)
	require.Nil(t, err)

	// Swapping in a payload with wider grants breaks the signature.
	wider := NewCapability(signer, "marmot/aa", []string{"wrappers/victim"}, nil)
	wider.Exp = token.Exp
	wider.Nbf = token.Nbf
	widerPayload, _, err := wider.Encode(signer)
	require.Nil(t, err)
	_, err = DecodeCapability(widerPayload, sig, time.Now())
	require.Error(t, err)

	// The original pair still verifies.
	_, err = DecodeCapability(payload, sig, time.Now())
	require.Nil(t, err)
}

func TestCapabilityValidityWindow(t *testing.T) {
	signer := testSigner(t, 3)
	token := NewCapability(signer, "marmot/aa", nil, []string{"wrappers/self"})
	payload, sig, err := token.Encode(signer)
	require.Nil(t, err)

	_, err = DecodeCapability(payload, sig, time.Now())
	require.Nil(t, err)
	_, err = DecodeCapability(payload, sig, time.Unix(token.Exp, 0))
	require.Error(t, err)
	_, err = DecodeCapability(payload, sig, time.Unix(token.Nbf-10, 0))
	require.Error(t, err)
}

func TestTrackPaths(t *testing.T) {
	require.Equal(t, "marmot/aa/wrappers/pk", WrapperTrack("marmot/aa", "pk"))
	require.Equal(t, "marmot/aa/audio/pk/mic", AudioTrack("marmot/aa", "pk", "mic"))
	require.Equal(t, "wrappers/pk", WrapperSuffix("pk"))
	require.Equal(t, "audio/pk/mic", AudioSuffix("pk", "mic"))
}
