package marmot

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmotchat/marmot/identity"
	"github.com/marmotchat/marmot/internal/log"
	"github.com/marmotchat/marmot/relay"
)

func startPair(t *testing.T, h *testHarness) (*Engine, *eventLog, *Engine, *eventLog) {
	t.Helper()
	creator, creatorEvents := h.engine(t, relay.RoleInitial, 1, nil)
	joiner, joinerEvents := h.engine(t, relay.RoleInvitee, 2, nil)
	require.NoError(t, creator.Start())
	require.NoError(t, joiner.Start())
	waitConnected(t, creatorEvents)
	waitConnected(t, joinerEvents)
	return creator, creatorEvents, joiner, joinerEvents
}

func TestTwoPartyTextRoundTrip(t *testing.T) {
	h := newHarness()
	creator, creatorEvents, joiner, joinerEvents := startPair(t, h)

	require.NoError(t, creator.SendMessage("hello from the creator"))
	waitMessage(t, joinerEvents, creator.PublicKeyHex(), "hello from the creator")

	require.NoError(t, joiner.SendMessage("hello back"))
	waitMessage(t, creatorEvents, joiner.PublicKeyHex(), "hello back")

	// The sender sees its own message as a local echo, exactly once.
	echo := creatorEvents.find(func(ev Event) bool {
		m, ok := ev.(*MessageEvent)
		return ok && m.Local && m.Content == "hello from the creator"
	})
	require.NotNil(t, echo)
	require.Equal(t, creator.PublicKeyHex(), echo.(*MessageEvent).Author)

	require.Equal(t, creator.GroupRoot(), joiner.GroupRoot())
	require.NotEmpty(t, creator.GroupRoot())
}

func TestEpochRotationMidConversation(t *testing.T) {
	h := newHarness()
	creator, creatorEvents, joiner, joinerEvents := startPair(t, h)

	require.NoError(t, creator.SendMessage("before rotation"))
	waitMessage(t, joinerEvents, creator.PublicKeyHex(), "before rotation")

	epochBefore := joiner.CurrentEpoch()
	require.NoError(t, creator.RotateEpoch())
	joinerEvents.wait(t, "rotation commit", func(ev Event) bool {
		_, ok := ev.(*CommitEvent)
		return ok
	})

	require.Eventually(t, func() bool {
		return joiner.CurrentEpoch() == epochBefore+1 &&
			creator.CurrentEpoch() == epochBefore+1
	}, 5*time.Second, 10*time.Millisecond)

	// Traffic keeps flowing in both directions under the new epoch.
	require.NoError(t, creator.SendMessage("after rotation"))
	waitMessage(t, joinerEvents, creator.PublicKeyHex(), "after rotation")
	require.NoError(t, joiner.SendMessage("acknowledged"))
	waitMessage(t, creatorEvents, joiner.PublicKeyHex(), "acknowledged")
}

func TestThreePartyInvite(t *testing.T) {
	h := newHarness()
	creator, creatorEvents, joiner, joinerEvents := startPair(t, h)

	third, thirdEvents := h.engine(t, relay.RoleInvitee, 3, nil)
	require.NoError(t, third.Start())
	require.NoError(t, creator.InviteMember(third.PublicKeyHex(), false))

	invited := creatorEvents.wait(t, "invite generated", func(ev Event) bool {
		_, ok := ev.(*InviteGeneratedEvent)
		return ok
	}).(*InviteGeneratedEvent)
	require.Equal(t, third.PublicKeyHex(), invited.Recipient)
	require.False(t, invited.IsAdmin)

	waitConnected(t, thirdEvents)

	// Existing members learn about the new one from the commit.
	for _, events := range []*eventLog{creatorEvents, joinerEvents} {
		events.wait(t, "member joined", func(ev Event) bool {
			m, ok := ev.(*MemberJoinedEvent)
			return ok && m.Member.PubKey == third.PublicKeyHex()
		})
		events.wait(t, "three member roster", func(ev Event) bool {
			r, ok := ev.(*RosterEvent)
			return ok && len(r.Members) == 3
		})
	}

	// Full mesh: every member reaches every other member.
	require.NoError(t, joiner.SendMessage("welcome aboard"))
	waitMessage(t, thirdEvents, joiner.PublicKeyHex(), "welcome aboard")

	require.NoError(t, third.SendMessage("glad to be here"))
	waitMessage(t, creatorEvents, third.PublicKeyHex(), "glad to be here")
	waitMessage(t, joinerEvents, third.PublicKeyHex(), "glad to be here")
}

func TestInviteValidation(t *testing.T) {
	h := newHarness()
	creator, creatorEvents, joiner, _ := startPair(t, h)

	countInviteErrors := func() int {
		return creatorEvents.count(func(ev Event) bool {
			e, ok := ev.(*ErrorEvent)
			return ok && !e.Fatal && e.Recovery == RecoveryRetry
		})
	}

	for _, bad := range []string{"", creator.PublicKeyHex(), joiner.PublicKeyHex()} {
		before := countInviteErrors()
		require.NoError(t, creator.InviteMember(bad, false))
		require.Eventually(t, func() bool { return countInviteErrors() > before },
			5*time.Second, 10*time.Millisecond)
	}
}

func TestHandshakeIdempotence(t *testing.T) {
	h := newHarness()
	creator, _, joiner, joinerEvents := startPair(t, h)

	joined := func() int {
		return joinerEvents.count(func(ev Event) bool {
			hs, ok := ev.(*HandshakeEvent)
			return ok && hs.Phase == PhaseConnected
		})
	}
	require.Equal(t, 1, joined())
	epoch := joiner.CurrentEpoch()

	// A lost reply makes the joiner re-request; the creator answers
	// from its cache and the duplicate welcome must be a no-op.
	backend := log.NewDefault("ERROR")
	id, err := identity.New(mustDecodeHex(t, testSecretHex(2)), backend)
	require.NoError(t, err)
	ghost := h.bus.connect(&relay.Config{
		Session: "d1a2b3c4",
		Role:    relay.RoleInvitee,
		Signer:  id,
		Handler: func(*relay.Envelope, *relay.Event) {},
	})
	require.NoError(t, ghost.Publish(&relay.Envelope{
		Type:   relay.TypeRequestWelcome,
		PubKey: joiner.PublicKeyHex(),
	}))

	require.NoError(t, creator.SendMessage("still here"))
	waitMessage(t, joinerEvents, creator.PublicKeyHex(), "still here")
	require.Equal(t, 1, joined())
	require.Equal(t, epoch, joiner.CurrentEpoch())
}

func TestHandshakeTimeout(t *testing.T) {
	h := newHarness()
	creator, creatorEvents := h.engine(t, relay.RoleInitial, 1, func(cfg *SessionConfig) {
		cfg.HandshakeDeadline = 100 * time.Millisecond
	})
	require.NoError(t, creator.Start())

	ev := creatorEvents.wait(t, "timeout error", func(ev Event) bool {
		_, ok := ev.(*ErrorEvent)
		return ok
	}).(*ErrorEvent)
	require.True(t, ev.Fatal)
	require.Equal(t, RecoveryRefresh, ev.Recovery)
}

// TestTransientIngestRetry drives the engine's ingest path directly
// with a message that arrives before the commit it depends on.
func TestTransientIngestRetry(t *testing.T) {
	h := newHarness()

	sender, _ := h.engine(t, relay.RoleInitial, 1, nil)
	receiver, receiverEvents := h.engine(t, relay.RoleInvitee, 2, nil)

	kp, _, err := receiver.id.CreateKeyPackage()
	require.NoError(t, err)
	gid, welcome, err := sender.id.CreateGroup([]identity.Invitee{{KeyPackage: *kp}})
	require.NoError(t, err)
	sender.groupID = gid

	joinedID, err := receiver.id.AcceptWelcome(welcome)
	require.NoError(t, err)
	receiver.groupID = joinedID

	commit, err := sender.id.SelfUpdate(gid)
	require.NoError(t, err)
	_, err = sender.id.MergePendingCommit(gid)
	require.NoError(t, err)
	msg, err := sender.id.CreateMessage(gid, identity.NewTextPayload("early"))
	require.NoError(t, err)

	// Message first: one epoch ahead, so it parks in the retry queue.
	receiver.ingestWrapper(msg, 0)
	require.Len(t, receiver.pending, 1)
	require.Nil(t, receiverEvents.find(func(ev Event) bool {
		_, ok := ev.(*MessageEvent)
		return ok
	}))

	// The commit catches the receiver up and replays the queue.
	receiver.ingestWrapper(commit, 0)
	require.Empty(t, receiver.pending)
	require.NotNil(t, receiverEvents.find(func(ev Event) bool {
		_, ok := ev.(*CommitEvent)
		return ok
	}))
	got := receiverEvents.find(func(ev Event) bool {
		m, ok := ev.(*MessageEvent)
		return ok && m.Content == "early"
	})
	require.NotNil(t, got)
}

func TestPendingQueueBounds(t *testing.T) {
	h := newHarness()
	e, _ := h.engine(t, relay.RoleInitial, 1, nil)

	// Depth bound: the oldest frame drops once the queue is full.
	for i := 0; i < pendingFrameLimit+5; i++ {
		e.queuePending([]byte{byte(i)}, 0)
	}
	require.Len(t, e.pending, pendingFrameLimit)
	require.Equal(t, []byte{5}, e.pending[0].raw)

	// Retry bound: a frame out of budget is not requeued.
	e.pending = nil
	e.queuePending([]byte("tired"), pendingFrameRetries)
	require.Empty(t, e.pending)
}

func TestAudioOverRotation(t *testing.T) {
	h := newHarness()
	creator, _, _, joinerEvents := startPair(t, h)

	require.NoError(t, creator.AnnounceAudio("mic0"))
	joinerEvents.wait(t, "audio subscription", func(ev Event) bool {
		s, ok := ev.(*StatusEvent)
		return ok && s.Text == "Subscribed to audio from "+shortKey(creator.PublicKeyHex())
	})

	require.NoError(t, creator.SendAudioFrame([]byte("frame-1")))
	first := joinerEvents.wait(t, "first audio frame", func(ev Event) bool {
		a, ok := ev.(*AudioFrameEvent)
		return ok && string(a.Payload) == "frame-1"
	}).(*AudioFrameEvent)
	require.Equal(t, creator.PublicKeyHex(), first.PubKey)
	require.Equal(t, "mic0", first.Label)

	// Rotation installs the new epoch key on both ends; audio keeps
	// decrypting across the boundary.
	require.NoError(t, creator.RotateEpoch())
	joinerEvents.wait(t, "rotation commit", func(ev Event) bool {
		_, ok := ev.(*CommitEvent)
		return ok
	})
	require.NoError(t, creator.SendAudioFrame([]byte("frame-2")))
	second := joinerEvents.wait(t, "post-rotation audio frame", func(ev Event) bool {
		a, ok := ev.(*AudioFrameEvent)
		return ok && string(a.Payload) == "frame-2"
	}).(*AudioFrameEvent)
	require.Greater(t, second.Epoch, first.Epoch)
}

func TestAudioBurst(t *testing.T) {
	h := newHarness()
	creator, _, _, joinerEvents := startPair(t, h)

	require.NoError(t, creator.AnnounceAudio("mic0"))
	joinerEvents.wait(t, "audio subscription", func(ev Event) bool {
		s, ok := ev.(*StatusEvent)
		return ok && s.Text == "Subscribed to audio from "+shortKey(creator.PublicKeyHex())
	})

	const frames = 50
	for i := 0; i < frames; i++ {
		require.NoError(t, creator.SendAudioFrame([]byte{0x50, byte(i)}))
	}
	require.Eventually(t, func() bool {
		return joinerEvents.count(func(ev Event) bool {
			_, ok := ev.(*AudioFrameEvent)
			return ok
		}) == frames
	}, 5*time.Second, 10*time.Millisecond)

	// Delivery preserves per-track order and plaintext integrity.
	idx := 0
	for _, ev := range joinerEvents.all() {
		a, ok := ev.(*AudioFrameEvent)
		if !ok {
			continue
		}
		require.Equal(t, []byte{0x50, byte(idx)}, a.Payload)
		idx++
	}
}

func TestConfigValidation(t *testing.T) {
	base := func() *SessionConfig {
		return &SessionConfig{
			Role:          relay.RoleInitial,
			SignallingURL: "ws://relay.invalid/sub",
			TransportURL:  "moq://relay.invalid:4443",
			SessionID:     "abcd",
			SecretHex:     testSecretHex(9),
		}
	}
	for name, mutate := range map[string]func(*SessionConfig){
		"bad role":      func(c *SessionConfig) { c.Role = "observer" },
		"no signalling": func(c *SessionConfig) { c.SignallingURL = "" },
		"no transport":  func(c *SessionConfig) { c.TransportURL = "" },
		"no session":    func(c *SessionConfig) { c.SessionID = "" },
		"bad secret":    func(c *SessionConfig) { c.SecretHex = "zz" },
		"short secret":  func(c *SessionConfig) { c.SecretHex = "abcd" },
	} {
		cfg := base()
		mutate(cfg)
		_, err := New(cfg)
		require.Error(t, err, name)
	}
	_, err := New(base())
	require.NoError(t, err)
}

func mustDecodeHex(t *testing.T, s string) []byte {
	t.Helper()
	out, err := hex.DecodeString(s)
	require.NoError(t, err)
	return out
}
