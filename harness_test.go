package marmot

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmotchat/marmot/internal/log"
	"github.com/marmotchat/marmot/moq"
	"github.com/marmotchat/marmot/relay"
)

// In-process doubles for both networks: a relay bus that redelivers
// signed envelopes to every other participant, and a track store that
// retains frames and replays them to late subscribers.

type fakeBus struct {
	sync.Mutex
	clients []*fakeRelayClient
}

type fakeRelayClient struct {
	bus    *fakeBus
	cfg    *relay.Config
	halted bool
}

func (b *fakeBus) connect(cfg *relay.Config) *fakeRelayClient {
	c := &fakeRelayClient{bus: b, cfg: cfg}
	b.Lock()
	b.clients = append(b.clients, c)
	b.Unlock()
	return c
}

func (c *fakeRelayClient) Publish(env *relay.Envelope) error {
	env.Session = c.cfg.Session
	env.From = c.cfg.Role
	ev, err := env.BuildEvent(c.cfg.Signer)
	if err != nil {
		return err
	}
	c.bus.Lock()
	clients := append([]*fakeRelayClient(nil), c.bus.clients...)
	c.bus.Unlock()
	for _, peer := range clients {
		if peer == c || peer.halted {
			continue
		}
		decoded, err := relay.DecodeEnvelope(ev, peer.cfg.Session, peer.cfg.Role)
		if err != nil || decoded == nil {
			continue
		}
		peer.cfg.Handler(decoded, ev)
	}
	return nil
}

func (c *fakeRelayClient) Halt() {
	c.bus.Lock()
	c.halted = true
	c.bus.Unlock()
}

type memFrame struct {
	seq     uint64
	payload []byte
}

type memTrack struct {
	frames []memFrame
	subs   map[*memReader]struct{}
}

type memNet struct {
	sync.Mutex
	tracks map[string]*memTrack
}

func newMemNet() *memNet {
	return &memNet{tracks: make(map[string]*memTrack)}
}

func (n *memNet) track(name string) *memTrack {
	t, ok := n.tracks[name]
	if !ok {
		t = &memTrack{subs: make(map[*memReader]struct{})}
		n.tracks[name] = t
	}
	return t
}

type memConn struct {
	net *memNet
}

func (c *memConn) OpenPublish(ctx context.Context, track, auth string) (moq.TrackWriter, error) {
	return &memWriter{net: c.net, name: track}, nil
}

func (c *memConn) OpenSubscribe(ctx context.Context, track string, cursor uint64, auth string) (moq.TrackReader, error) {
	r := &memReader{
		net:    c.net,
		name:   track,
		ch:     make(chan memFrame, 1024),
		closed: make(chan struct{}),
	}
	c.net.Lock()
	t := c.net.track(track)
	for _, f := range t.frames {
		if f.seq > cursor {
			r.ch <- f
		}
	}
	t.subs[r] = struct{}{}
	c.net.Unlock()
	return r, nil
}

func (c *memConn) Close() error { return nil }

type memWriter struct {
	net  *memNet
	name string
}

func (w *memWriter) WriteFrame(payload []byte) error {
	w.net.Lock()
	t := w.net.track(w.name)
	f := memFrame{seq: uint64(len(t.frames) + 1), payload: payload}
	t.frames = append(t.frames, f)
	for r := range t.subs {
		select {
		case r.ch <- f:
		default:
		}
	}
	w.net.Unlock()
	return nil
}

func (w *memWriter) Close() error { return nil }

type memReader struct {
	net       *memNet
	name      string
	ch        chan memFrame
	closeOnce sync.Once
	closed    chan struct{}
}

func (r *memReader) ReadFrame() (uint64, []byte, error) {
	select {
	case f := <-r.ch:
		return f.seq, f.payload, nil
	case <-r.closed:
		return 0, nil, fmt.Errorf("reader closed")
	}
}

func (r *memReader) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.net.Lock()
		if t, ok := r.net.tracks[r.name]; ok {
			delete(t.subs, r)
		}
		r.net.Unlock()
	})
	return nil
}

type eventLog struct {
	sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.Lock()
	l.events = append(l.events, ev)
	l.Unlock()
}

func (l *eventLog) all() []Event {
	l.Lock()
	defer l.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) find(match func(Event) bool) Event {
	for _, ev := range l.all() {
		if match(ev) {
			return ev
		}
	}
	return nil
}

func (l *eventLog) count(match func(Event) bool) int {
	n := 0
	for _, ev := range l.all() {
		if match(ev) {
			n++
		}
	}
	return n
}

func (l *eventLog) wait(t *testing.T, what string, match func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ev := l.find(match); ev != nil {
			return ev
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; saw %v", what, l.all())
	return nil
}

func waitConnected(t *testing.T, l *eventLog) {
	t.Helper()
	l.wait(t, "connected phase", func(ev Event) bool {
		h, ok := ev.(*HandshakeEvent)
		return ok && h.Phase == PhaseConnected
	})
	l.wait(t, "transport ready", func(ev Event) bool {
		r, ok := ev.(*ReadyEvent)
		return ok && r.Ready
	})
}

func waitMessage(t *testing.T, l *eventLog, author, content string) *MessageEvent {
	t.Helper()
	ev := l.wait(t, fmt.Sprintf("message %q from %s", content, shortKey(author)), func(ev Event) bool {
		m, ok := ev.(*MessageEvent)
		return ok && m.Author == author && m.Content == content && !m.Local
	})
	return ev.(*MessageEvent)
}

func testSecretHex(seed byte) string {
	secret := make([]byte, 32)
	secret[0] = seed
	secret[31] = 1
	return hex.EncodeToString(secret)
}

type testHarness struct {
	bus *fakeBus
	net *memNet
}

func newHarness() *testHarness {
	return &testHarness{bus: &fakeBus{}, net: newMemNet()}
}

func (h *testHarness) engine(t *testing.T, role relay.Role, seed byte, mutate func(*SessionConfig)) (*Engine, *eventLog) {
	t.Helper()
	events := new(eventLog)
	cfg := &SessionConfig{
		Role:              role,
		SignallingURL:     "ws://relay.invalid/sub",
		TransportURL:      "moq://relay.invalid:4443",
		SessionID:         "d1a2b3c4",
		SecretHex:         testSecretHex(seed),
		OnEvent:           events.record,
		HeartbeatInterval: 20 * time.Millisecond,
		LogBackend:        log.NewDefault("ERROR"),
		DialRelay: func(rcfg *relay.Config) (RelayClient, error) {
			return h.bus.connect(rcfg), nil
		},
		DialTransport: func(ctx context.Context, url string) (moq.Conn, error) {
			return &memConn{net: h.net}, nil
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return e, events
}
