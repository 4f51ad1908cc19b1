package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/marmotchat/marmot/internal/log"
)

// fakeRelay is a minimal in-process relay: it accepts websocket
// connections, answers REQ with EOSE, and rebroadcasts every EVENT to
// all subscribers including the sender.
type fakeRelay struct {
	upgrader websocket.Upgrader

	sync.Mutex
	conns []*websocket.Conn
	reqs  int
}

func (fr *fakeRelay) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := fr.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fr.Lock()
	fr.conns = append(fr.conns, conn)
	fr.Unlock()
	go fr.serve(conn)
}

func (fr *fakeRelay) serve(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(frame[0], &kind); err != nil {
			continue
		}
		switch kind {
		case "REQ":
			fr.Lock()
			fr.reqs++
			fr.Unlock()
			var subID string
			_ = json.Unmarshal(frame[1], &subID)
			eose, _ := json.Marshal([]interface{}{"EOSE", subID})
			fr.send(conn, eose)
		case "EVENT":
			if len(frame) < 2 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(frame[1], &ev); err != nil {
				continue
			}
			fr.broadcast(&ev)
		}
	}
}

func (fr *fakeRelay) send(conn *websocket.Conn, frame []byte) {
	fr.Lock()
	defer fr.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, frame)
}

func (fr *fakeRelay) broadcast(ev *Event) {
	frame, err := json.Marshal([]interface{}{"EVENT", "marmot-test", ev})
	if err != nil {
		return
	}
	fr.Lock()
	defer fr.Unlock()
	for _, conn := range fr.conns {
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
}

func (fr *fakeRelay) requests() int {
	fr.Lock()
	defer fr.Unlock()
	return fr.reqs
}

func startFakeRelay(t *testing.T) (*fakeRelay, string) {
	fr := &fakeRelay{}
	srv := httptest.NewServer(http.HandlerFunc(fr.handler))
	t.Cleanup(srv.Close)
	return fr, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestClientConfigValidation(t *testing.T) {
	backend := log.NewDefault("ERROR")
	signer := testSigner(t, 9)
	handler := func(*Envelope, *Event) {}

	_, err := New(&Config{Session: "s", Role: RoleInitial, Signer: signer, Handler: handler, LogBackend: backend})
	require.Error(t, err)
	_, err = New(&Config{URL: "http://relay", Session: "s", Role: RoleInitial, Signer: signer, Handler: handler, LogBackend: backend})
	require.Error(t, err)
	_, err = New(&Config{URL: "ws://relay", Role: RoleInitial, Signer: signer, Handler: handler, LogBackend: backend})
	require.Error(t, err)
	_, err = New(&Config{URL: "ws://relay", Session: "s", Role: "spectator", Signer: signer, Handler: handler, LogBackend: backend})
	require.Error(t, err)
	_, err = New(&Config{URL: "ws://relay", Session: "s", Role: RoleInitial, Handler: handler, LogBackend: backend})
	require.Error(t, err)
}

func TestClientPublishDelivery(t *testing.T) {
	fr, url := startFakeRelay(t)
	backend := log.NewDefault("ERROR")

	var mu sync.Mutex
	var creatorGot []*Envelope
	creator, err := New(&Config{
		URL:     url,
		Session: "session-1",
		Role:    RoleInitial,
		Signer:  testSigner(t, 10),
		Handler: func(env *Envelope, _ *Event) {
			mu.Lock()
			creatorGot = append(creatorGot, env)
			mu.Unlock()
		},
		LogBackend: backend,
	})
	require.Nil(t, err)
	defer creator.Halt()

	invitee, err := New(&Config{
		URL:        url,
		Session:    "session-1",
		Role:       RoleInvitee,
		Signer:     testSigner(t, 11),
		Handler:    func(*Envelope, *Event) {},
		LogBackend: backend,
	})
	require.Nil(t, err)
	defer invitee.Halt()

	waitFor(t, func() bool { return fr.requests() >= 2 })

	require.Nil(t, invitee.Publish(&Envelope{
		Type:   TypeKeyPackage,
		Event:  "serialized-offer",
		PubKey: "abcd",
	}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(creatorGot) == 1
	})
	mu.Lock()
	env := creatorGot[0]
	mu.Unlock()
	require.Equal(t, TypeKeyPackage, env.Type)
	require.Equal(t, "serialized-offer", env.Event)
	require.Equal(t, RoleInvitee, env.From)
}

func TestClientDeduplicatesAndIgnoresOwnRole(t *testing.T) {
	fr, url := startFakeRelay(t)
	backend := log.NewDefault("ERROR")

	var mu sync.Mutex
	received := 0
	creator, err := New(&Config{
		URL:     url,
		Session: "session-1",
		Role:    RoleInitial,
		Signer:  testSigner(t, 12),
		Handler: func(*Envelope, *Event) {
			mu.Lock()
			received++
			mu.Unlock()
		},
		LogBackend: backend,
	})
	require.Nil(t, err)
	defer creator.Halt()
	waitFor(t, func() bool { return fr.requests() >= 1 })

	env := &Envelope{Type: TypeRequestWelcome, Session: "session-1", From: RoleInvitee}
	ev, err := env.BuildEvent(testSigner(t, 13))
	require.Nil(t, err)

	// Deliver the same event three times; the handler fires once.
	fr.broadcast(ev)
	fr.broadcast(ev)
	fr.broadcast(ev)

	// The relay echoes the creator's own publishes back; the role
	// filter drops them.
	require.Nil(t, creator.Publish(&Envelope{Type: TypeRequestKeyPackage}))

	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, received)
}
