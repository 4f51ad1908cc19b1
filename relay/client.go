// Package relay speaks the bootstrap handshake protocol: signed JSON
// events published to a websocket relay and filtered by a per-session
// channel tag. The relay is best effort and unordered; every consumer
// deduplicates by event id and verifies signatures itself.
package relay

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/marmotchat/marmot/internal/log"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 10 * time.Second

	handshakeTimeout = 15 * time.Second
	writeTimeout     = 10 * time.Second

	sendQueueDepth = 64
	maxSeenEvents  = 4096
)

// Config is the relay client configuration.
type Config struct {
	// URL is the websocket relay endpoint.
	URL string

	// Session is the bootstrap channel id shared out of band.
	Session string

	// Role is this side's handshake role.
	Role Role

	// Signer signs outgoing events.
	Signer Signer

	// Handler receives each verified, deduplicated envelope addressed
	// to this session. It is called from the client's read goroutine
	// and must not block.
	Handler func(*Envelope, *Event)

	// LogBackend is the logging backend to use.
	LogBackend *log.Backend
}

func (cfg *Config) validate() error {
	if cfg.URL == "" {
		return fmt.Errorf("relay: missing URL")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("relay: invalid URL: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay: invalid URL scheme %q", u.Scheme)
	}
	if cfg.Session == "" {
		return fmt.Errorf("relay: missing session")
	}
	if _, err := ParseRole(string(cfg.Role)); err != nil {
		return err
	}
	if cfg.Signer == nil {
		return fmt.Errorf("relay: missing signer")
	}
	if cfg.Handler == nil {
		return fmt.Errorf("relay: missing handler")
	}
	if cfg.LogBackend == nil {
		return fmt.Errorf("relay: missing log backend")
	}
	return nil
}

// Client maintains a websocket connection to the relay, with automatic
// reconnection, and delivers inbound handshake envelopes to the
// configured handler. Outbound events survive disconnects: they are
// queued and flushed once a connection and subscription are up.
type Client struct {
	worker.Worker

	cfg *Config
	log *logging.Logger

	sendCh chan *Event

	pendingLock sync.Mutex
	pending     []*Event

	seenLock sync.Mutex
	seen     map[string]struct{}
}

// New creates a relay client and starts its connection worker.
func New(cfg *Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:    cfg,
		log:    cfg.LogBackend.GetLogger("relay/client"),
		sendCh: make(chan *Event, sendQueueDepth),
		seen:   make(map[string]struct{}),
	}
	c.Go(c.connectWorker)
	return c, nil
}

// Publish signs the envelope and queues it for delivery. Delivery is
// asynchronous; events queued while disconnected are sent after the
// next successful subscription.
func (c *Client) Publish(env *Envelope) error {
	env.Session = c.cfg.Session
	env.From = c.cfg.Role
	ev, err := env.BuildEvent(c.cfg.Signer)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- ev:
		return nil
	default:
		return fmt.Errorf("relay: send queue full")
	}
}

func (c *Client) connectWorker() {
	backoff := initialBackoff
	for {
		select {
		case <-c.HaltCh():
			return
		default:
		}

		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.Dial(c.cfg.URL, nil)
		if err != nil {
			c.log.Warningf("Failed to connect to %s: %v", c.cfg.URL, err)
			if !c.sleep(backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		c.log.Debugf("Connected to %s", c.cfg.URL)
		backoff = initialBackoff
		c.runConnection(conn)
	}
}

func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.HaltCh():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) runConnection(conn *websocket.Conn) {
	defer conn.Close()

	if err := c.subscribe(conn); err != nil {
		c.log.Warningf("Failed to subscribe: %v", err)
		return
	}
	if err := c.flushPending(conn); err != nil {
		c.log.Warningf("Failed to flush pending events: %v", err)
		return
	}

	readErr := make(chan error, 1)
	go c.readLoop(conn, readErr)

	for {
		select {
		case <-c.HaltCh():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			return
		case ev := <-c.sendCh:
			if err := c.writeEvent(conn, ev); err != nil {
				c.log.Warningf("Write failed, requeueing event: %v", err)
				c.requeue(ev)
				return
			}
		case err := <-readErr:
			select {
			case <-c.HaltCh():
			default:
				c.log.Warningf("Connection lost: %v", err)
			}
			return
		}
	}
}

func (c *Client) subscribe(conn *websocket.Conn) error {
	filter := map[string]interface{}{
		"kinds": []int{HandshakeKind},
		"#t":    []string{c.cfg.Session},
		"limit": 50,
	}
	frame, err := json.Marshal([]interface{}{"REQ", "marmot-" + c.cfg.Session, filter})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) writeEvent(conn *websocket.Conn, ev *Event) error {
	frame, err := json.Marshal([]interface{}{"EVENT", ev})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) requeue(ev *Event) {
	c.pendingLock.Lock()
	defer c.pendingLock.Unlock()
	c.pending = append([]*Event{ev}, c.pending...)
}

func (c *Client) flushPending(conn *websocket.Conn) error {
	c.pendingLock.Lock()
	queued := c.pending
	c.pending = nil
	c.pendingLock.Unlock()

	for i, ev := range queued {
		if err := c.writeEvent(conn, ev); err != nil {
			c.pendingLock.Lock()
			c.pending = append(queued[i:], c.pending...)
			c.pendingLock.Unlock()
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, readErr chan<- error) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		c.handleFrame(raw)
	}
}

func (c *Client) handleFrame(raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.log.Warningf("Malformed relay frame: %v", err)
		return
	}
	if len(frame) < 1 {
		return
	}
	var kind string
	if err := json.Unmarshal(frame[0], &kind); err != nil {
		return
	}
	// OK, EOSE and NOTICE frames carry no handshake payload.
	if kind != "EVENT" || len(frame) < 3 {
		return
	}

	var ev Event
	if err := json.Unmarshal(frame[2], &ev); err != nil {
		c.log.Warningf("Malformed relay event: %v", err)
		return
	}
	if c.isDuplicate(ev.ID) {
		return
	}
	if err := ev.Verify(); err != nil {
		c.log.Warningf("Dropping event %s: %v", ev.ID, err)
		return
	}
	env, err := DecodeEnvelope(&ev, c.cfg.Session, c.cfg.Role)
	if err != nil {
		c.log.Warningf("Dropping event %s: %v", ev.ID, err)
		return
	}
	if env == nil {
		return
	}
	c.cfg.Handler(env, &ev)
}

func (c *Client) isDuplicate(id string) bool {
	c.seenLock.Lock()
	defer c.seenLock.Unlock()
	if _, ok := c.seen[id]; ok {
		return true
	}
	if len(c.seen) >= maxSeenEvents {
		c.seen = make(map[string]struct{})
	}
	c.seen[id] = struct{}{}
	return false
}
