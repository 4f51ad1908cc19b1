// Package moq carries opaque frames between group members over a QUIC
// relay. Tracks are named under the group root, have a single writer,
// and preserve arrival order; the bridge stays content-blind and never
// inspects frame payloads.
package moq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/marmotchat/marmot/internal/log"
)

const (
	// DefaultReadyGrace is how long a solo participant waits for the
	// relay to accept its publish track before reporting ready anyway.
	DefaultReadyGrace = 2 * time.Second

	publishQueueDepth = 64

	retryBackoffInitial = 1 * time.Second
	retryBackoffMax     = 10 * time.Second
)

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	// Conn is an open relay session.
	Conn Conn

	// Root is the group root path prefix.
	Root string

	// PubKey is this member's hex identity key; it names the tracks
	// this bridge writes.
	PubKey string

	// Signer mints capability tokens for track opens.
	Signer Signer

	// OnFrame receives each inbound frame. Calls for one track arrive
	// in order from a single goroutine; calls for different tracks
	// are concurrent.
	OnFrame func(track string, seq uint64, payload []byte)

	// OnReady fires once, when the publish track is accepted or the
	// grace timer expires.
	OnReady func()

	// OnClosed fires once when Close completes.
	OnClosed func()

	// ReadyGrace overrides DefaultReadyGrace.
	ReadyGrace time.Duration

	// LogBackend is the logging backend to use.
	LogBackend *log.Backend
}

func (cfg *BridgeConfig) validate() error {
	if cfg.Conn == nil {
		return fmt.Errorf("moq: missing connection")
	}
	if cfg.Root == "" {
		return fmt.Errorf("moq: missing group root")
	}
	if cfg.PubKey == "" {
		return fmt.Errorf("moq: missing pubkey")
	}
	if cfg.Signer == nil {
		return fmt.Errorf("moq: missing signer")
	}
	if cfg.OnFrame == nil {
		return fmt.Errorf("moq: missing frame handler")
	}
	if cfg.LogBackend == nil {
		return fmt.Errorf("moq: missing log backend")
	}
	return nil
}

// Bridge owns the publish tracks and subscription set for one member
// of one group. Frames published before the relay accepts the track
// are queued (bounded, oldest dropped); subscriptions retry transient
// faults with capped exponential backoff.
type Bridge struct {
	worker.Worker

	cfg *BridgeConfig
	log *logging.Logger

	wrappers *publishTrack

	audioLock sync.Mutex
	audio     map[string]*publishTrack

	subLock sync.Mutex
	subs    map[string]*subscription

	cursorLock sync.Mutex
	cursors    map[string]uint64

	readyOnce  sync.Once
	closedOnce sync.Once
}

// NewBridge starts a bridge over an open relay session.
func NewBridge(cfg *BridgeConfig) (*Bridge, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &Bridge{
		cfg:     cfg,
		log:     cfg.LogBackend.GetLogger("moq/bridge"),
		audio:   make(map[string]*publishTrack),
		subs:    make(map[string]*subscription),
		cursors: make(map[string]uint64),
	}
	b.wrappers = b.newPublishTrack(
		WrapperTrack(cfg.Root, cfg.PubKey),
		WrapperSuffix(cfg.PubKey),
		b.signalReady,
	)
	b.Go(b.wrappers.loop)

	grace := cfg.ReadyGrace
	if grace <= 0 {
		grace = DefaultReadyGrace
	}
	b.Go(func() {
		select {
		case <-b.HaltCh():
		case <-time.After(grace):
			b.signalReady()
		}
	})
	return b, nil
}

func (b *Bridge) signalReady() {
	b.readyOnce.Do(func() {
		b.log.Debugf("Transport ready")
		if b.cfg.OnReady != nil {
			b.cfg.OnReady()
		}
	})
}

// Publish appends a wrapper frame to this member's control track.
func (b *Bridge) Publish(frame []byte) error {
	return b.wrappers.write(frame)
}

// PublishAudio appends a frame to this member's audio track for the
// given label, opening the track on first use.
func (b *Bridge) PublishAudio(label string, frame []byte) error {
	b.audioLock.Lock()
	pt, ok := b.audio[label]
	if !ok {
		pt = b.newPublishTrack(
			AudioTrack(b.cfg.Root, b.cfg.PubKey, label),
			AudioSuffix(b.cfg.PubKey, label),
			nil,
		)
		b.audio[label] = pt
		b.Go(pt.loop)
	}
	b.audioLock.Unlock()
	return pt.write(frame)
}

// SubscribePeer opens (idempotently) a subscription to the peer's
// wrapper track.
func (b *Bridge) SubscribePeer(pubkey string) {
	b.subscribe(WrapperTrack(b.cfg.Root, pubkey), WrapperSuffix(pubkey))
}

// SubscribePeerAudio opens (idempotently) a subscription to one of
// the peer's audio tracks.
func (b *Bridge) SubscribePeerAudio(pubkey, label string) {
	b.subscribe(AudioTrack(b.cfg.Root, pubkey, label), AudioSuffix(pubkey, label))
}

// UnsubscribePeer drops every subscription to the peer's tracks.
func (b *Bridge) UnsubscribePeer(pubkey string) {
	b.subLock.Lock()
	defer b.subLock.Unlock()
	wrapper := WrapperTrack(b.cfg.Root, pubkey)
	audioPrefix := b.cfg.Root + "/audio/" + pubkey + "/"
	for track, sub := range b.subs {
		if track == wrapper || strings.HasPrefix(track, audioPrefix) {
			sub.stop()
			delete(b.subs, track)
		}
	}
}

// Subscriptions lists the currently subscribed track paths.
func (b *Bridge) Subscriptions() []string {
	b.subLock.Lock()
	defer b.subLock.Unlock()
	tracks := make([]string, 0, len(b.subs))
	for track := range b.subs {
		tracks = append(tracks, track)
	}
	return tracks
}

// Cursor returns the last observed sequence number on a subscribed
// track, for hosts that persist resume cursors.
func (b *Bridge) Cursor(track string) uint64 {
	b.cursorLock.Lock()
	defer b.cursorLock.Unlock()
	return b.cursors[track]
}

func (b *Bridge) setCursor(track string, seq uint64) {
	b.cursorLock.Lock()
	defer b.cursorLock.Unlock()
	if seq > b.cursors[track] {
		b.cursors[track] = seq
	}
}

// Close halts all track workers, closes the relay session, and emits
// the closed event. It is idempotent.
func (b *Bridge) Close() error {
	var err error
	b.closedOnce.Do(func() {
		b.subLock.Lock()
		for _, sub := range b.subs {
			sub.stop()
		}
		b.subLock.Unlock()
		b.Halt()
		err = b.cfg.Conn.Close()
		if b.cfg.OnClosed != nil {
			b.cfg.OnClosed()
		}
	})
	return err
}

func (b *Bridge) mintAuth(suffix string, write bool) string {
	var get, put []string
	if write {
		put = []string{suffix}
	} else {
		get = []string{suffix}
	}
	auth, err := NewCapability(b.cfg.Signer, b.cfg.Root, get, put).Query(b.cfg.Signer)
	if err != nil {
		// Signing only fails on a broken identity key; the relay will
		// reject the open and the caller's backoff handles it.
		b.log.Errorf("Failed to mint capability for %s: %v", suffix, err)
		return ""
	}
	return auth
}

func (b *Bridge) backoffSleep(d time.Duration, stop <-chan struct{}) bool {
	select {
	case <-b.HaltCh():
		return false
	case <-stop:
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > retryBackoffMax {
		d = retryBackoffMax
	}
	return d
}

/// Publish side.

type publishTrack struct {
	bridge *Bridge
	track  string
	suffix string
	onLive func()

	downCh chan struct{}

	sync.Mutex
	writer TrackWriter
	live   bool
	queue  [][]byte
}

func (b *Bridge) newPublishTrack(track, suffix string, onLive func()) *publishTrack {
	return &publishTrack{
		bridge: b,
		track:  track,
		suffix: suffix,
		onLive: onLive,
		downCh: make(chan struct{}, 1),
	}
}

func (p *publishTrack) write(frame []byte) error {
	p.Lock()
	if p.live {
		writer := p.writer
		err := writer.WriteFrame(frame)
		if err == nil {
			p.Unlock()
			return nil
		}
		p.live = false
		p.writer = nil
		p.Unlock()
		p.bridge.log.Warningf("Publish to %s failed, requeueing: %v", p.track, err)
		p.enqueue(frame)
		select {
		case p.downCh <- struct{}{}:
		default:
		}
		return nil
	}
	p.Unlock()
	p.enqueue(frame)
	return nil
}

func (p *publishTrack) enqueue(frame []byte) {
	p.Lock()
	defer p.Unlock()
	if len(p.queue) >= publishQueueDepth {
		p.queue = p.queue[1:]
		p.bridge.log.Warningf("Publish queue full on %s, dropping oldest frame", p.track)
	}
	p.queue = append(p.queue, frame)
}

func (p *publishTrack) loop() {
	b := p.bridge
	backoff := retryBackoffInitial
	never := make(chan struct{})
	for {
		select {
		case <-b.HaltCh():
			return
		default:
		}

		auth := b.mintAuth(p.suffix, true)
		writer, err := b.cfg.Conn.OpenPublish(context.Background(), p.track, auth)
		if err != nil {
			b.log.Warningf("Failed to open publish track %s: %v", p.track, err)
			if !b.backoffSleep(backoff, never) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = retryBackoffInitial
		b.log.Debugf("Publish track %s live", p.track)

		p.Lock()
		p.writer = writer
		p.live = true
		queued := p.queue
		p.queue = nil
		p.Unlock()
		if p.onLive != nil {
			p.onLive()
		}

		flushed := true
		for i, frame := range queued {
			if err := writer.WriteFrame(frame); err != nil {
				b.log.Warningf("Flush to %s failed: %v", p.track, err)
				p.Lock()
				p.live = false
				p.writer = nil
				p.queue = append(queued[i:], p.queue...)
				p.Unlock()
				flushed = false
				break
			}
		}
		if !flushed {
			writer.Close()
			continue
		}

		select {
		case <-b.HaltCh():
			writer.Close()
			return
		case <-p.downCh:
			writer.Close()
		}
	}
}

/// Subscribe side.

type subscription struct {
	bridge *Bridge
	track  string
	suffix string
	stopCh chan struct{}
	once   sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.stopCh) })
}

func (b *Bridge) subscribe(track, suffix string) {
	b.subLock.Lock()
	if _, ok := b.subs[track]; ok {
		b.subLock.Unlock()
		return
	}
	sub := &subscription{
		bridge: b,
		track:  track,
		suffix: suffix,
		stopCh: make(chan struct{}),
	}
	b.subs[track] = sub
	b.subLock.Unlock()
	b.Go(sub.loop)
}

func (s *subscription) loop() {
	b := s.bridge
	backoff := retryBackoffInitial
	for {
		select {
		case <-b.HaltCh():
			return
		case <-s.stopCh:
			return
		default:
		}

		auth := b.mintAuth(s.suffix, false)
		reader, err := b.cfg.Conn.OpenSubscribe(context.Background(), s.track, b.Cursor(s.track), auth)
		if err != nil {
			if !IsTransient(err) {
				b.log.Errorf("Subscription to %s failed: %v", s.track, err)
				return
			}
			b.log.Debugf("Subscription to %s not yet available: %v", s.track, err)
			if !b.backoffSleep(backoff, s.stopCh) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = retryBackoffInitial
		b.log.Debugf("Subscribed to %s", s.track)

		if !s.pump(reader) {
			reader.Close()
			return
		}
		reader.Close()
		if !b.backoffSleep(backoff, s.stopCh) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// pump reads until error; false means the subscription should end.
func (s *subscription) pump(reader TrackReader) bool {
	b := s.bridge
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-b.HaltCh():
			reader.Close()
		case <-s.stopCh:
			reader.Close()
		case <-done:
		}
	}()
	for {
		seq, payload, err := reader.ReadFrame()
		if err != nil {
			select {
			case <-b.HaltCh():
				return false
			case <-s.stopCh:
				return false
			default:
			}
			if !IsTransient(err) {
				b.log.Errorf("Subscription to %s failed: %v", s.track, err)
				return false
			}
			b.log.Warningf("Subscription to %s interrupted: %v", s.track, err)
			return true
		}
		b.setCursor(s.track, seq)
		b.cfg.OnFrame(s.track, seq, payload)
	}
}
