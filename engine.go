package marmot

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/marmotchat/marmot/identity"
	"github.com/marmotchat/marmot/moq"
	"github.com/marmotchat/marmot/relay"
)

const (
	opQueueDepth        = 256
	pendingFrameLimit   = 64
	pendingFrameRetries = 8

	transportDialTimeout = 15 * time.Second
)

// Operations processed by the engine goroutine. Every external input,
// relay envelopes, transport frames, timers, and host API calls, is
// funneled through one of these.
type op interface{}

type opStart struct{}

type opEnvelope struct {
	env *relay.Envelope
}

type opHandshakeTimeout struct{}

type opFrame struct {
	track   string
	seq     uint64
	payload []byte
}

type opReady struct{}

type opSendText struct {
	text string
}

type opRotate struct{}

type opInvite struct {
	pubkey string
	admin  bool
}

type opAnnounceAudio struct {
	label string
}

type opSendAudio struct {
	payload []byte
}

type memberState struct {
	admin  bool
	joined bool
}

// Engine is the session controller. All state below the lock is owned
// by the run goroutine; the host talks to it through the operation
// queue and reads results from the event stream.
type Engine struct {
	worker.Worker

	cfg *SessionConfig
	id  *identity.Identity
	log *logging.Logger

	pubHex string
	opCh   chan op

	// Run-goroutine state.
	phase       HandshakePhase
	established bool
	stopped     bool

	relayClient RelayClient
	hs          *relay.Handshaker
	bridge      *moq.Bridge

	groupID []byte
	root    string
	commits uint32

	members        map[string]*memberState
	pendingInvites map[string]bool
	welcomes       map[string]*relay.Envelope

	kpEventB64 string
	kpBundle   []byte

	ready    bool
	outgoing [][]byte
	pending  []pendingFrame

	audioLabel  string
	audioSender *audioSender
	audioRecv   map[string]*audioReceiver

	// Snapshot fields for the synchronous accessors.
	snapLock  sync.Mutex
	snapEpoch uint64
	snapRoot  string
}

type pendingFrame struct {
	raw     []byte
	retries int
}

// New builds an engine from the session configuration. Nothing runs
// until Start.
func New(cfg *SessionConfig) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	secret := make([]byte, 32)
	hexDecode(secret, cfg.SecretHex)
	id, err := identity.New(secret, cfg.LogBackend)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:            cfg,
		id:             id,
		log:            cfg.LogBackend.GetLogger("marmot/engine"),
		pubHex:         hex.EncodeToString(id.PublicKey()),
		opCh:           make(chan op, opQueueDepth),
		phase:          PhaseInitializing,
		members:        make(map[string]*memberState),
		pendingInvites: make(map[string]bool),
		welcomes:       make(map[string]*relay.Envelope),
		audioRecv:      make(map[string]*audioReceiver),
	}
	return e, nil
}

func hexDecode(dst []byte, s string) {
	// Length already validated by SessionConfig.validate.
	hex.Decode(dst, []byte(s))
}

// PublicKeyHex returns this member's hex identity key.
func (e *Engine) PublicKeyHex() string { return e.pubHex }

// Start begins the session: it connects to the signalling relay and
// drives the bootstrap handshake for the configured role.
func (e *Engine) Start() error {
	e.Go(e.run)
	return e.enqueue(&opStart{})
}

// SendMessage encrypts and publishes a text message to the group.
func (e *Engine) SendMessage(text string) error {
	return e.enqueue(&opSendText{text: text})
}

// RotateEpoch forces a key rotation via an empty self-update commit.
func (e *Engine) RotateEpoch() error {
	return e.enqueue(&opRotate{})
}

// InviteMember starts the key package exchange for a new member.
func (e *Engine) InviteMember(pubkey string, admin bool) error {
	return e.enqueue(&opInvite{pubkey: pubkey, admin: admin})
}

// AnnounceAudio declares this member's audio track label to the group
// and enables SendAudioFrame.
func (e *Engine) AnnounceAudio(label string) error {
	if label == "" {
		return fmt.Errorf("marmot: empty audio track label")
	}
	return e.enqueue(&opAnnounceAudio{label: label})
}

// SendAudioFrame encrypts and publishes one audio frame on the
// announced track.
func (e *Engine) SendAudioFrame(payload []byte) error {
	return e.enqueue(&opSendAudio{payload: payload})
}

// CurrentEpoch returns the group epoch, 0 before the group exists.
func (e *Engine) CurrentEpoch() uint64 {
	e.snapLock.Lock()
	defer e.snapLock.Unlock()
	return e.snapEpoch
}

// GroupRoot returns the transport track prefix, "" before the group
// exists.
func (e *Engine) GroupRoot() string {
	e.snapLock.Lock()
	defer e.snapLock.Unlock()
	return e.snapRoot
}

// Shutdown stops the engine and tears down both connections. Safe to
// call more than once.
func (e *Engine) Shutdown() {
	e.Halt()
}

func (e *Engine) enqueue(o op) error {
	select {
	case e.opCh <- o:
		return nil
	case <-e.HaltCh():
		return fmt.Errorf("marmot: engine is shut down")
	}
}

func (e *Engine) run() {
	for {
		select {
		case <-e.HaltCh():
			e.teardown()
			return
		case o := <-e.opCh:
			e.dispatch(o)
		}
	}
}

func (e *Engine) dispatch(o op) {
	if e.stopped {
		return
	}
	switch o := o.(type) {
	case *opStart:
		e.onStart()
	case *opEnvelope:
		e.onEnvelope(o.env)
	case *opHandshakeTimeout:
		e.onHandshakeTimeout()
	case *opReady:
		e.onTransportReady()
	case *opFrame:
		e.onFrame(o.track, o.seq, o.payload)
	case *opSendText:
		e.onSendText(o.text)
	case *opRotate:
		e.onRotate()
	case *opInvite:
		e.onInvite(o.pubkey, o.admin)
	case *opAnnounceAudio:
		e.onAnnounceAudio(o.label)
	case *opSendAudio:
		e.onSendAudio(o.payload)
	default:
		e.log.Errorf("Unhandled operation %T", o)
	}
}

func (e *Engine) teardown() {
	if e.hs != nil {
		e.hs.Halt()
	}
	if e.bridge != nil {
		e.bridge.Close()
	}
	if e.relayClient != nil {
		e.relayClient.Halt()
	}
}

func (e *Engine) emit(ev Event) {
	e.cfg.OnEvent(ev)
}

func (e *Engine) setPhase(phase HandshakePhase) {
	if e.phase == phase {
		return
	}
	e.phase = phase
	e.emit(&HandshakeEvent{Phase: phase})
}

// fail surfaces the event and, when fatal, freezes the engine. The
// connections stay up for teardown but no further operations run.
func (e *Engine) fail(ev *ErrorEvent) {
	e.emit(ev)
	if ev.Fatal {
		e.stopped = true
		if e.hs != nil {
			e.hs.Done()
		}
	}
}

func (e *Engine) updateSnapshot() {
	epoch := uint64(0)
	if e.groupID != nil {
		if v, err := e.id.CurrentEpoch(e.groupID); err == nil {
			epoch = v
		}
	}
	e.snapLock.Lock()
	e.snapEpoch = epoch
	e.snapRoot = e.root
	e.snapLock.Unlock()
}

// publishOrQueue sends a wrapper when the transport is ready and queues
// it otherwise. The queue drains in order on the ready signal.
func (e *Engine) publishOrQueue(wrapper []byte) {
	if e.ready && e.bridge != nil {
		if err := e.bridge.Publish(wrapper); err != nil {
			e.log.Warningf("Failed to publish wrapper: %v", err)
			e.outgoing = append(e.outgoing, wrapper)
		}
		return
	}
	e.outgoing = append(e.outgoing, wrapper)
}

func (e *Engine) onTransportReady() {
	if e.ready {
		return
	}
	e.ready = true
	e.emit(&ReadyEvent{Ready: true})

	queued := e.outgoing
	e.outgoing = nil
	for _, wrapper := range queued {
		e.publishOrQueue(wrapper)
	}
	if e.audioLabel != "" {
		e.announceDirectory()
	}
}

func shortKey(key string) string {
	if len(key) <= 10 {
		return key
	}
	return key[:6] + "…" + key[len(key)-4:]
}
