package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/marmotchat/marmot/internal/log"
)

const (
	// DefaultHeartbeatInterval is the cadence at which an unfinished
	// handshake re-publishes its current beacon envelopes.
	DefaultHeartbeatInterval = 2 * time.Second

	// DefaultHandshakeDeadline bounds the whole bootstrap. The relay
	// is best effort, so retries continue until this wall-clock limit.
	DefaultHandshakeDeadline = 60 * time.Second
)

// Publisher is the outbound half of a relay client. *Client satisfies
// it; tests substitute a recorder.
type Publisher interface {
	Publish(*Envelope) error
}

// HandshakeConfig configures a Handshaker.
type HandshakeConfig struct {
	// Publisher delivers beacon envelopes.
	Publisher Publisher

	// Interval is the beacon cadence. Defaults to
	// DefaultHeartbeatInterval.
	Interval time.Duration

	// Deadline bounds the handshake. Defaults to
	// DefaultHandshakeDeadline.
	Deadline time.Duration

	// Beacon returns the envelopes to publish on each tick. The
	// current phase of the handshake decides what they are, so the
	// owner may swap it with SetBeacon as the exchange progresses.
	Beacon func() []*Envelope

	// OnTimeout fires once if the deadline passes before Done.
	OnTimeout func()

	// LogBackend is the logging backend to use.
	LogBackend *log.Backend
}

// Handshaker re-publishes handshake beacons at a bounded cadence until
// the owner marks the exchange complete, and surfaces a timeout if the
// wall-clock deadline passes first. Inbound envelope handling stays
// with the owner; this type only drives the retry schedule.
type Handshaker struct {
	worker.Worker

	publisher Publisher
	interval  time.Duration
	deadline  time.Duration
	onTimeout func()
	log       *logging.Logger

	sync.Mutex
	beacon func() []*Envelope
	doneCh chan struct{}
	done   bool
}

// NewHandshaker creates a Handshaker and starts its beacon worker.
func NewHandshaker(cfg *HandshakeConfig) (*Handshaker, error) {
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("relay: missing publisher")
	}
	if cfg.LogBackend == nil {
		return nil, fmt.Errorf("relay: missing log backend")
	}
	h := &Handshaker{
		publisher: cfg.Publisher,
		interval:  cfg.Interval,
		deadline:  cfg.Deadline,
		onTimeout: cfg.OnTimeout,
		log:       cfg.LogBackend.GetLogger("relay/handshake"),
		beacon:    cfg.Beacon,
		doneCh:    make(chan struct{}),
	}
	if h.interval <= 0 {
		h.interval = DefaultHeartbeatInterval
	}
	if h.deadline <= 0 {
		h.deadline = DefaultHandshakeDeadline
	}
	h.Go(h.beaconWorker)
	return h, nil
}

// SetBeacon replaces the beacon builder. A nil builder pauses the
// beacon without stopping the deadline clock.
func (h *Handshaker) SetBeacon(fn func() []*Envelope) {
	h.Lock()
	h.beacon = fn
	h.Unlock()
}

// Done marks the handshake established. Beacons and the deadline stop.
// It is idempotent.
func (h *Handshaker) Done() {
	h.Lock()
	defer h.Unlock()
	if h.done {
		return
	}
	h.done = true
	close(h.doneCh)
}

// Established returns true once Done has been called.
func (h *Handshaker) Established() bool {
	h.Lock()
	defer h.Unlock()
	return h.done
}

func (h *Handshaker) beaconWorker() {
	timeout := time.After(h.deadline)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.publishBeacons()
	for {
		select {
		case <-h.HaltCh():
			return
		case <-h.doneCh:
			return
		case <-timeout:
			h.log.Errorf("Handshake deadline exceeded after %v", h.deadline)
			if h.onTimeout != nil {
				h.onTimeout()
			}
			return
		case <-ticker.C:
			h.publishBeacons()
		}
	}
}

func (h *Handshaker) publishBeacons() {
	h.Lock()
	fn := h.beacon
	h.Unlock()
	if fn == nil {
		return
	}
	for _, env := range fn() {
		if env == nil {
			continue
		}
		if err := h.publisher.Publish(env); err != nil {
			h.log.Warningf("Failed to publish %s beacon: %v", env.Type, err)
		}
	}
}
