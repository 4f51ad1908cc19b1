package media

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrFrameRejected is returned when a frame authenticates under no
// epoch inside the acceptance window. Callers treat it as fatal for
// that frame.
var ErrFrameRejected = errors.New("media: frame rejected")

type epochEntry struct {
	crypto  *Crypto
	current bool
	// retiredAt is set when a newer epoch supersedes this one; the
	// entry stays usable for GenerationCacheTTL after that.
	retiredAt time.Time
}

// Receiver decrypts one peer track across epoch rotations. Frames
// encrypted under the prior epoch are accepted for a bounded window
// after a rotation, then rejected.
type Receiver struct {
	sync.Mutex
	epochs map[uint64]*epochEntry

	// aadFor rebuilds the expected AAD for a candidate epoch; the
	// counter is the frame's counter header.
	aadFor func(epoch uint64, counter uint32) *AAD

	now func() time.Time
}

// NewReceiver creates a receiver for one track. aadFor binds frames to
// the track's group root, label, and paging position per epoch.
func NewReceiver(aadFor func(epoch uint64, counter uint32) *AAD) *Receiver {
	return &Receiver{
		epochs: make(map[uint64]*epochEntry),
		aadFor: aadFor,
		now:    time.Now,
	}
}

// SetEpoch installs the base key for a new current epoch. Previously
// current epochs are retired and remain usable for
// GenerationCacheTTL. Installing an already-known epoch is a no-op.
func (r *Receiver) SetEpoch(epoch uint64, baseKey []byte) error {
	crypto, err := New(baseKey)
	if err != nil {
		return err
	}
	r.Lock()
	defer r.Unlock()
	if _, ok := r.epochs[epoch]; ok {
		return nil
	}
	now := r.now()
	for _, entry := range r.epochs {
		if entry.current {
			entry.current = false
			entry.retiredAt = now
		}
	}
	r.epochs[epoch] = &epochEntry{crypto: crypto, current: true}
	return nil
}

// OpenFrame decrypts a wire frame, trying the current epoch first and
// falling back to retired epochs still inside the acceptance window.
// It returns the plaintext and the epoch that authenticated it.
func (r *Receiver) OpenFrame(frame []byte) ([]byte, uint64, error) {
	counter, err := FrameCounter(frame)
	if err != nil {
		return nil, 0, err
	}

	r.Lock()
	now := r.now()
	candidates := make([]uint64, 0, len(r.epochs))
	var current uint64
	hasCurrent := false
	for epoch, entry := range r.epochs {
		if entry.current {
			current = epoch
			hasCurrent = true
			continue
		}
		if now.Sub(entry.retiredAt) >= GenerationCacheTTL {
			delete(r.epochs, epoch)
			continue
		}
		candidates = append(candidates, epoch)
	}
	lookup := make(map[uint64]*Crypto, len(r.epochs))
	for epoch, entry := range r.epochs {
		lookup[epoch] = entry.crypto
	}
	r.Unlock()

	if !hasCurrent {
		return nil, 0, fmt.Errorf("media: no epoch key installed")
	}

	tryOrder := append([]uint64{current}, candidates...)
	for _, epoch := range tryOrder {
		crypto := lookup[epoch]
		aad := r.aadFor(epoch, counter)
		plaintext, err := crypto.Decrypt(frame[4:], counter, aad.Bytes())
		if err == nil {
			return plaintext, epoch, nil
		}
	}
	return nil, 0, ErrFrameRejected
}
