package marmot

import (
	"encoding/hex"
	"strings"

	"github.com/marmotchat/marmot/identity"
	"github.com/marmotchat/marmot/media"
)

// audioSender is the encryption state for the local audio track at one
// epoch. Rotation replaces it wholesale, which also resets the frame
// counter; counters are scoped per (track, epoch).
type audioSender struct {
	label  string
	epoch  uint64
	sender *media.Sender
}

// audioReceiver is the decryption state for one subscribed peer track.
type audioReceiver struct {
	peer  string
	label string
	recv  *media.Receiver
}

func (e *Engine) onAnnounceAudio(label string) {
	e.audioLabel = label
	e.audioSender = nil
	if e.established && e.ready {
		e.announceDirectory()
	}
}

// announceDirectory publishes the encrypted track directory message so
// peers learn which audio track to subscribe to.
func (e *Engine) announceDirectory() {
	wrapper, err := e.id.CreateMessage(e.groupID, identity.NewDirectoryPayload(e.audioLabel))
	if err != nil {
		e.log.Warningf("Failed to announce audio track: %v", err)
		return
	}
	e.publishOrQueue(wrapper)
	e.emit(&StatusEvent{Text: "Announced audio track " + e.audioLabel})
}

func (e *Engine) onSendAudio(payload []byte) {
	if e.audioLabel == "" || e.bridge == nil || e.groupID == nil {
		e.log.Debugf("Audio frame dropped; no announced track")
		return
	}
	s, err := e.currentAudioSender()
	if err != nil {
		e.log.Warningf("Failed to derive audio keys: %v", err)
		return
	}

	// The engine goroutine is the only counter consumer, so the next
	// counter is known before sealing and the AAD can bind it.
	counter := uint32(s.sender.Issued())
	aad := e.audioAAD(s.label, s.epoch, counter)
	frame, _, err := s.sender.EncryptNext(payload, aad)
	if err != nil {
		e.log.Warningf("Failed to encrypt audio frame: %v", err)
		return
	}
	if err := e.bridge.PublishAudio(s.label, frame); err != nil {
		e.log.Warningf("Failed to publish audio frame: %v", err)
	}
}

func (e *Engine) audioAAD(label string, epoch uint64, counter uint32) *media.AAD {
	return &media.AAD{
		GroupRoot:  e.root,
		TrackLabel: label,
		Epoch:      epoch,
		GroupSeq:   uint64(counter),
		FrameIdx:   uint64(counter),
	}
}

func (e *Engine) currentAudioSender() (*audioSender, error) {
	key, epoch, err := e.id.DeriveMediaBaseKey(e.groupID, e.id.PublicKey(), e.audioLabel)
	if err != nil {
		return nil, err
	}
	if e.audioSender != nil && e.audioSender.epoch == epoch && e.audioSender.label == e.audioLabel {
		return e.audioSender, nil
	}
	crypto, err := media.New(key)
	if err != nil {
		return nil, err
	}
	e.audioSender = &audioSender{
		label:  e.audioLabel,
		epoch:  epoch,
		sender: media.NewSender(crypto),
	}
	return e.audioSender, nil
}

// subscribePeerAudio reacts to a directory announcement: it installs a
// receiver for the peer's track and subscribes to it.
func (e *Engine) subscribePeerAudio(peer, label string) {
	if label == "" || e.bridge == nil {
		return
	}
	key := peer + "/" + label
	if _, ok := e.audioRecv[key]; ok {
		return
	}
	ar := &audioReceiver{
		peer:  peer,
		label: label,
		recv: media.NewReceiver(func(epoch uint64, counter uint32) *media.AAD {
			return e.audioAAD(label, epoch, counter)
		}),
	}
	e.audioRecv[key] = ar
	if err := e.installReceiverEpoch(ar); err != nil {
		e.log.Warningf("Failed to derive audio keys for %s: %v", shortKey(peer), err)
	}
	e.bridge.SubscribePeerAudio(peer, label)
	e.emit(&StatusEvent{Text: "Subscribed to audio from " + shortKey(peer)})
}

func (e *Engine) installReceiverEpoch(ar *audioReceiver) error {
	peerPub, err := hex.DecodeString(ar.peer)
	if err != nil {
		return err
	}
	key, epoch, err := e.id.DeriveMediaBaseKey(e.groupID, peerPub, ar.label)
	if err != nil {
		return err
	}
	return ar.recv.SetEpoch(epoch, key)
}

// rekeyAudio advances every audio receiver to the new epoch after a
// merged commit. Retired epochs stay valid inside the acceptance
// window so in-flight frames still decrypt. The local sender re-derives
// lazily on the next frame.
func (e *Engine) rekeyAudio() {
	e.audioSender = nil
	for _, ar := range e.audioRecv {
		if err := e.installReceiverEpoch(ar); err != nil {
			e.log.Warningf("Failed to rekey audio from %s: %v", shortKey(ar.peer), err)
		}
	}
}

func (e *Engine) onAudioFrame(track string, payload []byte) {
	rest := strings.TrimPrefix(track, e.root+"/audio/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		e.log.Warningf("Malformed audio track name %q", track)
		return
	}
	peer, label := parts[0], parts[1]
	ar, ok := e.audioRecv[peer+"/"+label]
	if !ok {
		// Frames can outrun the directory message; install on demand.
		e.subscribePeerAudio(peer, label)
		ar, ok = e.audioRecv[peer+"/"+label]
		if !ok {
			return
		}
	}
	plaintext, epoch, err := ar.recv.OpenFrame(payload)
	if err != nil {
		e.log.Warningf("Dropped undecryptable audio frame from %s: %v", shortKey(peer), err)
		return
	}
	e.emit(&AudioFrameEvent{PubKey: peer, Label: label, Epoch: epoch, Payload: plaintext})
}
