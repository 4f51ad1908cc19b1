package marmot

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"github.com/marmotchat/marmot/identity"
	"github.com/marmotchat/marmot/mls"
	"github.com/marmotchat/marmot/moq"
	"github.com/marmotchat/marmot/relay"
)

func (e *Engine) onStart() {
	e.emit(&HandshakeEvent{Phase: PhaseInitializing})
	e.emit(&StatusEvent{Text: "Starting session " + e.cfg.SessionID})

	client, err := e.cfg.DialRelay(&relay.Config{
		URL:     e.cfg.SignallingURL,
		Session: e.cfg.SessionID,
		Role:    e.cfg.Role,
		Signer:  e.id,
		Handler: func(env *relay.Envelope, ev *relay.Event) {
			e.enqueue(&opEnvelope{env: env})
		},
		LogBackend: e.cfg.LogBackend,
	})
	if err != nil {
		e.fail(surface(stageHandshake, err))
		return
	}
	e.relayClient = client

	hcfg := &relay.HandshakeConfig{
		Publisher:  client,
		Interval:   e.cfg.HeartbeatInterval,
		Deadline:   e.cfg.HandshakeDeadline,
		OnTimeout:  func() { e.enqueue(&opHandshakeTimeout{}) },
		LogBackend: e.cfg.LogBackend,
	}

	switch e.cfg.Role {
	case relay.RoleInitial:
		// Configured peers are pre-authorized: their key packages are
		// accepted without an explicit InviteMember call.
		for _, k := range e.cfg.PeerPubKeys {
			if k != e.pubHex {
				e.pendingInvites[k] = e.isConfiguredAdmin(k)
			}
		}
		hcfg.Beacon = func() []*relay.Envelope {
			return []*relay.Envelope{{
				Type:   relay.TypeRequestKeyPackage,
				PubKey: e.pubHex,
			}}
		}

	case relay.RoleInvitee:
		kp, bundle, err := e.id.CreateKeyPackage()
		if err != nil {
			e.fail(surface(stageHandshake, err))
			return
		}
		raw, err := kp.Marshal()
		if err != nil {
			e.fail(surface(stageHandshake, err))
			return
		}
		e.kpEventB64 = base64.StdEncoding.EncodeToString(raw)
		e.kpBundle = bundle
		hcfg.Beacon = func() []*relay.Envelope {
			return []*relay.Envelope{
				{Type: relay.TypeKeyPackage, Event: e.kpEventB64, PubKey: e.pubHex},
				{Type: relay.TypeRequestWelcome, PubKey: e.pubHex},
			}
		}
	}

	hs, err := relay.NewHandshaker(hcfg)
	if err != nil {
		e.fail(surface(stageHandshake, err))
		return
	}
	e.hs = hs

	if e.cfg.Role == relay.RoleInitial {
		e.setPhase(PhaseWaitingForKeyPackage)
	} else {
		e.setPhase(PhaseWaitingForWelcome)
	}
}

func (e *Engine) onEnvelope(env *relay.Envelope) {
	switch e.cfg.Role {
	case relay.RoleInitial:
		switch env.Type {
		case relay.TypeKeyPackage:
			e.creatorOnKeyPackage(env)
		case relay.TypeRequestWelcome:
			e.creatorOnRequestWelcome(env)
		}
	case relay.RoleInvitee:
		switch env.Type {
		case relay.TypeRequestKeyPackage:
			e.joinerOnRequestKeyPackage(env)
		case relay.TypeWelcome:
			e.joinerOnWelcome(env)
		}
	}
}

func (e *Engine) onHandshakeTimeout() {
	if e.established {
		return
	}
	e.fail(&ErrorEvent{
		Message:  stageHandshake.defaultMessage(),
		Fatal:    true,
		Recovery: RecoveryRefresh,
	})
}

func (e *Engine) decodeKeyPackage(env *relay.Envelope) (*mls.KeyPackage, string) {
	peer := env.PubKey
	if peer == "" || peer == e.pubHex {
		return nil, ""
	}
	raw, err := base64.StdEncoding.DecodeString(env.Event)
	if err != nil {
		e.log.Warningf("Malformed key package from %s: %v", shortKey(peer), err)
		return nil, ""
	}
	kp, err := mls.UnmarshalKeyPackage(raw)
	if err != nil {
		e.log.Warningf("Invalid key package from %s: %v", shortKey(peer), err)
		return nil, ""
	}
	return kp, peer
}

func (e *Engine) creatorOnKeyPackage(env *relay.Envelope) {
	kp, peer := e.decodeKeyPackage(env)
	if kp == nil {
		return
	}

	if !e.established {
		e.createGroupWith(kp, peer)
		return
	}

	if ms, ok := e.members[peer]; ok && ms.joined {
		// Already a member; a welcome retry covers a lost reply.
		if w, ok := e.welcomes[peer]; ok {
			e.publishEnvelope(w)
		}
		return
	}
	admin, pending := e.pendingInvites[peer]
	if !pending {
		e.log.Debugf("Key package from %s without a pending invite", shortKey(peer))
		return
	}
	delete(e.pendingInvites, peer)
	e.addMember(kp, peer, admin)
}

// createGroupWith completes the bootstrap: the first key package seen
// becomes the founding invitee.
func (e *Engine) createGroupWith(kp *mls.KeyPackage, peer string) {
	admin := e.isConfiguredAdmin(peer)
	groupID, welcome, err := e.id.CreateGroup([]identity.Invitee{{KeyPackage: *kp, Admin: admin}})
	if err != nil {
		e.fail(surface(stageHandshake, err))
		return
	}
	e.groupID = groupID
	e.established = true
	e.hs.Done()

	if !e.sendWelcome(welcome, peer) {
		return
	}
	e.emit(&StatusEvent{Text: "Sent welcome to " + shortKey(peer)})
	e.setPhase(PhaseFinalizing)
	e.connectTransport()
}

// addMember runs the post-bootstrap invite flow: commit the add to the
// existing group, then deliver the welcome out of band.
func (e *Engine) addMember(kp *mls.KeyPackage, peer string, admin bool) {
	wrapper, welcome, err := e.id.AddMember(e.groupID, *kp, admin)
	if err != nil {
		e.emit(surface(stageInvite, err))
		return
	}

	// The commit wrapper is encrypted under the old epoch; existing
	// members must see it before any traffic from the new epoch.
	e.publishOrQueue(wrapper)
	if _, err := e.id.MergePendingCommit(e.groupID); err != nil {
		e.fail(surface(stageMessaging, err))
		return
	}
	e.commits++
	e.emit(&CommitEvent{Total: e.commits})
	e.updateSnapshot()
	e.rekeyAudio()

	if !e.sendWelcome(welcome, peer) {
		return
	}
	if w, ok := e.welcomes[peer]; ok {
		e.emit(&InviteGeneratedEvent{Recipient: peer, IsAdmin: admin, Welcome: w.Welcome})
	}
	e.emit(&StatusEvent{Text: "Sent welcome to " + shortKey(peer)})
	e.syncRoster()
}

func (e *Engine) sendWelcome(welcome *mls.Welcome, peer string) bool {
	raw, err := welcome.Marshal()
	if err != nil {
		e.fail(surface(stageHandshake, err))
		return false
	}
	env := &relay.Envelope{
		Type:       relay.TypeWelcome,
		Welcome:    base64.StdEncoding.EncodeToString(raw),
		GroupIDHex: hex.EncodeToString(e.groupID),
		Recipient:  peer,
	}
	e.welcomes[peer] = env
	e.publishEnvelope(env)
	return true
}

func (e *Engine) creatorOnRequestWelcome(env *relay.Envelope) {
	if w, ok := e.welcomes[env.PubKey]; ok {
		e.publishEnvelope(w)
		return
	}
	// Bootstrap-era requests may omit the pubkey.
	if env.PubKey == "" && e.established {
		for _, w := range e.welcomes {
			e.publishEnvelope(w)
			return
		}
	}
}

func (e *Engine) joinerOnRequestKeyPackage(env *relay.Envelope) {
	if e.established {
		return
	}
	if env.Recipient != "" && env.Recipient != e.pubHex {
		return
	}
	e.publishEnvelope(&relay.Envelope{
		Type:   relay.TypeKeyPackage,
		Event:  e.kpEventB64,
		PubKey: e.pubHex,
	})
}

func (e *Engine) joinerOnWelcome(env *relay.Envelope) {
	if e.established {
		return
	}
	if env.Recipient != "" && env.Recipient != e.pubHex {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(env.Welcome)
	if err != nil {
		e.log.Warningf("Malformed welcome: %v", err)
		return
	}
	welcome, err := mls.UnmarshalWelcome(raw)
	if err != nil {
		e.log.Warningf("Invalid welcome: %v", err)
		return
	}

	groupID, err := e.id.AcceptWelcome(welcome)
	if err != nil {
		if mls.Transient(err) || errors.Is(err, mls.ErrWelcomeMismatch) {
			// Not for our key package, or superseded; keep beaconing.
			e.log.Warningf("Welcome not accepted: %v", err)
			return
		}
		e.fail(surface(stageHandshake, err))
		return
	}

	gidHex := hex.EncodeToString(groupID)
	if e.cfg.GroupIDHex != "" && e.cfg.GroupIDHex != gidHex {
		e.fail(surface(stageHandshake, mls.ErrWelcomeMismatch))
		return
	}

	e.groupID = groupID
	e.established = true
	e.hs.Done()
	e.emit(&StatusEvent{Text: "Joined group " + shortKey(gidHex)})
	e.setPhase(PhaseFinalizing)
	e.connectTransport()
}

func (e *Engine) connectTransport() {
	root, err := e.id.DeriveGroupRoot(e.groupID)
	if err != nil {
		e.fail(surface(stageMessaging, err))
		return
	}
	e.root = root
	e.updateSnapshot()

	ctx, cancel := context.WithTimeout(context.Background(), transportDialTimeout)
	defer cancel()
	conn, err := e.cfg.DialTransport(ctx, e.cfg.TransportURL)
	if err != nil {
		e.fail(&ErrorEvent{
			Message:  stageTransport.defaultMessage(),
			Fatal:    true,
			Recovery: RecoveryCheckConnection,
		})
		return
	}

	bridge, err := moq.NewBridge(&moq.BridgeConfig{
		Conn:   conn,
		Root:   root,
		PubKey: e.pubHex,
		Signer: e.id,
		OnFrame: func(track string, seq uint64, payload []byte) {
			e.enqueue(&opFrame{track: track, seq: seq, payload: payload})
		},
		OnReady:    func() { e.enqueue(&opReady{}) },
		OnClosed:   func() { e.log.Debugf("Transport session closed") },
		LogBackend: e.cfg.LogBackend,
	})
	if err != nil {
		conn.Close()
		e.fail(&ErrorEvent{
			Message:  stageTransport.defaultMessage(),
			Fatal:    true,
			Recovery: RecoveryCheckConnection,
		})
		return
	}
	e.bridge = bridge
	e.syncRoster()
	e.setPhase(PhaseConnected)
}

func (e *Engine) publishEnvelope(env *relay.Envelope) {
	if err := e.relayClient.Publish(env); err != nil {
		e.log.Warningf("Failed to publish %s envelope: %v", env.Type, err)
	}
}

func (e *Engine) isConfiguredAdmin(pubkey string) bool {
	for _, k := range e.cfg.AdminPubKeys {
		if k == pubkey {
			return true
		}
	}
	return false
}
