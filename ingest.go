package marmot

import (
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/marmotchat/marmot/identity"
	"github.com/marmotchat/marmot/relay"
)

func (e *Engine) onSendText(text string) {
	if e.groupID == nil {
		e.emit(&StatusEvent{Text: "Not connected yet"})
		return
	}
	wrapper, err := e.id.CreateMessage(e.groupID, identity.NewTextPayload(text))
	if err != nil {
		e.fail(surface(stageMessaging, err))
		return
	}
	e.publishOrQueue(wrapper)
	e.emit(&MessageEvent{
		Author:    e.pubHex,
		Content:   text,
		CreatedAt: time.Now().Unix(),
		Local:     true,
	})
}

func (e *Engine) onRotate() {
	if e.groupID == nil {
		e.emit(&StatusEvent{Text: "Not connected yet"})
		return
	}
	wrapper, err := e.id.SelfUpdate(e.groupID)
	if err != nil {
		e.fail(surface(stageMessaging, err))
		return
	}
	// Peers decrypt the commit under the old epoch; it must be on the
	// wire before anything from the new one.
	e.publishOrQueue(wrapper)
	if _, err := e.id.MergePendingCommit(e.groupID); err != nil {
		e.fail(surface(stageMessaging, err))
		return
	}
	e.commits++
	e.emit(&CommitEvent{Total: e.commits})
	e.updateSnapshot()
	e.rekeyAudio()
	e.emit(&StatusEvent{Text: "Rotated group keys"})
}

func (e *Engine) onInvite(pubkey string, admin bool) {
	inviteErr := func(msg string) {
		e.emit(&ErrorEvent{Message: msg, Fatal: false, Recovery: RecoveryRetry})
	}
	switch {
	case pubkey == "":
		inviteErr("Invite failed: empty key.")
		return
	case pubkey == e.pubHex:
		inviteErr("Invite failed: that is your own key.")
		return
	case !e.established:
		inviteErr("Invite failed: session not established yet.")
		return
	}
	if _, ok := e.members[pubkey]; ok {
		inviteErr("Invite failed: already a member.")
		return
	}
	if _, ok := e.pendingInvites[pubkey]; ok {
		inviteErr("Invite failed: invite already pending.")
		return
	}
	if self, ok := e.members[e.pubHex]; ok && !self.admin {
		inviteErr("Invite failed: only admins can invite.")
		return
	}

	e.pendingInvites[pubkey] = admin
	e.publishEnvelope(&relay.Envelope{
		Type:      relay.TypeRequestKeyPackage,
		PubKey:    e.pubHex,
		Recipient: pubkey,
		IsAdmin:   &admin,
	})
	e.emit(&StatusEvent{Text: "Requesting key package from " + shortKey(pubkey)})
}

func (e *Engine) onFrame(track string, seq uint64, payload []byte) {
	if e.root != "" && strings.HasPrefix(track, e.root+"/audio/") {
		e.onAudioFrame(track, payload)
		return
	}
	e.ingestWrapper(payload, 0)
}

func (e *Engine) ingestWrapper(raw []byte, retries int) {
	out := e.id.IngestWrapper(raw)
	switch out.Kind {
	case identity.OutcomeApplication:
		e.onApplication(&out)
	case identity.OutcomeCommit:
		e.onRemoteCommit(&out)
	case identity.OutcomeProposal:
		// Staged inside the group; surfaced by the commit that follows.
	case identity.OutcomeUnprocessable:
		if out.Transient {
			e.queuePending(raw, retries)
			return
		}
		e.fail(surface(stageMessaging, out.Reason))
	}
}

func (e *Engine) onApplication(out *identity.Outcome) {
	author := hex.EncodeToString(out.Author)
	switch out.Payload.Type {
	case identity.PayloadText:
		e.emit(&MessageEvent{
			Author:    author,
			Content:   out.Payload.Body,
			CreatedAt: int64(out.Payload.CreatedAt),
			Local:     author == e.pubHex,
		})
	case identity.PayloadDirectory:
		if author == e.pubHex {
			return
		}
		e.subscribePeerAudio(author, out.Payload.TrackLabel)
	}
}

func (e *Engine) onRemoteCommit(out *identity.Outcome) {
	if _, err := e.id.MergePendingCommit(out.GroupID); err != nil {
		e.fail(surface(stageMessaging, err))
		return
	}
	e.commits++
	e.emit(&CommitEvent{Total: e.commits})
	e.updateSnapshot()
	e.rekeyAudio()
	e.syncRoster()
	e.drainPending()
}

// queuePending holds a frame that failed with a transient sequencing
// error until the next merged commit, bounded in both depth and per
// frame retries.
func (e *Engine) queuePending(raw []byte, retries int) {
	if retries >= pendingFrameRetries {
		e.log.Warningf("Dropping frame after %d failed attempts", retries)
		return
	}
	if len(e.pending) >= pendingFrameLimit {
		e.log.Warningf("Pending frame queue full; dropping oldest")
		e.pending = e.pending[1:]
	}
	e.pending = append(e.pending, pendingFrame{raw: raw, retries: retries + 1})
}

// drainPending replays queued frames in arrival order after a merge.
// Frames that still fail transiently requeue with their retry budget
// decremented.
func (e *Engine) drainPending() {
	queued := e.pending
	e.pending = nil
	for _, pf := range queued {
		if e.stopped {
			return
		}
		e.ingestWrapper(pf.raw, pf.retries)
	}
}

// syncRoster reconciles the emitted membership view and the transport
// subscription set against the group's confirmed roster. Departed
// peers are surfaced but never unsubscribed; late frames from them may
// still be in flight.
func (e *Engine) syncRoster() {
	infos, err := e.id.ListMembers(e.groupID)
	if err != nil {
		e.log.Warningf("Failed to list members: %v", err)
		return
	}

	seen := make(map[string]bool, len(infos))
	for _, mi := range infos {
		key := hex.EncodeToString(mi.Identity)
		seen[key] = true
		ms, known := e.members[key]
		if !known {
			e.members[key] = &memberState{admin: mi.Admin, joined: true}
			if key != e.pubHex {
				e.emit(&MemberJoinedEvent{Member: Member{PubKey: key, IsAdmin: mi.Admin}})
			}
		} else if ms.admin != mi.Admin {
			ms.admin = mi.Admin
			e.emit(&MemberUpdatedEvent{Member: Member{PubKey: key, IsAdmin: mi.Admin}})
		}
		if key != e.pubHex && e.bridge != nil {
			e.bridge.SubscribePeer(key)
		}
	}

	for key := range e.members {
		if !seen[key] {
			delete(e.members, key)
			e.emit(&MemberLeftEvent{PubKey: key})
		}
	}
	e.emitRoster()
}

func (e *Engine) emitRoster() {
	if len(e.members) == 0 {
		return
	}
	members := make([]Member, 0, len(e.members))
	for key, ms := range e.members {
		members = append(members, Member{PubKey: key, IsAdmin: ms.admin})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].PubKey < members[j].PubKey })
	e.emit(&RosterEvent{Members: members})
}
