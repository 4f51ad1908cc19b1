package identity

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmotchat/marmot/mls"
)

func testSecret(seed byte) []byte {
	s := bytes.Repeat([]byte{seed}, 32)
	s[0] = 1
	return s
}

func newTestIdentity(t *testing.T, seed byte) *Identity {
	id, err := New(testSecret(seed), nil)
	require.Nil(t, err)
	return id
}

func TestIdentityDeterministic(t *testing.T) {
	a1 := newTestIdentity(t, 0xA0)
	a2 := newTestIdentity(t, 0xA0)
	b := newTestIdentity(t, 0xB0)

	require.Equal(t, a1.PublicKey(), a2.PublicKey())
	require.NotEqual(t, a1.PublicKey(), b.PublicKey())
	require.Equal(t, 32, len(a1.PublicKey()))
}

func TestBadSecret(t *testing.T) {
	_, err := New([]byte{0x01}, nil)
	require.Error(t, err)

	_, err = New(make([]byte, 32), nil)
	require.Error(t, err)
}

func establish(t *testing.T, a, b *Identity) []byte {
	kp, _, err := b.CreateKeyPackage()
	require.Nil(t, err)

	groupID, welcome, err := a.CreateGroup([]Invitee{{KeyPackage: *kp}})
	require.Nil(t, err)
	require.NotNil(t, welcome)

	joinedID, err := b.AcceptWelcome(welcome)
	require.Nil(t, err)
	require.Equal(t, groupID, joinedID)
	return groupID
}

func TestCreateGroupAndJoin(t *testing.T) {
	a := newTestIdentity(t, 0xA0)
	b := newTestIdentity(t, 0xB0)
	groupID := establish(t, a, b)

	rootA, err := a.DeriveGroupRoot(groupID)
	require.Nil(t, err)
	rootB, err := b.DeriveGroupRoot(groupID)
	require.Nil(t, err)
	require.Equal(t, rootA, rootB)
	require.Contains(t, rootA, "marmot/")

	epochA, err := a.CurrentEpoch(groupID)
	require.Nil(t, err)
	epochB, err := b.CurrentEpoch(groupID)
	require.Nil(t, err)
	require.Equal(t, epochA, epochB)

	members, err := a.ListMembers(groupID)
	require.Nil(t, err)
	require.Equal(t, 2, len(members))
}

func TestAcceptWelcomeIdempotent(t *testing.T) {
	a := newTestIdentity(t, 0xA0)
	b := newTestIdentity(t, 0xB0)

	kp, _, err := b.CreateKeyPackage()
	require.Nil(t, err)
	groupID, welcome, err := a.CreateGroup([]Invitee{{KeyPackage: *kp}})
	require.Nil(t, err)

	first, err := b.AcceptWelcome(welcome)
	require.Nil(t, err)
	second, err := b.AcceptWelcome(welcome)
	require.Nil(t, err)
	require.Equal(t, first, second)
	require.Equal(t, groupID, second)
}

func TestMessageFlow(t *testing.T) {
	a := newTestIdentity(t, 0xA0)
	b := newTestIdentity(t, 0xB0)
	groupID := establish(t, a, b)

	wrapper, err := a.CreateMessage(groupID, NewTextPayload("hello"))
	require.Nil(t, err)

	out := b.IngestWrapper(wrapper)
	require.Equal(t, OutcomeApplication, out.Kind)
	require.Equal(t, "hello", out.Payload.Body)
	require.Equal(t, PayloadText, out.Payload.Type)
	require.Equal(t, a.PublicKey(), out.Author)
	require.Equal(t, groupID, out.GroupID)
}

func TestDirectoryPayload(t *testing.T) {
	a := newTestIdentity(t, 0xA0)
	b := newTestIdentity(t, 0xB0)
	groupID := establish(t, a, b)

	wrapper, err := a.CreateMessage(groupID, NewDirectoryPayload("audio0"))
	require.Nil(t, err)

	out := b.IngestWrapper(wrapper)
	require.Equal(t, OutcomeApplication, out.Kind)
	require.Equal(t, PayloadDirectory, out.Payload.Type)
	require.Equal(t, "audio0", out.Payload.TrackLabel)
}

func TestSelfUpdateFlow(t *testing.T) {
	a := newTestIdentity(t, 0xA0)
	b := newTestIdentity(t, 0xB0)
	groupID := establish(t, a, b)

	wrapper, err := a.SelfUpdate(groupID)
	require.Nil(t, err)
	epochA, err := a.MergePendingCommit(groupID)
	require.Nil(t, err)
	require.Equal(t, uint64(2), epochA)

	out := b.IngestWrapper(wrapper)
	require.Equal(t, OutcomeCommit, out.Kind)
	require.Equal(t, uint64(2), out.EpochAfter)

	epochB, err := b.MergePendingCommit(groupID)
	require.Nil(t, err)
	require.Equal(t, epochA, epochB)

	// Fresh keys work in both directions
	wrapper, err = b.CreateMessage(groupID, NewTextPayload("post-rotation"))
	require.Nil(t, err)
	out = a.IngestWrapper(wrapper)
	require.Equal(t, OutcomeApplication, out.Kind)
	require.Equal(t, "post-rotation", out.Payload.Body)
}

func TestTransientOrdering(t *testing.T) {
	a := newTestIdentity(t, 0xA0)
	b := newTestIdentity(t, 0xB0)
	groupID := establish(t, a, b)

	commit, err := a.SelfUpdate(groupID)
	require.Nil(t, err)
	_, err = a.MergePendingCommit(groupID)
	require.Nil(t, err)

	future, err := a.CreateMessage(groupID, NewTextPayload("early"))
	require.Nil(t, err)

	// Future-epoch wrapper before its commit: transient
	out := b.IngestWrapper(future)
	require.Equal(t, OutcomeUnprocessable, out.Kind)
	require.True(t, out.Transient)

	out = b.IngestWrapper(commit)
	require.Equal(t, OutcomeCommit, out.Kind)
	_, err = b.MergePendingCommit(groupID)
	require.Nil(t, err)

	out = b.IngestWrapper(future)
	require.Equal(t, OutcomeApplication, out.Kind)
	require.Equal(t, "early", out.Payload.Body)
}

func TestUnknownGroupTransient(t *testing.T) {
	a := newTestIdentity(t, 0xA0)
	b := newTestIdentity(t, 0xB0)
	c := newTestIdentity(t, 0xC0)
	groupID := establish(t, a, b)

	wrapper, err := a.CreateMessage(groupID, NewTextPayload("who dis"))
	require.Nil(t, err)

	out := c.IngestWrapper(wrapper)
	require.Equal(t, OutcomeUnprocessable, out.Kind)
	require.True(t, out.Transient)
}

func TestAddMemberFlow(t *testing.T) {
	a := newTestIdentity(t, 0xA0)
	b := newTestIdentity(t, 0xB0)
	c := newTestIdentity(t, 0xC0)
	groupID := establish(t, a, b)

	kpC, _, err := c.CreateKeyPackage()
	require.Nil(t, err)

	commit, welcome, err := a.AddMember(groupID, *kpC, false)
	require.Nil(t, err)
	require.NotNil(t, welcome)
	_, err = a.MergePendingCommit(groupID)
	require.Nil(t, err)

	out := b.IngestWrapper(commit)
	require.Equal(t, OutcomeCommit, out.Kind)
	_, err = b.MergePendingCommit(groupID)
	require.Nil(t, err)

	joinedID, err := c.AcceptWelcome(welcome)
	require.Nil(t, err)
	require.Equal(t, groupID, joinedID)

	for _, id := range []*Identity{a, b, c} {
		members, err := id.ListMembers(groupID)
		require.Nil(t, err)
		require.Equal(t, 3, len(members))
		root, err := id.DeriveGroupRoot(groupID)
		require.Nil(t, err)
		rootA, _ := a.DeriveGroupRoot(groupID)
		require.Equal(t, rootA, root)
	}

	// Each pair can exchange traffic
	wrapper, err := c.CreateMessage(groupID, NewTextPayload("hi from c"))
	require.Nil(t, err)
	require.Equal(t, OutcomeApplication, a.IngestWrapper(wrapper).Kind)
	require.Equal(t, OutcomeApplication, b.IngestWrapper(wrapper).Kind)
}

func TestStaleWelcome(t *testing.T) {
	a := newTestIdentity(t, 0xA0)
	b := newTestIdentity(t, 0xB0)

	kp, _, err := b.CreateKeyPackage()
	require.Nil(t, err)
	groupID, welcome, err := a.CreateGroup([]Invitee{{KeyPackage: *kp}})
	require.Nil(t, err)

	_, err = b.AcceptWelcome(welcome)
	require.Nil(t, err)

	// Advance past the welcome's epoch
	commit, err := a.SelfUpdate(groupID)
	require.Nil(t, err)
	_, err = a.MergePendingCommit(groupID)
	require.Nil(t, err)
	out := b.IngestWrapper(commit)
	require.Equal(t, OutcomeCommit, out.Kind)
	_, err = b.MergePendingCommit(groupID)
	require.Nil(t, err)

	_, err = b.AcceptWelcome(welcome)
	require.ErrorIs(t, err, mls.ErrStaleEpoch)
	require.True(t, mls.Transient(err))
}

func TestBundleExportReimport(t *testing.T) {
	a := newTestIdentity(t, 0xA0)
	b := newTestIdentity(t, 0xB0)

	kp, bundleBytes, err := b.CreateKeyPackage()
	require.Nil(t, err)

	groupID, welcome, err := a.CreateGroup([]Invitee{{KeyPackage: *kp}})
	require.Nil(t, err)

	// Simulate a restart between offer publication and welcome delivery
	b2 := newTestIdentity(t, 0xB0)
	require.Nil(t, b2.ImportBundle(bundleBytes))

	joinedID, err := b2.AcceptWelcome(welcome)
	require.Nil(t, err)
	require.Equal(t, groupID, joinedID)
}
