package mls

import (
	"bytes"
	"crypto/rand"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

///
/// GroupContext
///

type GroupContext struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	RosterHash              []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
}

///
/// Group
///

// Group is one member's view of an MLS group: the shared confirmed state,
// this member's position and keys in it, and any staged next epoch.
type Group struct {
	// Shared confirmed state
	CipherSuite             CipherSuite
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	Roster                  Roster
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`

	// Per-participant non-secret state
	Index  LeafIndex       `tls:"omit"`
	Scheme SignatureScheme `tls:"omit"`

	// Secret state
	IdentityPriv SignaturePrivateKey `tls:"omit"`
	InitPriv     HPKEPrivateKey      `tls:"omit"`
	Keys         keyScheduleEpoch    `tls:"omit"`

	pendingProposals  []Proposal
	pendingUpdatePriv *HPKEPrivateKey
	pendingCommit     *Group
}

// MemberInfo is the roster view handed to callers outside this package.
type MemberInfo struct {
	Index    LeafIndex
	Identity []byte
	Admin    bool
}

// Received is the decrypted and verified content of one handled wrapper.
type Received struct {
	ContentType    ContentType
	Sender         LeafIndex
	SenderIdentity []byte
	Application    []byte
	EpochAfter     Epoch
}

// NewGroup creates a single-member group at epoch zero with the bundle's
// holder as founding admin.
func NewGroup(groupID []byte, bundle *KeyPackageBundle) (*Group, error) {
	kp := bundle.KeyPackage
	if err := kp.Verify(); err != nil {
		return nil, err
	}

	g := &Group{
		CipherSuite: kp.CipherSuite,
		GroupID:     dup(groupID),
		Epoch:       0,
		Roster:      Roster{},

		Index:        0,
		Scheme:       kp.Credential.Scheme(),
		IdentityPriv: bundle.SigPriv,
		InitPriv:     bundle.InitPriv,

		ConfirmedTranscriptHash: []byte{},
		InterimTranscriptHash:   []byte{},
	}
	g.Roster.Add(Member{
		InitKey:    kp.InitKey,
		Credential: kp.Credential,
		Admin:      1,
	})

	epochSecret := make([]byte, kp.CipherSuite.Constants().SecretSize)
	if _, err := rand.Read(epochSecret); err != nil {
		return nil, fmt.Errorf("mls.group: epoch secret generation failure %v", err)
	}
	g.Keys = newKeyScheduleEpoch(kp.CipherSuite, epochSecret, g.contextBytes())
	return g, nil
}

// NewGroupFromWelcome joins the group a welcome points at, using the bundle
// whose key package the welcome was addressed to.
func NewGroupFromWelcome(welcome *Welcome, bundle *KeyPackageBundle) (*Group, error) {
	suite := welcome.CipherSuite
	if bundle.KeyPackage.CipherSuite != suite {
		return nil, fmt.Errorf("mls.group: ciphersuite mismatch")
	}

	kpHash, err := bundle.KeyPackage.Hash(suite)
	if err != nil {
		return nil, err
	}

	var sealed *EncryptedGroupSecrets
	for i := range welcome.Secrets {
		if bytes.Equal(kpHash, welcome.Secrets[i].KeyPackageHash) {
			sealed = &welcome.Secrets[i]
			break
		}
	}
	if sealed == nil {
		return nil, ErrWelcomeMismatch
	}

	epochSecret, err := suite.hpke().Decrypt(bundle.InitPriv, []byte{}, sealed.EncryptedEpochSecret)
	if err != nil {
		return nil, fmt.Errorf("mls.group: epoch secret decrypt failure %v", err)
	}

	gi, err := welcome.Decrypt(epochSecret)
	if err != nil {
		return nil, err
	}

	g := &Group{
		CipherSuite:             suite,
		GroupID:                 gi.GroupID,
		Epoch:                   gi.Epoch,
		Roster:                  gi.Roster.clone(),
		ConfirmedTranscriptHash: gi.ConfirmedTranscriptHash,
		InterimTranscriptHash:   gi.InterimTranscriptHash,

		Scheme:       bundle.KeyPackage.Credential.Scheme(),
		IdentityPriv: bundle.SigPriv,
		InitPriv:     bundle.InitPriv,
	}

	index, ok := g.Roster.Find(bundle.KeyPackage)
	if !ok {
		return nil, fmt.Errorf("mls.group: joiner not in roster")
	}
	g.Index = index

	g.Keys = newKeyScheduleEpoch(suite, epochSecret, g.contextBytes())
	if !g.verifyConfirmation(gi.Confirmation) {
		return nil, fmt.Errorf("mls.group: confirmation failed to verify")
	}

	return g, nil
}

func (g Group) groupContext() GroupContext {
	return GroupContext{
		GroupID:                 g.GroupID,
		Epoch:                   g.Epoch,
		RosterHash:              g.Roster.Hash(g.CipherSuite),
		ConfirmedTranscriptHash: g.ConfirmedTranscriptHash,
	}
}

func (g Group) contextBytes() []byte {
	enc, err := syntax.Marshal(g.groupContext())
	if err != nil {
		panic(fmt.Errorf("mls.group: groupContext marshal failure %v", err))
	}
	return enc
}

func (g Group) verifyConfirmation(confirmation []byte) bool {
	hmac := g.CipherSuite.newHMAC(g.Keys.ConfirmationKey)
	hmac.Write(g.ConfirmedTranscriptHash)
	return constantEqual(hmac.Sum(nil), confirmation)
}

func (g Group) clone() *Group {
	clone := &Group{
		CipherSuite:             g.CipherSuite,
		GroupID:                 dup(g.GroupID),
		Epoch:                   g.Epoch,
		Roster:                  g.Roster.clone(),
		ConfirmedTranscriptHash: dup(g.ConfirmedTranscriptHash),
		InterimTranscriptHash:   dup(g.InterimTranscriptHash),

		Index:        g.Index,
		Scheme:       g.Scheme,
		IdentityPriv: g.IdentityPriv,
		InitPriv:     g.InitPriv,
		Keys:         g.Keys,
	}
	return clone
}

// Members lists the occupied roster slots.
func (g Group) Members() []MemberInfo {
	var out []MemberInfo
	for i := range g.Roster.Slots {
		m := g.Roster.Slots[i].Member
		if m == nil {
			continue
		}
		out = append(out, MemberInfo{
			Index:    LeafIndex(i),
			Identity: dup(m.Credential.Identity()),
			Admin:    m.Admin != 0,
		})
	}
	return out
}

// Export derives application secrets from the current epoch per the MLS
// exporter construction.
func (g *Group) Export(label string, context []byte, length int) []byte {
	return g.Keys.Export(label, context, length)
}

// RootExport derives a secret from the group identifier alone.  Transport
// path derivation uses this because paths must survive epoch rotation and
// agree for members who joined at different epochs.
func (g *Group) RootExport(label string, length int) []byte {
	secret := g.CipherSuite.hkdfExtract(g.GroupID, []byte(label))
	return g.CipherSuite.hkdfExpandLabel(secret, label, g.GroupID, length)
}

///
/// Proposals
///

// Add queues an admission for the holder of the key package.  The change
// takes effect when a commit carries it.
func (g *Group) Add(kp KeyPackage, admin bool) error {
	if kp.CipherSuite != g.CipherSuite {
		return fmt.Errorf("mls.group: add with ciphersuite mismatch")
	}
	if err := kp.Verify(); err != nil {
		return err
	}
	if _, ok := g.Roster.FindIdentity(kp.Credential.Identity()); ok {
		return fmt.Errorf("mls.group: identity already in roster")
	}

	adminByte := uint8(0)
	if admin {
		adminByte = 1
	}
	g.pendingProposals = append(g.pendingProposals, Proposal{
		Add: &AddProposal{KeyPackage: kp, Admin: adminByte},
	})
	return nil
}

// Update queues a rotation of this member's own init key, derived from the
// caller-provided fresh secret.
func (g *Group) Update(leafSecret []byte) error {
	priv, err := g.CipherSuite.hpke().Derive(leafSecret)
	if err != nil {
		return fmt.Errorf("mls.group: update key derivation failure %v", err)
	}

	g.pendingProposals = append(g.pendingProposals, Proposal{
		Update: &UpdateProposal{LeafKey: priv.PublicKey},
	})
	g.pendingUpdatePriv = &priv
	return nil
}

func (g *Group) Remove(removed LeafIndex) error {
	if !g.Roster.Occupied(removed) {
		return ErrNotMember
	}
	g.pendingProposals = append(g.pendingProposals, Proposal{
		Remove: &RemoveProposal{Removed: removed},
	})
	return nil
}

///
/// Commit creation
///

// Commit folds the pending proposals into a new epoch.  It returns the
// encrypted commit to broadcast, a welcome for any added members, and
// stages the new epoch until MergePendingCommit.
func (g *Group) Commit(leafSecret []byte) (*MLSCiphertext, *Welcome, error) {
	commit := Commit{}
	var joiners []KeyPackage

	for _, p := range g.pendingProposals {
		switch p.Type() {
		case ProposalTypeAdd:
			commit.Adds = append(commit.Adds, *p.Add)
			joiners = append(joiners, p.Add.KeyPackage)
		case ProposalTypeUpdate:
			commit.Updates = append(commit.Updates, *p.Update)
		case ProposalTypeRemove:
			commit.Removes = append(commit.Removes, *p.Remove)
		}
	}

	// Apply the proposals to a staged copy of the state
	next := g.clone()
	if err := next.apply(commit, g.Index); err != nil {
		return nil, nil, err
	}
	if g.pendingUpdatePriv != nil {
		next.InitPriv = *g.pendingUpdatePriv
	}
	next.pendingProposals = nil

	// KEM new entropy to every surviving member except ourselves
	secretSize := g.CipherSuite.Constants().SecretSize
	commitSecret := g.CipherSuite.hkdfExpandLabel(leafSecret, "commit secret", []byte{}, secretSize)

	joinerIndex := map[LeafIndex]bool{}
	for _, kp := range joiners {
		if idx, ok := next.Roster.Find(kp); ok {
			joinerIndex[idx] = true
		}
	}
	for i := range next.Roster.Slots {
		idx := LeafIndex(i)
		m := next.Roster.Slots[i].Member
		if m == nil || idx == g.Index || joinerIndex[idx] {
			continue
		}
		enc, err := g.CipherSuite.hpke().Encrypt(m.InitKey, []byte{}, commitSecret)
		if err != nil {
			return nil, nil, fmt.Errorf("mls.group: commit secret encrypt failure %v", err)
		}
		commit.SecretBoxes = append(commit.SecretBoxes, CommitSecretBox{
			Member:    idx,
			Encrypted: enc,
		})
	}

	// Create the commit message and advance the transcripts / key schedule
	pt, err := next.ratchetAndSign(commit, commitSecret, g.groupContext())
	if err != nil {
		return nil, nil, fmt.Errorf("mls.group: ratchet forward failed %v", err)
	}

	// Complete the GroupInfo and form the welcome
	var welcome *Welcome
	if len(joiners) > 0 {
		gi := &GroupInfo{
			GroupID:                 next.GroupID,
			Epoch:                   next.Epoch,
			Roster:                  next.Roster,
			ConfirmedTranscriptHash: next.ConfirmedTranscriptHash,
			InterimTranscriptHash:   next.InterimTranscriptHash,
			Confirmation:            pt.Content.Commit.Confirmation.Data,
		}
		if err := gi.sign(g.Index, &g.IdentityPriv, g.Scheme); err != nil {
			return nil, nil, fmt.Errorf("mls.group: groupInfo sign failure %v", err)
		}

		welcome = newWelcome(g.CipherSuite, next.Keys.EpochSecret, gi)
		for _, kp := range joiners {
			if err := welcome.EncryptTo(kp); err != nil {
				return nil, nil, err
			}
		}
	}

	// Commits travel encrypted under the epoch they were created in
	ct, err := g.encrypt(pt)
	if err != nil {
		return nil, nil, err
	}

	g.pendingCommit = next
	return ct, welcome, nil
}

// apply mutates the staged state per the commit.  Updates always target the
// committer's leaf; committer is the only member that rotates its own key.
func (g *Group) apply(commit Commit, committer LeafIndex) error {
	for i := range commit.Updates {
		m, err := g.Roster.MemberAt(committer)
		if err != nil {
			return err
		}
		m.InitKey = HPKEPublicKey{dup(commit.Updates[i].LeafKey.Data)}
	}

	for _, remove := range commit.Removes {
		if err := g.Roster.Blank(remove.Removed); err != nil {
			return err
		}
	}

	for _, add := range commit.Adds {
		if err := add.KeyPackage.Verify(); err != nil {
			return err
		}
		g.Roster.Add(Member{
			InitKey:    add.KeyPackage.InitKey,
			Credential: add.KeyPackage.Credential,
			Admin:      add.Admin,
		})
	}
	return nil
}

func (g *Group) ratchetAndSign(op Commit, commitSecret []byte, prevGrpCtx GroupContext) (*MLSPlaintext, error) {
	pt := &MLSPlaintext{
		GroupID: g.GroupID,
		Epoch:   g.Epoch,
		Sender:  Sender{SenderTypeMember, uint32(g.Index)},
		Content: MLSPlaintextContent{
			Commit: &CommitData{
				Commit: op,
			},
		},
	}

	// Update the confirmed transcript hash
	digest := g.CipherSuite.newDigest()
	digest.Write(g.InterimTranscriptHash)
	digest.Write(pt.commitContent())
	g.ConfirmedTranscriptHash = digest.Sum(nil)

	// Advance the key schedule
	g.Epoch += 1
	g.Keys = g.Keys.Next(commitSecret, g.contextBytes())

	// Generate the confirmation based on the new keys
	commit := pt.Content.Commit
	hmac := g.CipherSuite.newHMAC(g.Keys.ConfirmationKey)
	hmac.Write(g.ConfirmedTranscriptHash)
	commit.Confirmation.Data = hmac.Sum(nil)

	// Sign under the epoch the commit was sent in
	pt.sign(prevGrpCtx, g.IdentityPriv, g.Scheme)

	authData, err := pt.commitAuthData()
	if err != nil {
		return nil, err
	}

	digest = g.CipherSuite.newDigest()
	digest.Write(g.ConfirmedTranscriptHash)
	digest.Write(authData)
	g.InterimTranscriptHash = digest.Sum(nil)

	return pt, nil
}

// MergePendingCommit replaces the current state with the staged epoch.
func (g *Group) MergePendingCommit() (Epoch, error) {
	if g.pendingCommit == nil {
		return g.Epoch, ErrPendingCommit
	}
	next := g.pendingCommit
	*g = *next
	g.pendingCommit = nil
	g.pendingUpdatePriv = nil
	return g.Epoch, nil
}

// ClearPendingCommit abandons a staged epoch that never made it out.
func (g *Group) ClearPendingCommit() {
	g.pendingCommit = nil
}

///
/// Wrapper handling
///

// Handle decrypts, verifies, and applies an incoming wrapper.  Commits are
// staged, not merged; the caller merges once the matching side effects have
// been taken.
func (g *Group) Handle(ct *MLSCiphertext) (*Received, error) {
	if !bytes.Equal(ct.GroupID, g.GroupID) {
		return nil, fmt.Errorf("mls.group: ciphertext not from this group")
	}
	if ct.Epoch > g.Epoch {
		return nil, ErrFutureEpoch
	}
	if ct.Epoch < g.Epoch {
		return nil, ErrStaleEpoch
	}

	pt, err := g.decrypt(ct)
	if err != nil {
		return nil, err
	}

	sender := LeafIndex(pt.Sender.Sender)
	if sender == g.Index {
		return nil, ErrOwnCommit
	}

	cred, err := g.Roster.CredentialAt(sender)
	if err != nil {
		return nil, ErrNotMember
	}
	if !pt.verify(g.groupContext(), cred.PublicKey(), g.Scheme) {
		return nil, ErrBadSignature
	}

	recv := &Received{
		ContentType:    pt.Content.Type(),
		Sender:         sender,
		SenderIdentity: dup(cred.Identity()),
	}

	switch pt.Content.Type() {
	case ContentTypeApplication:
		recv.Application = pt.Content.Application.Data
		return recv, nil

	case ContentTypeProposal:
		g.pendingProposals = append(g.pendingProposals, *pt.Content.Proposal)
		return recv, nil

	case ContentTypeCommit:
		epochAfter, err := g.handleCommit(pt, sender)
		if err != nil {
			return nil, err
		}
		recv.EpochAfter = epochAfter
		return recv, nil
	}

	return nil, fmt.Errorf("mls.group: incorrect content type")
}

func (g *Group) handleCommit(pt *MLSPlaintext, sender LeafIndex) (Epoch, error) {
	commitData := pt.Content.Commit

	if len(commitData.Commit.Adds) > 0 || len(commitData.Commit.Removes) > 0 {
		if !g.Roster.AdminAt(sender) {
			return 0, ErrNotAdmin
		}
	}

	// Apply the commit to a staged copy and discard stale proposals
	next := g.clone()
	if err := next.apply(commitData.Commit, sender); err != nil {
		return 0, err
	}
	next.pendingProposals = nil

	if !next.Roster.Occupied(g.Index) {
		return 0, ErrRemovedFromGroup
	}

	// Recover the commit secret from our box
	var box *CommitSecretBox
	for i := range commitData.Commit.SecretBoxes {
		if commitData.Commit.SecretBoxes[i].Member == g.Index {
			box = &commitData.Commit.SecretBoxes[i]
			break
		}
	}
	if box == nil {
		return 0, fmt.Errorf("mls.group: no commit secret for this member")
	}
	commitSecret, err := g.CipherSuite.hpke().Decrypt(g.InitPriv, []byte{}, box.Encrypted)
	if err != nil {
		return 0, fmt.Errorf("mls.group: commit secret decrypt failure %v", err)
	}

	// Update the confirmed transcript hash
	digest := next.CipherSuite.newDigest()
	digest.Write(next.InterimTranscriptHash)
	digest.Write(pt.commitContent())
	next.ConfirmedTranscriptHash = digest.Sum(nil)

	// Advance the key schedule
	next.Epoch += 1
	next.Keys = next.Keys.Next(commitSecret, next.contextBytes())

	if !next.verifyConfirmation(commitData.Confirmation.Data) {
		return 0, fmt.Errorf("mls.group: confirmation failed to verify")
	}

	authData, err := pt.commitAuthData()
	if err != nil {
		return 0, err
	}

	// Update the interim transcript hash
	digest = next.CipherSuite.newDigest()
	digest.Write(next.ConfirmedTranscriptHash)
	digest.Write(authData)
	next.InterimTranscriptHash = digest.Sum(nil)

	g.pendingCommit = next
	return next.Epoch, nil
}

///
/// Protect / unprotect
///

func (g *Group) Protect(data []byte) (*MLSCiphertext, error) {
	pt := &MLSPlaintext{
		GroupID: g.GroupID,
		Epoch:   g.Epoch,
		Sender:  Sender{SenderTypeMember, uint32(g.Index)},
		Content: MLSPlaintextContent{
			Application: &ApplicationData{
				Data: data,
			},
		},
	}

	pt.sign(g.groupContext(), g.IdentityPriv, g.Scheme)
	return g.encrypt(pt)
}

func applyGuard(nonceIn []byte, reuseGuard [4]byte) []byte {
	nonceOut := dup(nonceIn)
	for i := range reuseGuard {
		nonceOut[i] ^= reuseGuard[i]
	}
	return nonceOut
}

func (g *Group) encrypt(pt *MLSPlaintext) (*MLSCiphertext, error) {
	var generation uint32
	var keys keyAndNonce
	switch pt.Content.Type() {
	case ContentTypeApplication:
		generation, keys = g.Keys.ApplicationKeys.Next(g.Index)
	case ContentTypeProposal, ContentTypeCommit:
		generation, keys = g.Keys.HandshakeKeys.Next(g.Index)
	default:
		return nil, fmt.Errorf("mls.group: encrypt unknown content type")
	}

	var reuseGuard [4]byte
	if _, err := rand.Read(reuseGuard[:]); err != nil {
		return nil, err
	}

	stream := syntax.NewWriteStream()
	err := stream.WriteAll(g.Index, generation, reuseGuard)
	if err != nil {
		return nil, fmt.Errorf("mls.group: sender data marshal failure %v", err)
	}

	senderData := stream.Data()
	senderDataNonce := make([]byte, g.CipherSuite.Constants().NonceSize)
	if _, err := rand.Read(senderDataNonce); err != nil {
		return nil, err
	}
	senderDataAADVal := senderDataAAD(g.GroupID, g.Epoch, pt.Content.Type(), senderDataNonce)
	sdAead, _ := g.CipherSuite.NewAEAD(g.Keys.SenderDataKey)
	sdCt := sdAead.Seal(nil, senderDataNonce, senderData, senderDataAADVal)

	// content data
	stream = syntax.NewWriteStream()
	err = stream.Write(pt.Content)
	if err == nil {
		err = stream.Write(pt.Signature)
	}
	if err != nil {
		return nil, fmt.Errorf("mls.group: content marshal failure %v", err)
	}
	content := stream.Data()

	aad := contentAAD(g.GroupID, g.Epoch, pt.Content.Type(),
		pt.AuthenticatedData, senderDataNonce, sdCt)
	aead, _ := g.CipherSuite.NewAEAD(keys.Key)
	contentCt := aead.Seal(nil, applyGuard(keys.Nonce, reuseGuard), content, aad)

	return &MLSCiphertext{
		GroupID:             g.GroupID,
		Epoch:               g.Epoch,
		ContentType:         pt.Content.Type(),
		AuthenticatedData:   pt.AuthenticatedData,
		SenderDataNonce:     senderDataNonce,
		EncryptedSenderData: sdCt,
		Ciphertext:          contentCt,
	}, nil
}

func (g *Group) decrypt(ct *MLSCiphertext) (*MLSPlaintext, error) {
	// handle sender data
	sdAAD := senderDataAAD(ct.GroupID, ct.Epoch, ct.ContentType, ct.SenderDataNonce)
	sdAead, _ := g.CipherSuite.NewAEAD(g.Keys.SenderDataKey)
	sd, err := sdAead.Open(nil, ct.SenderDataNonce, ct.EncryptedSenderData, sdAAD)
	if err != nil {
		return nil, fmt.Errorf("mls.group: senderData decryption failure %v", err)
	}

	// parse the senderData
	var sender LeafIndex
	var generation uint32
	var reuseGuard [4]byte
	stream := syntax.NewReadStream(sd)
	_, err = stream.ReadAll(&sender, &generation, &reuseGuard)
	if err != nil {
		return nil, fmt.Errorf("mls.group: senderData unmarshal failure %v", err)
	}

	if !g.Roster.Occupied(sender) {
		return nil, fmt.Errorf("mls.group: encryption from unoccupied slot %v", sender)
	}

	var keys keyAndNonce
	switch ct.ContentType {
	case ContentTypeApplication:
		keys, err = g.Keys.ApplicationKeys.Get(sender, generation)
		if err != nil {
			return nil, fmt.Errorf("mls.group: application keys extraction failed %v", err)
		}
		defer g.Keys.ApplicationKeys.Erase(sender, generation)
	case ContentTypeProposal, ContentTypeCommit:
		keys, err = g.Keys.HandshakeKeys.Get(sender, generation)
		if err != nil {
			return nil, fmt.Errorf("mls.group: handshake keys extraction failed %v", err)
		}
		defer g.Keys.HandshakeKeys.Erase(sender, generation)
	default:
		return nil, fmt.Errorf("mls.group: unsupported content type")
	}

	aad := contentAAD(ct.GroupID, ct.Epoch, ct.ContentType,
		ct.AuthenticatedData, ct.SenderDataNonce, ct.EncryptedSenderData)
	aead, _ := g.CipherSuite.NewAEAD(keys.Key)
	content, err := aead.Open(nil, applyGuard(keys.Nonce, reuseGuard), ct.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("mls.group: content decryption failure %v", err)
	}

	// parse the content and signature
	stream = syntax.NewReadStream(content)
	var mlsContent MLSPlaintextContent
	var signature Signature
	_, err = stream.Read(&mlsContent)
	if err == nil {
		_, err = stream.Read(&signature)
	}
	if err != nil {
		return nil, fmt.Errorf("mls.group: content unmarshal failure %v", err)
	}

	return &MLSPlaintext{
		GroupID:           g.GroupID,
		Epoch:             g.Epoch,
		Sender:            Sender{SenderTypeMember, uint32(sender)},
		AuthenticatedData: ct.AuthenticatedData,
		Content:           mlsContent,
		Signature:         signature,
	}, nil
}

func senderDataAAD(gid []byte, epoch Epoch, contentType ContentType, nonce []byte) []byte {
	s := syntax.NewWriteStream()
	err := s.Write(struct {
		GroupID         []byte `tls:"head=1"`
		Epoch           Epoch
		ContentType     ContentType
		SenderDataNonce []byte `tls:"head=1"`
	}{
		GroupID:         gid,
		Epoch:           epoch,
		ContentType:     contentType,
		SenderDataNonce: nonce,
	})
	if err != nil {
		return nil
	}
	return s.Data()
}

func contentAAD(gid []byte, epoch Epoch,
	contentType ContentType, authenticatedData []byte,
	nonce []byte, encSenderData []byte) []byte {

	s := syntax.NewWriteStream()
	err := s.Write(struct {
		GroupID             []byte `tls:"head=1"`
		Epoch               Epoch
		ContentType         ContentType
		AuthenticatedData   []byte `tls:"head=4"`
		SenderDataNonce     []byte `tls:"head=1"`
		EncryptedSenderData []byte `tls:"head=1"`
	}{
		GroupID:             gid,
		Epoch:               epoch,
		ContentType:         contentType,
		AuthenticatedData:   authenticatedData,
		SenderDataNonce:     nonce,
		EncryptedSenderData: encSenderData,
	})
	if err != nil {
		return nil
	}
	return s.Data()
}
