package mls

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

// Member is one occupied roster slot: the member's current HPKE init key,
// its credential, and whether it may change membership.
type Member struct {
	InitKey    HPKEPublicKey
	Credential Credential
	Admin      uint8
}

func (m Member) clone() Member {
	return Member{
		InitKey:    HPKEPublicKey{dup(m.InitKey.Data)},
		Credential: m.Credential,
		Admin:      m.Admin,
	}
}

type rosterSlot struct {
	Member *Member
}

func (s rosterSlot) MarshalTLS() ([]byte, error) {
	ws := syntax.NewWriteStream()
	occupied := uint8(0)
	if s.Member != nil {
		occupied = 1
	}
	err := ws.Write(occupied)
	if err == nil && s.Member != nil {
		err = ws.Write(*s.Member)
	}
	if err != nil {
		return nil, err
	}
	return ws.Data(), nil
}

func (s *rosterSlot) UnmarshalTLS(data []byte) (int, error) {
	rs := syntax.NewReadStream(data)
	var occupied uint8
	_, err := rs.Read(&occupied)
	if err != nil {
		return 0, err
	}

	switch occupied {
	case 0:
		s.Member = nil
	case 1:
		s.Member = new(Member)
		_, err = rs.Read(s.Member)
	default:
		err = fmt.Errorf("mls.roster: invalid slot marker %d", occupied)
	}
	if err != nil {
		return 0, err
	}
	return rs.Position(), nil
}

// Roster is the group membership, indexed by leaf.  Slots of removed
// members stay blank so surviving indices never shift.
type Roster struct {
	Slots []rosterSlot `tls:"head=4"`
}

func (r Roster) clone() Roster {
	out := Roster{Slots: make([]rosterSlot, len(r.Slots))}
	for i, slot := range r.Slots {
		if slot.Member != nil {
			m := slot.Member.clone()
			out.Slots[i].Member = &m
		}
	}
	return out
}

func (r Roster) Occupied(i LeafIndex) bool {
	return int(i) < len(r.Slots) && r.Slots[i].Member != nil
}

func (r Roster) MemberAt(i LeafIndex) (*Member, error) {
	if !r.Occupied(i) {
		return nil, fmt.Errorf("mls.roster: no member at index %d", i)
	}
	return r.Slots[i].Member, nil
}

func (r Roster) CredentialAt(i LeafIndex) (*Credential, error) {
	m, err := r.MemberAt(i)
	if err != nil {
		return nil, err
	}
	return &m.Credential, nil
}

func (r Roster) AdminAt(i LeafIndex) bool {
	return r.Occupied(i) && r.Slots[i].Member.Admin != 0
}

// Size is the number of occupied slots.
func (r Roster) Size() int {
	n := 0
	for _, slot := range r.Slots {
		if slot.Member != nil {
			n++
		}
	}
	return n
}

// Add places the member in the leftmost blank slot, extending the roster
// when none is free, and returns the index it landed on.
func (r *Roster) Add(m Member) LeafIndex {
	for i, slot := range r.Slots {
		if slot.Member == nil {
			r.Slots[i].Member = &m
			return LeafIndex(i)
		}
	}
	r.Slots = append(r.Slots, rosterSlot{Member: &m})
	return LeafIndex(len(r.Slots) - 1)
}

func (r *Roster) Blank(i LeafIndex) error {
	if !r.Occupied(i) {
		return fmt.Errorf("mls.roster: blank of unoccupied slot %d", i)
	}
	r.Slots[i].Member = nil
	return nil
}

// Find locates the slot whose init key and credential match the key package.
func (r Roster) Find(kp KeyPackage) (LeafIndex, bool) {
	for i, slot := range r.Slots {
		if slot.Member == nil {
			continue
		}
		if slot.Member.InitKey.Equals(kp.InitKey) && slot.Member.Credential.Equals(kp.Credential) {
			return LeafIndex(i), true
		}
	}
	return 0, false
}

// FindIdentity locates the occupied slot holding the given identity.
func (r Roster) FindIdentity(identity []byte) (LeafIndex, bool) {
	for i, slot := range r.Slots {
		if slot.Member == nil {
			continue
		}
		if constantEqual(slot.Member.Credential.Identity(), identity) {
			return LeafIndex(i), true
		}
	}
	return 0, false
}

// Hash binds the full membership into the group context, filling the role
// a tree hash would in a tree-based group.
func (r Roster) Hash(suite CipherSuite) []byte {
	data, err := syntax.Marshal(r)
	if err != nil {
		panic(fmt.Errorf("mls.roster: marshal failure %v", err))
	}
	return suite.Digest(data)
}
