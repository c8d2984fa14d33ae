package marmot

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/parres-hq/marmot/internal/engine"
)

// GroupID is the stable 32-byte identifier of one group, fixed at creation
// for the group's entire lifetime.
type GroupID []byte

func (g GroupID) String() string { return hex.EncodeToString(g) }

func ParseGroupID(s string) (GroupID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: group id must be 32 hex-encoded bytes", ErrInvalidInput)
	}
	return GroupID(raw), nil
}

func newGroupID() GroupID {
	id := make([]byte, 32)
	if _, err := rand.Read(id); err != nil {
		panic(fmt.Errorf("marmot: entropy unavailable: %v", err))
	}
	return id
}

// Group is the externally visible view of one group's stored state.
type Group struct {
	GroupID      GroupID
	NostrGroupID string
	Name         string
	Description  string
	Admins       []PublicKey
	Relays       []string
	Epoch        uint64
	Members      []PublicKey
}

// groupRecord is the stored form: metadata plus the serialized engine state.
type groupRecord struct {
	NostrGroupID string      `json:"nostr_group_id"`
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Admins       []PublicKey `json:"admins"`
	Relays       []string    `json:"relays"`
	State        []byte      `json:"state"`
}

func (rec *groupRecord) toGroup(st *engine.GroupState) *Group {
	members := lo.Map(st.MemberIdentities(), func(id []byte, _ int) PublicKey {
		return pubkeyFromIdentity(id)
	})
	return &Group{
		GroupID:      GroupID(st.GroupID),
		NostrGroupID: rec.NostrGroupID,
		Name:         rec.Name,
		Description:  rec.Description,
		Admins:       append([]PublicKey(nil), rec.Admins...),
		Relays:       append([]string(nil), rec.Relays...),
		Epoch:        st.Epoch,
		Members:      members,
	}
}

func (s *Session) loadGroup(groupID GroupID) (*groupRecord, *engine.GroupState, error) {
	blob, err := s.store.LoadGroup(groupID)
	if err != nil {
		return nil, nil, notFoundAs(err, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID))
	}
	var rec groupRecord
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, nil, storageErr(err)
	}
	st, err := engine.RestoreState(rec.State)
	if err != nil {
		return nil, nil, storageErr(err)
	}
	return &rec, st, nil
}

// encodeRecord folds the engine snapshot into the record and serializes it.
func encodeRecord(rec *groupRecord, st *engine.GroupState) ([]byte, error) {
	snapshot, err := st.Snapshot()
	if err != nil {
		return nil, storageErr(err)
	}
	rec.State = snapshot
	blob, err := json.Marshal(rec)
	if err != nil {
		return nil, storageErr(err)
	}
	return blob, nil
}

func (s *Session) saveGroup(rec *groupRecord, st *engine.GroupState) error {
	blob, err := encodeRecord(rec, st)
	if err != nil {
		return err
	}
	return storageErr(s.store.SaveGroup(st.GroupID, blob))
}

// pruneAdmins keeps the admin invariant: every admin is a member.
func pruneAdmins(rec *groupRecord, st *engine.GroupState) {
	rec.Admins = lo.Filter(rec.Admins, func(pk PublicKey, _ int) bool {
		_, ok := st.FindMember(pk.Bytes())
		return ok
	})
}

// groupMessageEvent wraps an encoded wire frame as an unsigned kind-445
// event tagged with the group's public routing id.
func (s *Session) groupMessageEvent(rec *groupRecord, wire []byte) (*UnsignedEvent, error) {
	ev := &UnsignedEvent{
		PubKey:    s.cfg.Identity,
		CreatedAt: time.Now().Unix(),
		Kind:      KindGroupMessage,
		Tags:      []Tag{{"h", rec.NostrGroupID}},
		Content:   base64.StdEncoding.EncodeToString(wire),
	}
	id, err := ev.ComputeID()
	if err != nil {
		return nil, err
	}
	ev.ID = id
	return ev, nil
}

// consumableKeyPackage parses one encoded key package, checks it against its
// claimed owner, and refuses packages already consumed by a prior admission.
func (s *Session) consumableKeyPackage(encoded string, owner *PublicKey) (*engine.KeyPackage, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: key package is not hex", ErrInvalidKeyPackage)
	}
	kp, err := engine.ParseKeyPackage(raw)
	if err != nil {
		return nil, engineErr(err)
	}
	if owner != nil && pubkeyFromIdentity(kp.Credential.Identity) != *owner {
		return nil, fmt.Errorf("%w: key package identity does not match %s", ErrInvalidKeyPackage, *owner)
	}
	consumed, err := s.store.IsConsumed(kp.Ref())
	if err != nil {
		return nil, storageErr(err)
	}
	if consumed {
		return nil, fmt.Errorf("%w: already consumed", ErrInvalidKeyPackage)
	}
	return kp, nil
}

// CreateGroupParams carries everything CreateGroup needs. MemberPubkeys and
// MemberKeyPackages are pairwise: each member is admitted through exactly
// one key package.
type CreateGroupParams struct {
	Name              string
	Description       string
	MemberPubkeys     []PublicKey
	MemberKeyPackages []string
	AdminPubkeys      []PublicKey
	Relays            []string
}

type CreateGroupResult struct {
	Group *Group
	// SerializedWelcome is the wrapper payload every added member can
	// process; WelcomeRumor is the same payload framed as a kind-444 rumor.
	SerializedWelcome []byte
	WelcomeRumor      *UnsignedEvent
}

// CreateGroup starts a new group at epoch 0 with the creator plus the listed
// members, consuming each supplied key package exactly once.
func (s *Session) CreateGroup(p CreateGroupParams) (*CreateGroupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if len(p.MemberPubkeys) != len(p.MemberKeyPackages) {
		return nil, fmt.Errorf("%w: %d member pubkeys but %d key packages",
			ErrGroupCreation, len(p.MemberPubkeys), len(p.MemberKeyPackages))
	}
	if err := validateRelayURLs(p.Relays); err != nil {
		return nil, err
	}

	allowedAdmins := append([]PublicKey{s.cfg.Identity}, p.MemberPubkeys...)
	for _, admin := range p.AdminPubkeys {
		if _, err := ParsePublicKey(string(admin)); err != nil {
			return nil, err
		}
		if !lo.Contains(allowedAdmins, admin) {
			return nil, fmt.Errorf("%w: admin %s is not a member", ErrGroupCreation, admin)
		}
	}

	memberKPs := make([]engine.KeyPackage, 0, len(p.MemberKeyPackages))
	refs := make([][]byte, 0, len(p.MemberKeyPackages))
	for i, encoded := range p.MemberKeyPackages {
		owner := p.MemberPubkeys[i]
		if _, err := ParsePublicKey(string(owner)); err != nil {
			return nil, err
		}
		kp, err := s.consumableKeyPackage(encoded, &owner)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrGroupCreation, err)
		}
		memberKPs = append(memberKPs, *kp)
		refs = append(refs, kp.Ref())
	}

	ownKP, ownPriv, err := engine.NewKeyPackage(s.Ciphersuite(), s.identityBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGroupCreation, engineErr(err))
	}
	self := engine.OwnedKeyPackage{KeyPackage: *ownKP, Private: *ownPriv}

	groupID := newGroupID()
	st, welcome, err := engine.NewGroup(s.Ciphersuite(), groupID, self, memberKPs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGroupCreation, engineErr(err))
	}

	rec := &groupRecord{
		NostrGroupID: hex.EncodeToString(newGroupID()),
		Name:         p.Name,
		Description:  p.Description,
		Admins:       append([]PublicKey(nil), p.AdminPubkeys...),
		Relays:       append([]string(nil), p.Relays...),
	}

	// Build the welcome before the durable write so a failure here leaves no
	// trace of the group behind.
	serialized, rumor, err := s.wrapWelcome(rec, welcome)
	if err != nil {
		return nil, err
	}

	blob, err := encodeRecord(rec, st)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveGroupConsuming(groupID, blob, refs); err != nil {
		return nil, storageErr(err)
	}

	s.logGroup(groupID).WithField("members", len(st.MemberIdentities())).Info("group created")
	return &CreateGroupResult{
		Group:             rec.toGroup(st),
		SerializedWelcome: serialized,
		WelcomeRumor:      rumor,
	}, nil
}

type CommitResult struct {
	Group         *Group
	CommitMessage *UnsignedEvent
	// Set only when the commit added members.
	SerializedWelcome []byte
	WelcomeRumor      *UnsignedEvent
}

// AddMembers admits new members through their key packages, advancing the
// group one epoch. Returns the commit for existing members and a welcome for
// the added ones.
func (s *Session) AddMembers(groupID GroupID, keyPackages []string) (*CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rec, st, err := s.loadGroup(groupID)
	if err != nil {
		return nil, err
	}
	if len(keyPackages) == 0 {
		return nil, fmt.Errorf("%w: no key packages supplied", ErrInvalidInput)
	}

	var proposals []*engine.HandshakeMessage
	refs := make([][]byte, 0, len(keyPackages))
	for _, encoded := range keyPackages {
		kp, err := s.consumableKeyPackage(encoded, nil)
		if err != nil {
			return nil, err
		}
		prop, err := st.ProposeAdd(*kp)
		if err != nil {
			return nil, engineErr(err)
		}
		proposals = append(proposals, prop)
		refs = append(refs, kp.Ref())
	}

	return s.commitLocked(rec, st, proposals, refs)
}

// RemoveMembers removes the listed members, advancing the group one epoch.
// Removing the local identity is permitted and leaves this actor evicted.
func (s *Session) RemoveMembers(groupID GroupID, members []PublicKey) (*CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rec, st, err := s.loadGroup(groupID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: no members supplied", ErrInvalidInput)
	}

	var proposals []*engine.HandshakeMessage
	for _, pk := range members {
		if _, err := ParsePublicKey(string(pk)); err != nil {
			return nil, err
		}
		idx, ok := st.FindMember(pk.Bytes())
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, pk)
		}
		prop, err := st.ProposeRemove(idx)
		if err != nil {
			return nil, engineErr(err)
		}
		proposals = append(proposals, prop)
	}

	return s.commitLocked(rec, st, proposals, nil)
}

// commitLocked runs one epoch transition: commit the given plus any queued
// proposals, then durably record the new state together with the consumed
// key package refs. Requires s.mu held. Either the whole transition lands or
// the stored state is untouched.
func (s *Session) commitLocked(rec *groupRecord, st *engine.GroupState, proposals []*engine.HandshakeMessage, consumedRefs [][]byte) (*CommitResult, error) {
	msg, welcome, next, err := st.Commit(proposals)
	if err != nil {
		return nil, engineErr(err)
	}
	pruneAdmins(rec, next)

	// Frame every deliverable first; the transition only becomes durable once
	// nothing left can fail.
	wire, err := encodeHandshakeWire(msg)
	if err != nil {
		return nil, err
	}
	event, err := s.groupMessageEvent(rec, wire)
	if err != nil {
		return nil, err
	}
	result := &CommitResult{
		Group:         rec.toGroup(next),
		CommitMessage: event,
	}
	if welcome != nil {
		result.SerializedWelcome, result.WelcomeRumor, err = s.wrapWelcome(rec, welcome)
		if err != nil {
			return nil, err
		}
	}

	blob, err := encodeRecord(rec, next)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveGroupConsuming(next.GroupID, blob, consumedRefs); err != nil {
		return nil, storageErr(err)
	}

	s.logGroup(GroupID(next.GroupID)).WithField("epoch", next.Epoch).Info("commit applied")
	return result, nil
}

// ProposeAddMember queues an add proposal locally and returns it framed for
// delivery. The roster does not change until a commit applies it.
func (s *Session) ProposeAddMember(groupID GroupID, keyPackage string) (*UnsignedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rec, st, err := s.loadGroup(groupID)
	if err != nil {
		return nil, err
	}
	kp, err := s.consumableKeyPackage(keyPackage, nil)
	if err != nil {
		return nil, err
	}
	prop, err := st.ProposeAdd(*kp)
	if err != nil {
		return nil, engineErr(err)
	}
	return s.queueProposalLocked(rec, st, prop)
}

// ProposeRemoveMember queues a remove proposal locally and returns it framed
// for delivery.
func (s *Session) ProposeRemoveMember(groupID GroupID, member PublicKey) (*UnsignedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rec, st, err := s.loadGroup(groupID)
	if err != nil {
		return nil, err
	}
	if _, err := ParsePublicKey(string(member)); err != nil {
		return nil, err
	}
	idx, ok := st.FindMember(member.Bytes())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, member)
	}
	prop, err := st.ProposeRemove(idx)
	if err != nil {
		return nil, engineErr(err)
	}
	return s.queueProposalLocked(rec, st, prop)
}

func (s *Session) queueProposalLocked(rec *groupRecord, st *engine.GroupState, prop *engine.HandshakeMessage) (*UnsignedEvent, error) {
	if err := st.QueueProposal(prop); err != nil {
		return nil, engineErr(err)
	}
	if err := s.saveGroup(rec, st); err != nil {
		return nil, err
	}
	wire, err := encodeHandshakeWire(prop)
	if err != nil {
		return nil, err
	}
	return s.groupMessageEvent(rec, wire)
}

// CommitProposals commits every queued proposal plus any additionally
// supplied serialized ones. Proposals made against an earlier epoch fail the
// whole commit with ErrStaleProposal.
func (s *Session) CommitProposals(groupID GroupID, serialized ...[]byte) (*CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rec, st, err := s.loadGroup(groupID)
	if err != nil {
		return nil, err
	}

	var extra []*engine.HandshakeMessage
	for _, data := range serialized {
		msg, err := decodeHandshakeWire(data)
		if err != nil {
			return nil, err
		}
		extra = append(extra, msg)
	}

	return s.commitLocked(rec, st, extra, nil)
}

// LeaveGroup produces a self-removal proposal for delivery to the group. The
// local state does not change until a commit containing the removal is
// processed.
func (s *Session) LeaveGroup(groupID GroupID) (*UnsignedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rec, st, err := s.loadGroup(groupID)
	if err != nil {
		return nil, err
	}
	prop, err := st.ProposeSelfRemove()
	if err != nil {
		return nil, engineErr(err)
	}
	wire, err := encodeHandshakeWire(prop)
	if err != nil {
		return nil, err
	}
	return s.groupMessageEvent(rec, wire)
}

// GetGroup returns the stored view of one group.
func (s *Session) GetGroup(groupID GroupID) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rec, st, err := s.loadGroup(groupID)
	if err != nil {
		return nil, err
	}
	return rec.toGroup(st), nil
}

// GetGroups returns every stored group.
func (s *Session) GetGroups() ([]*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	blobs, err := s.store.ListGroups()
	if err != nil {
		return nil, storageErr(err)
	}
	groups := make([]*Group, 0, len(blobs))
	for _, blob := range blobs {
		var rec groupRecord
		if err := json.Unmarshal(blob, &rec); err != nil {
			return nil, storageErr(err)
		}
		st, err := engine.RestoreState(rec.State)
		if err != nil {
			return nil, storageErr(err)
		}
		groups = append(groups, rec.toGroup(st))
	}
	return groups, nil
}

// GetMembers returns the current member set of one group.
func (s *Session) GetMembers(groupID GroupID) ([]PublicKey, error) {
	group, err := s.GetGroup(groupID)
	if err != nil {
		return nil, err
	}
	return group.Members, nil
}
