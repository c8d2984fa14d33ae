package engine

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

// RosterEntry is one leaf of the flat member roster. Removal blanks the slot
// rather than compacting, so member indices stay stable across epochs; adds
// fill the leftmost blank slot first.
type RosterEntry struct {
	Present    uint8
	KeyPackage KeyPackage
}

func (re RosterEntry) occupied() bool { return re.Present == 1 }

// GroupState is one member's view of a group at one epoch. The shared part
// (roster, transcript) is identical across members; Index, Priv and Secrets
// are local.
type GroupState struct {
	Suite                   CipherSuite
	GroupID                 []byte
	Epoch                   uint64
	Roster                  []RosterEntry
	ConfirmedTranscriptHash []byte

	Index          uint32
	Evicted        bool
	Priv           KeyPackagePrivate
	Secrets        epochSecrets
	Pending        []HandshakeMessage
	PendingUpdate  *OwnedKeyPackage
	SendGeneration uint32
}

// struct {
//   opaque group_id<0..255>;
//   uint64 epoch;
//   opaque roster_hash<0..255>;
//   opaque confirmed_transcript_hash<0..255>;
// } GroupContext;
type groupContext struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   uint64
	RosterHash              []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
}

func (s *GroupState) rosterHash() []byte {
	data, err := syntax.Marshal(struct {
		Roster []RosterEntry `tls:"head=4"`
	}{s.Roster})
	if err != nil {
		panic(fmt.Errorf("engine: roster marshal failed: %v", err))
	}
	return s.Suite.digest(data)
}

func (s *GroupState) context() []byte {
	data, err := syntax.Marshal(groupContext{
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		RosterHash:              s.rosterHash(),
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
	})
	if err != nil {
		panic(fmt.Errorf("engine: group context marshal failed: %v", err))
	}
	return data
}

// epochAAD binds HPKE path secret boxes to the group and target epoch without
// depending on the (not yet final) transcript.
func (s *GroupState) epochAAD() []byte {
	data, err := syntax.Marshal(struct {
		GroupID []byte `tls:"head=1"`
		Epoch   uint64
	}{s.GroupID, s.Epoch})
	if err != nil {
		panic(fmt.Errorf("engine: aad marshal failed: %v", err))
	}
	return data
}

// NewGroup creates epoch 0 of a new group with the full initial roster and
// the welcome that lets every listed member derive the same state.
func NewGroup(suite CipherSuite, groupID []byte, self OwnedKeyPackage, members []KeyPackage) (*GroupState, *Welcome, error) {
	if !suite.Supported() {
		return nil, nil, ErrUnsupportedSuite
	}
	if len(groupID) == 0 {
		return nil, nil, fmt.Errorf("%w: empty group id", ErrMalformed)
	}

	roster := []RosterEntry{{Present: 1, KeyPackage: self.KeyPackage}}
	for _, kp := range members {
		if kp.CipherSuite != suite {
			return nil, nil, fmt.Errorf("%w: %w", ErrInvalidKeyPackage, ErrUnsupportedSuite)
		}
		roster = append(roster, RosterEntry{Present: 1, KeyPackage: kp})
	}

	s := &GroupState{
		Suite:                   suite,
		GroupID:                 dup(groupID),
		Epoch:                   0,
		Roster:                  roster,
		ConfirmedTranscriptHash: []byte{},
		Index:                   0,
		Priv:                    self.Private,
	}

	epochSecret := randomBytes(suite.constants().SecretSize)
	s.Secrets = newEpochSecrets(suite, epochSecret, s.context())

	welcome, err := newWelcome(s, members)
	if err != nil {
		return nil, nil, err
	}
	return s, welcome, nil
}

///
/// Roster accessors
///

func (s *GroupState) MemberIdentities() [][]byte {
	var out [][]byte
	for _, entry := range s.Roster {
		if entry.occupied() {
			out = append(out, dup(entry.KeyPackage.Credential.Identity))
		}
	}
	return out
}

// FindMember returns the roster index of the occupied slot whose credential
// identity matches.
func (s *GroupState) FindMember(identity []byte) (uint32, bool) {
	for i, entry := range s.Roster {
		if entry.occupied() && bytes.Equal(entry.KeyPackage.Credential.Identity, identity) {
			return uint32(i), true
		}
	}
	return 0, false
}

// MemberIdentityAt returns the credential identity at an occupied slot.
func (s *GroupState) MemberIdentityAt(index uint32) ([]byte, error) {
	entry, err := s.memberAt(index)
	if err != nil {
		return nil, err
	}
	return dup(entry.KeyPackage.Credential.Identity), nil
}

func (s *GroupState) memberAt(index uint32) (*RosterEntry, error) {
	if int(index) >= len(s.Roster) || !s.Roster[index].occupied() {
		return nil, fmt.Errorf("%w: index %d", ErrUnknownMember, index)
	}
	return &s.Roster[index], nil
}

///
/// Proposals
///

func (s *GroupState) ProposeAdd(kp KeyPackage) (*HandshakeMessage, error) {
	if kp.CipherSuite != s.Suite {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyPackage, ErrUnsupportedSuite)
	}
	return s.signProposal(Proposal{Add: &AddProposal{KeyPackage: kp}})
}

func (s *GroupState) ProposeRemove(index uint32) (*HandshakeMessage, error) {
	if _, err := s.memberAt(index); err != nil {
		return nil, err
	}
	return s.signProposal(Proposal{Remove: &RemoveProposal{Removed: index}})
}

func (s *GroupState) ProposeSelfRemove() (*HandshakeMessage, error) {
	return s.ProposeRemove(s.Index)
}

// ProposeUpdate proposes replacing the local member's key package. The fresh
// private half is retained so the member can open the path secret sealed to
// the new init key once the update commits.
func (s *GroupState) ProposeUpdate(okp OwnedKeyPackage) (*HandshakeMessage, error) {
	if okp.KeyPackage.CipherSuite != s.Suite {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyPackage, ErrUnsupportedSuite)
	}
	s.PendingUpdate = &okp
	return s.signProposal(Proposal{Update: &UpdateProposal{KeyPackage: okp.KeyPackage}})
}

func (s *GroupState) signProposal(p Proposal) (*HandshakeMessage, error) {
	msg := &HandshakeMessage{
		GroupID:  dup(s.GroupID),
		Epoch:    s.Epoch,
		Sender:   s.Index,
		Proposal: &p,
	}
	if err := s.signHandshake(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *GroupState) signHandshake(m *HandshakeMessage) error {
	tbs, err := m.toBeSigned(s.context())
	if err != nil {
		return err
	}
	m.Signature = ed25519.Sign(ed25519.PrivateKey(s.Priv.SigPriv), tbs)
	return nil
}

func (s *GroupState) verifyHandshake(m *HandshakeMessage) error {
	if !bytes.Equal(m.GroupID, s.GroupID) {
		return ErrWrongGroup
	}
	if m.Epoch != s.Epoch {
		return fmt.Errorf("%w: have %d, got %d", ErrWrongEpoch, s.Epoch, m.Epoch)
	}
	sender, err := s.memberAt(m.Sender)
	if err != nil {
		return err
	}
	tbs, err := m.toBeSigned(s.context())
	if err != nil {
		return err
	}
	if !sender.KeyPackage.Credential.verify(tbs, m.Signature) {
		return ErrBadSignature
	}
	return nil
}

// QueueProposal verifies a proposal against the current epoch and queues it
// for the next commit. Proposals never mutate the roster directly.
func (s *GroupState) QueueProposal(m *HandshakeMessage) error {
	if m.Type() != ContentTypeProposal {
		return fmt.Errorf("%w: not a proposal", ErrMalformed)
	}
	if err := s.verifyHandshake(m); err != nil {
		return err
	}
	s.Pending = append(s.Pending, *m)
	return nil
}

///
/// Commit creation and application
///

// Commit batches the queued proposals plus extra into one epoch transition
// and returns the commit message for existing members, a welcome for any
// added members, and the committer's next state. The receiver state s is
// not mutated.
func (s *GroupState) Commit(extra []*HandshakeMessage) (*HandshakeMessage, *Welcome, *GroupState, error) {
	if s.Evicted {
		return nil, nil, nil, ErrSelfRemoved
	}

	var proposals []HandshakeMessage
	proposals = append(proposals, s.Pending...)
	for _, m := range extra {
		proposals = append(proposals, *m)
	}
	if len(proposals) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: nothing to commit", ErrMalformed)
	}

	commit := Commit{}
	for i := range proposals {
		p := &proposals[i]
		if !bytes.Equal(p.GroupID, s.GroupID) {
			return nil, nil, nil, ErrWrongGroup
		}
		if p.Epoch != s.Epoch {
			return nil, nil, nil, fmt.Errorf("%w: proposal for epoch %d, group at %d", ErrStaleProposal, p.Epoch, s.Epoch)
		}
		if p.Type() != ContentTypeProposal {
			return nil, nil, nil, fmt.Errorf("%w: commit of non-proposal", ErrMalformed)
		}
		commit.Proposals = append(commit.Proposals, CommitProposal{Sender: p.Sender, Proposal: *p.Proposal})
	}

	next := s.clone()
	joinerIdx, err := next.apply(commit.Proposals)
	if err != nil {
		return nil, nil, nil, err
	}
	next.Epoch = s.Epoch + 1
	next.Pending = nil
	next.SendGeneration = 0
	next.installUpdatedPrivate(s)

	// Seal the commit secret to every surviving member except the sender and
	// the joiners (they bootstrap from the welcome instead).
	commitSecret := randomBytes(s.Suite.constants().SecretSize)
	aad := next.epochAAD()
	for i, entry := range next.Roster {
		idx := uint32(i)
		if !entry.occupied() || idx == s.Index || joinerIdx[idx] {
			continue
		}
		enc, ct, err := s.Suite.hpkeSeal(entry.KeyPackage.InitKey, aad, commitSecret)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("path secret seal for member %d: %w", idx, err)
		}
		commit.PathSecrets = append(commit.PathSecrets, PathSecretBox{
			Member:     idx,
			KEMOutput:  enc,
			Ciphertext: ct,
		})
	}

	// Advance the transcript and the key schedule.
	tbs, err := commit.transcriptInput()
	if err != nil {
		return nil, nil, nil, err
	}
	next.ConfirmedTranscriptHash = next.advanceTranscript(s.ConfirmedTranscriptHash, s.Index, tbs)
	next.Secrets = s.Secrets.next(commitSecret, next.context())
	commit.Confirmation = next.Secrets.confirmation(next.ConfirmedTranscriptHash)

	// Welcome for the joiners, if any.
	var welcome *Welcome
	if len(joinerIdx) > 0 {
		var joiners []KeyPackage
		for idx := range next.Roster {
			if joinerIdx[uint32(idx)] {
				joiners = append(joiners, next.Roster[idx].KeyPackage)
			}
		}
		welcome, err = newWelcome(next, joiners)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	msg := &HandshakeMessage{
		GroupID: dup(s.GroupID),
		Epoch:   s.Epoch,
		Sender:  s.Index,
		Commit:  &commit,
	}
	if err := s.signHandshake(msg); err != nil {
		return nil, nil, nil, err
	}

	// A commit may remove its own sender. The message and welcome above are
	// still valid for everyone else; the sender's next state is evicted. A
	// joiner may have refilled the sender's slot, so removal is detected from
	// the proposals rather than slot occupancy.
	if removesMember(commit.Proposals, s.Index) {
		next.Evicted = true
		next.Secrets = epochSecrets{Suite: s.Suite}
	}

	return msg, welcome, next, nil
}

// HandleCommit applies a remote commit and returns the next-epoch state.
// The receiver is not mutated; on any error the caller keeps using s.
func (s *GroupState) HandleCommit(m *HandshakeMessage) (*GroupState, error) {
	if m.Type() != ContentTypeCommit {
		return nil, fmt.Errorf("%w: not a commit", ErrMalformed)
	}
	if m.Sender == s.Index {
		return nil, ErrOwnCommit
	}
	if err := s.verifyHandshake(m); err != nil {
		return nil, err
	}

	next := s.clone()
	joinerIdx, err := next.apply(m.Commit.Proposals)
	if err != nil {
		return nil, err
	}
	next.Epoch = s.Epoch + 1
	next.Pending = nil
	next.SendGeneration = 0
	next.installUpdatedPrivate(s)

	tbs, err := m.Commit.transcriptInput()
	if err != nil {
		return nil, err
	}
	next.ConfirmedTranscriptHash = next.advanceTranscript(s.ConfirmedTranscriptHash, m.Sender, tbs)

	// If this commit removed us there is no path secret addressed to our
	// slot: surface the roster change but leave the secrets behind. The slot
	// itself may already hold a joiner admitted by the same commit, so
	// eviction is detected from the removal proposals, not slot occupancy.
	if removesMember(m.Commit.Proposals, s.Index) {
		next.Evicted = true
		next.Secrets = epochSecrets{Suite: s.Suite}
		return next, nil
	}
	if joinerIdx[s.Index] {
		return nil, fmt.Errorf("%w: local slot reassigned", ErrMalformed)
	}

	var box *PathSecretBox
	for i := range m.Commit.PathSecrets {
		if m.Commit.PathSecrets[i].Member == s.Index {
			box = &m.Commit.PathSecrets[i]
			break
		}
	}
	if box == nil {
		return nil, ErrNoPathSecret
	}

	commitSecret, err := s.Suite.hpkeOpen(next.Priv.InitPriv, box.KEMOutput, next.epochAAD(), box.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("path secret decryption: %w", err)
	}

	next.Secrets = s.Secrets.next(commitSecret, next.context())
	if !bytes.Equal(m.Commit.Confirmation, next.Secrets.confirmation(next.ConfirmedTranscriptHash)) {
		return nil, ErrBadConfirmation
	}
	return next, nil
}

// installUpdatedPrivate swaps in the retained private half once the local
// member's own update proposal has landed in the roster.
func (next *GroupState) installUpdatedPrivate(prev *GroupState) {
	next.PendingUpdate = nil
	if prev.PendingUpdate == nil {
		return
	}
	if int(next.Index) >= len(next.Roster) || !next.Roster[next.Index].occupied() {
		return
	}
	if next.Roster[next.Index].KeyPackage.Equals(prev.PendingUpdate.KeyPackage) {
		next.Priv = prev.PendingUpdate.Private
	}
}

func (s *GroupState) advanceTranscript(prev []byte, sender uint32, commitTBS []byte) []byte {
	input := append(dup(prev), commitTBS...)
	input = append(input, byte(sender>>24), byte(sender>>16), byte(sender>>8), byte(sender))
	return s.Suite.digest(input)
}

// removesMember reports whether any proposal in the batch removes the given
// roster index.
func removesMember(proposals []CommitProposal, index uint32) bool {
	for _, cp := range proposals {
		if cp.Proposal.Remove != nil && cp.Proposal.Remove.Removed == index {
			return true
		}
	}
	return false
}

// apply replays a commit's proposals onto the roster: updates first, then
// removes, then adds. Returns the set of roster indices filled by adds.
func (s *GroupState) apply(proposals []CommitProposal) (map[uint32]bool, error) {
	joiners := map[uint32]bool{}

	for _, cp := range proposals {
		if cp.Proposal.Update == nil {
			continue
		}
		entry, err := s.memberAt(cp.Sender)
		if err != nil {
			return nil, err
		}
		up := cp.Proposal.Update.KeyPackage
		if !bytes.Equal(up.Credential.Identity, entry.KeyPackage.Credential.Identity) {
			return nil, fmt.Errorf("%w: update changes identity", ErrMalformed)
		}
		entry.KeyPackage = up
	}

	for _, cp := range proposals {
		if cp.Proposal.Remove == nil {
			continue
		}
		idx := cp.Proposal.Remove.Removed
		if _, err := s.memberAt(idx); err != nil {
			return nil, err
		}
		s.Roster[idx] = RosterEntry{}
	}

	for _, cp := range proposals {
		if cp.Proposal.Add == nil {
			continue
		}
		kp := cp.Proposal.Add.KeyPackage
		if err := kp.Verify(); err != nil {
			return nil, err
		}
		target := -1
		for i, entry := range s.Roster {
			if !entry.occupied() {
				target = i
				break
			}
		}
		if target < 0 {
			target = len(s.Roster)
			s.Roster = append(s.Roster, RosterEntry{})
		}
		s.Roster[target] = RosterEntry{Present: 1, KeyPackage: kp}
		joiners[uint32(target)] = true
	}

	return joiners, nil
}

///
/// Application data protection
///

func applyGuard(nonceIn, guard []byte) []byte {
	nonceOut := dup(nonceIn)
	for i := range guard {
		nonceOut[i] ^= guard[i]
	}
	return nonceOut
}

// Protect encrypts data to the group under the current epoch's application
// keys. It advances the local send generation.
func (s *GroupState) Protect(data []byte) (*AppCiphertext, error) {
	if s.Evicted {
		return nil, ErrSelfRemoved
	}

	sig := ed25519.Sign(ed25519.PrivateKey(s.Priv.SigPriv), append(s.context(), data...))
	content, err := syntax.Marshal(appContent{Data: data, Signature: sig})
	if err != nil {
		return nil, err
	}

	generation := s.SendGeneration
	s.SendGeneration++

	key, nonceBase := s.Secrets.appKeyNonce(s.Index, generation)
	guard := randomBytes(4)

	ct := &AppCiphertext{
		GroupID:    dup(s.GroupID),
		Epoch:      s.Epoch,
		Sender:     s.Index,
		Generation: generation,
		ReuseGuard: guard,
	}
	aad, err := ct.aad()
	if err != nil {
		return nil, err
	}

	aead, err := s.Suite.newAEAD(key)
	if err != nil {
		return nil, err
	}
	ct.Ciphertext = aead.Seal(nil, applyGuard(nonceBase, guard), content, aad)
	return ct, nil
}

// Unprotect decrypts an application frame and verifies the sender's
// signature. Returns the payload and the sender's roster index.
func (s *GroupState) Unprotect(ct *AppCiphertext) ([]byte, uint32, error) {
	if !bytes.Equal(ct.GroupID, s.GroupID) {
		return nil, 0, ErrWrongGroup
	}
	if ct.Epoch != s.Epoch {
		return nil, 0, fmt.Errorf("%w: have %d, got %d", ErrWrongEpoch, s.Epoch, ct.Epoch)
	}
	if s.Evicted {
		return nil, 0, ErrSelfRemoved
	}
	sender, err := s.memberAt(ct.Sender)
	if err != nil {
		return nil, 0, err
	}

	key, nonceBase := s.Secrets.appKeyNonce(ct.Sender, ct.Generation)
	aad, err := ct.aad()
	if err != nil {
		return nil, 0, err
	}
	aead, err := s.Suite.newAEAD(key)
	if err != nil {
		return nil, 0, err
	}
	plain, err := aead.Open(nil, applyGuard(nonceBase, ct.ReuseGuard), ct.Ciphertext, aad)
	if err != nil {
		return nil, 0, fmt.Errorf("content decryption: %w", err)
	}

	var content appContent
	if _, err := syntax.Unmarshal(plain, &content); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !sender.KeyPackage.Credential.verify(append(s.context(), content.Data...), content.Signature) {
		return nil, 0, ErrBadSignature
	}
	return content.Data, ct.Sender, nil
}

// Export derives a labeled secret from the current epoch's exporter branch.
func (s *GroupState) Export(label string, length int) ([]byte, error) {
	if s.Evicted {
		return nil, ErrSelfRemoved
	}
	return s.Secrets.export(label, []byte{}, length), nil
}

///
/// Persistence
///

type stateSnapshot struct {
	Suite                   CipherSuite
	GroupID                 []byte        `tls:"head=1"`
	Epoch                   uint64
	Roster                  []RosterEntry `tls:"head=4"`
	ConfirmedTranscriptHash []byte        `tls:"head=1"`

	Index          uint32
	Evicted        uint8
	Priv           KeyPackagePrivate
	Secrets        epochSecrets
	Pending        []HandshakeMessage `tls:"head=4"`
	PendingUpdate  *OwnedKeyPackage   `tls:"optional"`
	SendGeneration uint32
}

// Snapshot serializes the full state, secrets included, for the storage
// layer. The caller is responsible for protecting the blob at rest.
func (s *GroupState) Snapshot() ([]byte, error) {
	evicted := uint8(0)
	if s.Evicted {
		evicted = 1
	}
	return syntax.Marshal(stateSnapshot{
		Suite:                   s.Suite,
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		Roster:                  s.Roster,
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
		Index:                   s.Index,
		Evicted:                 evicted,
		Priv:                    s.Priv,
		Secrets:                 s.Secrets,
		Pending:                 s.Pending,
		PendingUpdate:           s.PendingUpdate,
		SendGeneration:          s.SendGeneration,
	})
}

func RestoreState(data []byte) (*GroupState, error) {
	var snap stateSnapshot
	read, err := syntax.Unmarshal(data, &snap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if read != len(data) {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	return &GroupState{
		Suite:                   snap.Suite,
		GroupID:                 snap.GroupID,
		Epoch:                   snap.Epoch,
		Roster:                  snap.Roster,
		ConfirmedTranscriptHash: snap.ConfirmedTranscriptHash,
		Index:                   snap.Index,
		Evicted:                 snap.Evicted == 1,
		Priv:                    snap.Priv,
		Secrets:                 snap.Secrets,
		Pending:                 snap.Pending,
		PendingUpdate:           snap.PendingUpdate,
		SendGeneration:          snap.SendGeneration,
	}, nil
}

func (s *GroupState) clone() *GroupState {
	roster := make([]RosterEntry, len(s.Roster))
	copy(roster, s.Roster)
	pending := make([]HandshakeMessage, len(s.Pending))
	copy(pending, s.Pending)
	return &GroupState{
		Suite:                   s.Suite,
		GroupID:                 dup(s.GroupID),
		Epoch:                   s.Epoch,
		Roster:                  roster,
		ConfirmedTranscriptHash: dup(s.ConfirmedTranscriptHash),
		Index:                   s.Index,
		Evicted:                 s.Evicted,
		Priv:                    s.Priv,
		Secrets:                 s.Secrets,
		Pending:                 pending,
		PendingUpdate:           s.PendingUpdate,
		SendGeneration:          s.SendGeneration,
	}
}

// Equals compares the shared, confirmed parts of two states.
func (s *GroupState) Equals(o *GroupState) bool {
	if s.Suite != o.Suite || s.Epoch != o.Epoch {
		return false
	}
	if !bytes.Equal(s.GroupID, o.GroupID) {
		return false
	}
	if !bytes.Equal(s.ConfirmedTranscriptHash, o.ConfirmedTranscriptHash) {
		return false
	}
	if len(s.Roster) != len(o.Roster) {
		return false
	}
	for i := range s.Roster {
		if s.Roster[i].Present != o.Roster[i].Present {
			return false
		}
		if s.Roster[i].occupied() && !s.Roster[i].KeyPackage.Equals(o.Roster[i].KeyPackage) {
			return false
		}
	}
	return true
}
