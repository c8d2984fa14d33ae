package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testGroupID = []byte{0x0a, 0x0b, 0x0c, 0x0d}
	testSuite   = X25519_SHA256_AES128GCM
	testMessage = []byte("the eagle flies at midnight")
)

func makeMember(t *testing.T, identity string) OwnedKeyPackage {
	t.Helper()
	kp, priv, err := NewKeyPackage(testSuite, []byte(identity))
	require.NoError(t, err)
	return OwnedKeyPackage{KeyPackage: *kp, Private: *priv}
}

// makeGroup builds a three-member group and returns creator, joiner A, and
// joiner B states, in that roster order.
func makeGroup(t *testing.T) (*GroupState, *GroupState, *GroupState) {
	t.Helper()
	creator := makeMember(t, "creator")
	a := makeMember(t, "alice")
	b := makeMember(t, "bob")

	cState, welcome, err := NewGroup(testSuite, testGroupID, creator, []KeyPackage{a.KeyPackage, b.KeyPackage})
	require.NoError(t, err)
	require.NotNil(t, welcome)

	aState, aRef, err := JoinFromWelcome(welcome, []OwnedKeyPackage{a})
	require.NoError(t, err)
	require.Equal(t, a.KeyPackage.Ref(), aRef)

	bState, _, err := JoinFromWelcome(welcome, []OwnedKeyPackage{b})
	require.NoError(t, err)

	return cState, aState, bState
}

func TestNewGroupAndJoin(t *testing.T) {
	cState, aState, bState := makeGroup(t)

	require.EqualValues(t, 0, cState.Epoch)
	require.True(t, cState.Equals(aState))
	require.True(t, cState.Equals(bState))
	require.EqualValues(t, 0, cState.Index)
	require.EqualValues(t, 1, aState.Index)
	require.EqualValues(t, 2, bState.Index)
	require.Len(t, cState.MemberIdentities(), 3)
}

func TestJoinNotAddressed(t *testing.T) {
	creator := makeMember(t, "creator")
	a := makeMember(t, "alice")
	outsider := makeMember(t, "mallory")

	_, welcome, err := NewGroup(testSuite, testGroupID, creator, []KeyPackage{a.KeyPackage})
	require.NoError(t, err)

	_, _, err = JoinFromWelcome(welcome, []OwnedKeyPackage{outsider})
	require.ErrorIs(t, err, ErrWelcomeNotForUs)
}

func TestProtectUnprotect(t *testing.T) {
	cState, aState, bState := makeGroup(t)

	ct, err := cState.Protect(testMessage)
	require.NoError(t, err)

	for _, member := range []*GroupState{aState, bState} {
		pt, sender, err := member.Unprotect(ct)
		require.NoError(t, err)
		require.Equal(t, testMessage, pt)
		require.EqualValues(t, 0, sender)
	}

	// Successive messages advance the sender generation.
	ct2, err := cState.Protect(testMessage)
	require.NoError(t, err)
	require.EqualValues(t, 1, ct2.Generation)
	pt, _, err := aState.Unprotect(ct2)
	require.NoError(t, err)
	require.Equal(t, testMessage, pt)
}

func TestUnprotectWrongGroup(t *testing.T) {
	cState, aState, _ := makeGroup(t)

	ct, err := cState.Protect(testMessage)
	require.NoError(t, err)
	ct.GroupID = []byte{0xff}

	_, _, err = aState.Unprotect(ct)
	require.ErrorIs(t, err, ErrWrongGroup)
}

func TestCommitRemove(t *testing.T) {
	cState, aState, bState := makeGroup(t)

	// B protects a message before being removed.
	oldCT, err := bState.Protect(testMessage)
	require.NoError(t, err)

	prop, err := cState.ProposeRemove(bState.Index)
	require.NoError(t, err)
	msg, welcome, cNext, err := cState.Commit([]*HandshakeMessage{prop})
	require.NoError(t, err)
	require.Nil(t, welcome)
	require.EqualValues(t, 1, cNext.Epoch)
	require.Len(t, cNext.MemberIdentities(), 2)

	aNext, err := aState.HandleCommit(msg)
	require.NoError(t, err)
	require.True(t, cNext.Equals(aNext))

	// B observes its own removal.
	bNext, err := bState.HandleCommit(msg)
	require.NoError(t, err)
	require.True(t, bNext.Evicted)
	_, err = bNext.Protect(testMessage)
	require.ErrorIs(t, err, ErrSelfRemoved)

	// B's pre-removal message is from a superseded epoch.
	_, _, err = aNext.Unprotect(oldCT)
	require.ErrorIs(t, err, ErrWrongEpoch)

	// Surviving members still converse.
	ct, err := aNext.Protect(testMessage)
	require.NoError(t, err)
	pt, sender, err := cNext.Unprotect(ct)
	require.NoError(t, err)
	require.Equal(t, testMessage, pt)
	require.Equal(t, aNext.Index, sender)
}

func TestCommitAdd(t *testing.T) {
	cState, aState, _ := makeGroup(t)
	dave := makeMember(t, "dave")

	prop, err := cState.ProposeAdd(dave.KeyPackage)
	require.NoError(t, err)
	msg, welcome, cNext, err := cState.Commit([]*HandshakeMessage{prop})
	require.NoError(t, err)
	require.NotNil(t, welcome)
	require.EqualValues(t, 1, cNext.Epoch)
	require.Len(t, cNext.MemberIdentities(), 4)

	aNext, err := aState.HandleCommit(msg)
	require.NoError(t, err)
	require.True(t, cNext.Equals(aNext))

	dState, _, err := JoinFromWelcome(welcome, []OwnedKeyPackage{dave})
	require.NoError(t, err)
	require.True(t, cNext.Equals(dState))

	ct, err := dState.Protect(testMessage)
	require.NoError(t, err)
	pt, _, err := aNext.Unprotect(ct)
	require.NoError(t, err)
	require.Equal(t, testMessage, pt)
}

func TestAddFillsRemovedSlot(t *testing.T) {
	cState, _, bState := makeGroup(t)
	dave := makeMember(t, "dave")

	remove, err := cState.ProposeRemove(bState.Index)
	require.NoError(t, err)
	_, _, cNext, err := cState.Commit([]*HandshakeMessage{remove})
	require.NoError(t, err)

	add, err := cNext.ProposeAdd(dave.KeyPackage)
	require.NoError(t, err)
	_, _, cFinal, err := cNext.Commit([]*HandshakeMessage{add})
	require.NoError(t, err)

	idx, ok := cFinal.FindMember([]byte("dave"))
	require.True(t, ok)
	require.Equal(t, bState.Index, idx)
}

func TestCommitRemoveAndAddEvicts(t *testing.T) {
	cState, aState, bState := makeGroup(t)
	dave := makeMember(t, "dave")

	remove, err := cState.ProposeRemove(bState.Index)
	require.NoError(t, err)
	add, err := cState.ProposeAdd(dave.KeyPackage)
	require.NoError(t, err)

	msg, welcome, cNext, err := cState.Commit([]*HandshakeMessage{remove, add})
	require.NoError(t, err)
	require.NotNil(t, welcome)

	// The joiner refills the removed member's slot.
	idx, ok := cNext.FindMember([]byte("dave"))
	require.True(t, ok)
	require.Equal(t, bState.Index, idx)

	// The removed member still observes its own eviction even though its old
	// slot is occupied again.
	bNext, err := bState.HandleCommit(msg)
	require.NoError(t, err)
	require.True(t, bNext.Evicted)
	_, err = bNext.Protect(testMessage)
	require.ErrorIs(t, err, ErrSelfRemoved)

	aNext, err := aState.HandleCommit(msg)
	require.NoError(t, err)
	require.True(t, cNext.Equals(aNext))
}

func TestCommitSelfRemoveWithAdd(t *testing.T) {
	cState, aState, _ := makeGroup(t)
	dave := makeMember(t, "dave")

	remove, err := cState.ProposeRemove(cState.Index)
	require.NoError(t, err)
	add, err := cState.ProposeAdd(dave.KeyPackage)
	require.NoError(t, err)

	msg, welcome, cNext, err := cState.Commit([]*HandshakeMessage{remove, add})
	require.NoError(t, err)
	require.NotNil(t, welcome)
	require.True(t, cNext.Evicted)
	_, err = cNext.Protect(testMessage)
	require.ErrorIs(t, err, ErrSelfRemoved)

	aNext, err := aState.HandleCommit(msg)
	require.NoError(t, err)
	require.Len(t, aNext.MemberIdentities(), 3)
	_, ok := aNext.FindMember([]byte("creator"))
	require.False(t, ok)
}

func TestStaleProposal(t *testing.T) {
	cState, aState, bState := makeGroup(t)

	// Proposal minted against epoch 0.
	stale, err := cState.ProposeRemove(aState.Index)
	require.NoError(t, err)

	// The group moves on without it.
	other, err := cState.ProposeRemove(bState.Index)
	require.NoError(t, err)
	_, _, cNext, err := cState.Commit([]*HandshakeMessage{other})
	require.NoError(t, err)

	_, _, _, err = cNext.Commit([]*HandshakeMessage{stale})
	require.ErrorIs(t, err, ErrStaleProposal)
}

func TestQueuedProposalCommit(t *testing.T) {
	cState, aState, bState := makeGroup(t)

	// A proposes removing B; C queues it and commits later.
	prop, err := aState.ProposeRemove(bState.Index)
	require.NoError(t, err)
	require.NoError(t, cState.QueueProposal(prop))

	msg, _, cNext, err := cState.Commit(nil)
	require.NoError(t, err)
	require.Len(t, cNext.MemberIdentities(), 2)

	aNext, err := aState.HandleCommit(msg)
	require.NoError(t, err)
	require.True(t, cNext.Equals(aNext))
}

func TestUpdateRotatesKeys(t *testing.T) {
	cState, aState, bState := makeGroup(t)

	fresh := makeMember(t, "alice")
	prop, err := aState.ProposeUpdate(fresh)
	require.NoError(t, err)

	msg, _, aNext, err := aState.Commit([]*HandshakeMessage{prop})
	require.NoError(t, err)
	require.Equal(t, fresh.Private.InitPriv, aNext.Priv.InitPriv)

	cNext, err := cState.HandleCommit(msg)
	require.NoError(t, err)
	bNext, err := bState.HandleCommit(msg)
	require.NoError(t, err)
	require.True(t, aNext.Equals(cNext))

	// The rotated member can still participate in the next epoch.
	prop2, err := cNext.ProposeRemove(bNext.Index)
	require.NoError(t, err)
	msg2, _, cFinal, err := cNext.Commit([]*HandshakeMessage{prop2})
	require.NoError(t, err)
	aFinal, err := aNext.HandleCommit(msg2)
	require.NoError(t, err)
	require.True(t, cFinal.Equals(aFinal))
}

func TestHandleCommitRejectsOwn(t *testing.T) {
	cState, aState, _ := makeGroup(t)

	prop, err := cState.ProposeRemove(aState.Index)
	require.NoError(t, err)
	msg, _, _, err := cState.Commit([]*HandshakeMessage{prop})
	require.NoError(t, err)

	_, err = cState.HandleCommit(msg)
	require.ErrorIs(t, err, ErrOwnCommit)
}

func TestCommitTamperedSignature(t *testing.T) {
	cState, aState, bState := makeGroup(t)

	prop, err := cState.ProposeRemove(bState.Index)
	require.NoError(t, err)
	msg, _, _, err := cState.Commit([]*HandshakeMessage{prop})
	require.NoError(t, err)

	msg.Signature[0] ^= 0xff
	_, err = aState.HandleCommit(msg)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestExportConsistency(t *testing.T) {
	cState, aState, bState := makeGroup(t)

	cSecret, err := cState.Export("nostr", 32)
	require.NoError(t, err)
	aSecret, err := aState.Export("nostr", 32)
	require.NoError(t, err)
	require.Equal(t, cSecret, aSecret)

	other, err := cState.Export("other", 32)
	require.NoError(t, err)
	require.NotEqual(t, cSecret, other)

	// A new epoch yields a new secret.
	prop, err := cState.ProposeRemove(bState.Index)
	require.NoError(t, err)
	msg, _, cNext, err := cState.Commit([]*HandshakeMessage{prop})
	require.NoError(t, err)
	aNext, err := aState.HandleCommit(msg)
	require.NoError(t, err)

	cSecret1, err := cNext.Export("nostr", 32)
	require.NoError(t, err)
	aSecret1, err := aNext.Export("nostr", 32)
	require.NoError(t, err)
	require.Equal(t, cSecret1, aSecret1)
	require.NotEqual(t, cSecret, cSecret1)
}

func TestSnapshotRestore(t *testing.T) {
	cState, aState, _ := makeGroup(t)

	snap, err := aState.Snapshot()
	require.NoError(t, err)
	restored, err := RestoreState(snap)
	require.NoError(t, err)
	require.True(t, aState.Equals(restored))
	require.Equal(t, aState.Index, restored.Index)

	// The restored state is fully operational.
	ct, err := restored.Protect(testMessage)
	require.NoError(t, err)
	pt, _, err := cState.Unprotect(ct)
	require.NoError(t, err)
	require.Equal(t, testMessage, pt)
}

func TestHandshakeMessageRoundTrip(t *testing.T) {
	cState, aState, _ := makeGroup(t)

	prop, err := cState.ProposeRemove(aState.Index)
	require.NoError(t, err)
	data, err := prop.Marshal()
	require.NoError(t, err)
	parsed, err := ParseHandshakeMessage(data)
	require.NoError(t, err)
	require.Equal(t, ContentTypeProposal, parsed.Type())
	require.Equal(t, prop.Epoch, parsed.Epoch)

	require.NoError(t, aState.QueueProposal(parsed))
}
