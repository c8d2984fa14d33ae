package marmot

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeEventContent(t *testing.T, ev *UnsignedEvent) []byte {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(ev.Content)
	require.NoError(t, err)
	return raw
}

func testRumor(pk PublicKey, content string) *UnsignedEvent {
	return &UnsignedEvent{
		PubKey:    pk,
		CreatedAt: 1700000000,
		Kind:      9,
		Content:   content,
	}
}

func TestMessageRoundTrip(t *testing.T) {
	f := setupGroup(t)

	sent, err := f.c.CreateMessage(f.groupID, testRumor(f.cID, "hello group"))
	require.NoError(t, err)
	require.Equal(t, KindGroupMessage, sent.Kind)
	require.NotEmpty(t, sent.FirstTagValue("h"))

	for _, member := range []*Session{f.a, f.b} {
		got, err := member.ProcessMessage(sent)
		require.NoError(t, err)
		require.Equal(t, MessageTypeApplication, got.Type)
		require.Equal(t, f.groupID, got.GroupID)
		require.Equal(t, f.cID, got.Sender)
		require.Equal(t, "hello group", got.ApplicationMessage.Content)
		require.NotEmpty(t, got.ApplicationMessage.ID)
	}
}

func TestCreateMessageUnknownGroup(t *testing.T) {
	f := setupGroup(t)
	_, err := f.c.CreateMessage(newGroupID(), testRumor(f.cID, "hi"))
	require.ErrorIs(t, err, ErrGroupNotFound)
}

func TestProcessMessageUnknownGroup(t *testing.T) {
	f := setupGroup(t)

	sent, err := f.c.CreateMessage(f.groupID, testRumor(f.cID, "hi"))
	require.NoError(t, err)

	outsider := newTestSession(t, testIdentity(140))
	_, err = outsider.ProcessMessage(sent)
	require.ErrorIs(t, err, ErrGroupNotFound)
}

func TestProcessMessageRejectsGarbage(t *testing.T) {
	f := setupGroup(t)

	_, err := f.c.ProcessMessage(&UnsignedEvent{Kind: 1, Content: "x"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.c.ProcessMessage(&UnsignedEvent{Kind: KindGroupMessage, Content: "not base64!!"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.c.ProcessMessage(&UnsignedEvent{
		Kind:    KindGroupMessage,
		Content: base64.StdEncoding.EncodeToString([]byte("junk frame")),
	})
	require.ErrorIs(t, err, ErrInvalidInput)
}

// The end-to-end removal scenario: C creates {C, A, B}, removes B, and the
// survivors keep talking while B's stale traffic is rejected.
func TestRemovalScenario(t *testing.T) {
	f := setupGroup(t)

	// B speaks at epoch 0 but the message is delivered late.
	lateMessage, err := f.b.CreateMessage(f.groupID, testRumor(f.bID, "wait for me"))
	require.NoError(t, err)

	removed, err := f.c.RemoveMembers(f.groupID, []PublicKey{f.bID})
	require.NoError(t, err)
	require.EqualValues(t, 1, removed.Group.Epoch)
	require.ElementsMatch(t, []PublicKey{f.cID, f.aID}, removed.Group.Members)

	members, err := f.c.GetMembers(f.groupID)
	require.NoError(t, err)
	require.ElementsMatch(t, []PublicKey{f.cID, f.aID}, members)

	// A applies the removal.
	applied, err := f.a.ProcessMessage(removed.CommitMessage)
	require.NoError(t, err)
	require.Equal(t, MessageTypeCommit, applied.Type)
	require.EqualValues(t, 1, applied.Epoch)
	require.Empty(t, applied.MemberChanges.Added)
	require.ElementsMatch(t, []PublicKey{f.bID}, applied.MemberChanges.Removed)

	// B's epoch-0 message arrives after the transition.
	_, err = f.a.ProcessMessage(lateMessage)
	require.ErrorIs(t, err, ErrEpochMismatch)

	// B learns of its own removal and can no longer participate.
	evicted, err := f.b.ProcessMessage(removed.CommitMessage)
	require.NoError(t, err)
	require.ElementsMatch(t, []PublicKey{f.bID}, evicted.MemberChanges.Removed)
	_, err = f.b.CreateMessage(f.groupID, testRumor(f.bID, "hello?"))
	require.ErrorIs(t, err, ErrNotAMember)

	// Epoch-1 traffic flows between the survivors.
	sent, err := f.a.CreateMessage(f.groupID, testRumor(f.aID, "onward"))
	require.NoError(t, err)
	got, err := f.c.ProcessMessage(sent)
	require.NoError(t, err)
	require.Equal(t, "onward", got.ApplicationMessage.Content)
	require.Equal(t, f.aID, got.Sender)

	// The removed member cannot read epoch-1 traffic either.
	_, err = f.b.ProcessMessage(sent)
	require.ErrorIs(t, err, ErrNotAMember)
}

func TestOwnCommitEcho(t *testing.T) {
	f := setupGroup(t)

	removed, err := f.c.RemoveMembers(f.groupID, []PublicKey{f.bID})
	require.NoError(t, err)

	// C's own commit event relayed back: already applied, no changes.
	echo, err := f.c.ProcessMessage(removed.CommitMessage)
	require.NoError(t, err)
	require.Equal(t, MessageTypeCommit, echo.Type)
	require.Nil(t, echo.MemberChanges)

	group, err := f.c.GetGroup(f.groupID)
	require.NoError(t, err)
	require.EqualValues(t, 1, group.Epoch)
}

func TestAddMembersThenConverse(t *testing.T) {
	f := setupGroup(t)
	d := newTestSession(t, testIdentity(104))
	dKP, err := d.CreateKeyPackage(nil)
	require.NoError(t, err)

	add, err := f.c.AddMembers(f.groupID, []string{dKP.Encoded})
	require.NoError(t, err)
	require.NotNil(t, add.WelcomeRumor)
	require.Contains(t, add.Group.Members, testIdentity(104))

	// Existing members apply the commit; the new member joins via welcome.
	applied, err := f.a.ProcessMessage(add.CommitMessage)
	require.NoError(t, err)
	require.ElementsMatch(t, []PublicKey{testIdentity(104)}, applied.MemberChanges.Added)

	dGroup, err := d.JoinGroupFromWelcome(add.WelcomeRumor.ID, add.SerializedWelcome)
	require.NoError(t, err)
	require.EqualValues(t, 1, dGroup.Epoch)

	sent, err := d.CreateMessage(f.groupID, testRumor(testIdentity(104), "new here"))
	require.NoError(t, err)
	got, err := f.a.ProcessMessage(sent)
	require.NoError(t, err)
	require.Equal(t, "new here", got.ApplicationMessage.Content)
}
