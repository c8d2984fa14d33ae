package marmot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPreviewWelcome(t *testing.T) {
	cID, aID := testIdentity(150), testIdentity(151)
	c := newTestSession(t, cID)
	a := newTestSession(t, aID)

	aKP, err := a.CreateKeyPackage(nil)
	require.NoError(t, err)
	result, err := c.CreateGroup(CreateGroupParams{
		Name:              "book club",
		Description:       "monthly",
		MemberPubkeys:     []PublicKey{aID},
		MemberKeyPackages: []string{aKP.Encoded},
		AdminPubkeys:      []PublicKey{cID},
	})
	require.NoError(t, err)

	preview, err := a.PreviewWelcome(result.WelcomeRumor.ID, result.SerializedWelcome)
	require.NoError(t, err)
	require.Equal(t, result.Group.GroupID, preview.GroupID)
	require.Equal(t, result.Group.NostrGroupID, preview.NostrGroupID)
	require.Equal(t, "book club", preview.Name)
	require.Equal(t, "monthly", preview.Description)
	require.ElementsMatch(t, []PublicKey{cID}, preview.Admins)
	require.ElementsMatch(t, []PublicKey{cID, aID}, preview.Members)

	// Preview never materializes state.
	_, err = a.GetGroup(preview.GroupID)
	require.ErrorIs(t, err, ErrGroupNotFound)
	groups, err := a.GetGroups()
	require.NoError(t, err)
	require.Empty(t, groups)
}

func TestJoinIdempotent(t *testing.T) {
	f := setupGroup(t)

	// The fixture already joined once; the same welcome joins again without
	// creating a second record or changing the state.
	again, err := f.a.JoinGroupFromWelcome(f.welcomeID, f.welcome)
	require.NoError(t, err)
	require.Equal(t, f.groupID, again.GroupID)
	require.ElementsMatch(t, []PublicKey{f.cID, f.aID, f.bID}, again.Members)

	groups, err := f.a.GetGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
}

func TestWelcomeNotAddressed(t *testing.T) {
	f := setupGroup(t)

	outsider := newTestSession(t, testIdentity(152))
	_, err := outsider.CreateKeyPackage(nil)
	require.NoError(t, err)

	_, err = outsider.PreviewWelcome(f.welcomeID, f.welcome)
	require.ErrorIs(t, err, ErrWelcomeDecryption)
	_, err = outsider.JoinGroupFromWelcome(f.welcomeID, f.welcome)
	require.ErrorIs(t, err, ErrWelcomeDecryption)
}

func TestMalformedWelcome(t *testing.T) {
	f := setupGroup(t)

	_, err := f.a.PreviewWelcome(f.welcomeID, []byte("not json"))
	require.ErrorIs(t, err, ErrMalformedWelcome)

	_, err = f.a.JoinGroupFromWelcome(f.welcomeID, []byte(`{"mls_welcome":"!!!"}`))
	require.ErrorIs(t, err, ErrMalformedWelcome)
}

func TestJoinRequiresValidWrapperID(t *testing.T) {
	f := setupGroup(t)
	_, err := f.b.JoinGroupFromWelcome("short", f.welcome)
	require.ErrorIs(t, err, ErrInvalidInput)
}
