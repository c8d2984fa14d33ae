package marmot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExportSecretAgreement(t *testing.T) {
	f := setupGroup(t)

	cSecret, err := f.c.ExportSecret(f.groupID)
	require.NoError(t, err)
	aSecret, err := f.a.ExportSecret(f.groupID)
	require.NoError(t, err)

	require.EqualValues(t, 0, cSecret.Epoch)
	require.Equal(t, cSecret.Secret, aSecret.Secret)
	require.Len(t, cSecret.Hex(), 64)
}

func TestExportSecretRotatesWithEpoch(t *testing.T) {
	f := setupGroup(t)

	before, err := f.c.ExportSecret(f.groupID)
	require.NoError(t, err)

	removed, err := f.c.RemoveMembers(f.groupID, []PublicKey{f.bID})
	require.NoError(t, err)
	_, err = f.a.ProcessMessage(removed.CommitMessage)
	require.NoError(t, err)

	after, err := f.c.ExportSecret(f.groupID)
	require.NoError(t, err)
	require.EqualValues(t, 1, after.Epoch)
	require.NotEqual(t, before.Secret, after.Secret)

	// Surviving members agree on the new secret.
	aAfter, err := f.a.ExportSecret(f.groupID)
	require.NoError(t, err)
	require.Equal(t, after.Secret, aAfter.Secret)
}

func TestExportSecretAfterEviction(t *testing.T) {
	f := setupGroup(t)

	removed, err := f.c.RemoveMembers(f.groupID, []PublicKey{f.bID})
	require.NoError(t, err)
	_, err = f.b.ProcessMessage(removed.CommitMessage)
	require.NoError(t, err)

	_, err = f.b.ExportSecret(f.groupID)
	require.ErrorIs(t, err, ErrNotAMember)
}
