package marmot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateKeyPackage(t *testing.T) {
	s := newTestSession(t, testIdentity(10))

	kp, err := s.CreateKeyPackage([]string{"wss://relay.example.com"})
	require.NoError(t, err)
	require.Equal(t, KindKeyPackage, kp.Event.Kind)
	require.Equal(t, testIdentity(10), kp.Event.PubKey)
	require.NotEmpty(t, kp.Event.ID)
	require.Equal(t, "wss://relay.example.com", kp.Event.FirstTagValue("relay"))
	require.Equal(t, "0x0001", kp.Event.FirstTagValue("ciphersuite"))

	info, err := ParseKeyPackage(kp.Encoded)
	require.NoError(t, err)
	require.Equal(t, testIdentity(10), info.PubKey)
	require.Equal(t, kp.Ref, info.Ref)
}

func TestCreateKeyPackageBadRelay(t *testing.T) {
	s := newTestSession(t, testIdentity(11))
	_, err := s.CreateKeyPackage([]string{"https://not-a-relay"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestParseKeyPackageRejectsGarbage(t *testing.T) {
	_, err := ParseKeyPackage("not hex")
	require.ErrorIs(t, err, ErrInvalidKeyPackage)

	_, err = ParseKeyPackage("deadbeef")
	require.ErrorIs(t, err, ErrInvalidKeyPackage)
}
