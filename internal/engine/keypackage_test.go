package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyPackageRoundTrip(t *testing.T) {
	kp, priv, err := NewKeyPackage(testSuite, []byte("alice"))
	require.NoError(t, err)
	require.NotEmpty(t, priv.InitPriv)
	require.NotEmpty(t, priv.SigPriv)
	require.NoError(t, kp.Verify())

	data, err := kp.Marshal()
	require.NoError(t, err)
	parsed, err := ParseKeyPackage(data)
	require.NoError(t, err)
	require.True(t, kp.Equals(*parsed))
	require.Equal(t, kp.Ref(), parsed.Ref())
}

func TestKeyPackageTamperedSignature(t *testing.T) {
	kp, _, err := NewKeyPackage(testSuite, []byte("alice"))
	require.NoError(t, err)

	kp.Signature[0] ^= 0xff
	require.ErrorIs(t, kp.Verify(), ErrInvalidKeyPackage)
}

func TestKeyPackageTamperedIdentity(t *testing.T) {
	kp, _, err := NewKeyPackage(testSuite, []byte("alice"))
	require.NoError(t, err)

	kp.Credential.Identity = []byte("mallory")
	data, err := kp.Marshal()
	require.NoError(t, err)
	_, err = ParseKeyPackage(data)
	require.ErrorIs(t, err, ErrInvalidKeyPackage)
}

func TestKeyPackageUnsupportedSuite(t *testing.T) {
	_, _, err := NewKeyPackage(CipherSuite(0x9999), []byte("alice"))
	require.ErrorIs(t, err, ErrUnsupportedSuite)
}

func TestKeyPackageTrailingData(t *testing.T) {
	kp, _, err := NewKeyPackage(testSuite, []byte("alice"))
	require.NoError(t, err)
	data, err := kp.Marshal()
	require.NoError(t, err)

	_, err = ParseKeyPackage(append(data, 0x00))
	require.ErrorIs(t, err, ErrInvalidKeyPackage)
}

func TestKeyPackageRefsDiffer(t *testing.T) {
	kp1, _, err := NewKeyPackage(testSuite, []byte("alice"))
	require.NoError(t, err)
	kp2, _, err := NewKeyPackage(testSuite, []byte("alice"))
	require.NoError(t, err)
	require.NotEqual(t, kp1.Ref(), kp2.Ref())
}
