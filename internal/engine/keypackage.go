package engine

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type SignatureScheme uint16

const (
	SchemeEd25519 SignatureScheme = 0x0807
)

// struct {
//     opaque identity<0..2^16-1>;
//     SignatureScheme algorithm;
//     SignaturePublicKey public_key;
// } Credential;
type Credential struct {
	Identity  []byte `tls:"head=2"`
	Scheme    SignatureScheme
	PublicKey []byte `tls:"head=2"`
}

func (c Credential) verify(message, signature []byte) bool {
	if c.Scheme != SchemeEd25519 || len(c.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(c.PublicKey), message, signature)
}

// KeyPackage binds an identity's signing key to a fresh HPKE init key under
// one ciphersuite. It is the single-use credential a member publishes so that
// others can admit them to a group.
type KeyPackage struct {
	Version     uint8
	CipherSuite CipherSuite
	InitKey     []byte `tls:"head=2"`
	Credential  Credential
	Extensions  ExtensionList
	Signature   []byte `tls:"head=2"`
}

// KeyPackagePrivate carries the secret halves of a key package. It never
// leaves the local store.
type KeyPackagePrivate struct {
	InitPriv []byte `tls:"head=2"`
	SigPriv  []byte `tls:"head=2"`
}

// OwnedKeyPackage pairs a published key package with its retained secrets.
type OwnedKeyPackage struct {
	KeyPackage KeyPackage
	Private    KeyPackagePrivate
}

const keyPackageVersion uint8 = 1

// NewKeyPackage mints a key package for identity with fresh init and signing
// keys and returns it together with its private half.
func NewKeyPackage(suite CipherSuite, identity []byte) (*KeyPackage, *KeyPackagePrivate, error) {
	if !suite.Supported() {
		return nil, nil, ErrUnsupportedSuite
	}

	initPriv, initPub, err := suite.hpkeGenerate()
	if err != nil {
		return nil, nil, fmt.Errorf("init key generation: %w", err)
	}

	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("signing key generation: %w", err)
	}

	kp := &KeyPackage{
		Version:     keyPackageVersion,
		CipherSuite: suite,
		InitKey:     initPub,
		Credential: Credential{
			Identity:  dup(identity),
			Scheme:    SchemeEd25519,
			PublicKey: sigPub,
		},
	}
	err = kp.Extensions.Add(CapabilitiesExtension{
		CipherSuites: []CipherSuite{suite},
		Extensions:   SupportedExtensions,
	})
	if err != nil {
		return nil, nil, err
	}

	tbs, err := kp.toBeSigned()
	if err != nil {
		return nil, nil, err
	}
	kp.Signature = ed25519.Sign(sigPriv, tbs)

	return kp, &KeyPackagePrivate{InitPriv: initPriv, SigPriv: sigPriv}, nil
}

func (kp KeyPackage) toBeSigned() ([]byte, error) {
	tbs := kp
	tbs.Signature = nil
	return syntax.Marshal(tbs)
}

// Verify checks the self-signature, ciphersuite, and extension set.
func (kp *KeyPackage) Verify() error {
	if !kp.CipherSuite.Supported() {
		return fmt.Errorf("%w: %s", ErrUnsupportedSuite, kp.CipherSuite)
	}

	for _, ext := range kp.Extensions.Entries {
		known := false
		for _, st := range SupportedExtensions {
			if ext.ExtensionType == st {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: unsupported extension %04x", ErrInvalidKeyPackage, uint16(ext.ExtensionType))
		}
	}

	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}
	if !kp.Credential.verify(tbs, kp.Signature) {
		return fmt.Errorf("%w: %w", ErrInvalidKeyPackage, ErrBadSignature)
	}
	return nil
}

// Ref returns the stable storage reference for a key package: the digest of
// its encoding.
func (kp *KeyPackage) Ref() []byte {
	data, err := syntax.Marshal(*kp)
	if err != nil {
		panic(fmt.Errorf("engine: key package marshal failed: %v", err))
	}
	return kp.CipherSuite.digest(data)
}

func (kp *KeyPackage) Marshal() ([]byte, error) {
	return syntax.Marshal(*kp)
}

// ParseKeyPackage decodes and verifies an encoded key package. It does not
// touch storage.
func ParseKeyPackage(data []byte) (*KeyPackage, error) {
	var kp KeyPackage
	read, err := syntax.Unmarshal(data, &kp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPackage, err)
	}
	if read != len(data) {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidKeyPackage)
	}
	if err := kp.Verify(); err != nil {
		return nil, err
	}
	return &kp, nil
}

func (kp KeyPackage) Equals(other KeyPackage) bool {
	return kp.CipherSuite == other.CipherSuite &&
		bytes.Equal(kp.InitKey, other.InitKey) &&
		bytes.Equal(kp.Credential.Identity, other.Credential.Identity) &&
		bytes.Equal(kp.Credential.PublicKey, other.Credential.PublicKey)
}
