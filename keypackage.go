package marmot

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	syntax "github.com/cisco/go-tls-syntax"
	"github.com/samber/lo"

	"github.com/parres-hq/marmot/internal/engine"
)

// KeyPackageEvent is a freshly minted key package framed for publication: a
// kind-443 event whose content is the hex encoding, with ciphersuite,
// extension, and relay hint tags.
type KeyPackageEvent struct {
	Event   *UnsignedEvent
	Encoded string
	// Ref is the hex storage reference of the package.
	Ref string
}

// KeyPackageInfo is the validated view of someone else's published key
// package.
type KeyPackageInfo struct {
	PubKey      PublicKey
	CipherSuite engine.CipherSuite
	Extensions  []engine.ExtensionType
	Ref         string
}

// CreateKeyPackage mints a single-use key package for the session identity,
// retains its private half in storage, and returns it framed for
// publication.
func (s *Session) CreateKeyPackage(relays []string) (*KeyPackageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateRelayURLs(relays); err != nil {
		return nil, err
	}

	kp, priv, err := engine.NewKeyPackage(s.Ciphersuite(), s.identityBytes())
	if err != nil {
		return nil, engineErr(err)
	}

	owned := engine.OwnedKeyPackage{KeyPackage: *kp, Private: *priv}
	blob, err := syntax.Marshal(owned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	ref := kp.Ref()
	if err := s.store.SaveKeyPackage(ref, blob); err != nil {
		return nil, storageErr(err)
	}

	encodedBytes, err := kp.Marshal()
	if err != nil {
		return nil, engineErr(err)
	}
	encoded := hex.EncodeToString(encodedBytes)

	tags := []Tag{
		{"mls_protocol_version", "1.0"},
		{"ciphersuite", fmt.Sprintf("0x%04x", uint16(kp.CipherSuite))},
		{"extensions", extensionsTagValue(s.Extensions())},
	}
	for _, relay := range relays {
		tags = append(tags, Tag{"relay", relay})
	}

	ev := &UnsignedEvent{
		PubKey:    s.cfg.Identity,
		CreatedAt: time.Now().Unix(),
		Kind:      KindKeyPackage,
		Tags:      tags,
		Content:   encoded,
	}
	id, err := ev.ComputeID()
	if err != nil {
		return nil, err
	}
	ev.ID = id

	s.log.WithField("ref", hex.EncodeToString(ref)).Debug("key package created")
	return &KeyPackageEvent{
		Event:   ev,
		Encoded: encoded,
		Ref:     hex.EncodeToString(ref),
	}, nil
}

func extensionsTagValue(exts []engine.ExtensionType) string {
	parts := lo.Map(exts, func(et engine.ExtensionType, _ int) string {
		return fmt.Sprintf("0x%04x", uint16(et))
	})
	return strings.Join(parts, ",")
}

// ParseKeyPackage validates an encoded key package without touching
// storage: signature, ciphersuite, and extension support.
func ParseKeyPackage(encoded string) (*KeyPackageInfo, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex-encoded", ErrInvalidKeyPackage)
	}
	kp, err := engine.ParseKeyPackage(raw)
	if err != nil {
		return nil, engineErr(err)
	}

	var exts []engine.ExtensionType
	for _, entry := range kp.Extensions.Entries {
		exts = append(exts, entry.ExtensionType)
	}

	return &KeyPackageInfo{
		PubKey:      pubkeyFromIdentity(kp.Credential.Identity),
		CipherSuite: kp.CipherSuite,
		Extensions:  exts,
		Ref:         hex.EncodeToString(kp.Ref()),
	}, nil
}

// ownedKeyPackages loads every retained own key package. Used when opening
// welcomes addressed to any of them.
func (s *Session) ownedKeyPackages() ([]engine.OwnedKeyPackage, error) {
	blobs, err := s.store.ListKeyPackages()
	if err != nil {
		return nil, storageErr(err)
	}
	owned := make([]engine.OwnedKeyPackage, 0, len(blobs))
	for _, blob := range blobs {
		var okp engine.OwnedKeyPackage
		if _, err := syntax.Unmarshal(blob, &okp); err != nil {
			return nil, storageErr(err)
		}
		owned = append(owned, okp)
	}
	return owned, nil
}
