package engine

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

// GroupInfo is the shared state a joiner needs to reconstruct the group:
// roster, transcript, and the committer's confirmation over both. It travels
// AEAD-encrypted inside a Welcome under a key derived from the epoch secret.
type GroupInfo struct {
	GroupID                 []byte        `tls:"head=1"`
	Epoch                   uint64
	Roster                  []RosterEntry `tls:"head=4"`
	ConfirmedTranscriptHash []byte        `tls:"head=1"`
	Confirmation            []byte        `tls:"head=1"`
	SignerIndex             uint32
	Signature               []byte        `tls:"head=2"`
}

func (gi GroupInfo) toBeSigned() ([]byte, error) {
	tbs := gi
	tbs.Signature = nil
	return syntax.Marshal(tbs)
}

// EncryptedJoinerSecret is the epoch secret HPKE-sealed to one joiner's init
// key, addressed by the hash of their key package.
type EncryptedJoinerSecret struct {
	KeyPackageRef []byte `tls:"head=1"`
	KEMOutput     []byte `tls:"head=2"`
	Ciphertext    []byte `tls:"head=4"`
}

// Welcome carries everything a listed joiner needs to enter the group at its
// current epoch. Only a holder of one of the addressed init keys can open it.
type Welcome struct {
	Version            uint8
	CipherSuite        CipherSuite
	JoinerSecrets      []EncryptedJoinerSecret `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`
}

func (w *Welcome) Marshal() ([]byte, error) {
	return syntax.Marshal(*w)
}

func ParseWelcome(data []byte) (*Welcome, error) {
	var w Welcome
	read, err := syntax.Unmarshal(data, &w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if read != len(data) {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	return &w, nil
}

func (cs CipherSuite) welcomeKeyNonce(epochSecret []byte) (key, nonce []byte) {
	consts := cs.constants()
	key = cs.expandWithLabel(epochSecret, "welcome key", []byte{}, consts.KeySize)
	nonce = cs.expandWithLabel(epochSecret, "welcome nonce", []byte{}, consts.NonceSize)
	return key, nonce
}

// newWelcome builds a welcome for joiners from the state established at s's
// epoch. Called by the group creator at epoch 0 and by committers that add
// members.
func newWelcome(s *GroupState, joiners []KeyPackage) (*Welcome, error) {
	gi := GroupInfo{
		GroupID:                 dup(s.GroupID),
		Epoch:                   s.Epoch,
		Roster:                  s.Roster,
		ConfirmedTranscriptHash: dup(s.ConfirmedTranscriptHash),
		Confirmation:            s.Secrets.confirmation(s.ConfirmedTranscriptHash),
		SignerIndex:             s.Index,
	}
	tbs, err := gi.toBeSigned()
	if err != nil {
		return nil, err
	}
	gi.Signature = ed25519.Sign(ed25519.PrivateKey(s.Priv.SigPriv), tbs)

	giData, err := syntax.Marshal(gi)
	if err != nil {
		return nil, err
	}

	key, nonce := s.Suite.welcomeKeyNonce(s.Secrets.EpochSecret)
	aead, err := s.Suite.newAEAD(key)
	if err != nil {
		return nil, err
	}

	w := &Welcome{
		Version:            keyPackageVersion,
		CipherSuite:        s.Suite,
		EncryptedGroupInfo: aead.Seal(nil, nonce, giData, nil),
	}
	for i := range joiners {
		kp := &joiners[i]
		enc, ct, err := s.Suite.hpkeSeal(kp.InitKey, nil, s.Secrets.EpochSecret)
		if err != nil {
			return nil, fmt.Errorf("joiner secret seal: %w", err)
		}
		w.JoinerSecrets = append(w.JoinerSecrets, EncryptedJoinerSecret{
			KeyPackageRef: kp.Ref(),
			KEMOutput:     enc,
			Ciphertext:    ct,
		})
	}
	return w, nil
}

// JoinFromWelcome opens a welcome with whichever of the owned key packages it
// is addressed to and reconstructs the group state at the welcome's epoch.
// Returns the state and the ref of the key package that was consumed.
func JoinFromWelcome(w *Welcome, owned []OwnedKeyPackage) (*GroupState, []byte, error) {
	if !w.CipherSuite.Supported() {
		return nil, nil, ErrUnsupportedSuite
	}

	var epochSecret, usedRef []byte
	var priv KeyPackagePrivate
	var ownKP KeyPackage
	for i := range owned {
		ref := owned[i].KeyPackage.Ref()
		for j := range w.JoinerSecrets {
			js := &w.JoinerSecrets[j]
			if !bytes.Equal(js.KeyPackageRef, ref) {
				continue
			}
			secret, err := w.CipherSuite.hpkeOpen(owned[i].Private.InitPriv, js.KEMOutput, nil, js.Ciphertext)
			if err != nil {
				return nil, nil, fmt.Errorf("joiner secret decryption: %w", err)
			}
			epochSecret = secret
			usedRef = ref
			priv = owned[i].Private
			ownKP = owned[i].KeyPackage
			break
		}
		if epochSecret != nil {
			break
		}
	}
	if epochSecret == nil {
		return nil, nil, ErrWelcomeNotForUs
	}

	key, nonce := w.CipherSuite.welcomeKeyNonce(epochSecret)
	aead, err := w.CipherSuite.newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	giData, err := aead.Open(nil, nonce, w.EncryptedGroupInfo, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("group info decryption: %w", err)
	}

	var gi GroupInfo
	read, err := syntax.Unmarshal(giData, &gi)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if read != len(giData) {
		return nil, nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}

	s := &GroupState{
		Suite:                   w.CipherSuite,
		GroupID:                 gi.GroupID,
		Epoch:                   gi.Epoch,
		Roster:                  gi.Roster,
		ConfirmedTranscriptHash: gi.ConfirmedTranscriptHash,
		Priv:                    priv,
	}

	found := false
	for i, entry := range s.Roster {
		if entry.occupied() && entry.KeyPackage.Equals(ownKP) {
			s.Index = uint32(i)
			found = true
			break
		}
	}
	if !found {
		return nil, nil, fmt.Errorf("%w: joiner absent from roster", ErrMalformed)
	}

	signerEntry, err := s.memberAt(gi.SignerIndex)
	if err != nil {
		return nil, nil, err
	}
	tbs, err := gi.toBeSigned()
	if err != nil {
		return nil, nil, err
	}
	if !signerEntry.KeyPackage.Credential.verify(tbs, gi.Signature) {
		return nil, nil, ErrBadSignature
	}

	s.Secrets = newEpochSecrets(w.CipherSuite, epochSecret, s.context())
	if !bytes.Equal(gi.Confirmation, s.Secrets.confirmation(s.ConfirmedTranscriptHash)) {
		return nil, nil, ErrBadConfirmation
	}
	return s, usedRef, nil
}
