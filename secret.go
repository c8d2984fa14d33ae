package marmot

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/parres-hq/marmot/internal/engine"
)

// exporterLabel binds exported secrets to this protocol binding.
const exporterLabel = "nostr"

const exportedSecretSize = 32

// ExportedSecret is a labeled secret derived from one group's current epoch
// key schedule. It is recomputed per request and is only meaningful for the
// epoch it names: callers must not cache it across epoch transitions.
type ExportedSecret struct {
	Secret [exportedSecretSize]byte
	Epoch  uint64
}

func (es ExportedSecret) Hex() string {
	return hex.EncodeToString(es.Secret[:])
}

// ExportSecret derives the group's current exporter secret.
func (s *Session) ExportSecret(groupID GroupID) (*ExportedSecret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	_, st, err := s.loadGroup(groupID)
	if err != nil {
		return nil, err
	}
	raw, err := st.Export(exporterLabel, exportedSecretSize)
	if err != nil {
		if errors.Is(err, engine.ErrSelfRemoved) {
			return nil, fmt.Errorf("%w: removed from group", ErrNotAMember)
		}
		return nil, engineErr(err)
	}

	out := &ExportedSecret{Epoch: st.Epoch}
	copy(out.Secret[:], raw)
	return out, nil
}
