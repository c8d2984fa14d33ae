package marmot

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/parres-hq/marmot/internal/engine"
	"github.com/parres-hq/marmot/internal/store"
)

// welcomeWrapper is the kind-444 rumor payload: the encrypted welcome plus
// the group metadata a joiner cannot learn from the roster alone.
type welcomeWrapper struct {
	Welcome      string      `json:"mls_welcome"`
	NostrGroupID string      `json:"nostr_group_id"`
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Admins       []PublicKey `json:"admins"`
	Relays       []string    `json:"relays"`
}

// wrapWelcome serializes an engine welcome with the group metadata and also
// frames it as a kind-444 rumor.
func (s *Session) wrapWelcome(rec *groupRecord, welcome *engine.Welcome) ([]byte, *UnsignedEvent, error) {
	encoded, err := welcome.Marshal()
	if err != nil {
		return nil, nil, engineErr(err)
	}
	payload, err := json.Marshal(welcomeWrapper{
		Welcome:      base64.StdEncoding.EncodeToString(encoded),
		NostrGroupID: rec.NostrGroupID,
		Name:         rec.Name,
		Description:  rec.Description,
		Admins:       rec.Admins,
		Relays:       rec.Relays,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	rumor := &UnsignedEvent{
		PubKey:    s.cfg.Identity,
		CreatedAt: time.Now().Unix(),
		Kind:      KindWelcome,
		Tags:      lo.Map(rec.Relays, func(r string, _ int) Tag { return Tag{"relay", r} }),
		Content:   string(payload),
	}
	id, err := rumor.ComputeID()
	if err != nil {
		return nil, nil, err
	}
	rumor.ID = id
	return payload, rumor, nil
}

func parseWelcomeWrapper(payload []byte) (*welcomeWrapper, *engine.Welcome, error) {
	var wrapper welcomeWrapper
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedWelcome, err)
	}
	raw, err := base64.StdEncoding.DecodeString(wrapper.Welcome)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: welcome is not base64", ErrMalformedWelcome)
	}
	welcome, err := engine.ParseWelcome(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedWelcome, err)
	}
	return &wrapper, welcome, nil
}

// openWelcome decrypts the welcome with whichever owned key package it is
// addressed to. Purely in-memory.
func (s *Session) openWelcome(welcome *engine.Welcome) (*engine.GroupState, []byte, error) {
	owned, err := s.ownedKeyPackages()
	if err != nil {
		return nil, nil, err
	}
	st, usedRef, err := engine.JoinFromWelcome(welcome, owned)
	if err != nil {
		if errors.Is(err, engine.ErrMalformed) {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformedWelcome, err)
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrWelcomeDecryption, err)
	}
	return st, usedRef, nil
}

// GroupPreview is what a welcome reveals before joining.
type GroupPreview struct {
	GroupID      GroupID
	NostrGroupID string
	Name         string
	Description  string
	Admins       []PublicKey
	Relays       []string
	Epoch        uint64
	Members      []PublicKey
}

// PreviewWelcome inspects a welcome addressed to this identity without
// creating or mutating any group state.
func (s *Session) PreviewWelcome(wrapperID EventID, payload []byte) (*GroupPreview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	wrapper, welcome, err := parseWelcomeWrapper(payload)
	if err != nil {
		return nil, err
	}
	st, _, err := s.openWelcome(welcome)
	if err != nil {
		return nil, err
	}

	members := lo.Map(st.MemberIdentities(), func(id []byte, _ int) PublicKey {
		return pubkeyFromIdentity(id)
	})
	return &GroupPreview{
		GroupID:      GroupID(st.GroupID),
		NostrGroupID: wrapper.NostrGroupID,
		Name:         wrapper.Name,
		Description:  wrapper.Description,
		Admins:       wrapper.Admins,
		Relays:       wrapper.Relays,
		Epoch:        st.Epoch,
		Members:      members,
	}, nil
}

// JoinGroupFromWelcome admits the local identity into the group a welcome
// describes, persisting a state equivalent to the sender's view at that
// epoch. Processing the same welcome again returns the existing group
// unchanged; it never creates a second record for the same group id.
func (s *Session) JoinGroupFromWelcome(wrapperID EventID, payload []byte) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := ParseEventID(string(wrapperID)); err != nil {
		return nil, err
	}

	wrapper, welcome, err := parseWelcomeWrapper(payload)
	if err != nil {
		return nil, err
	}

	// A wrapper processed before resolves to the group it joined; the same
	// welcome never creates a second record.
	joinedGroupID, err := s.store.WelcomeGroup([]byte(wrapperID))
	if err == nil {
		rec, st, err := s.loadGroup(joinedGroupID)
		if err != nil {
			return nil, err
		}
		return rec.toGroup(st), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, storageErr(err)
	}

	st, usedRef, err := s.openWelcome(welcome)
	if err != nil {
		return nil, err
	}

	// A record for this group id means some earlier welcome (or our own
	// creation) already materialized it; never overwrite with a divergent
	// view.
	if _, err := s.store.LoadGroup(st.GroupID); err == nil {
		return nil, fmt.Errorf("%w: group %s already joined", ErrWelcomeAlreadyProcessed, GroupID(st.GroupID))
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, storageErr(err)
	}

	rec := &groupRecord{
		NostrGroupID: wrapper.NostrGroupID,
		Name:         wrapper.Name,
		Description:  wrapper.Description,
		Admins:       wrapper.Admins,
		Relays:       wrapper.Relays,
	}
	pruneAdmins(rec, st)

	blob, err := encodeRecord(rec, st)
	if err != nil {
		return nil, err
	}
	if err := s.store.CompleteJoin(st.GroupID, blob, usedRef, []byte(wrapperID)); err != nil {
		return nil, storageErr(err)
	}

	s.logGroup(GroupID(st.GroupID)).WithField("epoch", st.Epoch).Info("joined group from welcome")
	return rec.toGroup(st), nil
}
