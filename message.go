package marmot

import (
	"encoding/base64"
	"errors"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
	"github.com/samber/lo"

	"github.com/parres-hq/marmot/internal/engine"
)

// wireMessage is the frame riding inside a kind-445 event: exactly one of a
// handshake (proposal or commit) or an encrypted application payload.
type wireMessage struct {
	Handshake   *engine.HandshakeMessage `tls:"optional"`
	Application *engine.AppCiphertext    `tls:"optional"`
}

func encodeHandshakeWire(msg *engine.HandshakeMessage) ([]byte, error) {
	data, err := syntax.Marshal(wireMessage{Handshake: msg})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return data, nil
}

func decodeHandshakeWire(data []byte) (*engine.HandshakeMessage, error) {
	w, err := decodeWire(data)
	if err != nil {
		return nil, err
	}
	if w.Handshake == nil {
		return nil, fmt.Errorf("%w: not a handshake frame", ErrInvalidInput)
	}
	return w.Handshake, nil
}

func decodeWire(data []byte) (*wireMessage, error) {
	var w wireMessage
	read, err := syntax.Unmarshal(data, &w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if read != len(data) {
		return nil, fmt.Errorf("%w: trailing data in wire message", ErrInvalidInput)
	}
	if (w.Handshake == nil) == (w.Application == nil) {
		return nil, fmt.Errorf("%w: wire message must carry exactly one frame", ErrInvalidInput)
	}
	return &w, nil
}

// ProcessedMessageType says which branch of a decrypt result is populated.
type ProcessedMessageType int

const (
	MessageTypeApplication ProcessedMessageType = iota
	MessageTypeProposal
	MessageTypeCommit
)

// MemberChanges is the roster delta a commit produced.
type MemberChanges struct {
	Added   []PublicKey
	Removed []PublicKey
}

// ProcessedMessage is the structured result of decrypting one incoming
// frame: an application payload, a queued proposal, or an applied commit.
// The caller branches on Type; at most one of the optional fields is set.
type ProcessedMessage struct {
	Type    ProcessedMessageType
	GroupID GroupID
	Epoch   uint64
	Sender  PublicKey

	// Set for MessageTypeApplication.
	ApplicationMessage *UnsignedEvent
	// Set for MessageTypeCommit, unless the commit was our own echo.
	MemberChanges *MemberChanges
}

// CreateMessage encrypts a rumor to the group under the current epoch's keys
// and frames it as a kind-445 event. The local identity must be a current
// member.
func (s *Session) CreateMessage(groupID GroupID, rumor *UnsignedEvent) (*UnsignedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rec, st, err := s.loadGroup(groupID)
	if err != nil {
		return nil, err
	}

	if rumor.ID == "" {
		id, err := rumor.ComputeID()
		if err != nil {
			return nil, err
		}
		rumor.ID = id
	}
	payload, err := rumor.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	ct, err := st.Protect(payload)
	if err != nil {
		if errors.Is(err, engine.ErrSelfRemoved) {
			return nil, fmt.Errorf("%w: removed from group", ErrNotAMember)
		}
		return nil, engineErr(err)
	}
	// Protect advances the sender ratchet; the new generation must be
	// durable before the ciphertext leaves the process.
	if err := s.saveGroup(rec, st); err != nil {
		return nil, err
	}

	wire, err := syntax.Marshal(wireMessage{Application: ct})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.groupMessageEvent(rec, wire)
}

// ProcessMessage decrypts and classifies one incoming kind-445 event. A
// frame resolves to exactly one of an application payload, a queued
// proposal, or an applied membership change.
func (s *Session) ProcessMessage(event *UnsignedEvent) (*ProcessedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if event.Kind != KindGroupMessage {
		return nil, fmt.Errorf("%w: kind %d is not a group message", ErrInvalidInput, event.Kind)
	}
	raw, err := base64.StdEncoding.DecodeString(event.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: content is not base64", ErrInvalidInput)
	}
	wire, err := decodeWire(raw)
	if err != nil {
		return nil, err
	}

	if wire.Application != nil {
		return s.processApplicationLocked(wire.Application)
	}
	return s.processHandshakeLocked(wire.Handshake)
}

func (s *Session) processApplicationLocked(ct *engine.AppCiphertext) (*ProcessedMessage, error) {
	_, st, err := s.loadGroup(GroupID(ct.GroupID))
	if err != nil {
		return nil, err
	}

	payload, senderIdx, err := st.Unprotect(ct)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownMember) || errors.Is(err, engine.ErrSelfRemoved) {
			return nil, fmt.Errorf("%w: %v", ErrNotAMember, err)
		}
		return nil, engineErr(err)
	}
	senderID, err := st.MemberIdentityAt(senderIdx)
	if err != nil {
		return nil, engineErr(err)
	}
	rumor, err := ParseUnsignedEvent(payload)
	if err != nil {
		return nil, err
	}

	return &ProcessedMessage{
		Type:               MessageTypeApplication,
		GroupID:            GroupID(ct.GroupID),
		Epoch:              ct.Epoch,
		Sender:             pubkeyFromIdentity(senderID),
		ApplicationMessage: rumor,
	}, nil
}

func (s *Session) processHandshakeLocked(msg *engine.HandshakeMessage) (*ProcessedMessage, error) {
	groupID := GroupID(msg.GroupID)
	rec, st, err := s.loadGroup(groupID)
	if err != nil {
		return nil, err
	}

	senderID, err := st.MemberIdentityAt(msg.Sender)
	if err != nil {
		return nil, engineErr(err)
	}

	switch msg.Type() {
	case engine.ContentTypeProposal:
		if err := st.QueueProposal(msg); err != nil {
			return nil, engineErr(err)
		}
		if err := s.saveGroup(rec, st); err != nil {
			return nil, err
		}
		return &ProcessedMessage{
			Type:    MessageTypeProposal,
			GroupID: groupID,
			Epoch:   msg.Epoch,
			Sender:  pubkeyFromIdentity(senderID),
		}, nil

	case engine.ContentTypeCommit:
		next, err := st.HandleCommit(msg)
		if errors.Is(err, engine.ErrOwnCommit) {
			// Our own commit coming back from the transport: the local
			// state already advanced when it was produced.
			return &ProcessedMessage{
				Type:    MessageTypeCommit,
				GroupID: groupID,
				Epoch:   st.Epoch,
				Sender:  s.cfg.Identity,
			}, nil
		}
		if err != nil {
			return nil, engineErr(err)
		}

		before := lo.Map(st.MemberIdentities(), func(id []byte, _ int) PublicKey {
			return pubkeyFromIdentity(id)
		})
		after := lo.Map(next.MemberIdentities(), func(id []byte, _ int) PublicKey {
			return pubkeyFromIdentity(id)
		})
		changes := &MemberChanges{
			Added:   lo.Without(after, before...),
			Removed: lo.Without(before, after...),
		}

		pruneAdmins(rec, next)
		if err := s.saveGroup(rec, next); err != nil {
			return nil, err
		}

		s.logGroup(groupID).WithField("epoch", next.Epoch).Info("remote commit applied")
		return &ProcessedMessage{
			Type:          MessageTypeCommit,
			GroupID:       groupID,
			Epoch:         next.Epoch,
			Sender:        pubkeyFromIdentity(senderID),
			MemberChanges: changes,
		}, nil
	}

	return nil, fmt.Errorf("%w: unclassifiable handshake frame", ErrInvalidInput)
}
