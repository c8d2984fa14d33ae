package engine

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type ProposalType uint8

const (
	ProposalTypeInvalid ProposalType = 0
	ProposalTypeAdd     ProposalType = 1
	ProposalTypeRemove  ProposalType = 2
	ProposalTypeUpdate  ProposalType = 3
)

type AddProposal struct {
	KeyPackage KeyPackage
}

type RemoveProposal struct {
	Removed uint32
}

type UpdateProposal struct {
	KeyPackage KeyPackage
}

type Proposal struct {
	Add    *AddProposal    `tls:"optional"`
	Remove *RemoveProposal `tls:"optional"`
	Update *UpdateProposal `tls:"optional"`
}

func (p Proposal) Type() ProposalType {
	switch {
	case p.Add != nil:
		return ProposalTypeAdd
	case p.Remove != nil:
		return ProposalTypeRemove
	case p.Update != nil:
		return ProposalTypeUpdate
	}
	return ProposalTypeInvalid
}

// PathSecretBox carries the commit secret HPKE-sealed to one surviving
// member's init key. Members absent from the list (the removed) cannot derive
// the next epoch.
type PathSecretBox struct {
	Member     uint32
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

// CommitProposal pairs a proposal with its original proposer so that every
// member applies sender-relative proposals (updates) identically, no matter
// who committed the batch.
type CommitProposal struct {
	Sender   uint32
	Proposal Proposal
}

type Commit struct {
	Proposals    []CommitProposal `tls:"head=4"`
	PathSecrets  []PathSecretBox  `tls:"head=4"`
	Confirmation []byte           `tls:"head=1"`
}

// commitTBS is the transcript-relevant portion of a commit: everything except
// the confirmation tag, which is computed over the transcript itself.
type commitTBS struct {
	Proposals   []CommitProposal `tls:"head=4"`
	PathSecrets []PathSecretBox  `tls:"head=4"`
}

func (c Commit) transcriptInput() ([]byte, error) {
	return syntax.Marshal(commitTBS{Proposals: c.Proposals, PathSecrets: c.PathSecrets})
}

type ContentType uint8

const (
	ContentTypeInvalid     ContentType = 0
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

// HandshakeMessage is the signed plaintext frame for proposals and commits,
// the analog of an application ciphertext for membership traffic.
type HandshakeMessage struct {
	GroupID   []byte `tls:"head=1"`
	Epoch     uint64
	Sender    uint32
	Proposal  *Proposal `tls:"optional"`
	Commit    *Commit   `tls:"optional"`
	Signature []byte    `tls:"head=2"`
}

func (m HandshakeMessage) Type() ContentType {
	switch {
	case m.Proposal != nil:
		return ContentTypeProposal
	case m.Commit != nil:
		return ContentTypeCommit
	}
	return ContentTypeInvalid
}

func (m HandshakeMessage) toBeSigned(context []byte) ([]byte, error) {
	tbs := m
	tbs.Signature = nil
	data, err := syntax.Marshal(tbs)
	if err != nil {
		return nil, err
	}
	return append(dup(context), data...), nil
}

func (m *HandshakeMessage) Marshal() ([]byte, error) {
	return syntax.Marshal(*m)
}

func ParseHandshakeMessage(data []byte) (*HandshakeMessage, error) {
	var m HandshakeMessage
	read, err := syntax.Unmarshal(data, &m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if read != len(data) {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	if m.Type() == ContentTypeInvalid {
		return nil, fmt.Errorf("%w: empty handshake content", ErrMalformed)
	}
	return &m, nil
}

// AppCiphertext is the wire frame for an encrypted application payload. The
// reuse guard is XORed into the derived nonce so that one generation never
// reuses a nonce across retransmits.
type AppCiphertext struct {
	GroupID    []byte `tls:"head=1"`
	Epoch      uint64
	Sender     uint32
	Generation uint32
	ReuseGuard []byte `tls:"head=1"`
	Ciphertext []byte `tls:"head=4"`
}

func (ct *AppCiphertext) Marshal() ([]byte, error) {
	return syntax.Marshal(*ct)
}

func ParseAppCiphertext(data []byte) (*AppCiphertext, error) {
	var ct AppCiphertext
	read, err := syntax.Unmarshal(data, &ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if read != len(data) {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	return &ct, nil
}

func (ct AppCiphertext) aad() ([]byte, error) {
	header := ct
	header.Ciphertext = nil
	return syntax.Marshal(header)
}

// appContent is what actually rides inside the AEAD: the payload plus the
// sender's signature over it.
type appContent struct {
	Data      []byte `tls:"head=4"`
	Signature []byte `tls:"head=2"`
}
