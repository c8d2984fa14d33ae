package marmot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Event kinds used by the group lifecycle. Key packages are published under
// 443, welcomes travel as unsigned rumors of kind 444, and every group frame
// (application or membership) rides a kind 445 event.
const (
	KindKeyPackage   = 443
	KindWelcome      = 444
	KindGroupMessage = 445
)

// PublicKey is a lowercase 64-hex-char identity key.
type PublicKey string

func ParsePublicKey(s string) (PublicKey, error) {
	s = strings.ToLower(s)
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("%w: public key must be 32 hex-encoded bytes", ErrInvalidInput)
	}
	return PublicKey(s), nil
}

// Bytes returns the decoded key. Panics on a value that did not come through
// ParsePublicKey.
func (pk PublicKey) Bytes() []byte {
	raw, err := hex.DecodeString(string(pk))
	if err != nil || len(raw) != 32 {
		panic(fmt.Errorf("marmot: malformed public key %q", string(pk)))
	}
	return raw
}

func pubkeyFromIdentity(identity []byte) PublicKey {
	return PublicKey(hex.EncodeToString(identity))
}

// EventID is a lowercase 64-hex-char event identifier.
type EventID string

func ParseEventID(s string) (EventID, error) {
	s = strings.ToLower(s)
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("%w: event id must be 32 hex-encoded bytes", ErrInvalidInput)
	}
	return EventID(s), nil
}

// ValidateRelayURL accepts websocket relay URLs only.
func ValidateRelayURL(relay string) error {
	u, err := url.Parse(relay)
	if err != nil {
		return fmt.Errorf("%w: relay url %q: %v", ErrInvalidInput, relay, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: relay url %q: scheme must be ws or wss", ErrInvalidInput, relay)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: relay url %q: missing host", ErrInvalidInput, relay)
	}
	return nil
}

func validateRelayURLs(relays []string) error {
	for _, r := range relays {
		if err := ValidateRelayURL(r); err != nil {
			return err
		}
	}
	return nil
}

// Tag is one event tag: a name followed by its values.
type Tag []string

// UnsignedEvent is an event without its outer signature: either a rumor that
// will be sealed inside an encrypted frame, or an event whose signing is the
// transport layer's job. Verifying outer signatures is likewise out of scope
// here; inputs arrive pre-authenticated.
type UnsignedEvent struct {
	ID        EventID   `json:"id"`
	PubKey    PublicKey `json:"pubkey"`
	CreatedAt int64     `json:"created_at"`
	Kind      int       `json:"kind"`
	Tags      []Tag     `json:"tags"`
	Content   string    `json:"content"`
}

// ComputeID returns the canonical hash of the serialized event fields.
func (e *UnsignedEvent) ComputeID() (EventID, error) {
	tags := e.Tags
	if tags == nil {
		tags = []Tag{}
	}
	canonical, err := json.Marshal([]interface{}{
		0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	sum := sha256.Sum256(canonical)
	return EventID(hex.EncodeToString(sum[:])), nil
}

func (e *UnsignedEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func ParseUnsignedEvent(data []byte) (*UnsignedEvent, error) {
	var e UnsignedEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return &e, nil
}

// FirstTagValue returns the first value of the named tag, or "".
func (e *UnsignedEvent) FirstTagValue(name string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}
