package envelope

import (
	"errors"
	"fmt"
	"time"

	jsoncodec "github.com/drblury/identityhistory/internal/runtime/jsoncodec"
)

// Type tags of the identity lifecycle events.
const (
	TypeIdentityCreated = "IdentityCreated"
	TypeIdentityUpdated = "IdentityUpdated"
	TypeIdentityDeleted = "IdentityDeleted"
)

var (
	ErrUnknownEventType   = errors.New("envelope: unknown event type")
	ErrIdentityIDRequired = errors.New("envelope: identity id is required")
	ErrVersionRequired    = errors.New("envelope: version is required")
	ErrEmptyPayload       = errors.New("envelope: payload is empty")
	ErrVersionOutOfRange  = errors.New("envelope: version exceeds 2^53-1")
)

// MaxVersion is the highest event version accepted. Document stores keep
// versions as signed 64-bit integers or doubles, so larger values would not
// compare correctly once stored.
const MaxVersion uint64 = 1<<53 - 1

// IdentityEvent is one decoded identity lifecycle event.
type IdentityEvent interface {
	EventType() string
	Identity() string
	EventVersion() uint64
	Timestamp() time.Time
}

// EventHeader holds the fields shared by every identity event.
type EventHeader struct {
	IdentityID string    `json:"identityId"`
	Version    uint64    `json:"version"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (h EventHeader) Identity() string     { return h.IdentityID }
func (h EventHeader) EventVersion() uint64 { return h.Version }
func (h EventHeader) Timestamp() time.Time { return h.OccurredAt }

// Profile is the identity state carried by created and updated events.
type Profile struct {
	Username    string            `json:"username,omitempty"`
	Email       string            `json:"email,omitempty"`
	DisplayName string            `json:"displayName,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

type IdentityCreated struct {
	EventHeader
	Profile
}

func (IdentityCreated) EventType() string { return TypeIdentityCreated }

type IdentityUpdated struct {
	EventHeader
	Profile
}

func (IdentityUpdated) EventType() string { return TypeIdentityUpdated }

type IdentityDeleted struct {
	EventHeader
	Reason string `json:"reason,omitempty"`
}

func (IdentityDeleted) EventType() string { return TypeIdentityDeleted }

// wireEvent is the union of all payload fields; version is a pointer so a
// missing value can fall back to the envelope sequence.
type wireEvent struct {
	IdentityID  string            `json:"identityId"`
	Version     *uint64           `json:"version"`
	OccurredAt  time.Time         `json:"occurredAt"`
	Username    string            `json:"username"`
	Email       string            `json:"email"`
	DisplayName string            `json:"displayName"`
	Attributes  map[string]string `json:"attributes"`
	Reason      string            `json:"reason"`
}

// DecodeEvent parses the envelope payload into the event variant named by
// its type tag. Every error returned here is permanent for the message.
func DecodeEvent(e Envelope) (IdentityEvent, error) {
	switch e.Type() {
	case TypeIdentityCreated, TypeIdentityUpdated, TypeIdentityDeleted:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type())
	}
	if len(e.payload) == 0 {
		return nil, ErrEmptyPayload
	}

	var w wireEvent
	if err := jsoncodec.Unmarshal(e.payload, &w); err != nil {
		return nil, fmt.Errorf("envelope: decode %s payload: %w", e.Type(), err)
	}
	if w.IdentityID == "" {
		return nil, ErrIdentityIDRequired
	}

	var version uint64
	switch seq, ok := e.Sequence(); {
	case w.Version != nil:
		version = *w.Version
	case ok:
		version = seq
	}
	if version == 0 {
		return nil, ErrVersionRequired
	}
	if version > MaxVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersionOutOfRange, version)
	}

	header := EventHeader{IdentityID: w.IdentityID, Version: version, OccurredAt: w.OccurredAt}
	profile := Profile{Username: w.Username, Email: w.Email, DisplayName: w.DisplayName, Attributes: w.Attributes}

	switch e.Type() {
	case TypeIdentityCreated:
		return IdentityCreated{EventHeader: header, Profile: profile}, nil
	case TypeIdentityUpdated:
		return IdentityUpdated{EventHeader: header, Profile: profile}, nil
	default:
		return IdentityDeleted{EventHeader: header, Reason: w.Reason}, nil
	}
}

// EncodeEvent builds an envelope carrying the event on the given topic.
func EncodeEvent(topic string, event IdentityEvent, opts ...Option) (Envelope, error) {
	if event == nil {
		return Envelope{}, ErrUnknownEventType
	}
	payload, err := jsoncodec.Marshal(event)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: encode %s: %w", event.EventType(), err)
	}
	return New(topic, event.EventType(), payload, opts...)
}
