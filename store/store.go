// Package store defines the document store contract the consumer applies
// identity events to. Backends live in subpackages.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when no record exists for the identity.
	ErrNotFound = errors.New("store: identity not found")
	// ErrConflict reports a concurrent write that could not be resolved
	// within the backend's retry budget.
	ErrConflict = errors.New("store: concurrent write conflict")
	// ErrInvalidVersion rejects version 0, which is reserved for "nothing
	// applied", and versions above MaxVersion.
	ErrInvalidVersion = errors.New("store: version must be between 1 and 2^53-1")
	// ErrIdentityRequired rejects an empty identity id.
	ErrIdentityRequired = errors.New("store: identity id is required")
)

// Outcome is the result of a conditional write.
type Outcome int

const (
	// Applied means the change was written and the stored version advanced.
	Applied Outcome = iota + 1
	// Skipped means the stored version was already at or past the change.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Change is one identity event as recorded in the history.
type Change struct {
	Version       uint64          `json:"version"`
	EventType     string          `json:"eventType"`
	OccurredAt    time.Time       `json:"occurredAt"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Deleted       bool            `json:"deleted,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Record is the current document for one identity plus its applied history.
type Record struct {
	ID        string          `json:"id"`
	Version   uint64          `json:"version"`
	Deleted   bool            `json:"deleted"`
	State     json.RawMessage `json:"state,omitempty"`
	History   []Change        `json:"history"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Apply returns a copy of r advanced to c. The caller checks ordering.
func (r Record) Apply(c Change) Record {
	next := r
	next.Version = c.Version
	next.Deleted = c.Deleted
	if !c.Deleted {
		next.State = c.Data
	}
	next.History = append(append([]Change(nil), r.History...), c)
	next.UpdatedAt = c.OccurredAt
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	return next
}

// Store persists identity records. Implementations must be safe for
// concurrent use and guarantee that the highest version wins regardless of
// the order concurrent writers arrive in.
type Store interface {
	// LastAppliedVersion returns the stored version and whether a record exists.
	LastAppliedVersion(ctx context.Context, identityID string) (uint64, bool, error)
	// UpsertIfNewer writes change only when version is greater than the
	// stored version.
	UpsertIfNewer(ctx context.Context, identityID string, version uint64, change Change) (Outcome, error)
	// Get returns the current record or ErrNotFound.
	Get(ctx context.Context, identityID string) (Record, error)
	Close() error
}

// MaxVersion is the highest version every backend stores exactly: Marten
// keeps versions in a signed BIGINT and Cosmos DB in an IEEE double.
const MaxVersion uint64 = 1<<53 - 1

// CheckWrite validates the arguments shared by every UpsertIfNewer.
func CheckWrite(identityID string, version uint64) error {
	if identityID == "" {
		return ErrIdentityRequired
	}
	if version == 0 || version > MaxVersion {
		return ErrInvalidVersion
	}
	return nil
}
