// Package memory is an in-process Store used by tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/drblury/identityhistory/store"
)

// Store keeps records in a mutex guarded map.
type Store struct {
	mu      sync.RWMutex
	records map[string]store.Record
}

// New returns an empty store.
func New() *Store {
	return &Store{records: make(map[string]store.Record)}
}

func (s *Store) LastAppliedVersion(ctx context.Context, identityID string) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[identityID]
	return rec.Version, ok, nil
}

func (s *Store) UpsertIfNewer(ctx context.Context, identityID string, version uint64, change store.Change) (store.Outcome, error) {
	if err := store.CheckWrite(identityID, version); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	change.Version = version

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[identityID]
	if ok && rec.Version >= version {
		return store.Skipped, nil
	}
	if !ok {
		rec = store.Record{ID: identityID}
	}
	s.records[identityID] = rec.Apply(change)
	return store.Applied, nil
}

func (s *Store) Get(ctx context.Context, identityID string) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[identityID]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	rec.History = append([]store.Change(nil), rec.History...)
	return rec, nil
}

// Snapshot returns a copy of every record keyed by identity id.
func (s *Store) Snapshot() map[string]store.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]store.Record, len(s.records))
	for id, rec := range s.records {
		rec.History = append([]store.Change(nil), rec.History...)
		out[id] = rec
	}
	return out
}

func (s *Store) Close() error { return nil }
