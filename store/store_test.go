package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordApply(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{ID: "u-1"}

	created := rec.Apply(Change{Version: 1, EventType: "IdentityCreated", OccurredAt: at, Data: json.RawMessage(`{"username":"ada"}`)})
	assert.Equal(t, uint64(1), created.Version)
	assert.JSONEq(t, `{"username":"ada"}`, string(created.State))
	assert.Equal(t, at, created.UpdatedAt)
	assert.Empty(t, rec.History, "Apply must not modify the receiver")

	deleted := created.Apply(Change{Version: 2, EventType: "IdentityDeleted", Deleted: true})
	assert.True(t, deleted.Deleted)
	assert.JSONEq(t, `{"username":"ada"}`, string(deleted.State), "tombstone keeps last known state")
	assert.Len(t, deleted.History, 2)
	assert.False(t, deleted.UpdatedAt.IsZero())
	assert.Len(t, created.History, 1)
}

func TestCheckWrite(t *testing.T) {
	require.ErrorIs(t, CheckWrite("", 1), ErrIdentityRequired)
	require.ErrorIs(t, CheckWrite("u-1", 0), ErrInvalidVersion)
	require.NoError(t, CheckWrite("u-1", 1))
	require.NoError(t, CheckWrite("u-1", MaxVersion))
	require.ErrorIs(t, CheckWrite("u-1", MaxVersion+1), ErrInvalidVersion)
	require.ErrorIs(t, CheckWrite("u-1", 1<<63), ErrInvalidVersion)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "applied", Applied.String())
	assert.Equal(t, "skipped", Skipped.String())
	assert.Equal(t, "unknown", Outcome(0).String())
}
