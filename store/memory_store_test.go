package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evermind-ai/retention/errors"
	"github.com/evermind-ai/retention/record"
	"github.com/evermind-ai/retention/store"
)

func newRecord(owner, content string) *record.Record {
	now := time.Now().UTC()
	return &record.Record{
		ID:             uuid.NewString(),
		OwnerID:        owner,
		Content:        content,
		Fingerprint:    record.Fingerprint(content),
		Tier:           record.TierWorking,
		DecayScore:     0.5,
		Importance:     0.5,
		Status:         record.StatusUnverified,
		LastAccessedAt: now,
		LastRescoredAt: now,
		CreatedAt:      now,
	}
}

func TestInMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	defer s.Close()

	rec := newRecord("owner-1", "the user prefers coffee")
	require.NoError(t, s.Create(ctx, rec))
	assert.Equal(t, uint64(1), rec.Version)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Content, got.Content)

	// Mutating the returned snapshot must not leak into the store.
	got.Content = "tampered"
	again, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Content, again.Content)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestInMemoryStore_GetByFingerprint_SkipsTombstones(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	rec := newRecord("owner-1", "same content")
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.GetByFingerprint(ctx, "owner-1", rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	_, err = s.GetByFingerprint(ctx, "owner-2", rec.Fingerprint)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	rec.Tombstoned = true
	_, err = s.UpdateIfVersion(ctx, rec, rec.Version)
	require.NoError(t, err)

	_, err = s.GetByFingerprint(ctx, "owner-1", rec.Fingerprint)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestInMemoryStore_UpdateIfVersion(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	rec := newRecord("owner-1", "versioned")
	require.NoError(t, s.Create(ctx, rec))

	rec.DecayScore = 0.9
	newVersion, err := s.UpdateIfVersion(ctx, rec, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), newVersion)

	// Stale version must conflict, never silently overwrite.
	rec.DecayScore = 0.1
	_, err = s.UpdateIfVersion(ctx, rec, 1)
	assert.ErrorIs(t, err, errors.ErrConflict)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, got.DecayScore, 1e-9)

	missing := newRecord("owner-1", "ghost")
	_, err = s.UpdateIfVersion(ctx, missing, 1)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestInMemoryStore_QueryCandidates_RanksByProximity(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	near := newRecord("owner-1", "close")
	near.Embedding = []float32{1, 0, 0}
	far := newRecord("owner-1", "far")
	far.Embedding = []float32{0, 1, 0}
	other := newRecord("owner-2", "other owner")
	other.Embedding = []float32{1, 0, 0}

	require.NoError(t, s.Create(ctx, near))
	require.NoError(t, s.Create(ctx, far))
	require.NoError(t, s.Create(ctx, other))

	results, err := s.QueryCandidates(ctx, store.CandidateQuery{
		OwnerID:       "owner-1",
		EmbeddingNear: []float32{1, 0, 0},
		TopK:          10,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, near.ID, results[0].ID)
	assert.Equal(t, far.ID, results[1].ID)
}

func TestInMemoryStore_ListDue(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	stale := newRecord("owner-1", "stale")
	stale.LastRescoredAt = time.Now().Add(-2 * time.Hour)
	fresh := newRecord("owner-1", "fresh")
	archived := newRecord("owner-1", "archived")
	archived.Tier = record.TierArchived
	archived.LastRescoredAt = time.Now().Add(-2 * time.Hour)

	require.NoError(t, s.Create(ctx, stale))
	require.NoError(t, s.Create(ctx, fresh))
	require.NoError(t, s.Create(ctx, archived))

	due, err := s.ListDue(ctx, "owner-1", time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, stale.ID, due[0].ID)
}

func TestInMemoryStore_AppendAudit(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	event := store.NewAuditEvent(store.AuditTypeTombstone, "rec-1", "owner-1", map[string]any{"reason": "exact duplicate"})
	require.NoError(t, s.AppendAudit(ctx, event))

	audits := s.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, store.AuditTypeTombstone, audits[0].Type)
	assert.NotEmpty(t, audits[0].ID)
}
