package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/evermind-ai/retention/errors"
	"github.com/evermind-ai/retention/record"
)

// InMemoryStore is a simple in-memory implementation backing tests and
// ephemeral runs. Records are copied on every boundary crossing so callers
// never alias stored state.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record.Record
	audits  []*AuditEvent

	// auditCap bounds the retained audit log; oldest events are dropped
	// past the cap.
	auditCap int
}

var _ Store = (*InMemoryStore)(nil)

const defaultAuditCap = 4096

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:  make(map[string]*record.Record),
		auditCap: defaultAuditCap,
	}
}

func (s *InMemoryStore) Create(ctx context.Context, rec *record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		return errors.Wrapf(errors.ErrValidation, "record id is empty")
	}
	if _, exists := s.records[rec.ID]; exists {
		return errors.Wrapf(errors.ErrValidation, "record '%s' already exists", rec.ID)
	}

	clone := cloneRecord(rec)
	if clone.Version == 0 {
		clone.Version = 1
	}
	s.records[rec.ID] = clone
	rec.Version = clone.Version
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return nil, errors.Wrapf(errors.ErrNotFound, "record '%s'", id)
	}
	return cloneRecord(rec), nil
}

func (s *InMemoryStore) GetByFingerprint(ctx context.Context, ownerID, fingerprint string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *record.Record
	for _, rec := range s.records {
		if rec.OwnerID != ownerID || !rec.Live() || rec.Fingerprint != fingerprint {
			continue
		}
		// Deterministic pick when duplicates transiently coexist.
		if found == nil || rec.ID < found.ID {
			found = rec
		}
	}
	if found == nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "fingerprint '%s' for owner '%s'", fingerprint, ownerID)
	}
	return cloneRecord(found), nil
}

func (s *InMemoryStore) QueryCandidates(ctx context.Context, q CandidateQuery) ([]*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*record.Record
	for _, rec := range s.records {
		if rec.OwnerID != q.OwnerID || !rec.Live() || rec.ID == q.ExcludeID {
			continue
		}
		if q.Tier != nil && rec.Tier != *q.Tier {
			continue
		}
		if q.Fingerprint != "" && rec.Fingerprint != q.Fingerprint {
			continue
		}
		if len(q.EmbeddingNear) > 0 && len(rec.Embedding) != len(q.EmbeddingNear) {
			continue
		}
		candidates = append(candidates, rec)
	}

	if len(q.EmbeddingNear) > 0 && len(candidates) > 0 {
		candidates = rankByProximity(candidates, q.EmbeddingNear)
	} else {
		sort.Slice(candidates, func(i, j int) bool {
			if !candidates[i].LastAccessedAt.Equal(candidates[j].LastAccessedAt) {
				return candidates[i].LastAccessedAt.After(candidates[j].LastAccessedAt)
			}
			return candidates[i].ID < candidates[j].ID
		})
	}

	if q.TopK > 0 && len(candidates) > q.TopK {
		candidates = candidates[:q.TopK]
	}

	results := make([]*record.Record, 0, len(candidates))
	for _, rec := range candidates {
		results = append(results, cloneRecord(rec))
	}
	return results, nil
}

// rankByProximity scores all candidates against the query embedding in one
// matrix multiplication. Embeddings are assumed normalized, so the inner
// product is cosine similarity.
func rankByProximity(candidates []*record.Record, query []float32) []*record.Record {
	dim := len(query)
	queryVec := make([]float64, dim)
	for i, v := range query {
		queryVec[i] = float64(v)
	}

	data := make([]float64, len(candidates)*dim)
	for i, rec := range candidates {
		for j, v := range rec.Embedding {
			data[i*dim+j] = float64(v)
		}
	}

	var scores mat.VecDense
	scores.MulVec(mat.NewDense(len(candidates), dim, data), mat.NewVecDense(dim, queryVec))

	type scored struct {
		rec   *record.Record
		score float64
	}
	ranked := make([]scored, len(candidates))
	for i, rec := range candidates {
		ranked[i] = scored{rec: rec, score: scores.AtVec(i)}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].rec.ID < ranked[j].rec.ID
	})

	out := make([]*record.Record, len(ranked))
	for i, r := range ranked {
		out[i] = r.rec
	}
	return out
}

func (s *InMemoryStore) ListDue(ctx context.Context, ownerID string, before time.Time, limit int) ([]*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*record.Record
	for _, rec := range s.records {
		if rec.OwnerID != ownerID || !rec.Live() || rec.Tier == record.TierArchived {
			continue
		}
		if rec.LastRescoredAt.Before(before) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].LastRescoredAt.Equal(due[j].LastRescoredAt) {
			return due[i].LastRescoredAt.Before(due[j].LastRescoredAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	results := make([]*record.Record, 0, len(due))
	for _, rec := range due {
		results = append(results, cloneRecord(rec))
	}
	return results, nil
}

func (s *InMemoryStore) ListOwners(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var owners []string
	for _, rec := range s.records {
		if _, ok := seen[rec.OwnerID]; ok {
			continue
		}
		seen[rec.OwnerID] = struct{}{}
		owners = append(owners, rec.OwnerID)
	}
	sort.Strings(owners)
	return owners, nil
}

func (s *InMemoryStore) UpdateIfVersion(ctx context.Context, rec *record.Record, expected uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.records[rec.ID]
	if !exists {
		return 0, errors.Wrapf(errors.ErrNotFound, "record '%s'", rec.ID)
	}
	if current.Version != expected {
		return 0, errors.Wrapf(errors.ErrConflict, "record '%s': have v%d, expected v%d", rec.ID, current.Version, expected)
	}

	clone := cloneRecord(rec)
	clone.Version = expected + 1
	s.records[rec.ID] = clone
	rec.Version = clone.Version
	return clone.Version, nil
}

func (s *InMemoryStore) AppendAudit(ctx context.Context, event *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event == nil || event.ID == "" {
		return errors.Wrapf(errors.ErrPersistence, "audit event missing id")
	}
	s.audits = append(s.audits, event)
	if len(s.audits) > s.auditCap {
		s.audits = append([]*AuditEvent(nil), s.audits[len(s.audits)-s.auditCap:]...)
	}
	return nil
}

// Audits returns a snapshot of the retained audit log, oldest first.
func (s *InMemoryStore) Audits() []*AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*AuditEvent(nil), s.audits...)
}

func (s *InMemoryStore) Close() error {
	return nil
}

func cloneRecord(rec *record.Record) *record.Record {
	clone := *rec
	clone.Embedding = append([]float32(nil), rec.Embedding...)
	clone.Trail = append([]record.EvaluatorResult(nil), rec.Trail...)
	clone.Lineage = append([]string(nil), rec.Lineage...)
	return &clone
}
