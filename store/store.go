package store

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/evermind-ai/retention/record"
)

type (
	// Store is the persistence collaborator. Every mutation goes through
	// optimistic, versioned single-record updates; there are no
	// multi-record transactions and no cross-record locks.
	Store interface {
		Create(ctx context.Context, rec *record.Record) error
		Get(ctx context.Context, id string) (*record.Record, error)
		// GetByFingerprint resolves the live record with the given content
		// fingerprint within one owner scope, or ErrNotFound.
		GetByFingerprint(ctx context.Context, ownerID, fingerprint string) (*record.Record, error)
		// QueryCandidates returns live records for one owner, optionally
		// filtered by tier and ranked by embedding proximity. The result is
		// bounded by TopK; it is never a full corpus scan.
		QueryCandidates(ctx context.Context, q CandidateQuery) ([]*record.Record, error)
		// ListDue returns live records not re-scored since before.
		ListDue(ctx context.Context, ownerID string, before time.Time, limit int) ([]*record.Record, error)
		ListOwners(ctx context.Context) ([]string, error)
		// UpdateIfVersion commits rec iff the stored version still equals
		// expected, returning the new version. ErrConflict on mismatch,
		// ErrNotFound when the record vanished.
		UpdateIfVersion(ctx context.Context, rec *record.Record, expected uint64) (uint64, error)
		// AppendAudit must fail closed: a decision whose audit write fails
		// is not considered made.
		AppendAudit(ctx context.Context, event *AuditEvent) error
		Close() error
	}

	CandidateQuery struct {
		OwnerID       string
		Tier          *record.Tier
		Fingerprint   string
		EmbeddingNear []float32
		TopK          int
		// ExcludeID drops the probe record itself from its own candidates.
		ExcludeID string
	}

	AuditEvent struct {
		ID        string         `json:"id"`
		Type      string         `json:"type"`
		SubjectID string         `json:"subjectId"`
		OwnerID   string         `json:"ownerId"`
		At        time.Time      `json:"at"`
		Payload   map[string]any `json:"payload,omitempty"`
	}
)

const (
	AuditTypePromotion     = "promotion"
	AuditTypeDemotion      = "demotion"
	AuditTypeMerge         = "merge"
	AuditTypeTombstone     = "tombstone"
	AuditTypeVerification  = "verification"
	AuditTypeReinstatement = "reinstatement"
)

// NewAuditEvent stamps a sortable ULID so audit order survives storage
// backends without monotonic insert ids.
func NewAuditEvent(eventType, subjectID, ownerID string, payload map[string]any) *AuditEvent {
	return &AuditEvent{
		ID:        ulid.Make().String(),
		Type:      eventType,
		SubjectID: subjectID,
		OwnerID:   ownerID,
		At:        time.Now().UTC(),
		Payload:   payload,
	}
}
