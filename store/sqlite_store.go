//go:build !without_sqlite

package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/mokiat/gog"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/evermind-ai/retention/errors"
	"github.com/evermind-ai/retention/record"
)

// SqliteStore implements Store using SQLite with the sqlite-vec extension
// for bounded approximate-nearest-neighbor candidate queries.
type SqliteStore struct {
	db     *gorm.DB
	vecDim int
}

var _ Store = (*SqliteStore)(nil)

// RecordRow is the database shape of a memory record.
type RecordRow struct {
	ID        string `gorm:"primaryKey"`
	OwnerID   string `gorm:"index:idx_owner;index:idx_owner_fp"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Content     string
	Fingerprint string `gorm:"index:idx_owner_fp"`
	Embedding   datatypes.JSONSlice[float32]

	Tier           string `gorm:"index:idx_owner_tier"`
	DecayScore     float64
	Importance     float64
	AccessCount    int
	LastAccessedAt time.Time
	LastRescoredAt time.Time `gorm:"index"`

	Status         string
	ConsensusScore float64
	Trail          datatypes.JSONType[[]record.EvaluatorResult]
	TrailSummary   datatypes.JSONType[record.TrailSummary]

	RejectedPromotions     int
	PromotionCooldownUntil time.Time

	Lineage      datatypes.JSONSlice[string]
	Tombstoned   bool `gorm:"index"`
	SupersededBy string

	Version uint64 `gorm:"not null"`
}

func (RecordRow) TableName() string {
	return "records"
}

type AuditRow struct {
	ID        string `gorm:"primaryKey"`
	Type      string
	SubjectID string `gorm:"index"`
	OwnerID   string `gorm:"index"`
	At        time.Time
	Payload   datatypes.JSONType[map[string]any]
}

func (AuditRow) TableName() string {
	return "audit_events"
}

// NewSqliteStore opens (or creates) the record store at dbPath.
func NewSqliteStore(dbPath string, dimension int) (*SqliteStore, error) {
	sqlite_vec.Auto()

	db, err := gorm.Open(
		sqlite.Open(fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL&_foreign_keys=on", dbPath)),
		&gorm.Config{},
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite database")
	}

	store := &SqliteStore{
		db:     db,
		vecDim: dimension,
	}

	if err := db.AutoMigrate(&RecordRow{}, &AuditRow{}); err != nil {
		return nil, errors.Wrapf(err, "failed to migrate record tables")
	}

	if err := store.createVectorTable(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SqliteStore) createVectorTable() error {
	var sqliteVersion, vecVersion string
	err := s.db.Raw("SELECT sqlite_version(), vec_version()").Row().Scan(&sqliteVersion, &vecVersion)
	if err != nil {
		return errors.Wrapf(err, "sqlite-vec extension not properly loaded")
	}

	createTableSQL := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS record_vectors USING vec0(
			record_id TEXT PRIMARY KEY,
			embedding float[%d]
		);
	`, s.vecDim)

	if err := s.db.Exec(createTableSQL).Error; err != nil {
		return errors.Wrapf(err, "failed to create record_vectors table")
	}

	return nil
}

func (s *SqliteStore) Create(ctx context.Context, rec *record.Record) error {
	if rec.ID == "" {
		return errors.Wrapf(errors.ErrValidation, "record id is empty")
	}
	if rec.Version == 0 {
		rec.Version = 1
	}

	row := toRow(rec)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return errors.Wrapf(err, "failed to create record '%s'", rec.ID)
		}
		return s.upsertVector(tx, rec.ID, rec.Embedding)
	})
}

func (s *SqliteStore) upsertVector(tx *gorm.DB, id string, embedding []float32) error {
	if err := tx.Exec("DELETE FROM record_vectors WHERE record_id = ?", id).Error; err != nil {
		return errors.Wrapf(err, "failed to delete existing vector")
	}
	if len(embedding) != s.vecDim {
		// Records without an embedding yet simply stay out of the index.
		return nil
	}

	serialized, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize embedding")
	}
	if err := tx.Exec("INSERT INTO record_vectors (record_id, embedding) VALUES (?, ?)", id, serialized).Error; err != nil {
		return errors.Wrapf(err, "failed to insert record vector")
	}
	return nil
}

func (s *SqliteStore) Get(ctx context.Context, id string) (*record.Record, error) {
	var row RecordRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(errors.ErrNotFound, "record '%s'", id)
		}
		return nil, errors.Wrapf(err, "failed to fetch record '%s'", id)
	}
	return fromRow(&row), nil
}

func (s *SqliteStore) GetByFingerprint(ctx context.Context, ownerID, fingerprint string) (*record.Record, error) {
	var row RecordRow
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND fingerprint = ? AND tombstoned = ?", ownerID, fingerprint, false).
		Order("id").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(errors.ErrNotFound, "fingerprint '%s' for owner '%s'", fingerprint, ownerID)
		}
		return nil, errors.Wrapf(err, "failed to fetch record by fingerprint")
	}
	return fromRow(&row), nil
}

func (s *SqliteStore) QueryCandidates(ctx context.Context, q CandidateQuery) ([]*record.Record, error) {
	if len(q.EmbeddingNear) > 0 {
		return s.queryNear(ctx, q)
	}

	tx := s.db.WithContext(ctx).
		Where("owner_id = ? AND tombstoned = ?", q.OwnerID, false).
		Order("last_accessed_at DESC, id")
	if q.Tier != nil {
		tx = tx.Where("tier = ?", string(*q.Tier))
	}
	if q.Fingerprint != "" {
		tx = tx.Where("fingerprint = ?", q.Fingerprint)
	}
	if q.ExcludeID != "" {
		tx = tx.Where("id <> ?", q.ExcludeID)
	}
	if q.TopK > 0 {
		tx = tx.Limit(q.TopK)
	}

	var rows []RecordRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to query candidates")
	}
	return fromRows(rows), nil
}

func (s *SqliteStore) queryNear(ctx context.Context, q CandidateQuery) ([]*record.Record, error) {
	serialized, err := sqlite_vec.SerializeFloat32(q.EmbeddingNear)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize query embedding")
	}

	topK := q.TopK
	if topK <= 0 {
		topK = 16
	}

	// The vec0 table is not owner partitioned, so over-fetch and filter.
	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT record_id, distance
		FROM record_vectors
		WHERE embedding MATCH ?
		ORDER BY distance
		LIMIT ?
	`, serialized, topK*4).Rows()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to execute vector search")
	}
	defer rows.Close()

	var ids []string
	distances := make(map[string]float64)
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, errors.Wrapf(err, "failed to scan vector result")
		}
		ids = append(ids, id)
		distances[id] = distance
	}
	if len(ids) == 0 {
		return []*record.Record{}, nil
	}

	tx := s.db.WithContext(ctx).
		Where("id IN ? AND owner_id = ? AND tombstoned = ?", ids, q.OwnerID, false)
	if q.Tier != nil {
		tx = tx.Where("tier = ?", string(*q.Tier))
	}
	if q.ExcludeID != "" {
		tx = tx.Where("id <> ?", q.ExcludeID)
	}

	var recordRows []RecordRow
	if err := tx.Find(&recordRows).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to fetch candidate records")
	}

	results := fromRows(recordRows)
	// Restore ANN ordering lost by the IN query.
	orderOf := make(map[string]int, len(ids))
	for i, id := range ids {
		orderOf[id] = i
	}
	sortRecordsBy(results, orderOf)

	if q.TopK > 0 && len(results) > q.TopK {
		results = results[:q.TopK]
	}
	return results, nil
}

func (s *SqliteStore) ListDue(ctx context.Context, ownerID string, before time.Time, limit int) ([]*record.Record, error) {
	tx := s.db.WithContext(ctx).
		Where("owner_id = ? AND tombstoned = ? AND tier <> ? AND last_rescored_at < ?",
			ownerID, false, string(record.TierArchived), before).
		Order("last_rescored_at, id")
	if limit > 0 {
		tx = tx.Limit(limit)
	}

	var rows []RecordRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to list due records")
	}
	return fromRows(rows), nil
}

func (s *SqliteStore) ListOwners(ctx context.Context) ([]string, error) {
	var owners []string
	if err := s.db.WithContext(ctx).
		Model(&RecordRow{}).
		Distinct("owner_id").
		Order("owner_id").
		Pluck("owner_id", &owners).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to list owners")
	}
	return owners, nil
}

func (s *SqliteStore) UpdateIfVersion(ctx context.Context, rec *record.Record, expected uint64) (uint64, error) {
	newVersion := expected + 1
	row := toRow(rec)
	row.Version = newVersion

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&RecordRow{}).
			Where("id = ? AND version = ?", rec.ID, expected).
			Select("*").
			Omit("id", "created_at").
			Updates(row)
		if result.Error != nil {
			return errors.Wrapf(result.Error, "failed to update record '%s'", rec.ID)
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&RecordRow{}).Where("id = ?", rec.ID).Count(&count).Error; err != nil {
				return errors.Wrapf(err, "failed to check record existence")
			}
			if count == 0 {
				return errors.Wrapf(errors.ErrNotFound, "record '%s'", rec.ID)
			}
			return errors.Wrapf(errors.ErrConflict, "record '%s': expected v%d", rec.ID, expected)
		}
		return s.upsertVector(tx, rec.ID, rec.Embedding)
	})
	if err != nil {
		return 0, err
	}

	rec.Version = newVersion
	return newVersion, nil
}

func (s *SqliteStore) AppendAudit(ctx context.Context, event *AuditEvent) error {
	if event == nil || event.ID == "" {
		return errors.Wrapf(errors.ErrPersistence, "audit event missing id")
	}
	row := AuditRow{
		ID:        event.ID,
		Type:      event.Type,
		SubjectID: event.SubjectID,
		OwnerID:   event.OwnerID,
		At:        event.At,
		Payload:   datatypes.NewJSONType(event.Payload),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrapf(errors.ErrPersistence, "failed to append audit event: %v", err)
	}
	return nil
}

func (s *SqliteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(rec *record.Record) *RecordRow {
	return &RecordRow{
		ID:                     rec.ID,
		OwnerID:                rec.OwnerID,
		CreatedAt:              rec.CreatedAt,
		Content:                rec.Content,
		Fingerprint:            rec.Fingerprint,
		Embedding:              datatypes.NewJSONSlice(rec.Embedding),
		Tier:                   string(rec.Tier),
		DecayScore:             rec.DecayScore,
		Importance:             rec.Importance,
		AccessCount:            rec.AccessCount,
		LastAccessedAt:         rec.LastAccessedAt,
		LastRescoredAt:         rec.LastRescoredAt,
		Status:                 string(rec.Status),
		ConsensusScore:         rec.ConsensusScore,
		Trail:                  datatypes.NewJSONType(rec.Trail),
		TrailSummary:           datatypes.NewJSONType(rec.TrailSummary),
		RejectedPromotions:     rec.RejectedPromotions,
		PromotionCooldownUntil: rec.PromotionCooldownUntil,
		Lineage:                datatypes.NewJSONSlice(rec.Lineage),
		Tombstoned:             rec.Tombstoned,
		SupersededBy:           rec.SupersededBy,
		Version:                rec.Version,
	}
}

func fromRow(row *RecordRow) *record.Record {
	return &record.Record{
		ID:                     row.ID,
		OwnerID:                row.OwnerID,
		Content:                row.Content,
		Fingerprint:            row.Fingerprint,
		Embedding:              row.Embedding,
		Tier:                   record.Tier(row.Tier),
		DecayScore:             row.DecayScore,
		Importance:             row.Importance,
		AccessCount:            row.AccessCount,
		LastAccessedAt:         row.LastAccessedAt,
		LastRescoredAt:         row.LastRescoredAt,
		CreatedAt:              row.CreatedAt,
		Status:                 record.VerificationStatus(row.Status),
		ConsensusScore:         row.ConsensusScore,
		Trail:                  row.Trail.Data(),
		TrailSummary:           row.TrailSummary.Data(),
		RejectedPromotions:     row.RejectedPromotions,
		PromotionCooldownUntil: row.PromotionCooldownUntil,
		Lineage:                row.Lineage,
		Tombstoned:             row.Tombstoned,
		SupersededBy:           row.SupersededBy,
		Version:                row.Version,
	}
}

func fromRows(rows []RecordRow) []*record.Record {
	return gog.Map(rows, func(row RecordRow) *record.Record {
		return fromRow(&row)
	})
}

func sortRecordsBy(records []*record.Record, orderOf map[string]int) {
	sort.SliceStable(records, func(i, j int) bool {
		return orderOf[records[i].ID] < orderOf[records[j].ID]
	})
}
