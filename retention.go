package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/evermind-ai/retention/config"
	"github.com/evermind-ai/retention/dedup"
	"github.com/evermind-ai/retention/driver"
	"github.com/evermind-ai/retention/embedding"
	"github.com/evermind-ai/retention/errors"
	"github.com/evermind-ai/retention/evaluator"
	"github.com/evermind-ai/retention/gate"
	"github.com/evermind-ai/retention/internal/mylog"
	"github.com/evermind-ai/retention/internal/tracing"
	"github.com/evermind-ai/retention/lifecycle"
	"github.com/evermind-ai/retention/record"
	"github.com/evermind-ai/retention/store"
)

const (
	initialDecayScore = 0.5
	defaultImportance = 0.5

	// maxForwardHops bounds tombstone pointer chains during reads. Chains
	// longer than this indicate a merge cycle, which commitMerge never
	// produces.
	maxForwardHops = 16
)

type (
	// Service is the retention core: the tier lifecycle, the consolidation
	// engine and the verification gate wired over pluggable persistence,
	// embedding and evaluation collaborators.
	Service struct {
		store      store.Store
		embedder   embedding.Embedder
		evaluators []evaluator.Client
		summarizer evaluator.Summarizer
		logger     *slog.Logger

		gate      *gate.Gate
		lifecycle *lifecycle.Manager
		engine    *dedup.Engine
		driver    *driver.Driver

		conf     *config.Config
		ownStore bool
	}

	Option func(*Service)
)

func NewService(ctx context.Context, optionFuncs ...Option) (*Service, error) {
	s := &Service{
		conf: config.NewConfig(),
	}
	for _, f := range optionFuncs {
		f(s)
	}

	if s.logger == nil {
		s.logger = mylog.NewLogger(s.conf.Log.LogLevel, s.conf.Log.LogHandler)
	}

	if s.store == nil {
		var err error
		s.store, err = newStore(s.conf.Store)
		if err != nil {
			return nil, err
		}
		s.ownStore = true
	}

	if s.embedder == nil {
		if s.conf.Embedding.NomicAPIKey != "" {
			s.embedder = embedding.NewNomicEmbedder(s.conf.Embedding.NomicAPIKey, s.conf.Embedding.MaxRetries)
		} else {
			s.embedder = embedding.NewStaticEmbedder(s.conf.Store.VectorDimension)
		}
	}

	if s.evaluators == nil {
		s.evaluators = newEvaluators(s.conf.Evaluator)
	}
	if len(s.evaluators) == 0 {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "no evaluators configured; promotions could never verify")
	}

	if s.summarizer == nil {
		if s.conf.Evaluator.OpenAIAPIKey != "" {
			s.summarizer = evaluator.NewOpenAISummarizer(s.conf.Evaluator.OpenAIAPIKey, s.conf.Evaluator.SummaryModel)
		} else {
			s.summarizer = evaluator.ConcatSummarizer{}
		}
	}

	tracer := tracing.NewProvider(s.logger, s.conf.Log.TraceVerbose).Tracer("retention")
	s.gate = gate.New(s.conf.Gate, s.evaluators, s.store, s.logger, tracer)
	s.lifecycle = lifecycle.NewManager(s.store, s.gate, s.conf.Lifecycle, s.conf.Gate.TrailCap, s.logger)
	s.engine = dedup.NewEngine(s.store, s.gate, s.embedder, s.summarizer, s.conf.Dedup, s.logger, tracer)
	s.driver = driver.New(s.store, s.lifecycle, s.engine, s.conf.Driver, s.logger)

	return s, nil
}

func newStore(conf *config.StoreConfig) (store.Store, error) {
	if conf.SqliteEnabled {
		return newSqliteStore(conf)
	}
	return store.NewInMemoryStore(), nil
}

func newEvaluators(conf *config.EvaluatorConfig) []evaluator.Client {
	ttl := time.Duration(conf.PendingTaskTTLSeconds) * time.Second
	var clients []evaluator.Client
	if conf.OpenAIAPIKey != "" {
		clients = append(clients, evaluator.NewOpenAIClient(conf.OpenAIAPIKey, conf.OpenAIModel, ttl))
	}
	if conf.AnthropicAPIKey != "" {
		clients = append(clients, evaluator.NewAnthropicClient(conf.AnthropicAPIKey, conf.AnthropicModel, ttl))
	}
	return clients
}

// Start launches the background driver. Optional; every operation also
// works on a service that was never started.
func (s *Service) Start(ctx context.Context) {
	s.driver.Start(ctx)
}

func (s *Service) Close() error {
	if err := s.driver.Close(); err != nil {
		return err
	}
	if s.ownStore {
		return s.store.Close()
	}
	return nil
}

// ProposeRecord ingests one observation for an owner. The returned id is
// the record that now carries the observation, which is an existing
// record when the content is an exact duplicate of one.
func (s *Service) ProposeRecord(ctx context.Context, ownerID, content string) (string, error) {
	if ownerID == "" {
		return "", errors.Wrapf(errors.ErrValidation, "owner id is empty")
	}
	if record.NormalizeContent(content) == "" {
		return "", errors.Wrapf(errors.ErrValidation, "content is empty")
	}

	now := time.Now()
	rec := &record.Record{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Content:        content,
		Fingerprint:    record.Fingerprint(content),
		Tier:           record.TierWorking,
		Status:         record.StatusUnverified,
		DecayScore:     initialDecayScore,
		Importance:     defaultImportance,
		CreatedAt:      now,
		LastRescoredAt: now,
	}

	if vectors, err := s.embedder.Embed(ctx, content); err != nil {
		// The sweep still catches the duplicate via its fingerprint; only
		// near-duplicate detection quality degrades.
		s.logger.Warn("embedding failed at ingest",
			slog.String("owner", ownerID), slog.Any("error", err))
	} else if len(vectors) == 1 {
		rec.Embedding = vectors[0]
	}

	if err := s.store.Create(ctx, rec); err != nil {
		return "", err
	}

	survivorID, err := s.engine.ResolveExact(ctx, rec, now)
	if err != nil {
		// The record exists and the next sweep resolves the duplicate.
		s.logger.Warn("ingest-time dedup failed",
			slog.String("record", rec.ID), slog.Any("error", err))
		return rec.ID, nil
	}
	if survivorID != "" {
		return survivorID, nil
	}
	return rec.ID, nil
}

// GetRecord fetches a record, transparently following merge forward
// pointers so callers holding a pre-merge id still reach the surviving
// record.
func (s *Service) GetRecord(ctx context.Context, id string) (*record.Record, error) {
	for hop := 0; hop < maxForwardHops; hop++ {
		rec, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !rec.Tombstoned || rec.SupersededBy == "" {
			return rec, nil
		}
		id = rec.SupersededBy
	}
	return nil, errors.Wrapf(errors.ErrInternal, "forward pointer chain exceeds %d hops at record '%s'", maxForwardHops, id)
}

// RecordAccess reports that the owner's agent used this record. The decay
// boost is synchronous; a promotion proposal triggered by the boost is
// verified in the background.
func (s *Service) RecordAccess(ctx context.Context, id string) error {
	rec, err := s.GetRecord(ctx, id)
	if err != nil {
		return err
	}

	outcome, err := s.lifecycle.RecordAccess(ctx, rec.ID, time.Now())
	if err != nil {
		return err
	}
	if outcome.Proposal != nil {
		proposal := outcome.Proposal
		s.driver.Dispatch(ctx, "promotion", func(ctx context.Context) {
			if _, err := s.lifecycle.ProposePromotion(ctx, proposal, time.Now()); err != nil {
				if errors.Is(err, errors.ErrConflict) || errors.Is(err, errors.ErrNotFound) {
					return
				}
				s.logger.Warn("background promotion failed",
					slog.String("record", proposal.RecordID), slog.Any("error", err))
			}
		})
	}
	return nil
}

// ForceReevaluate re-runs the verification gate for the record's current
// content, out of the normal lifecycle. A concurrent in-flight
// verification of the same trust state is joined, not duplicated. When
// the record moves mid-evaluation the stale decision is discarded and one
// fresh evaluation runs against the new state.
func (s *Service) ForceReevaluate(ctx context.Context, id string) (*gate.Outcome, error) {
	rec, err := s.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	outcome, err := s.lifecycle.Reverify(ctx, rec.ID, time.Now())
	if err != nil && errors.Is(err, errors.ErrConflict) {
		return s.lifecycle.Reverify(ctx, rec.ID, time.Now())
	}
	return outcome, err
}

// TriggerConsolidationSweep runs one synchronous sweep for the owner.
func (s *Service) TriggerConsolidationSweep(ctx context.Context, ownerID string) (*dedup.SweepResult, error) {
	if ownerID == "" {
		return nil, errors.Wrapf(errors.ErrValidation, "owner id is empty")
	}
	return s.engine.Sweep(ctx, ownerID, time.Now())
}

// Reinstate returns an archived record to the working tier.
func (s *Service) Reinstate(ctx context.Context, id string) (*record.Record, error) {
	return s.lifecycle.Reinstate(ctx, id, time.Now())
}
