package dedup

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"

	"github.com/evermind-ai/retention/config"
	"github.com/evermind-ai/retention/embedding"
	"github.com/evermind-ai/retention/errors"
	"github.com/evermind-ai/retention/evaluator"
	"github.com/evermind-ai/retention/gate"
	"github.com/evermind-ai/retention/record"
	"github.com/evermind-ai/retention/store"
)

type (
	// Engine collapses duplicate records per owner. Exact duplicates are
	// resolved mechanically; near-duplicates above the auto-merge threshold
	// merge immediately, and the ambiguous band goes through the
	// verification gate.
	Engine struct {
		store      store.Store
		gate       *gate.Gate
		embedder   embedding.Embedder
		summarizer evaluator.Summarizer
		conf       *config.DedupConfig
		logger     *slog.Logger
		tracer     trace.Tracer
	}

	SweepResult struct {
		Merged              int
		Tombstoned          int
		PendingVerification int
		// Degraded reports that candidate generation failed and the sweep
		// fell back to exact-only. The next sweep retries the near phase.
		Degraded bool
	}
)

// survivorFoldRetries bounds conflict retries of the survivor write once
// the absorbed side of a merge is durable.
const survivorFoldRetries = 3

func NewEngine(s store.Store, g *gate.Gate, embedder embedding.Embedder, summarizer evaluator.Summarizer, conf *config.DedupConfig, logger *slog.Logger, tracer trace.Tracer) *Engine {
	return &Engine{
		store:      s,
		gate:       g,
		embedder:   embedder,
		summarizer: summarizer,
		conf:       conf,
		logger:     logger,
		tracer:     tracer,
	}
}

// ResolveExact handles the ingest-time fingerprint collision for a freshly
// created record. When a live record with the same fingerprint exists, the
// lower-ranked of the two is tombstoned with a forward pointer and the
// survivor absorbs its evidence. Returns the surviving record id when rec
// itself was absorbed, "" when rec survived or no duplicate exists.
func (e *Engine) ResolveExact(ctx context.Context, rec *record.Record, now time.Time) (string, error) {
	dups, err := e.store.QueryCandidates(ctx, store.CandidateQuery{
		OwnerID:     rec.OwnerID,
		Fingerprint: rec.Fingerprint,
		ExcludeID:   rec.ID,
	})
	if err != nil {
		return "", err
	}
	if len(dups) == 0 {
		return "", nil
	}

	group := append([]*record.Record{rec}, dups...)
	survivor := pickSurvivor(group)
	if err := e.commitMerge(ctx, survivor, group, record.StrategyExactReplace, now); err != nil {
		return "", err
	}
	if survivor.ID != rec.ID {
		return survivor.ID, nil
	}
	return "", nil
}

// Sweep runs one consolidation pass over an owner's live records. It is
// idempotent: records merged or tombstoned by one pass are invisible to
// the next.
func (e *Engine) Sweep(ctx context.Context, ownerID string, now time.Time) (*SweepResult, error) {
	ctx, span := e.tracer.Start(ctx, "dedup.sweep",
		trace.WithAttributes(attribute.String("owner", ownerID)))
	defer span.End()

	result := &SweepResult{}

	if err := e.sweepExact(ctx, ownerID, now, result); err != nil {
		return nil, err
	}
	if err := e.sweepNear(ctx, ownerID, now, result); err != nil {
		return nil, err
	}

	e.logger.Info("consolidation sweep finished",
		slog.String("owner", ownerID),
		slog.Int("merged", result.Merged),
		slog.Int("tombstoned", result.Tombstoned),
		slog.Int("pending_verification", result.PendingVerification),
		slog.Bool("degraded", result.Degraded),
	)
	return result, nil
}

func (e *Engine) sweepExact(ctx context.Context, ownerID string, now time.Time, result *SweepResult) error {
	live, err := e.store.QueryCandidates(ctx, store.CandidateQuery{OwnerID: ownerID})
	if err != nil {
		return err
	}

	byFingerprint := lo.GroupBy(live, func(rec *record.Record) string { return rec.Fingerprint })
	for _, group := range byFingerprint {
		if len(group) < 2 {
			continue
		}
		survivor := pickSurvivor(group)
		if err := e.commitMerge(ctx, survivor, group, record.StrategyExactReplace, now); err != nil {
			if errors.Is(err, errors.ErrConflict) {
				// Someone moved a group member mid-sweep; the next sweep
				// sees the settled state.
				continue
			}
			return err
		}
		result.Merged++
		result.Tombstoned += len(group) - 1
	}
	return nil
}

func (e *Engine) sweepNear(ctx context.Context, ownerID string, now time.Time, result *SweepResult) error {
	live, err := e.store.QueryCandidates(ctx, store.CandidateQuery{OwnerID: ownerID})
	if err != nil {
		return err
	}

	handled := make(map[string]bool)
	for _, rec := range live {
		if handled[rec.ID] || len(rec.Embedding) == 0 {
			continue
		}

		candidates, err := e.store.QueryCandidates(ctx, store.CandidateQuery{
			OwnerID:       ownerID,
			EmbeddingNear: rec.Embedding,
			TopK:          e.conf.CandidateTopK,
			ExcludeID:     rec.ID,
		})
		if err != nil {
			// Candidate generation is down; finish exact-only rather than
			// fail the whole sweep.
			e.logger.Warn("candidate generation failed, sweep degraded",
				slog.String("owner", ownerID), slog.Any("error", err))
			result.Degraded = true
			return nil
		}

		var autoGroup, reviewGroup []*record.Record
		var reviewSims []record.PairSimilarity
		for _, candidate := range candidates {
			if handled[candidate.ID] || len(candidate.Embedding) == 0 {
				continue
			}
			sim := cosineSimilarity(rec.Embedding, candidate.Embedding)
			switch {
			case sim >= e.conf.AutoMergeThreshold:
				autoGroup = append(autoGroup, candidate)
			case sim >= e.conf.ReviewThreshold:
				reviewGroup = append(reviewGroup, candidate)
				reviewSims = append(reviewSims, record.PairSimilarity{A: rec.ID, B: candidate.ID, Score: sim})
			}
		}

		if len(autoGroup) > 0 {
			group := append([]*record.Record{rec}, autoGroup...)
			survivor := pickSurvivor(group)
			if err := e.commitMerge(ctx, survivor, group, record.MergeStrategy(e.conf.MergeStrategy), now); err != nil {
				if errors.Is(err, errors.ErrConflict) {
					continue
				}
				return err
			}
			for _, member := range group {
				handled[member.ID] = true
			}
			result.Merged++
			result.Tombstoned += len(group) - 1
			continue
		}

		if len(reviewGroup) > 0 {
			group := append([]*record.Record{rec}, reviewGroup...)
			merged, err := e.reviewMerge(ctx, group, reviewSims, now)
			if err != nil {
				return err
			}
			for _, member := range group {
				handled[member.ID] = true
			}
			result.PendingVerification++
			if merged {
				result.Merged++
				result.Tombstoned += len(group) - 1
			}
		}
	}
	return nil
}

// reviewMerge submits an ambiguous group to the verification gate and
// merges only on a Verified decision.
func (e *Engine) reviewMerge(ctx context.Context, group []*record.Record, sims []record.PairSimilarity, now time.Time) (bool, error) {
	survivor := pickSurvivor(group)
	proposal := &record.ConsolidationGroup{
		OwnerID:      survivor.OwnerID,
		CandidateIDs: lo.Map(group, func(rec *record.Record, _ int) string { return rec.ID }),
		Similarities: sims,
		Strategy:     record.MergeStrategy(e.conf.MergeStrategy),
	}

	versionSum := lo.SumBy(group, func(rec *record.Record) uint64 { return rec.Version })
	merged := false
	_, err := e.gate.Verify(ctx, &gate.Request{
		Key:       gate.ConsolidationKey(proposal.CandidateIDs, versionSum),
		SubjectID: survivor.ID,
		OwnerID:   survivor.OwnerID,
		Task: &evaluator.Task{
			Kind:       evaluator.TaskKindConsolidation,
			SubjectID:  survivor.ID,
			OwnerID:    survivor.OwnerID,
			Content:    survivor.Content,
			Candidates: lo.Map(group, func(rec *record.Record, _ int) string { return rec.Content }),
		},
		Commit: func(ctx context.Context, decision *gate.Decision) error {
			if decision.Status != record.StatusVerified {
				// Records stay separate; the decision itself is already in
				// the audit log.
				return nil
			}
			if err := e.commitMerge(ctx, survivor, group, proposal.Strategy, now); err != nil {
				return err
			}
			merged = true
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, errors.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return merged, nil
}

// commitMerge applies a merge as N-1 tombstone writes followed by the
// survivor write. Once the tombstones land the group's evidence exists
// only in this merge, so the survivor fold retries through version
// conflicts instead of abandoning it.
func (e *Engine) commitMerge(ctx context.Context, survivor *record.Record, group []*record.Record, strategy record.MergeStrategy, now time.Time) error {
	content, err := e.mergedContent(ctx, strategy, survivor, group)
	if err != nil {
		return errors.Wrapf(err, "merge content for record '%s'", survivor.ID)
	}

	absorbed := lo.Filter(group, func(rec *record.Record, _ int) bool { return rec.ID != survivor.ID })
	for _, rec := range absorbed {
		rec.Tombstoned = true
		rec.SupersededBy = survivor.ID
		if _, err := e.store.UpdateIfVersion(ctx, rec, rec.Version); err != nil {
			return err
		}
		if err := e.store.AppendAudit(ctx, store.NewAuditEvent(
			store.AuditTypeTombstone, rec.ID, rec.OwnerID,
			map[string]any{"supersededBy": survivor.ID, "strategy": string(strategy)},
		)); err != nil {
			return errors.Wrapf(errors.ErrPersistence, "tombstone audit failed: %v", err)
		}
	}

	for attempt := 0; ; attempt++ {
		originalContent := survivor.Content
		foldInto(survivor, group, content, now)
		if survivor.Content != originalContent && e.embedder != nil {
			vectors, err := e.embedder.Embed(ctx, survivor.Content)
			if err != nil {
				// Stale embedding beats no record update; the next sweep can
				// still find the survivor by its new fingerprint.
				e.logger.Warn("re-embedding merged content failed",
					slog.String("record", survivor.ID), slog.Any("error", err))
			} else if len(vectors) == 1 {
				survivor.Embedding = vectors[0]
			}
		}

		_, err = e.store.UpdateIfVersion(ctx, survivor, survivor.Version)
		if err == nil {
			break
		}
		if !errors.Is(err, errors.ErrConflict) || attempt >= survivorFoldRetries {
			return err
		}

		// Something moved the survivor mid-merge. The absorbed records
		// are already tombstoned and invisible to later sweeps, so the
		// fold is redone against the fresh survivor state.
		fresh, gerr := e.store.Get(ctx, survivor.ID)
		if gerr != nil {
			return gerr
		}
		group = lo.Map(group, func(rec *record.Record, _ int) *record.Record {
			if rec.ID == fresh.ID {
				return fresh
			}
			return rec
		})
		survivor = fresh
	}

	return e.store.AppendAudit(ctx, store.NewAuditEvent(
		store.AuditTypeMerge, survivor.ID, survivor.OwnerID,
		map[string]any{
			"absorbed": lo.Map(absorbed, func(rec *record.Record, _ int) string { return rec.ID }),
			"strategy": string(strategy),
		},
	))
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	x := make([]float64, len(a))
	y := make([]float64, len(b))
	for i := range a {
		x[i] = float64(a[i])
		y[i] = float64(b[i])
	}
	norm := math.Sqrt(floats.Dot(x, x)) * math.Sqrt(floats.Dot(y, y))
	if norm == 0 {
		return 0
	}
	return floats.Dot(x, y) / norm
}
