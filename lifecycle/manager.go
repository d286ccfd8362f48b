package lifecycle

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/evermind-ai/retention/config"
	"github.com/evermind-ai/retention/errors"
	"github.com/evermind-ai/retention/evaluator"
	"github.com/evermind-ai/retention/gate"
	"github.com/evermind-ai/retention/record"
	"github.com/evermind-ai/retention/store"
)

type (
	// Manager drives each record's decay score and tier. Demotions apply
	// immediately; every promotion is trust-bearing and must pass the
	// verification gate before it commits.
	Manager struct {
		store    store.Store
		gate     *gate.Gate
		conf     *config.LifecycleConfig
		trailCap int
		logger   *slog.Logger
	}

	// Proposal is a promotion awaiting verification.
	Proposal struct {
		RecordID string
		OwnerID  string
		FromTier record.Tier
		ToTier   record.Tier
		Version  uint64
	}

	AccessOutcome struct {
		Record *record.Record
		// Proposal is non-nil when the access pushed the record over its
		// tier's promotion threshold.
		Proposal *Proposal
	}

	RescoreResult struct {
		Tier       record.Tier
		DecayScore float64
		Demoted    bool
	}
)

func NewManager(s store.Store, g *gate.Gate, conf *config.LifecycleConfig, trailCap int, logger *slog.Logger) *Manager {
	return &Manager{
		store:    s,
		gate:     g,
		conf:     conf,
		trailCap: trailCap,
		logger:   logger,
	}
}

// RecordAccess boosts the record toward the decay ceiling and reports a
// promotion proposal when the boost crosses the tier threshold. The
// proposal is not applied here; route it through ProposePromotion.
func (m *Manager) RecordAccess(ctx context.Context, id string, now time.Time) (*AccessOutcome, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Tombstoned {
		return nil, errors.Wrapf(errors.ErrNotFound, "record '%s' is tombstoned", id)
	}

	expected := rec.Version
	rec.DecayScore += (1 - rec.DecayScore) * m.conf.AccessBoost
	if rec.DecayScore > 1 {
		rec.DecayScore = 1
	}
	rec.AccessCount++
	rec.LastAccessedAt = now

	if _, err := m.store.UpdateIfVersion(ctx, rec, expected); err != nil {
		return nil, err
	}

	outcome := &AccessOutcome{Record: rec}
	if m.promotionEligible(rec, now) {
		outcome.Proposal = &Proposal{
			RecordID: rec.ID,
			OwnerID:  rec.OwnerID,
			FromTier: rec.Tier,
			ToTier:   rec.Tier.Next(),
			Version:  rec.Version,
		}
	}
	return outcome, nil
}

func (m *Manager) promotionEligible(rec *record.Record, now time.Time) bool {
	next := rec.Tier.Next()
	if next == "" {
		return false
	}
	if rec.Status == record.StatusPending {
		return false
	}
	if now.Before(rec.PromotionCooldownUntil) {
		return false
	}
	return rec.DecayScore > m.promoteThreshold(rec.Tier)
}

func (m *Manager) promoteThreshold(tier record.Tier) float64 {
	switch tier {
	case record.TierWorking:
		return m.conf.PromoteAboveWorking
	case record.TierShortTerm:
		return m.conf.PromoteAboveShortTerm
	}
	return math.Inf(1)
}

func (m *Manager) demoteThreshold(tier record.Tier) float64 {
	switch tier {
	case record.TierWorking:
		return m.conf.DemoteBelowWorking
	case record.TierShortTerm:
		return m.conf.DemoteBelowShortTerm
	case record.TierLongTerm:
		return m.conf.DemoteBelowLongTerm
	}
	return math.Inf(-1)
}

// Rescore attenuates the decay score for elapsed time and applies any
// resulting demotion immediately: losing trust is free, gaining it is not.
// Rescore never promotes; only access events do.
func (m *Manager) Rescore(ctx context.Context, id string, now time.Time) (*RescoreResult, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Tombstoned {
		return nil, errors.Wrapf(errors.ErrNotFound, "record '%s' is tombstoned", id)
	}
	if rec.Tier == record.TierArchived {
		// Terminal for the automatic lifecycle.
		return &RescoreResult{Tier: rec.Tier, DecayScore: rec.DecayScore}, nil
	}

	expected := rec.Version
	since := rec.LastRescoredAt
	if since.IsZero() || rec.CreatedAt.After(since) {
		since = rec.CreatedAt
	}
	elapsedHours := now.Sub(since).Hours()
	if elapsedHours > 0 {
		rec.DecayScore *= math.Exp(-m.conf.DecayRatePerHour * elapsedHours)
	}
	rec.LastRescoredAt = now

	result := &RescoreResult{Tier: rec.Tier, DecayScore: rec.DecayScore}
	if rec.DecayScore < m.demoteThreshold(rec.Tier) {
		from := rec.Tier
		rec.Tier = rec.Tier.Prev()
		result.Tier = rec.Tier
		result.Demoted = true

		m.logger.Info("record demoted",
			slog.String("record", rec.ID),
			slog.String("from", string(from)),
			slog.String("to", string(rec.Tier)),
			slog.Float64("decay", rec.DecayScore),
		)
	}

	if _, err := m.store.UpdateIfVersion(ctx, rec, expected); err != nil {
		return nil, err
	}

	if result.Demoted {
		if err := m.store.AppendAudit(ctx, store.NewAuditEvent(
			store.AuditTypeDemotion, rec.ID, rec.OwnerID,
			map[string]any{"tier": string(rec.Tier), "decay": rec.DecayScore},
		)); err != nil {
			return nil, errors.Wrapf(errors.ErrPersistence, "demotion audit failed: %v", err)
		}
	}

	return result, nil
}

// ProposePromotion routes a promotion through the verification gate. Only
// a Verified outcome commits the tier change; Rejected arms an
// anti-thrashing cooldown that grows with the rejection count.
func (m *Manager) ProposePromotion(ctx context.Context, proposal *Proposal, now time.Time) (*gate.Outcome, error) {
	return m.verify(ctx, proposal.RecordID, true, now)
}

// Reverify re-runs verification of the record's current content out of
// cycle, judging it at the tier where it stands. It never moves the
// tier: only a proposal born from crossing the promotion threshold can
// do that. It shares the promotion idempotency key, so a concurrent
// proposal and an explicit re-evaluation share one fan-out.
func (m *Manager) Reverify(ctx context.Context, id string, now time.Time) (*gate.Outcome, error) {
	return m.verify(ctx, id, false, now)
}

func (m *Manager) verify(ctx context.Context, id string, promote bool, now time.Time) (*gate.Outcome, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Tombstoned {
		return nil, errors.Wrapf(errors.ErrNotFound, "record '%s' is tombstoned", id)
	}
	target := rec.Tier
	if promote {
		next := rec.Tier.Next()
		if next == "" {
			return nil, errors.Wrapf(errors.ErrValidation, "record '%s' in tier '%s' cannot be promoted", rec.ID, rec.Tier)
		}
		target = next
	}

	// Mark Pending before fan-out; the resulting version is the trust
	// state the idempotency key and the final commit are pinned to.
	pendingVersion := rec.Version
	if rec.Status != record.StatusPending {
		expected := rec.Version
		rec.Status = record.StatusPending
		if _, err := m.store.UpdateIfVersion(ctx, rec, expected); err != nil {
			return nil, err
		}
		pendingVersion = rec.Version
	}

	outcome, err := m.gate.Verify(ctx, &gate.Request{
		Key:       gate.PromotionKey(rec.ID, pendingVersion),
		SubjectID: rec.ID,
		OwnerID:   rec.OwnerID,
		Task: &evaluator.Task{
			Kind:       evaluator.TaskKindPromotion,
			SubjectID:  rec.ID,
			OwnerID:    rec.OwnerID,
			Content:    rec.Content,
			TargetTier: string(target),
		},
		Commit: func(ctx context.Context, decision *gate.Decision) error {
			return m.commitPromotion(ctx, rec.ID, pendingVersion, promote, decision, now)
		},
	})
	if err != nil && errors.Is(err, errors.ErrConflict) {
		// The decision was discarded because the record moved mid-flight.
		// Pending must not outlive its execution, or the record could
		// never be proposed again.
		m.clearPending(ctx, id)
	}
	return outcome, err
}

func (m *Manager) clearPending(ctx context.Context, id string) {
	rec, err := m.store.Get(ctx, id)
	if err != nil || rec.Status != record.StatusPending {
		return
	}
	rec.Status = record.StatusUnverified
	if _, err := m.store.UpdateIfVersion(ctx, rec, rec.Version); err != nil {
		m.logger.Warn("clearing stale pending status failed",
			slog.String("record", id), slog.Any("error", err))
	}
}

func (m *Manager) commitPromotion(ctx context.Context, id string, pendingVersion uint64, promote bool, decision *gate.Decision, now time.Time) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Version != pendingVersion {
		// Something else (a demotion, a merge) moved the record while the
		// gate was deciding; the decision no longer applies to this trust
		// state and the subject must be re-evaluated.
		return errors.Wrapf(errors.ErrConflict, "record '%s' changed while pending: have v%d, pinned v%d", id, rec.Version, pendingVersion)
	}

	rec.Status = decision.Status
	rec.ConsensusScore = decision.Score
	for _, result := range decision.Results {
		rec.AppendTrail(result, m.trailCap)
	}

	switch decision.Status {
	case record.StatusVerified:
		// Only a genuine proposal moves the tier; an out-of-cycle
		// re-evaluation refreshes trust in place.
		if promote {
			if next := rec.Tier.Next(); next != "" {
				rec.Tier = next
			}
		}
		rec.RejectedPromotions = 0
		rec.PromotionCooldownUntil = time.Time{}
	case record.StatusRejected:
		rec.RejectedPromotions++
		rec.PromotionCooldownUntil = now.Add(time.Duration(rec.RejectedPromotions) * m.conf.PromotionCooldown)
	}

	_, err = m.store.UpdateIfVersion(ctx, rec, pendingVersion)
	return err
}

// Reinstate explicitly returns an archived record to the working tier.
// This is the only way out of Archived; the automatic lifecycle never
// leaves it.
func (m *Manager) Reinstate(ctx context.Context, id string, now time.Time) (*record.Record, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Tombstoned {
		return nil, errors.Wrapf(errors.ErrNotFound, "record '%s' is tombstoned", id)
	}
	if rec.Tier != record.TierArchived {
		return nil, errors.Wrapf(errors.ErrValidation, "record '%s' is not archived", id)
	}

	expected := rec.Version
	rec.Tier = record.TierWorking
	rec.DecayScore = 0.5
	rec.LastRescoredAt = now
	if _, err := m.store.UpdateIfVersion(ctx, rec, expected); err != nil {
		return nil, err
	}

	if err := m.store.AppendAudit(ctx, store.NewAuditEvent(
		store.AuditTypeReinstatement, rec.ID, rec.OwnerID, nil,
	)); err != nil {
		return nil, errors.Wrapf(errors.ErrPersistence, "reinstatement audit failed: %v", err)
	}

	return rec, nil
}
