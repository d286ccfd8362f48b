package lifecycle_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/evermind-ai/retention/config"
	"github.com/evermind-ai/retention/errors"
	"github.com/evermind-ai/retention/evaluator"
	"github.com/evermind-ai/retention/evaluator/evaltest"
	"github.com/evermind-ai/retention/gate"
	"github.com/evermind-ai/retention/lifecycle"
	"github.com/evermind-ai/retention/record"
	"github.com/evermind-ai/retention/store"
)

func newTestManager(t *testing.T, clients ...evaluator.Client) (*lifecycle.Manager, *store.InMemoryStore) {
	t.Helper()

	s := store.NewInMemoryStore()
	logger := slog.New(slog.DiscardHandler)
	gateConf := config.NewGateConfig()
	g := gate.New(gateConf, clients, s, logger, noop.NewTracerProvider().Tracer("test"))
	m := lifecycle.NewManager(s, g, config.NewLifecycleConfig(), gateConf.TrailCap, logger)
	return m, s
}

func seedRecord(t *testing.T, s *store.InMemoryStore, tier record.Tier, decay float64) *record.Record {
	t.Helper()

	now := time.Now().Add(-time.Hour)
	rec := &record.Record{
		ID:         "rec-" + string(tier),
		OwnerID:    "agent-1",
		Content:    "prefers concise answers over long explanations",
		Tier:       tier,
		Status:     record.StatusUnverified,
		DecayScore: decay,
		Importance: 0.6,
		CreatedAt:  now,
	}
	require.NoError(t, s.Create(context.Background(), rec))
	return rec
}

func TestRecordAccessBoostsTowardCeiling(t *testing.T) {
	m, s := newTestManager(t)
	rec := seedRecord(t, s, record.TierWorking, 0.4)

	outcome, err := m.RecordAccess(context.Background(), rec.ID, time.Now())
	require.NoError(t, err)

	// 0.4 + 0.6*0.25
	assert.InDelta(t, 0.55, outcome.Record.DecayScore, 1e-9)
	assert.Equal(t, 1, outcome.Record.AccessCount)
	assert.Nil(t, outcome.Proposal)

	// Repeated boosts approach but never exceed 1.
	for i := 0; i < 50; i++ {
		outcome, err = m.RecordAccess(context.Background(), rec.ID, time.Now())
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, outcome.Record.DecayScore, 1.0)
}

func TestRecordAccessProposesPromotion(t *testing.T) {
	m, s := newTestManager(t)
	rec := seedRecord(t, s, record.TierWorking, 0.7)

	outcome, err := m.RecordAccess(context.Background(), rec.ID, time.Now())
	require.NoError(t, err)

	// 0.7 + 0.3*0.25 = 0.775 > 0.75
	require.NotNil(t, outcome.Proposal)
	assert.Equal(t, record.TierWorking, outcome.Proposal.FromTier)
	assert.Equal(t, record.TierShortTerm, outcome.Proposal.ToTier)

	// The proposal is advisory; the tier itself is untouched.
	stored, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.TierWorking, stored.Tier)
}

func TestRecordAccessRespectsCooldown(t *testing.T) {
	m, s := newTestManager(t)
	rec := seedRecord(t, s, record.TierWorking, 0.9)
	rec.PromotionCooldownUntil = time.Now().Add(time.Hour)
	_, err := s.UpdateIfVersion(context.Background(), rec, rec.Version)
	require.NoError(t, err)

	outcome, err := m.RecordAccess(context.Background(), rec.ID, time.Now())
	require.NoError(t, err)
	assert.Nil(t, outcome.Proposal)
}

func TestRecordAccessNeverProposesOutOfLongTerm(t *testing.T) {
	m, s := newTestManager(t)
	rec := seedRecord(t, s, record.TierLongTerm, 0.99)

	outcome, err := m.RecordAccess(context.Background(), rec.ID, time.Now())
	require.NoError(t, err)
	assert.Nil(t, outcome.Proposal)
}

func TestRescoreAttenuatesAndDemotes(t *testing.T) {
	m, s := newTestManager(t)
	rec := seedRecord(t, s, record.TierShortTerm, 0.21)

	// One hour of decay at 0.02/h leaves 0.21*e^-0.02 ~ 0.2058, above the
	// short-term floor of 0.20.
	result, err := m.Rescore(context.Background(), rec.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, result.Demoted)
	assert.Equal(t, record.TierShortTerm, result.Tier)

	// A week later it is far below the floor.
	result, err = m.Rescore(context.Background(), rec.ID, time.Now().Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.True(t, result.Demoted)
	assert.Equal(t, record.TierWorking, result.Tier)

	audits := s.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, store.AuditTypeDemotion, audits[0].Type)
}

func TestRescoreArchivesWorkingDirectly(t *testing.T) {
	m, s := newTestManager(t)
	rec := seedRecord(t, s, record.TierWorking, 0.11)

	result, err := m.Rescore(context.Background(), rec.ID, time.Now().Add(30*24*time.Hour))
	require.NoError(t, err)
	assert.True(t, result.Demoted)
	assert.Equal(t, record.TierArchived, result.Tier)
}

func TestRescoreNeverPromotes(t *testing.T) {
	m, s := newTestManager(t)
	rec := seedRecord(t, s, record.TierWorking, 0.99)

	result, err := m.Rescore(context.Background(), rec.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, result.Demoted)
	assert.Equal(t, record.TierWorking, result.Tier)

	stored, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.TierWorking, stored.Tier)
}

func TestRescoreLeavesArchivedAlone(t *testing.T) {
	m, s := newTestManager(t)
	rec := seedRecord(t, s, record.TierArchived, 0.05)

	result, err := m.Rescore(context.Background(), rec.ID, time.Now().Add(365*24*time.Hour))
	require.NoError(t, err)
	assert.False(t, result.Demoted)
	assert.Equal(t, record.TierArchived, result.Tier)
	assert.Equal(t, 0.05, result.DecayScore)
}

func TestPromotionCommitsOnlyWhenVerified(t *testing.T) {
	clients := []evaluator.Client{
		&evaltest.StaticClient{EvaluatorName: "a", Stance: evaluator.StanceSupport, Confidence: 0.92},
		&evaltest.StaticClient{EvaluatorName: "b", Stance: evaluator.StanceSupport, Confidence: 0.88},
		&evaltest.StaticClient{EvaluatorName: "c", Stance: evaluator.StanceSupport, Confidence: 0.90},
	}
	m, s := newTestManager(t, clients...)
	rec := seedRecord(t, s, record.TierWorking, 0.9)

	now := time.Now()
	outcome, err := m.ProposePromotion(context.Background(), &lifecycle.Proposal{
		RecordID: rec.ID,
		OwnerID:  rec.OwnerID,
		FromTier: record.TierWorking,
		ToTier:   record.TierShortTerm,
		Version:  rec.Version,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, record.StatusVerified, outcome.Decision.Status)

	stored, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.TierShortTerm, stored.Tier)
	assert.Equal(t, record.StatusVerified, stored.Status)
	assert.Len(t, stored.Trail, 3)
	assert.InDelta(t, 0.90, stored.ConsensusScore, 1e-9)
}

func TestRejectedPromotionArmsCooldown(t *testing.T) {
	clients := []evaluator.Client{
		&evaltest.StaticClient{EvaluatorName: "a", Stance: evaluator.StanceOppose, Confidence: 0.9},
		&evaltest.StaticClient{EvaluatorName: "b", Stance: evaluator.StanceOppose, Confidence: 0.85},
		&evaltest.StaticClient{EvaluatorName: "c", Stance: evaluator.StanceOppose, Confidence: 0.95},
	}
	m, s := newTestManager(t, clients...)
	rec := seedRecord(t, s, record.TierWorking, 0.9)

	now := time.Now()
	outcome, err := m.ProposePromotion(context.Background(), &lifecycle.Proposal{
		RecordID: rec.ID,
		Version:  rec.Version,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, record.StatusRejected, outcome.Decision.Status)

	stored, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.TierWorking, stored.Tier)
	assert.Equal(t, 1, stored.RejectedPromotions)
	assert.True(t, stored.PromotionCooldownUntil.After(now))

	// The next access inside the window must not re-propose.
	access, err := m.RecordAccess(context.Background(), rec.ID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, access.Proposal)
}

func TestPromotionQuorumFailureRecordsFailedTrail(t *testing.T) {
	clients := []evaluator.Client{
		&evaltest.StaticClient{EvaluatorName: "a", Unavailable: true},
		&evaltest.StaticClient{EvaluatorName: "b", Unavailable: true},
		&evaltest.StaticClient{EvaluatorName: "c", Unavailable: true},
	}
	m, s := newTestManager(t, clients...)
	rec := seedRecord(t, s, record.TierWorking, 0.9)

	outcome, err := m.ProposePromotion(context.Background(), &lifecycle.Proposal{
		RecordID: rec.ID,
		Version:  rec.Version,
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, record.StatusRejected, outcome.Decision.Status)
	assert.Equal(t, gate.ReasonQuorumFailure, outcome.Decision.Reason)

	stored, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.TierWorking, stored.Tier)
	require.Len(t, stored.Trail, 3)
	for _, entry := range stored.Trail {
		assert.False(t, entry.Success)
	}
}

func TestPromotionConflictsWhenRecordMovesWhilePending(t *testing.T) {
	clients := []evaluator.Client{
		&evaltest.StaticClient{EvaluatorName: "a", Stance: evaluator.StanceSupport, Confidence: 0.9, Delay: 50 * time.Millisecond},
		&evaltest.StaticClient{EvaluatorName: "b", Stance: evaluator.StanceSupport, Confidence: 0.9, Delay: 50 * time.Millisecond},
		&evaltest.StaticClient{EvaluatorName: "c", Stance: evaluator.StanceSupport, Confidence: 0.9, Delay: 50 * time.Millisecond},
	}
	m, s := newTestManager(t, clients...)
	rec := seedRecord(t, s, record.TierShortTerm, 0.9)

	done := make(chan error, 1)
	go func() {
		_, err := m.ProposePromotion(context.Background(), &lifecycle.Proposal{
			RecordID: rec.ID,
			Version:  rec.Version,
		}, time.Now())
		done <- err
	}()

	// Wait for the Pending mark, then move the record underneath the gate.
	require.Eventually(t, func() bool {
		stored, err := s.Get(context.Background(), rec.ID)
		return err == nil && stored.Status == record.StatusPending
	}, time.Second, 5*time.Millisecond)

	stored, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	stored.Tier = record.TierWorking
	stored.DecayScore = 0.1
	_, err = s.UpdateIfVersion(context.Background(), stored, stored.Version)
	require.NoError(t, err)

	err = <-done
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestReverifyNeverPromotes(t *testing.T) {
	m, s := newTestManager(t,
		&evaltest.StaticClient{EvaluatorName: "a", Stance: evaluator.StanceSupport, Confidence: 0.92},
		&evaltest.StaticClient{EvaluatorName: "b", Stance: evaluator.StanceSupport, Confidence: 0.88},
		&evaltest.StaticClient{EvaluatorName: "c", Stance: evaluator.StanceSupport, Confidence: 0.90},
	)

	// Far below the working-tier promotion threshold: a forced
	// re-evaluation may refresh trust but must not move the tier.
	rec := seedRecord(t, s, record.TierWorking, 0.10)

	outcome, err := m.Reverify(context.Background(), rec.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, record.StatusVerified, outcome.Decision.Status)

	got, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.TierWorking, got.Tier)
	assert.Equal(t, record.StatusVerified, got.Status)
	assert.Greater(t, got.ConsensusScore, 0.8)

	// Repeated re-evaluations must not walk the record up the tiers.
	_, err = m.Reverify(context.Background(), rec.ID, time.Now())
	require.NoError(t, err)
	got, err = s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.TierWorking, got.Tier)
}

func TestReinstateReturnsArchivedToWorking(t *testing.T) {
	m, s := newTestManager(t)
	rec := seedRecord(t, s, record.TierArchived, 0.02)

	got, err := m.Reinstate(context.Background(), rec.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, record.TierWorking, got.Tier)
	assert.Equal(t, 0.5, got.DecayScore)

	_, err = m.Reinstate(context.Background(), rec.ID, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	audits := s.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, store.AuditTypeReinstatement, audits[0].Type)
}
