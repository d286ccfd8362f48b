package gate

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/evermind-ai/retention/config"
	"github.com/evermind-ai/retention/errors"
	"github.com/evermind-ai/retention/evaluator"
	"github.com/evermind-ai/retention/evaluator/evaltest"
	"github.com/evermind-ai/retention/record"
	"github.com/evermind-ai/retention/store"
)

func newTestGate(conf *config.GateConfig, s *store.InMemoryStore, clients ...evaluator.Client) *Gate {
	if conf == nil {
		conf = config.NewGateConfig()
	}
	return New(conf, clients, s, slog.New(slog.DiscardHandler), noop.NewTracerProvider().Tracer("test"))
}

func promotionTask() *evaluator.Task {
	return &evaluator.Task{
		Kind:       evaluator.TaskKindPromotion,
		SubjectID:  "rec-1",
		OwnerID:    "agent-1",
		Content:    "the user prefers concise answers",
		TargetTier: string(record.TierShortTerm),
	}
}

func TestVerifyRequiresCompleteRequest(t *testing.T) {
	g := newTestGate(nil, store.NewInMemoryStore())

	_, err := g.Verify(context.Background(), &Request{Key: "k"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestVerifyCommitsDecision(t *testing.T) {
	s := store.NewInMemoryStore()
	g := newTestGate(nil, s,
		&evaltest.StaticClient{EvaluatorName: "a", Stance: evaluator.StanceSupport, Confidence: 0.92},
		&evaltest.StaticClient{EvaluatorName: "b", Stance: evaluator.StanceSupport, Confidence: 0.88},
		&evaltest.StaticClient{EvaluatorName: "c", Stance: evaluator.StanceSupport, Confidence: 0.90},
	)

	var committed *Decision
	outcome, err := g.Verify(context.Background(), &Request{
		Key:       PromotionKey("rec-1", 1),
		SubjectID: "rec-1",
		OwnerID:   "agent-1",
		Task:      promotionTask(),
		Commit: func(ctx context.Context, decision *Decision) error {
			committed = decision
			return nil
		},
	})
	require.NoError(t, err)
	require.NotNil(t, committed)
	assert.Equal(t, record.StatusVerified, committed.Status)
	assert.Equal(t, ReasonAccepted, committed.Reason)
	assert.Same(t, committed, outcome.Decision)
	assert.Len(t, committed.Results, 3)

	audits := s.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, store.AuditTypeVerification, audits[0].Type)
	assert.Equal(t, "rec-1", audits[0].SubjectID)
}

func TestVerifyAuditPrecedesCommit(t *testing.T) {
	s := store.NewInMemoryStore()
	g := newTestGate(nil, s,
		&evaltest.StaticClient{EvaluatorName: "a", Stance: evaluator.StanceSupport, Confidence: 0.9},
		&evaltest.StaticClient{EvaluatorName: "b", Stance: evaluator.StanceSupport, Confidence: 0.9},
		&evaltest.StaticClient{EvaluatorName: "c", Stance: evaluator.StanceSupport, Confidence: 0.9},
	)

	_, err := g.Verify(context.Background(), &Request{
		Key:       PromotionKey("rec-1", 1),
		SubjectID: "rec-1",
		OwnerID:   "agent-1",
		Task:      promotionTask(),
		Commit: func(ctx context.Context, decision *Decision) error {
			return errors.Wrapf(errors.ErrConflict, "record moved")
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	// The decision was durably recorded even though the commit failed.
	require.Len(t, s.Audits(), 1)
}

func TestVerifySingleFlightSharesOneFanOut(t *testing.T) {
	clients := []*evaltest.StaticClient{
		{EvaluatorName: "a", Stance: evaluator.StanceSupport, Confidence: 0.9, Delay: 100 * time.Millisecond},
		{EvaluatorName: "b", Stance: evaluator.StanceSupport, Confidence: 0.9, Delay: 100 * time.Millisecond},
		{EvaluatorName: "c", Stance: evaluator.StanceSupport, Confidence: 0.9, Delay: 100 * time.Millisecond},
	}
	s := store.NewInMemoryStore()
	g := newTestGate(nil, s, clients[0], clients[1], clients[2])

	var commits atomic.Int64
	req := func() *Request {
		return &Request{
			Key:       PromotionKey("rec-1", 1),
			SubjectID: "rec-1",
			OwnerID:   "agent-1",
			Task:      promotionTask(),
			Commit: func(ctx context.Context, decision *Decision) error {
				commits.Add(1)
				return nil
			},
		}
	}

	const callers = 8
	var wg sync.WaitGroup
	var attached atomic.Int64
	outcomes := make([]*Outcome, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], errs[i] = g.Verify(context.Background(), req())
			if outcomes[i] != nil && outcomes[i].Attached {
				attached.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), commits.Load())
	for _, client := range clients {
		assert.Equal(t, int64(1), client.Submissions())
	}
	assert.GreaterOrEqual(t, attached.Load(), int64(1))
	for i, outcome := range outcomes {
		require.NoError(t, errs[i])
		assert.Equal(t, record.StatusVerified, outcome.Decision.Status)
	}
}

func TestVerifyDeadlineForcesRejection(t *testing.T) {
	conf := config.NewGateConfig()
	conf.Deadline = 50 * time.Millisecond
	conf.EvaluatorTimeout = time.Second
	conf.EvaluatorRetries = 0

	s := store.NewInMemoryStore()
	g := newTestGate(conf, s,
		&evaltest.StaticClient{EvaluatorName: "a", Stance: evaluator.StanceSupport, Confidence: 0.9, Delay: 300 * time.Millisecond},
		&evaltest.StaticClient{EvaluatorName: "b", Stance: evaluator.StanceSupport, Confidence: 0.9, Delay: 300 * time.Millisecond},
		&evaltest.StaticClient{EvaluatorName: "c", Stance: evaluator.StanceSupport, Confidence: 0.9, Delay: 300 * time.Millisecond},
	)

	var committed *Decision
	outcome, err := g.Verify(context.Background(), &Request{
		Key:       PromotionKey("rec-1", 1),
		SubjectID: "rec-1",
		OwnerID:   "agent-1",
		Task:      promotionTask(),
		Commit: func(ctx context.Context, decision *Decision) error {
			committed = decision
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, record.StatusRejected, outcome.Decision.Status)
	assert.Equal(t, ReasonDeadline, outcome.Decision.Reason)
	require.NotNil(t, committed)
}

// ctxHonoringStore refuses writes on a done context, the way a store
// backed by a real database driver does.
type ctxHonoringStore struct {
	store.Store
}

func (s *ctxHonoringStore) AppendAudit(ctx context.Context, event *store.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.AppendAudit(ctx, event)
}

func TestVerifyDeadlineRejectionOutlivesExpiredContext(t *testing.T) {
	conf := config.NewGateConfig()
	conf.Deadline = 50 * time.Millisecond
	conf.EvaluatorTimeout = time.Second
	conf.EvaluatorRetries = 0

	inner := store.NewInMemoryStore()
	g := New(conf, []evaluator.Client{
		&evaltest.StaticClient{EvaluatorName: "a", Stance: evaluator.StanceSupport, Confidence: 0.9, Delay: 300 * time.Millisecond},
		&evaltest.StaticClient{EvaluatorName: "b", Stance: evaluator.StanceSupport, Confidence: 0.9, Delay: 300 * time.Millisecond},
		&evaltest.StaticClient{EvaluatorName: "c", Stance: evaluator.StanceSupport, Confidence: 0.9, Delay: 300 * time.Millisecond},
	}, &ctxHonoringStore{Store: inner}, slog.New(slog.DiscardHandler), noop.NewTracerProvider().Tracer("test"))

	var commitCtxErr error
	var committed *Decision
	outcome, err := g.Verify(context.Background(), &Request{
		Key:       PromotionKey("rec-1", 1),
		SubjectID: "rec-1",
		OwnerID:   "agent-1",
		Task:      promotionTask(),
		Commit: func(ctx context.Context, decision *Decision) error {
			commitCtxErr = ctx.Err()
			committed = decision
			return nil
		},
	})

	// The forced rejection must still be durably recorded: audit and
	// commit run on a context that survives the expired deadline.
	require.NoError(t, err)
	assert.Equal(t, record.StatusRejected, outcome.Decision.Status)
	assert.Equal(t, ReasonDeadline, outcome.Decision.Reason)
	require.NotNil(t, committed)
	assert.NoError(t, commitCtxErr)
	assert.Len(t, inner.Audits(), 1)
}

func TestVerifyFanOutHonorsCap(t *testing.T) {
	conf := config.NewGateConfig()
	conf.FanOut = 2

	a := &evaltest.StaticClient{EvaluatorName: "a", Stance: evaluator.StanceSupport, Confidence: 0.9}
	b := &evaltest.StaticClient{EvaluatorName: "b", Stance: evaluator.StanceSupport, Confidence: 0.9}
	c := &evaltest.StaticClient{EvaluatorName: "c", Stance: evaluator.StanceSupport, Confidence: 0.9}
	g := newTestGate(conf, store.NewInMemoryStore(), a, b, c)

	outcome, err := g.Verify(context.Background(), &Request{
		Key:       PromotionKey("rec-1", 1),
		SubjectID: "rec-1",
		OwnerID:   "agent-1",
		Task:      promotionTask(),
		Commit:    func(ctx context.Context, decision *Decision) error { return nil },
	})
	require.NoError(t, err)

	assert.Len(t, outcome.Decision.Results, 2)
	assert.EqualValues(t, 1, a.Submissions())
	assert.EqualValues(t, 1, b.Submissions())
	assert.EqualValues(t, 0, c.Submissions())
}

func TestVerifySurvivesCallerCancellation(t *testing.T) {
	s := store.NewInMemoryStore()
	g := newTestGate(nil, s,
		&evaltest.StaticClient{EvaluatorName: "a", Stance: evaluator.StanceSupport, Confidence: 0.9, Delay: 50 * time.Millisecond},
		&evaltest.StaticClient{EvaluatorName: "b", Stance: evaluator.StanceSupport, Confidence: 0.9, Delay: 50 * time.Millisecond},
		&evaltest.StaticClient{EvaluatorName: "c", Stance: evaluator.StanceSupport, Confidence: 0.9, Delay: 50 * time.Millisecond},
	)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	outcome, err := g.Verify(ctx, &Request{
		Key:       PromotionKey("rec-1", 1),
		SubjectID: "rec-1",
		OwnerID:   "agent-1",
		Task:      promotionTask(),
		Commit:    func(ctx context.Context, decision *Decision) error { return nil },
	})

	// The execution context is detached from the caller, so cancellation
	// of the caller does not abort the decision.
	require.NoError(t, err)
	assert.Equal(t, record.StatusVerified, outcome.Decision.Status)
}

func TestIdempotencyKeys(t *testing.T) {
	assert.Equal(t, "promote:rec-1:v4", PromotionKey("rec-1", 4))
	assert.Equal(t, ConsolidationKey([]string{"b", "a"}, 7), ConsolidationKey([]string{"a", "b"}, 7))
	assert.NotEqual(t, ConsolidationKey([]string{"a", "b"}, 7), ConsolidationKey([]string{"a", "b"}, 8))
}
