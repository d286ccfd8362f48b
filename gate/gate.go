package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/evermind-ai/retention/config"
	"github.com/evermind-ai/retention/errors"
	"github.com/evermind-ai/retention/evaluator"
	"github.com/evermind-ai/retention/record"
	"github.com/evermind-ai/retention/store"
)

type (
	// Gate converts independent external judgments into one auditable
	// decision, with at most one execution in flight per idempotency key.
	Gate struct {
		conf       *config.GateConfig
		evaluators []evaluator.Client
		weights    map[string]float64
		store      store.Store
		logger     *slog.Logger
		tracer     trace.Tracer

		flight singleflight.Group
	}

	// Request describes one verification subject. Commit is invoked exactly
	// once per execution with the terminal decision; it must persist the
	// decision with a version-checked update and may return ErrConflict or
	// ErrPersistence.
	Request struct {
		Key       string
		SubjectID string
		OwnerID   string
		Task      *evaluator.Task
		Commit    func(ctx context.Context, decision *Decision) error
	}

	// Outcome is what every attached caller observes.
	Outcome struct {
		Decision *Decision
		// Attached is true when this caller joined an execution started by
		// another caller.
		Attached bool
	}
)

// persistGrace bounds the audit and commit writes after a decision is
// reached, independently of the execution deadline.
const persistGrace = 15 * time.Second

func New(conf *config.GateConfig, evaluators []evaluator.Client, s store.Store, logger *slog.Logger, tracer trace.Tracer) *Gate {
	return &Gate{
		conf:       conf,
		evaluators: evaluators,
		weights:    make(map[string]float64),
		store:      s,
		logger:     logger,
		tracer:     tracer,
	}
}

// SetWeight adjusts one evaluator's contribution to the weighted mean.
func (g *Gate) SetWeight(evaluatorName string, weight float64) {
	g.weights[evaluatorName] = weight
}

// PromotionKey derives the idempotency key for a tier promotion from the
// record identity and its trust-state version.
func PromotionKey(recordID string, version uint64) string {
	return fmt.Sprintf("promote:%s:v%d", recordID, version)
}

// ConsolidationKey derives the idempotency key for a merge proposal from
// the sorted candidate identities and their version sum.
func ConsolidationKey(candidateIDs []string, versionSum uint64) string {
	ids := append([]string(nil), candidateIDs...)
	sort.Strings(ids)
	return fmt.Sprintf("merge:%s:v%d", strings.Join(ids, ","), versionSum)
}

// Verify runs (or attaches to) the verification execution for req.Key.
// Concurrent callers with the same key share a single fan-out and observe
// the same terminal decision.
func (g *Gate) Verify(ctx context.Context, req *Request) (*Outcome, error) {
	if req == nil || req.Key == "" || req.Task == nil || req.Commit == nil {
		return nil, errors.Wrapf(errors.ErrValidation, "incomplete verification request")
	}

	type flightResult struct {
		decision *Decision
	}

	v, err, shared := g.flight.Do(req.Key, func() (any, error) {
		// The execution must not die with the first caller; attached
		// callers and the subject itself depend on it completing.
		execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.conf.Deadline)
		defer cancel()

		decision, err := g.execute(execCtx, req)
		if err != nil {
			return nil, err
		}
		return &flightResult{decision: decision}, nil
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Decision: v.(*flightResult).decision,
		Attached: shared,
	}, nil
}

func (g *Gate) execute(ctx context.Context, req *Request) (*Decision, error) {
	ctx, span := g.tracer.Start(ctx, "gate.verify",
		trace.WithAttributes(
			attribute.String("subject", req.SubjectID),
			attribute.String("owner", req.OwnerID),
			attribute.String("kind", string(req.Task.Kind)),
		))
	defer span.End()

	results := g.fanOut(ctx, req.Task)
	consensus := computeConsensus(results, g.weights)

	status, reason := decide(consensus, g.conf)
	if ctx.Err() != nil {
		// Ran out of deadline mid-flight; Pending is never a resting state.
		status, reason = record.StatusRejected, ReasonDeadline
	}

	decision := &Decision{
		Status:    status,
		Score:     consensus.MeanConfidence,
		Agreement: consensus.Agreement,
		Reason:    reason,
		Results:   results,
	}

	// The decision is made; persisting it must not race the deadline that
	// may have just forced it, or a forced rejection could never land and
	// the subject would rest in Pending.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistGrace)
	defer cancel()

	// Durably record the decision before applying it: a decision whose
	// audit write fails is not considered made.
	if err := g.store.AppendAudit(persistCtx, store.NewAuditEvent(
		store.AuditTypeVerification, req.SubjectID, req.OwnerID,
		map[string]any{
			"status":    string(status),
			"score":     decision.Score,
			"agreement": decision.Agreement,
			"reason":    reason,
			"successes": consensus.Successes,
			"failures":  consensus.Failures,
		},
	)); err != nil {
		return nil, errors.Wrapf(errors.ErrPersistence, "audit append failed: %v", err)
	}

	if err := req.Commit(persistCtx, decision); err != nil {
		return nil, err
	}

	g.logger.Info("verification decided",
		slog.String("subject", req.SubjectID),
		slog.String("status", string(status)),
		slog.String("reason", reason),
		slog.Float64("score", decision.Score),
		slog.Float64("agreement", decision.Agreement),
	)

	return decision, nil
}

// fanOut submits the task to up to FanOut evaluators concurrently, in
// configured order. A failed or timed-out evaluator is recorded as a
// failed result, never discarded: evaluator availability is itself
// evidence.
func (g *Gate) fanOut(ctx context.Context, task *evaluator.Task) []record.EvaluatorResult {
	clients := g.evaluators
	if g.conf.FanOut > 0 && g.conf.FanOut < len(clients) {
		clients = clients[:g.conf.FanOut]
	}
	results := make([]record.EvaluatorResult, len(clients))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, client := range clients {
		eg.Go(func() error {
			results[i] = g.evaluateWithRetry(egCtx, client, task)
			return nil
		})
	}
	_ = eg.Wait()

	return results
}

func (g *Gate) evaluateWithRetry(ctx context.Context, client evaluator.Client, task *evaluator.Task) record.EvaluatorResult {
	start := time.Now()
	backoff := g.conf.RetryBackoff

	var lastErr error
loop:
	for attempt := 0; attempt <= g.conf.EvaluatorRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break loop
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		result, err := g.evaluateOnce(ctx, client, task)
		if err == nil {
			return *result
		}
		lastErr = err

		g.logger.Warn("evaluator attempt failed",
			slog.String("evaluator", client.Name()),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
	}

	if lastErr == nil {
		lastErr = errors.ErrEvaluatorUnavailable
	}
	return record.EvaluatorResult{
		Evaluator: client.Name(),
		Stance:    evaluator.StanceAbstain,
		Latency:   time.Since(start),
		Success:   false,
		Err:       lastErr.Error(),
	}
}

func (g *Gate) evaluateOnce(ctx context.Context, client evaluator.Client, task *evaluator.Task) (*record.EvaluatorResult, error) {
	taskID, err := client.Submit(ctx, task)
	if err != nil {
		return nil, err
	}

	result, err := client.GetResult(ctx, taskID, g.conf.EvaluatorTimeout)
	if err != nil {
		// Best effort; an unclaimed task is evicted by TTL anyway.
		_ = client.Cancel(ctx, taskID)
		return nil, err
	}
	if !result.Success {
		return nil, errors.Wrapf(errors.ErrEvaluatorUnavailable, "evaluator '%s': %s", client.Name(), result.Err)
	}
	return result, nil
}
