package evaluator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evermind-ai/retention/errors"
	"github.com/evermind-ai/retention/record"
)

type (
	// Task is one judgment request. Kind selects the prompt; the gate owns
	// fan-out, retries, and aggregation.
	Task struct {
		Kind       TaskKind `json:"kind"`
		SubjectID  string   `json:"subjectId"`
		OwnerID    string   `json:"ownerId"`
		Content    string   `json:"content"`
		Candidates []string `json:"candidates,omitempty"`
		TargetTier string   `json:"targetTier,omitempty"`
	}

	TaskKind string

	// Client is the evaluation collaborator: submit is asynchronous, the
	// result is claimed separately with a timeout, and an unclaimed task
	// can be cancelled. Implementations must sustain at least the gate's
	// fan-out factor in concurrent outstanding tasks.
	Client interface {
		Name() string
		Submit(ctx context.Context, task *Task) (string, error)
		GetResult(ctx context.Context, taskID string, timeout time.Duration) (*record.EvaluatorResult, error)
		Cancel(ctx context.Context, taskID string) error
	}

	// Verdict is the structured judgment every backend must produce.
	Verdict struct {
		Stance     string  `json:"stance" jsonschema:"required,enum=support,enum=oppose,enum=abstain,description=Whether the claim should be trusted"`
		Confidence float64 `json:"confidence" jsonschema:"required,minimum=0,maximum=1,description=Confidence in the stance between 0 and 1"`
		Rationale  string  `json:"rationale" jsonschema:"description=One or two sentences explaining the stance"`
	}

	pendingTask struct {
		cancel    context.CancelFunc
		done      chan struct{}
		result    *record.EvaluatorResult
		createdAt time.Time
	}

	// taskRunner implements the submit/claim/cancel protocol shared by the
	// LLM-backed clients. The pending map is bounded by TTL eviction.
	taskRunner struct {
		mu    sync.Mutex
		tasks map[string]*pendingTask
		ttl   time.Duration
	}
)

const (
	TaskKindPromotion     TaskKind = "promotion"
	TaskKindConsolidation TaskKind = "consolidation"

	StanceSupport = "support"
	StanceOppose  = "oppose"
	StanceAbstain = "abstain"
)

func newTaskRunner(ttl time.Duration) *taskRunner {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &taskRunner{
		tasks: make(map[string]*pendingTask),
		ttl:   ttl,
	}
}

// submit launches run on its own cancellable context so the task survives
// the submitter's request scope until claimed or cancelled.
func (r *taskRunner) submit(run func(ctx context.Context) *record.EvaluatorResult) string {
	taskCtx, cancel := context.WithCancel(context.Background())
	task := &pendingTask{
		cancel:    cancel,
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}

	taskID := uuid.NewString()

	r.mu.Lock()
	r.evictLocked()
	r.tasks[taskID] = task
	r.mu.Unlock()

	go func() {
		defer cancel()
		task.result = run(taskCtx)
		close(task.done)
	}()

	return taskID
}

func (r *taskRunner) evictLocked() {
	deadline := time.Now().Add(-r.ttl)
	for id, task := range r.tasks {
		if task.createdAt.Before(deadline) {
			task.cancel()
			delete(r.tasks, id)
		}
	}
}

func (r *taskRunner) result(ctx context.Context, taskID string, timeout time.Duration) (*record.EvaluatorResult, error) {
	r.mu.Lock()
	task, exists := r.tasks[taskID]
	r.mu.Unlock()
	if !exists {
		return nil, errors.Wrapf(errors.ErrNotFound, "task '%s'", taskID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-task.done:
		r.mu.Lock()
		delete(r.tasks, taskID)
		r.mu.Unlock()
		return task.result, nil
	case <-timer.C:
		return nil, errors.Wrapf(errors.ErrEvaluatorUnavailable, "task '%s' timed out after %s", taskID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *taskRunner) cancelTask(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, exists := r.tasks[taskID]
	if !exists {
		return errors.Wrapf(errors.ErrNotFound, "task '%s'", taskID)
	}
	task.cancel()
	delete(r.tasks, taskID)
	return nil
}

// parseVerdict accepts raw model output, tolerating markdown fences, and
// clamps the confidence into [0,1].
func parseVerdict(raw string) (*Verdict, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var verdict Verdict
	if err := json.Unmarshal([]byte(trimmed), &verdict); err != nil {
		return nil, errors.Wrapf(err, "failed to parse verdict")
	}

	switch verdict.Stance {
	case StanceSupport, StanceOppose, StanceAbstain:
	default:
		return nil, errors.Errorf("unknown stance: %q", verdict.Stance)
	}
	if verdict.Confidence < 0 {
		verdict.Confidence = 0
	}
	if verdict.Confidence > 1 {
		verdict.Confidence = 1
	}

	return &verdict, nil
}

func failedResult(name string, start time.Time, err error) *record.EvaluatorResult {
	return &record.EvaluatorResult{
		Evaluator: name,
		Stance:    StanceAbstain,
		Latency:   time.Since(start),
		Success:   false,
		Err:       err.Error(),
	}
}

func verdictResult(name string, start time.Time, verdict *Verdict) *record.EvaluatorResult {
	return &record.EvaluatorResult{
		Evaluator:  name,
		Stance:     verdict.Stance,
		Confidence: verdict.Confidence,
		Rationale:  verdict.Rationale,
		Latency:    time.Since(start),
		Success:    true,
	}
}
