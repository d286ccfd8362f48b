// Package evaltest provides deterministic evaluator clients for tests.
package evaltest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/evermind-ai/retention/errors"
	"github.com/evermind-ai/retention/evaluator"
	"github.com/evermind-ai/retention/record"
)

// StaticClient returns a scripted result for every task. Failures are
// modelled by Success=false results or by Unavailable.
type StaticClient struct {
	EvaluatorName string
	Stance        string
	Confidence    float64
	// Unavailable makes GetResult fail as if the evaluator never responded.
	Unavailable bool
	// Delay postpones result readiness to exercise timeouts.
	Delay time.Duration

	submissions atomic.Int64

	mu    sync.Mutex
	tasks map[string]*evaluator.Task
}

var _ evaluator.Client = (*StaticClient)(nil)

func (c *StaticClient) Name() string {
	if c.EvaluatorName == "" {
		return "static"
	}
	return c.EvaluatorName
}

// Submissions reports how many tasks were submitted, for single-flight
// assertions.
func (c *StaticClient) Submissions() int64 {
	return c.submissions.Load()
}

func (c *StaticClient) Submit(ctx context.Context, task *evaluator.Task) (string, error) {
	c.submissions.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tasks == nil {
		c.tasks = make(map[string]*evaluator.Task)
	}
	taskID := uuid.NewString()
	c.tasks[taskID] = task
	return taskID, nil
}

func (c *StaticClient) GetResult(ctx context.Context, taskID string, timeout time.Duration) (*record.EvaluatorResult, error) {
	c.mu.Lock()
	_, exists := c.tasks[taskID]
	delete(c.tasks, taskID)
	c.mu.Unlock()
	if !exists {
		return nil, errors.Wrapf(errors.ErrNotFound, "task '%s'", taskID)
	}

	if c.Delay > 0 {
		if c.Delay >= timeout {
			return nil, errors.Wrapf(errors.ErrEvaluatorUnavailable, "task '%s' timed out", taskID)
		}
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.Unavailable {
		return nil, errors.Wrapf(errors.ErrEvaluatorUnavailable, "evaluator '%s' is down", c.Name())
	}

	stance := c.Stance
	if stance == "" {
		stance = evaluator.StanceSupport
	}
	return &record.EvaluatorResult{
		Evaluator:  c.Name(),
		Stance:     stance,
		Confidence: c.Confidence,
		Rationale:  "scripted",
		Latency:    c.Delay,
		Success:    true,
	}, nil
}

func (c *StaticClient) Cancel(ctx context.Context, taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, taskID)
	return nil
}
