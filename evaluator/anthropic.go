package evaluator

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/evermind-ai/retention/errors"
	"github.com/evermind-ai/retention/record"
)

// AnthropicClient judges tasks with a Claude model, giving the gate an
// evaluator independent of the OpenAI-backed one.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
	runner *taskRunner
}

var _ Client = (*AnthropicClient)(nil)

func NewAnthropicClient(apiKey, model string, pendingTTL time.Duration) *AnthropicClient {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{
		client: &client,
		model:  model,
		runner: newTaskRunner(pendingTTL),
	}
}

func (c *AnthropicClient) Name() string {
	return "anthropic/" + c.model
}

func (c *AnthropicClient) Submit(ctx context.Context, task *Task) (string, error) {
	prompt, err := BuildPrompt(task)
	if err != nil {
		return "", err
	}

	name := c.Name()
	return c.runner.submit(func(taskCtx context.Context) *record.EvaluatorResult {
		start := time.Now()

		resp, err := c.client.Messages.New(taskCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: 512,
			System: []anthropic.TextBlockParam{
				{Text: "You are a strict memory auditor. Respond only with the requested JSON object."},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return failedResult(name, start, errors.Wrapf(errors.ErrEvaluatorUnavailable, "anthropic: %v", err))
		}

		var text strings.Builder
		for _, content := range resp.Content {
			if block, ok := content.AsAny().(anthropic.TextBlock); ok {
				text.WriteString(block.Text)
			}
		}
		if text.Len() == 0 {
			return failedResult(name, start, errors.Wrapf(errors.ErrEvaluatorUnavailable, "anthropic: empty response"))
		}

		verdict, err := parseVerdict(text.String())
		if err != nil {
			return failedResult(name, start, err)
		}
		return verdictResult(name, start, verdict)
	}), nil
}

func (c *AnthropicClient) GetResult(ctx context.Context, taskID string, timeout time.Duration) (*record.EvaluatorResult, error) {
	return c.runner.result(ctx, taskID, timeout)
}

func (c *AnthropicClient) Cancel(ctx context.Context, taskID string) error {
	return c.runner.cancelTask(taskID)
}
