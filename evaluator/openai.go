package evaluator

import (
	"context"
	"time"

	goopenai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/evermind-ai/retention/errors"
	"github.com/evermind-ai/retention/record"
)

// OpenAIClient judges tasks with an OpenAI chat model.
type OpenAIClient struct {
	client *goopenai.Client
	model  string
	runner *taskRunner
}

var _ Client = (*OpenAIClient)(nil)

func NewOpenAIClient(apiKey, model string, pendingTTL time.Duration) *OpenAIClient {
	return &OpenAIClient{
		client: goopenai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		runner: newTaskRunner(pendingTTL),
	}
}

func (c *OpenAIClient) Name() string {
	return "openai/" + c.model
}

func (c *OpenAIClient) Submit(ctx context.Context, task *Task) (string, error) {
	prompt, err := BuildPrompt(task)
	if err != nil {
		return "", err
	}

	name := c.Name()
	return c.runner.submit(func(taskCtx context.Context) *record.EvaluatorResult {
		start := time.Now()

		resp, err := c.client.Chat.Completions.New(taskCtx, goopenai.ChatCompletionNewParams{
			Model: goopenai.String(c.model),
			Messages: goopenai.F([]goopenai.ChatCompletionMessageParamUnion{
				goopenai.SystemMessage("You are a strict memory auditor. Respond only with the requested JSON object."),
				goopenai.UserMessage(prompt),
			}),
			ResponseFormat: goopenai.F[goopenai.ChatCompletionNewParamsResponseFormatUnion](
				goopenai.ChatCompletionNewParamsResponseFormat{
					Type: goopenai.F(goopenai.ChatCompletionNewParamsResponseFormatTypeJSONObject),
				},
			),
		})
		if err != nil {
			return failedResult(name, start, errors.Wrapf(errors.ErrEvaluatorUnavailable, "openai: %v", err))
		}
		if len(resp.Choices) == 0 {
			return failedResult(name, start, errors.Wrapf(errors.ErrEvaluatorUnavailable, "openai: empty response"))
		}

		verdict, err := parseVerdict(resp.Choices[0].Message.Content)
		if err != nil {
			return failedResult(name, start, err)
		}
		return verdictResult(name, start, verdict)
	}), nil
}

func (c *OpenAIClient) GetResult(ctx context.Context, taskID string, timeout time.Duration) (*record.EvaluatorResult, error) {
	return c.runner.result(ctx, taskID, timeout)
}

func (c *OpenAIClient) Cancel(ctx context.Context, taskID string) error {
	return c.runner.cancelTask(taskID)
}
