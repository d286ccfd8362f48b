package evaluator

import (
	"bytes"
	"context"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	goopenai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/evermind-ai/retention/errors"
)

// Summarizer produces the merged content for content-union consolidation.
type Summarizer interface {
	Summarize(ctx context.Context, contents []string) (string, error)
}

const unionPromptTemplate = `Combine the following overlapping observations into one
observation that preserves every distinct fact. Do not add information, do not
editorialize, keep it as short as the facts allow.

{{- range $i, $content := .Contents }}

Observation {{ add $i 1 }}:
"""
{{ $content | trim }}
"""
{{- end }}

Combined observation:`

var unionTmpl = template.Must(
	template.New("union").Funcs(sprig.FuncMap()).Parse(unionPromptTemplate))

// OpenAISummarizer backs content-union merges with a small chat model.
type OpenAISummarizer struct {
	client *goopenai.Client
	model  string
}

var _ Summarizer = (*OpenAISummarizer)(nil)

func NewOpenAISummarizer(apiKey, model string) *OpenAISummarizer {
	return &OpenAISummarizer{
		client: goopenai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, contents []string) (string, error) {
	if len(contents) == 0 {
		return "", errors.Wrapf(errors.ErrValidation, "nothing to summarize")
	}

	var buf bytes.Buffer
	if err := unionTmpl.Execute(&buf, struct{ Contents []string }{contents}); err != nil {
		return "", errors.Wrapf(err, "failed to render union prompt")
	}

	resp, err := s.client.Chat.Completions.New(ctx, goopenai.ChatCompletionNewParams{
		Model: goopenai.String(s.model),
		Messages: goopenai.F([]goopenai.ChatCompletionMessageParamUnion{
			goopenai.UserMessage(buf.String()),
		}),
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to summarize contents")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("summarizer returned no choices")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// ConcatSummarizer joins contents verbatim. It backs tests and keyless
// deployments where no summarization model is configured.
type ConcatSummarizer struct{}

var _ Summarizer = (*ConcatSummarizer)(nil)

func (ConcatSummarizer) Summarize(ctx context.Context, contents []string) (string, error) {
	if len(contents) == 0 {
		return "", errors.Wrapf(errors.ErrValidation, "nothing to summarize")
	}
	return strings.Join(contents, "\n"), nil
}
