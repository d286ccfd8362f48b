package evaluator

import (
	"bytes"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/invopop/jsonschema"

	"github.com/evermind-ai/retention/errors"
)

const promotionPromptTemplate = `You are auditing the long-term memory of an autonomous agent.

An observation recorded for agent "{{ .Task.OwnerID }}" is being considered for
promotion into the {{ .Task.TargetTier | default "next" }} retention tier.
Promoted observations are trusted and retained long term, so only well-formed,
plausible, non-contradictory observations should pass.

Observation:
"""
{{ .Task.Content | trim }}
"""

Judge whether this observation deserves long-term trust. Take "support" when
it is coherent and plausibly useful to retain, "oppose" when it is malformed,
self-contradictory, or junk, and "abstain" when you cannot tell.

Respond with a single JSON object matching this schema, and nothing else:
{{ .Schema }}`

const consolidationPromptTemplate = `You are auditing the long-term memory of an autonomous agent.

The following observations recorded for agent "{{ .Task.OwnerID }}" are
suspected near-duplicates. Merging them is irreversible: the originals are
tombstoned in favor of one surviving record.

{{- range $i, $candidate := .Task.Candidates }}

Observation {{ add $i 1 }}:
"""
{{ $candidate | trim }}
"""
{{- end }}

Judge whether these observations state the same fact. Take "support" when a
merge loses no information, "oppose" when they differ in meaning, and
"abstain" when you cannot tell.

Respond with a single JSON object matching this schema, and nothing else:
{{ .Schema }}`

var (
	promotionTmpl     *template.Template
	consolidationTmpl *template.Template
	verdictSchemaJSON string
)

func init() {
	promotionTmpl = template.Must(
		template.New("promotion").Funcs(sprig.FuncMap()).Parse(promotionPromptTemplate))
	consolidationTmpl = template.Must(
		template.New("consolidation").Funcs(sprig.FuncMap()).Parse(consolidationPromptTemplate))

	reflector := jsonschema.Reflector{DoNotReference: true}
	schema, err := json.Marshal(reflector.Reflect(&Verdict{}))
	if err != nil {
		panic(err)
	}
	verdictSchemaJSON = string(schema)
}

// BuildPrompt renders the judgment prompt for a task.
func BuildPrompt(task *Task) (string, error) {
	data := struct {
		Task   *Task
		Schema string
	}{Task: task, Schema: verdictSchemaJSON}

	var tmpl *template.Template
	switch task.Kind {
	case TaskKindPromotion:
		tmpl = promotionTmpl
	case TaskKindConsolidation:
		tmpl = consolidationTmpl
	default:
		return "", errors.Errorf("unknown task kind: %q", task.Kind)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", errors.Wrapf(err, "failed to render %s prompt", task.Kind)
	}
	return strings.TrimSpace(buf.String()), nil
}
