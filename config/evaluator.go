package config

type EvaluatorConfig struct {
	// OpenAIModel / AnthropicModel select the judge models. An empty API
	// key disables the corresponding evaluator.
	OpenAIAPIKey    string `json:"openaiApiKey,omitempty"`
	OpenAIModel     string `json:"openaiModel,omitempty"`
	AnthropicAPIKey string `json:"anthropicApiKey,omitempty"`
	AnthropicModel  string `json:"anthropicModel,omitempty"`

	// SummaryModel is used for content-union merge summarization.
	SummaryModel string `json:"summaryModel,omitempty"`

	// PendingTaskTTLSeconds bounds how long an unclaimed task result is
	// retained before eviction.
	PendingTaskTTLSeconds int `json:"pendingTaskTtlSeconds,omitempty"`
}

func NewEvaluatorConfig() *EvaluatorConfig {
	return &EvaluatorConfig{
		OpenAIModel:           "gpt-4o-mini",
		AnthropicModel:        "claude-3-5-sonnet-latest",
		SummaryModel:          "gpt-4o-mini",
		PendingTaskTTLSeconds: 600,
	}
}
