package config

type EmbeddingConfig struct {
	// NomicAPIKey enables the Nomic Atlas embedder. Empty falls back to
	// the deterministic local embedder (degraded near-duplicate quality).
	NomicAPIKey string `json:"nomicApiKey,omitempty"`

	// MaxRetries bounds retryable embed calls.
	MaxRetries int `json:"maxRetries,omitempty"`
}

func NewEmbeddingConfig() *EmbeddingConfig {
	return &EmbeddingConfig{
		MaxRetries: 3,
	}
}
