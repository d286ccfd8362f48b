package config

import (
	"os"

	"github.com/goccy/go-yaml"
	"github.com/mitchellh/mapstructure"

	"github.com/evermind-ai/retention/errors"
)

// Config aggregates every component configuration for file-driven setup.
type Config struct {
	Log       *LogConfig       `json:"log,omitempty"`
	Store     *StoreConfig     `json:"store,omitempty"`
	Lifecycle *LifecycleConfig `json:"lifecycle,omitempty"`
	Dedup     *DedupConfig     `json:"dedup,omitempty"`
	Gate      *GateConfig      `json:"gate,omitempty"`
	Evaluator *EvaluatorConfig `json:"evaluator,omitempty"`
	Embedding *EmbeddingConfig `json:"embedding,omitempty"`
	Driver    *DriverConfig    `json:"driver,omitempty"`
}

func NewConfig() *Config {
	return &Config{
		Log:       NewLogConfig(),
		Store:     NewStoreConfig(),
		Lifecycle: NewLifecycleConfig(),
		Dedup:     NewDedupConfig(),
		Gate:      NewGateConfig(),
		Evaluator: NewEvaluatorConfig(),
		Embedding: NewEmbeddingConfig(),
		Driver:    NewDriverConfig(),
	}
}

// LoadFile overlays a YAML config file onto the defaults. The file is
// decoded into a generic map first so absent keys keep their defaults.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file: %s", path)
	}

	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return errors.Wrapf(err, "failed to unmarshal config file: %s", path)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to build config decoder")
	}
	if err := decoder.Decode(values); err != nil {
		return errors.Wrapf(err, "failed to decode config values")
	}

	return nil
}

// ResolveEnv fills credential fields from the environment when unset.
func (c *Config) ResolveEnv() {
	if c.Evaluator.OpenAIAPIKey == "" {
		c.Evaluator.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Evaluator.AnthropicAPIKey == "" {
		c.Evaluator.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Embedding.NomicAPIKey == "" {
		c.Embedding.NomicAPIKey = os.Getenv("NOMIC_API_KEY")
	}
}
