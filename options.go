package retention

import (
	"log/slog"

	"github.com/evermind-ai/retention/config"
	"github.com/evermind-ai/retention/embedding"
	"github.com/evermind-ai/retention/evaluator"
	"github.com/evermind-ai/retention/store"
)

func WithConfig(conf *config.Config) Option {
	return func(s *Service) {
		if conf != nil {
			s.conf = conf
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithStore supplies persistence. The caller keeps ownership; Close does
// not close an injected store.
func WithStore(st store.Store) Option {
	return func(s *Service) {
		s.store = st
	}
}

func WithEmbedder(embedder embedding.Embedder) Option {
	return func(s *Service) {
		s.embedder = embedder
	}
}

// WithEvaluators replaces the API-key-derived evaluator set.
func WithEvaluators(clients ...evaluator.Client) Option {
	return func(s *Service) {
		s.evaluators = clients
	}
}

func WithSummarizer(summarizer evaluator.Summarizer) Option {
	return func(s *Service) {
		s.summarizer = summarizer
	}
}

func WithOpenAIAPIKey(apiKey string) Option {
	return func(s *Service) {
		s.conf.Evaluator.OpenAIAPIKey = apiKey
	}
}

func WithAnthropicAPIKey(apiKey string) Option {
	return func(s *Service) {
		s.conf.Evaluator.AnthropicAPIKey = apiKey
	}
}

func WithNomicAPIKey(apiKey string) Option {
	return func(s *Service) {
		s.conf.Embedding.NomicAPIKey = apiKey
	}
}

func WithLogConfig(logConfig *config.LogConfig) Option {
	return func(s *Service) {
		if logConfig != nil {
			s.conf.Log = logConfig
		}
	}
}
