package tracing

import (
	"context"
	"log/slog"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// loggingSpanProcessor mirrors gate/dedup spans into slog so decision
// timelines can be reconstructed from logs alone.
type loggingSpanProcessor struct {
	verbose bool
	logger  *slog.Logger
}

var _ sdktrace.SpanProcessor = (*loggingSpanProcessor)(nil)

func NewProvider(logger *slog.Logger, verbose bool) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(&loggingSpanProcessor{verbose: verbose, logger: logger}),
	)
}

func (l *loggingSpanProcessor) OnStart(ctx context.Context, s sdktrace.ReadWriteSpan) {
	l.logger.Debug("span start", l.buildArgs(s)...)
}

func (l *loggingSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	l.logger.Debug("span end", l.buildArgs(s)...)
}

func (l *loggingSpanProcessor) Shutdown(ctx context.Context) error {
	return nil
}

func (l *loggingSpanProcessor) ForceFlush(ctx context.Context) error {
	return nil
}

func (l *loggingSpanProcessor) buildArgs(s sdktrace.ReadOnlySpan) []any {
	args := []any{
		slog.String("name", s.Name()),
	}
	for _, attr := range s.Attributes() {
		key := string(attr.Key)
		value := attr.Value.Emit()
		if !l.verbose && len(value) > 256 {
			continue
		}
		args = append(args, slog.String(key, value))
	}

	return args
}
