package timeline

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	// Options carries the collaborators that cannot come from the
	// environment
	Options struct {
		Logger         *zap.Logger
		TracerProvider trace.TracerProvider
	}

	// Option configures Options
	Option func(*Options)
)

// WithLogger sets the logger used by a Store or decorator
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithTracerProvider sets the provider used by Traced
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		if tp != nil {
			o.TracerProvider = tp
		}
	}
}

// NewOptions applies opts over the defaults: a no-op logger and the global
// OpenTelemetry tracer provider
func NewOptions(opts ...Option) Options {
	res := Options{
		Logger:         zap.NewNop(),
		TracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(&res)
	}
	return res
}
