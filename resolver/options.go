package resolver

import (
	"io"
	"log/slog"

	"xdao.co/llmindex/cidutil"
	"xdao.co/llmindex/clock"
)

// DefaultConcurrency bounds the registry lookups ResolveAll runs at once.
const DefaultConcurrency = 8

// Options controls resolver behavior. The zero value is usable.
type Options struct {
	// Grammar is the identifier grammar resolved values must satisfy.
	Grammar cidutil.Grammar
	// Concurrency bounds ResolveAll. Zero means DefaultConcurrency.
	Concurrency int
	// Strict makes ResolveAll fail when any single name fails to resolve.
	// The per-name results are still returned.
	Strict bool

	Clock  clock.Clock
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}
