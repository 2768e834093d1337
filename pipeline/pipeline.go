// Package pipeline wires name resolution, caching and content retrieval:
// name → resolver → name cache → fetcher (content cache first) → blob.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"xdao.co/llmindex/cache"
	"xdao.co/llmindex/fetcher"
	"xdao.co/llmindex/model"
	"xdao.co/llmindex/resolver"
)

// ErrNoStore is returned by content operations when no store is configured.
var ErrNoStore = errors.New("pipeline: no content store configured")

type Options struct {
	Names    cache.Options
	Contents cache.Options
	Logger   *slog.Logger
}

type Pipeline struct {
	resolver *resolver.Resolver
	fetcher  *fetcher.Fetcher
	names    *cache.NameCache
	contents *cache.ContentCache
	logger   *slog.Logger
}

// New builds a pipeline. f may be nil for resolve-only use.
func New(r *resolver.Resolver, f *fetcher.Fetcher, opts Options) (*Pipeline, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Names.Logger == nil {
		opts.Names.Logger = logger.With("cache", "names")
	}
	if opts.Contents.Logger == nil {
		opts.Contents.Logger = logger.With("cache", "contents")
	}
	names, err := cache.NewNameCache(opts.Names)
	if err != nil {
		return nil, err
	}
	contents, err := cache.NewContentCache(opts.Contents)
	if err != nil {
		return nil, err
	}
	return &Pipeline{resolver: r, fetcher: f, names: names, contents: contents, logger: logger}, nil
}

// Resolve returns name's resolution, consulting the name cache first.
func (p *Pipeline) Resolve(ctx context.Context, name string) (*model.ResolvedName, error) {
	rn, err := p.names.GetOrResolve(ctx, name, p.resolver.Resolve)
	if err != nil {
		if waitTimedOut(err) {
			return nil, model.NameError(model.KindTimeout, name, err)
		}
		return nil, err
	}
	return rn, nil
}

// ResolveAll resolves every registered name and refreshes the name cache
// with the ones that succeeded.
func (p *Pipeline) ResolveAll(ctx context.Context) ([]model.Result, error) {
	results, err := p.resolver.ResolveAll(ctx)
	for _, res := range results {
		if res.OK() {
			p.names.Add(res.Name, res.Resolved)
		}
	}
	return results, err
}

// Exists reports whether name is registered. It always asks the registry.
func (p *Pipeline) Exists(ctx context.Context, name string) (bool, error) {
	return p.resolver.Exists(ctx, name)
}

// Fetch returns the content for id, consulting the content cache first.
func (p *Pipeline) Fetch(ctx context.Context, id model.ContentIdentifier) (*model.ContentBlob, error) {
	if p.fetcher == nil {
		return nil, ErrNoStore
	}
	blob, err := p.contents.GetOrFetch(ctx, id, p.fetcher.Fetch)
	if err != nil {
		if waitTimedOut(err) {
			return nil, model.CIDError(model.KindTimeout, id.Raw, err)
		}
		return nil, err
	}
	return blob, nil
}

// waitTimedOut reports a caller deadline that ended the wait on a shared
// cache load. Errors from the load itself already carry a Kind.
func waitTimedOut(err error) bool {
	return model.KindOf(err) == "" && errors.Is(err, context.DeadlineExceeded)
}

// FetchName resolves name and fetches its content.
func (p *Pipeline) FetchName(ctx context.Context, name string) (*model.ContentBlob, error) {
	rn, err := p.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	blob, err := p.Fetch(ctx, rn.Identifier)
	if err != nil {
		return nil, model.WithName(err, name)
	}
	return blob, nil
}

// Stream resolves name and opens its content as a stream. Streams bypass
// the content cache.
func (p *Pipeline) Stream(ctx context.Context, name string) (*fetcher.Stream, error) {
	if p.fetcher == nil {
		return nil, ErrNoStore
	}
	rn, err := p.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	s, err := p.fetcher.FetchStreaming(ctx, rn.Identifier)
	if err != nil {
		return nil, model.WithName(err, name)
	}
	return s, nil
}

// Invalidate forgets name's resolution and any content cached for it.
func (p *Pipeline) Invalidate(name string) {
	if rn, ok := p.names.Get(name); ok {
		p.contents.Invalidate(rn.Identifier.Raw)
	}
	p.names.Invalidate(name)
	p.logger.Debug("name invalidated", "name", name)
}

// Clear empties both caches.
func (p *Pipeline) Clear() {
	p.names.Clear()
	p.contents.Clear()
}

func (p *Pipeline) Names() *cache.NameCache       { return p.names }
func (p *Pipeline) Contents() *cache.ContentCache { return p.contents }
