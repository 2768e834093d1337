package cache

import (
	"context"

	"xdao.co/llmindex/model"
)

const (
	DefaultNameEntries    = 500
	DefaultContentEntries = 100
)

// NameCache maps LLM names to their resolutions.
type NameCache struct {
	*Cache[*model.ResolvedName]
}

// NewNameCache returns a name cache; MaxEntries defaults to DefaultNameEntries.
func NewNameCache(opts Options) (*NameCache, error) {
	if opts.MaxEntries == 0 {
		opts.MaxEntries = DefaultNameEntries
	}
	c, err := New[*model.ResolvedName](opts)
	if err != nil {
		return nil, err
	}
	return &NameCache{Cache: c}, nil
}

func (n *NameCache) GetOrResolve(ctx context.Context, name string, resolve func(context.Context, string) (*model.ResolvedName, error)) (*model.ResolvedName, error) {
	return n.GetOrLoad(ctx, name, func(ctx context.Context) (*model.ResolvedName, error) {
		return resolve(ctx, name)
	})
}

// ContentCache maps identifiers to fetched content. Cached blobs are shared
// between callers and must not be modified.
type ContentCache struct {
	*Cache[*model.ContentBlob]
}

// NewContentCache returns a content cache; MaxEntries defaults to
// DefaultContentEntries.
func NewContentCache(opts Options) (*ContentCache, error) {
	if opts.MaxEntries == 0 {
		opts.MaxEntries = DefaultContentEntries
	}
	c, err := New[*model.ContentBlob](opts)
	if err != nil {
		return nil, err
	}
	return &ContentCache{Cache: c}, nil
}

func (c *ContentCache) GetOrFetch(ctx context.Context, id model.ContentIdentifier, fetch func(context.Context, model.ContentIdentifier) (*model.ContentBlob, error)) (*model.ContentBlob, error) {
	return c.GetOrLoad(ctx, id.Raw, func(ctx context.Context) (*model.ContentBlob, error) {
		return fetch(ctx, id)
	})
}
