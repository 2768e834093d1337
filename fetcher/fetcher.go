// Package fetcher retrieves content by identifier from a storage.CAS with
// bounded retry on transient failures.
//
// Retry policy: up to Attempts tries with exponential backoff (BaseBackoff,
// doubling). Authoritative absence is terminal. Each attempt runs under its
// own deadline (Timeout); exceeding it is retried like any transient error.
// When retries run out the last attempt's classification is returned:
// model.ErrTimeout if it timed out, model.ErrContentUnavailable otherwise.
package fetcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/ipfs/go-cid"

	"xdao.co/llmindex/cidutil"
	"xdao.co/llmindex/clock"
	"xdao.co/llmindex/model"
	"xdao.co/llmindex/storage"
)

const (
	DefaultAttempts    = 3
	DefaultBaseBackoff = 200 * time.Millisecond
	DefaultTimeout     = 30 * time.Second
	DefaultChunkSize   = 64 << 10
)

type Options struct {
	Attempts    int
	BaseBackoff time.Duration
	// Timeout bounds a single attempt. For streams it bounds establishment only.
	Timeout   time.Duration
	ChunkSize int
	Grammar   cidutil.Grammar

	Clock  clock.Clock
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

type Fetcher struct {
	store storage.CAS
	opts  Options
}

func New(store storage.CAS, opts Options) *Fetcher {
	return &Fetcher{store: store, opts: opts.withDefaults()}
}

// Fetch returns the full content addressed by id.
func (f *Fetcher) Fetch(ctx context.Context, id model.ContentIdentifier) (*model.ContentBlob, error) {
	c, err := f.parse(id)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = f.retry(ctx, id.Raw, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()
		b, err := f.store.Get(actx, c)
		if err != nil {
			return err
		}
		if _, err := cidutil.Verify(c, b); err != nil {
			return errors.Join(storage.ErrCIDMismatch, err)
		}
		data = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &model.ContentBlob{Identifier: id, Bytes: data, FetchedAt: f.opts.Clock.Now()}, nil
}

func (f *Fetcher) parse(id model.ContentIdentifier) (cid.Cid, error) {
	c, err := f.opts.Grammar.Parse(id.Raw)
	if err != nil {
		return cid.Undef, model.CIDError(model.KindMalformedIdentifier, id.Raw, err)
	}
	return c, nil
}

// retry runs attempt until it succeeds, fails terminally, or the attempt
// budget is spent. Backoff waits honor ctx.
func (f *Fetcher) retry(ctx context.Context, id string, attempt func(context.Context) error) error {
	var lastErr error
	for i := 0; i < f.opts.Attempts; i++ {
		if i > 0 {
			backoff := f.opts.BaseBackoff << (i - 1)
			select {
			case <-ctx.Done():
				return abort(id, ctx.Err())
			case <-f.opts.Clock.After(backoff):
			}
		}

		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return abort(id, ctx.Err())
		}
		classified, retryable := classify(id, err)
		if !retryable {
			return classified
		}
		lastErr = classified

		f.opts.Logger.Warn("transient content fetch failure, retrying",
			"cid", id,
			"attempt", i+1,
			"error", err,
		)
	}
	return lastErr
}

// classify maps a store error to the error taxonomy and reports whether
// another attempt may succeed.
func classify(id string, err error) (error, bool) {
	switch {
	case storage.IsNotFound(err):
		return model.CIDError(model.KindContentNotFound, id, err), false
	case errors.Is(err, storage.ErrInvalidCID):
		return model.CIDError(model.KindMalformedIdentifier, id, err), false
	case errors.Is(err, storage.ErrCIDMismatch), errors.Is(err, storage.ErrImmutable):
		return model.CIDError(model.KindContentUnavailable, id, err), false
	case errors.Is(err, context.DeadlineExceeded):
		return model.CIDError(model.KindTimeout, id, err), true
	default:
		return model.CIDError(model.KindContentUnavailable, id, err), true
	}
}

// abort reports the caller's own context ending. A caller deadline is a
// Timeout; cancellation is returned as is.
func abort(id string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.CIDError(model.KindTimeout, id, err)
	}
	return err
}
