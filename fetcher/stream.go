package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"xdao.co/llmindex/model"
)

// FetchStreaming opens id for incremental reading. Retry and Timeout apply
// to establishing the stream; once open, the stream lives until Close or
// until ctx ends.
func (f *Fetcher) FetchStreaming(ctx context.Context, id model.ContentIdentifier) (*Stream, error) {
	c, err := f.parse(id)
	if err != nil {
		return nil, err
	}

	var stream *Stream
	err = f.retry(ctx, id.Raw, func(ctx context.Context) error {
		sctx, cancel := context.WithCancelCause(ctx)
		timer := time.AfterFunc(f.opts.Timeout, func() { cancel(context.DeadlineExceeded) })
		rc, err := f.store.Open(sctx, c)
		if !timer.Stop() && err == nil {
			// Establishment finished after the deadline fired.
			_ = rc.Close()
			err = context.DeadlineExceeded
		}
		if err != nil {
			timedOut := errors.Is(context.Cause(sctx), context.DeadlineExceeded)
			cancel(nil)
			if timedOut && !errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
			}
			return err
		}
		stream = &Stream{ID: id, rc: rc, cancel: cancel, chunkSize: f.opts.ChunkSize}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Stream is an open content stream. It may be consumed once, either through
// Chunks or Read. Close releases the underlying route.
type Stream struct {
	ID model.ContentIdentifier

	rc        io.ReadCloser
	cancel    context.CancelCauseFunc
	chunkSize int

	mu        sync.Mutex
	err       error
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Chunks yields the content in order. A failure part-way through is yielded
// once as a terminal error; the sequence never ends early without one.
func (s *Stream) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, s.chunkSize)
		for {
			n, err := s.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				if !yield(chunk, nil) {
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// Read implements io.Reader. Errors other than io.EOF are classified the
// same way as fetch errors.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if s.closed.Load() {
		return 0, errStreamClosed
	}
	n, err := s.rc.Read(p)
	if err != nil && err != io.EOF {
		err = s.wrap(err)
		s.err = err
	}
	return n, err
}

func (s *Stream) wrap(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return model.CIDError(model.KindTimeout, s.ID.Raw, err)
	default:
		// Includes storage.ErrCIDMismatch from verifying routes.
		return model.CIDError(model.KindContentUnavailable, s.ID.Raw, err)
	}
}

var errStreamClosed = errors.New("fetcher: stream closed")

// Close releases the stream, unblocking any Read in progress. It is safe to
// call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel(nil)
		s.closeErr = s.rc.Close()
	})
	return s.closeErr
}
