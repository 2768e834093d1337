package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ipfs/go-cid"

	"xdao.co/llmindex/clock"
	"xdao.co/llmindex/model"
	"xdao.co/llmindex/storage"
	"xdao.co/llmindex/storage/gateway"
	"xdao.co/llmindex/storage/testkit"
)

const demoCID = "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"

func putBlob(t *testing.T, store storage.CAS, data []byte) model.ContentIdentifier {
	t.Helper()
	id, err := store.Put(context.Background(), data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	return model.ContentIdentifier{Raw: id.String()}
}

type fetchResult struct {
	blob *model.ContentBlob
	err  error
}

func TestFetch_RetriesTransientFailuresWithBackoff(t *testing.T) {
	store := testkit.NewMemCAS()
	id := putBlob(t, store, []byte("weights"))
	store.FailNext(testkit.ErrTransient, testkit.ErrTransient)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.Fake(start)
	f := New(store, Options{Clock: clk})

	done := make(chan fetchResult, 1)
	go func() {
		blob, err := f.Fetch(context.Background(), id)
		done <- fetchResult{blob, err}
	}()

	clk.WaitForTimers(1)
	clk.Advance(200 * time.Millisecond)
	clk.WaitForTimers(1)
	clk.Advance(400 * time.Millisecond)

	res := <-done
	if res.err != nil {
		t.Fatalf("Fetch: %v", res.err)
	}
	if !bytes.Equal(res.blob.Bytes, []byte("weights")) {
		t.Fatalf("bytes = %q", res.blob.Bytes)
	}
	if elapsed := res.blob.FetchedAt.Sub(start); elapsed < 600*time.Millisecond {
		t.Fatalf("backoff total %v, want >= 600ms", elapsed)
	}
	if store.Calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.Calls())
	}
}

func TestFetch_ExhaustedIsContentUnavailable(t *testing.T) {
	store := testkit.NewMemCAS()
	id := putBlob(t, store, []byte("x"))
	store.FailNext(testkit.ErrTransient, testkit.ErrTransient, testkit.ErrTransient)

	clk := clock.Fake(time.Unix(0, 0))
	f := New(store, Options{Clock: clk})

	done := make(chan fetchResult, 1)
	go func() {
		blob, err := f.Fetch(context.Background(), id)
		done <- fetchResult{blob, err}
	}()
	clk.WaitForTimers(1)
	clk.Advance(200 * time.Millisecond)
	clk.WaitForTimers(1)
	clk.Advance(400 * time.Millisecond)

	res := <-done
	if !errors.Is(res.err, model.ErrContentUnavailable) {
		t.Fatalf("expected ContentUnavailable, got %v", res.err)
	}
	if !errors.Is(res.err, testkit.ErrTransient) {
		t.Fatalf("cause should be preserved: %v", res.err)
	}
	if store.Calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.Calls())
	}
}

func TestFetch_AttemptTimeoutIsRetried(t *testing.T) {
	store := testkit.NewMemCAS()
	id := putBlob(t, store, []byte("slow"))
	store.Block = make(chan struct{})

	f := New(store, Options{Timeout: 10 * time.Millisecond, BaseBackoff: time.Millisecond})
	_, err := f.Fetch(context.Background(), id)
	if !errors.Is(err, model.ErrTimeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if store.Calls() != DefaultAttempts {
		t.Fatalf("timeouts should be retried: %d calls", store.Calls())
	}
}

func TestFetch_GatewayNotFoundIsTerminal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	store, err := gateway.New(srv.URL, gateway.Options{})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	f := New(store, Options{Clock: clock.Fake(time.Unix(0, 0))})

	_, err = f.Fetch(context.Background(), model.ContentIdentifier{Raw: demoCID})
	if !errors.Is(err, model.ErrContentNotFound) {
		t.Fatalf("expected ContentNotFound, got %v", err)
	}
	var me *model.Error
	if !errors.As(err, &me) || me.CID != demoCID {
		t.Fatalf("error should carry the identifier: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("not-found must not be retried, got %d requests", hits.Load())
	}
}

func TestFetch_MalformedIdentifierNeverHitsStore(t *testing.T) {
	store := testkit.NewMemCAS()
	f := New(store, Options{})
	for _, raw := range []string{"", "hello", "bafy-not-base32!"} {
		_, err := f.Fetch(context.Background(), model.ContentIdentifier{Raw: raw})
		if !errors.Is(err, model.ErrMalformedIdentifier) {
			t.Fatalf("%q: expected MalformedIdentifier, got %v", raw, err)
		}
	}
	if store.Calls() != 0 {
		t.Fatalf("store was queried %d times", store.Calls())
	}
}

func TestFetch_CancelDuringBackoff(t *testing.T) {
	store := testkit.NewMemCAS()
	id := putBlob(t, store, []byte("x"))
	store.FailNext(testkit.ErrTransient)

	clk := clock.Fake(time.Unix(0, 0))
	f := New(store, Options{Clock: clk})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan fetchResult, 1)
	go func() {
		blob, err := f.Fetch(ctx, id)
		done <- fetchResult{blob, err}
	}()
	clk.WaitForTimers(1)
	cancel()

	res := <-done
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.err)
	}
}

func TestFetchStreaming_ChunksInOrder(t *testing.T) {
	store := testkit.NewMemCAS()
	payload := bytes.Repeat([]byte("0123456789"), 1000)
	id := putBlob(t, store, payload)
	store.FailNext(testkit.ErrTransient)

	f := New(store, Options{ChunkSize: 4096, BaseBackoff: time.Millisecond})
	s, err := f.FetchStreaming(context.Background(), id)
	if err != nil {
		t.Fatalf("FetchStreaming: %v", err)
	}
	defer s.Close()

	var got []byte
	chunks := 0
	for chunk, err := range s.Chunks() {
		if err != nil {
			t.Fatalf("chunk error: %v", err)
		}
		chunks++
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("stream returned %d bytes, want %d", len(got), len(payload))
	}
	if chunks < 2 {
		t.Fatalf("expected multiple chunks, got %d", chunks)
	}
}

// failingReader returns some bytes, then an error.
type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func (r *failingReader) Close() error { return nil }

// brokenStream stores normally but serves streams that fail part-way.
type brokenStream struct {
	*testkit.MemCAS
}

func (b *brokenStream) Open(ctx context.Context, _ cid.Cid) (io.ReadCloser, error) {
	return &failingReader{data: []byte("partial"), err: io.ErrUnexpectedEOF}, nil
}

func TestFetchStreaming_MidStreamFailureIsTerminal(t *testing.T) {
	store := &brokenStream{MemCAS: testkit.NewMemCAS()}
	id := putBlob(t, store, []byte("partial-and-then-some"))

	f := New(store, Options{})
	s, err := f.FetchStreaming(context.Background(), id)
	if err != nil {
		t.Fatalf("FetchStreaming: %v", err)
	}
	defer s.Close()

	var got []byte
	var last error
	for chunk, err := range s.Chunks() {
		if err != nil {
			last = err
			break
		}
		got = append(got, chunk...)
	}
	if string(got) != "partial" {
		t.Fatalf("got %q before failure", got)
	}
	if !errors.Is(last, model.ErrContentUnavailable) || !errors.Is(last, io.ErrUnexpectedEOF) {
		t.Fatalf("expected terminal ContentUnavailable, got %v", last)
	}
}

func TestFetchStreaming_NotFound(t *testing.T) {
	store := testkit.NewMemCAS()
	f := New(store, Options{})
	_, err := f.FetchStreaming(context.Background(), model.ContentIdentifier{Raw: demoCID})
	if !errors.Is(err, model.ErrContentNotFound) {
		t.Fatalf("expected ContentNotFound, got %v", err)
	}
	if store.Calls() != 1 {
		t.Fatalf("expected one attempt, got %d", store.Calls())
	}
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	store := testkit.NewMemCAS()
	id := putBlob(t, store, []byte("x"))
	s, err := New(store, Options{}).FetchStreaming(context.Background(), id)
	if err != nil {
		t.Fatalf("FetchStreaming: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.Read(make([]byte, 1)); err == nil {
		t.Fatalf("Read after Close should fail")
	}
}
