package storage_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"xdao.co/llmindex/cidutil"
	"xdao.co/llmindex/storage"
	"xdao.co/llmindex/storage/testkit"
)

func TestMultiCAS_Conformance(t *testing.T) {
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		return storage.Fallback(testkit.NewMemCAS(), testkit.NewMemCAS())
	})
}

func TestMultiCAS_FallsBackOnNotFoundAndTransient(t *testing.T) {
	ctx := context.Background()
	empty := testkit.NewMemCAS()
	flaky := testkit.NewMemCAS()
	holder := testkit.NewMemCAS()

	data := []byte("weights")
	id, err := holder.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	flaky.FailNext(testkit.ErrTransient)

	m := storage.Fallback(empty, flaky, holder)
	got, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q", got)
	}
	if empty.Calls() != 1 || flaky.Calls() != 1 || holder.Calls() != 1 {
		t.Fatalf("unexpected call counts: %d %d %d", empty.Calls(), flaky.Calls(), holder.Calls())
	}

	rc, err := m.Open(ctx, id)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != string(data) {
		t.Fatalf("Open got %q", b)
	}
}

func TestMultiCAS_NotFoundOnlyWhenAllRoutesAgree(t *testing.T) {
	ctx := context.Background()
	id, err := cidutil.CIDv1RawSHA256CID([]byte("absent"))
	if err != nil {
		t.Fatalf("cid: %v", err)
	}

	a, b := testkit.NewMemCAS(), testkit.NewMemCAS()
	m := storage.Fallback(a, b)
	if _, err := m.Get(ctx, id); !storage.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	b.FailNext(testkit.ErrTransient)
	_, err = m.Get(ctx, id)
	if storage.IsNotFound(err) {
		t.Fatalf("absence is not authoritative when a route failed")
	}
	if !errors.Is(err, testkit.ErrTransient) {
		t.Fatalf("expected the transient failure, got %v", err)
	}
}

func TestReplicatingCAS_PutAll(t *testing.T) {
	ctx := context.Background()
	a, b := testkit.NewMemCAS(), testkit.NewMemCAS()
	r := storage.ReplicatingCAS{Backends: []storage.NamedCAS{{Name: "a", CAS: a}, {Name: "b", CAS: b}}}

	id, per, err := r.PutAll(ctx, []byte("replicated"))
	if err != nil {
		t.Fatalf("PutAll: %v", err)
	}
	if per["a"] != id || per["b"] != id {
		t.Fatalf("per-backend CIDs differ: %v", per)
	}
	if !a.Has(ctx, id) || !b.Has(ctx, id) {
		t.Fatalf("expected both routes to hold the object")
	}
	if _, err := r.Get(ctx, id); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestMultiCAS_LogsRouteName(t *testing.T) {
	ctx := context.Background()
	flaky, holder := testkit.NewMemCAS(), testkit.NewMemCAS()
	id, err := holder.Put(ctx, []byte("weights"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	flaky.FailNext(testkit.ErrTransient)

	var logs bytes.Buffer
	m := storage.MultiCAS{
		Routes: []storage.NamedCAS{{Name: "public", CAS: flaky}, {Name: "mirror", CAS: holder}},
		Logger: slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
	if _, err := m.Get(ctx, id); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.Contains(logs.String(), "route=public") {
		t.Fatalf("handover log does not name the route:\n%s", logs.String())
	}
}
