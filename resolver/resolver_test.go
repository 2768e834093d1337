package resolver

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"xdao.co/llmindex/clock"
	"xdao.co/llmindex/model"
	"xdao.co/llmindex/registry"
)

const demoCID = "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"

// countingRegistry records calls and the peak number in flight.
type countingRegistry struct {
	registry.Client
	gets     atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (c *countingRegistry) GetEntry(ctx context.Context, name string) (model.RegistryEntry, error) {
	c.gets.Add(1)
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.Client.GetEntry(ctx, name)
}

type failingRegistry struct {
	registry.Client
	err error
}

func (f failingRegistry) ListNames(context.Context) ([]string, error) { return nil, f.err }
func (f failingRegistry) GetEntry(context.Context, string) (model.RegistryEntry, error) {
	return model.RegistryEntry{}, f.err
}

func staticWith(t *testing.T, pairs ...string) *registry.Static {
	t.Helper()
	s := registry.NewStatic()
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := s.Register(pairs[i], pairs[i+1]); err != nil {
			t.Fatalf("Register(%s): %v", pairs[i], err)
		}
	}
	return s
}

func TestResolve_GPTDemo(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := New(staticWith(t, "gpt-demo", demoCID), Options{Clock: clock.Fake(now)})

	got, err := r.Resolve(context.Background(), "gpt-demo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := &model.ResolvedName{
		Name:       "gpt-demo",
		Identifier: model.ContentIdentifier{Raw: demoCID},
		ResolvedAt: now,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Resolve (-want +got):\n%s", diff)
	}
}

func TestResolve_Errors(t *testing.T) {
	reg := staticWith(t, "garbage", "not-a-cid", "v0-short", "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPb")
	r := New(reg, Options{})

	tests := []struct {
		name string
		want error
	}{
		{"absent", model.ErrNotFound},
		{"garbage", model.ErrMalformedIdentifier},
		{"v0-short", model.ErrMalformedIdentifier},
		{strings.Repeat("n", 33), model.ErrNameTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.name)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v want kind %s", err, model.KindOf(tt.want))
			}
		})
	}

	_, err := r.Resolve(context.Background(), "garbage")
	var me *model.Error
	if !errors.As(err, &me) || me.Name != "garbage" || me.CID != "not-a-cid" {
		t.Fatalf("malformed error should carry name and value: %#v", err)
	}
}

func TestResolve_PropagatesRegistryErrorsWithoutRetry(t *testing.T) {
	for _, sentinel := range []error{model.ErrUnauthenticated, model.ErrRegistryUnavailable} {
		inner := failingRegistry{err: &model.Error{Kind: model.KindOf(sentinel)}}
		reg := &countingRegistry{Client: inner}
		r := New(reg, Options{})
		_, err := r.Resolve(context.Background(), "gpt-demo")
		if !errors.Is(err, sentinel) {
			t.Fatalf("got %v want %v", err, sentinel)
		}
		var me *model.Error
		if !errors.As(err, &me) || me.Name != "gpt-demo" {
			t.Fatalf("error should be annotated with the name: %v", err)
		}
		if reg.gets.Load() != 1 {
			t.Fatalf("resolver must not retry, got %d calls", reg.gets.Load())
		}
	}
}

func TestResolveAll_OrderAndIsolation(t *testing.T) {
	reg := staticWith(t,
		"alpha", demoCID,
		"broken", "zzzz",
		"gamma", "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG",
	)
	for _, conc := range []int{1, 8} {
		r := New(reg, Options{Concurrency: conc})
		results, err := r.ResolveAll(context.Background())
		if err != nil {
			t.Fatalf("ResolveAll: %v", err)
		}
		var names []string
		var oks []bool
		for _, res := range results {
			names = append(names, res.Name)
			oks = append(oks, res.OK())
		}
		if diff := cmp.Diff([]string{"alpha", "broken", "gamma"}, names); diff != "" {
			t.Fatalf("order (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]bool{true, false, true}, oks); diff != "" {
			t.Fatalf("outcomes (-want +got):\n%s", diff)
		}
		if !errors.Is(results[1].Err, model.ErrMalformedIdentifier) {
			t.Fatalf("broken: %v", results[1].Err)
		}
	}
}

func TestResolveAll_ListingFailureIsCallError(t *testing.T) {
	r := New(failingRegistry{err: model.NewError(model.KindRegistryUnavailable, "rpc down")}, Options{})
	results, err := r.ResolveAll(context.Background())
	if !errors.Is(err, model.ErrRegistryUnavailable) || results != nil {
		t.Fatalf("got %v, %v", results, err)
	}
}

func TestResolveAll_Strict(t *testing.T) {
	reg := staticWith(t, "alpha", demoCID, "broken", "zzzz")
	r := New(reg, Options{Strict: true})
	results, err := r.ResolveAll(context.Background())
	if err == nil || !errors.Is(err, model.ErrMalformedIdentifier) {
		t.Fatalf("strict mode should fail: %v", err)
	}
	if len(results) != 2 || !results[0].OK() {
		t.Fatalf("strict mode still returns results: %+v", results)
	}
}

func TestResolveAll_BoundedConcurrency(t *testing.T) {
	var pairs []string
	for _, n := range []string{"a", "b", "c", "d", "e", "f"} {
		pairs = append(pairs, n, demoCID)
	}
	reg := &countingRegistry{Client: staticWith(t, pairs...), delay: 5 * time.Millisecond}
	r := New(reg, Options{Concurrency: 2})

	if _, err := r.ResolveAll(context.Background()); err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}

	if reg.peak.Load() > 2 {
		t.Fatalf("peak in-flight %d exceeds limit", reg.peak.Load())
	}
	if reg.gets.Load() != 6 {
		t.Fatalf("expected 6 lookups, got %d", reg.gets.Load())
	}
}

func TestExists(t *testing.T) {
	r := New(staticWith(t, "gpt-demo", demoCID), Options{})
	ok, err := r.Exists(context.Background(), "gpt-demo")
	if err != nil || !ok {
		t.Fatalf("Exists: %v %v", ok, err)
	}
	ok, err = r.Exists(context.Background(), "nope")
	if err != nil || ok {
		t.Fatalf("Exists(nope): %v %v", ok, err)
	}
}
