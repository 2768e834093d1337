package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"xdao.co/llmindex/bytes32"
	"xdao.co/llmindex/model"
)

const demoCID = "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"

func TestStatic_RegisterAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewStatic()
	for _, n := range []string{"zeta", "alpha", "gpt-demo"} {
		if err := s.Register(n, demoCID); err != nil {
			t.Fatalf("Register(%s): %v", n, err)
		}
	}
	// Re-registering keeps position.
	if err := s.Register("alpha", demoCID); err != nil {
		t.Fatalf("Register: %v", err)
	}

	names, err := s.ListNames(ctx)
	if err != nil {
		t.Fatalf("ListNames: %v", err)
	}
	if diff := cmp.Diff([]string{"zeta", "alpha", "gpt-demo"}, names); diff != "" {
		t.Fatalf("registry order (-want +got):\n%s", diff)
	}

	e, err := s.GetEntry(ctx, "gpt-demo")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	id, err := bytes32.Combine(e.Field1, e.Field2)
	if err != nil || id.Raw != demoCID {
		t.Fatalf("Combine: %q %v", id.Raw, err)
	}
}

func TestStatic_NotFoundAndExists(t *testing.T) {
	ctx := context.Background()
	s := NewStatic()
	_ = s.Register("present", demoCID)

	_, err := s.GetEntry(ctx, "absent")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	var me *model.Error
	if !errors.As(err, &me) || me.Name != "absent" {
		t.Fatalf("error should carry the name, got %v", err)
	}

	ok, err := s.Exists(ctx, "absent")
	if err != nil || ok {
		t.Fatalf("Exists(absent): %v %v", ok, err)
	}
	ok, err = s.Exists(ctx, "present")
	if err != nil || !ok {
		t.Fatalf("Exists(present): %v %v", ok, err)
	}

	if _, err := s.GetEntry(ctx, strings.Repeat("x", 40)); !errors.Is(err, model.ErrNameTooLong) {
		t.Fatalf("expected NameTooLong, got %v", err)
	}
}

func TestStatic_CancelledContextIsUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewStatic()
	_, err := s.ListNames(ctx)
	if !errors.Is(err, model.ErrRegistryUnavailable) || !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("unavailable registry should be retryable")
	}
}
