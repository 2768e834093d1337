package casconfig

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"xdao.co/llmindex/storage"
	"xdao.co/llmindex/storage/casregistry"

	_ "xdao.co/llmindex/storage/gateway"
	_ "xdao.co/llmindex/storage/grpccas"
	_ "xdao.co/llmindex/storage/localfs"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"empty", Config{}, "at least one backend"},
		{"missing name", Config{Backends: []BackendConfig{{}}}, "name is required"},
		{"duplicate id", Config{Backends: []BackendConfig{{Name: "localfs"}, {Name: "localfs"}}}, `share route id "localfs"`},
		{"alias disambiguates", Config{Backends: []BackendConfig{{Name: "localfs"}, {Name: "localfs", ID: "b"}}}, ""},
		{"bad policy", Config{WritePolicy: "some", Backends: []BackendConfig{{Name: "localfs"}}}, "invalid write_policy"},
		{"all", Config{WritePolicy: WriteAll, Backends: []BackendConfig{{Name: "localfs"}}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate: got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestCheckBackends(t *testing.T) {
	cfg := Config{Backends: []BackendConfig{
		{Name: "localfs", Config: map[string]string{"localfs-dir": "/tmp/x"}},
		{Name: "gateway", ID: "public", Config: map[string]string{"gateway-url": "https://ipfs.io", "gateway-timout": "5s"}},
		{Name: "s3", ID: "bucket"},
		{Name: "grpc", ID: "remote", Config: map[string]string{"grpc-target": "localhost:1"}},
	}}

	err := cfg.CheckBackends(casregistry.UsageDaemon)
	if err == nil {
		t.Fatalf("expected errors")
	}
	msg := err.Error()
	for _, want := range []string{`route "public"`, `"gateway-timout"`, `route "bucket"`, `route "remote"`} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error missing %s:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, `route "localfs"`) {
		t.Fatalf("valid route reported:\n%s", msg)
	}
	if !errors.Is(err, casregistry.ErrUnknownBackend) || !errors.Is(err, casregistry.ErrUnsupported) {
		t.Fatalf("error chain lost sentinels: %v", err)
	}
}

func TestOpen_FirstPolicyBuildsMultiCAS(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cfg := Config{Backends: []BackendConfig{
		{Name: "localfs", ID: "a", Config: map[string]string{"localfs-dir": t.TempDir()}},
		{Name: "localfs", ID: "b", Config: map[string]string{"localfs-dir": t.TempDir()}},
	}}
	cas, closeFn, err := cfg.Open(casregistry.UsageCLI, "b", logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closeFn()

	multi, ok := cas.(storage.MultiCAS)
	if !ok || len(multi.Routes) != 2 {
		t.Fatalf("expected MultiCAS with 2 routes, got %T", cas)
	}
	if multi.Routes[0].Name != "b" || multi.Routes[1].Name != "a" {
		t.Fatalf("route order = %s, %s", multi.Routes[0].Name, multi.Routes[1].Name)
	}
	id, err := cas.Put(context.Background(), []byte("x"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !multi.Routes[0].CAS.Has(context.Background(), id) {
		t.Fatalf("preferred route should receive the write")
	}
	if !strings.Contains(logs.String(), "route=b backend=localfs") {
		t.Fatalf("route open not logged:\n%s", logs.String())
	}
}

func TestOpen_AllPolicyAndUnknownPreferred(t *testing.T) {
	cfg := Config{WritePolicy: WriteAll, Backends: []BackendConfig{
		{Name: "localfs", ID: "a", Config: map[string]string{"localfs-dir": t.TempDir()}},
		{Name: "gateway", Config: map[string]string{"gateway-url": "https://ipfs.io", "gateway-user-agent": "mirror/1"}},
	}}
	cas, _, err := cfg.Open(casregistry.UsageCLI, "", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rep, ok := cas.(storage.ReplicatingCAS)
	if !ok {
		t.Fatalf("expected ReplicatingCAS, got %T", cas)
	}
	if rep.Backends[1].Name != "gateway" {
		t.Fatalf("route ids = %s, %s", rep.Backends[0].Name, rep.Backends[1].Name)
	}
	if _, _, err := cfg.Open(casregistry.UsageCLI, "nope", nil); err == nil {
		t.Fatalf("expected error for unknown preferred backend")
	}
}

func TestOpen_PreferredMatchesBackendName(t *testing.T) {
	cfg := Config{Backends: []BackendConfig{
		{Name: "localfs", ID: "cache", Config: map[string]string{"localfs-dir": t.TempDir()}},
		{Name: "gateway", ID: "public", Config: map[string]string{"gateway-url": "https://ipfs.io"}},
	}}
	cas, _, err := cfg.Open(casregistry.UsageCLI, "gateway", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := cas.(storage.MultiCAS).Routes[0].Name; got != "public" {
		t.Fatalf("first route = %s, want public", got)
	}
}

func TestOpen_RouteErrorNamesRoute(t *testing.T) {
	cfg := Config{Backends: []BackendConfig{{Name: "localfs", ID: "models"}}}
	_, _, err := cfg.Open(casregistry.UsageCLI, "", nil)
	if err == nil || !strings.Contains(err.Error(), `open route "models"`) {
		t.Fatalf("got %v, want error naming the route", err)
	}
}
