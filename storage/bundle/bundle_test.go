package bundle_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zstd"

	"xdao.co/llmindex/cidutil"
	"xdao.co/llmindex/storage"
	"xdao.co/llmindex/storage/bundle"
	"xdao.co/llmindex/storage/localfs"
	"xdao.co/llmindex/storage/testkit"
)

func TestBundle_ExportIsDeterministic(t *testing.T) {
	ctx := context.Background()
	cas := testkit.NewMemCAS()
	id1, err := cas.Put(ctx, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := cas.Put(ctx, []byte("world"))
	if err != nil {
		t.Fatal(err)
	}

	var outA, outB bytes.Buffer
	if _, err := bundle.Export(ctx, &outA, cas, []bundle.Label{
		{Name: "b", CID: id2.String()}, {Name: "a", CID: id1.String()},
	}); err != nil {
		t.Fatal(err)
	}
	m, err := bundle.Export(ctx, &outB, cas, []bundle.Label{
		{Name: "a", CID: id1.String()}, {Name: "b", CID: id2.String()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(outA.Bytes(), outB.Bytes()) {
		t.Fatalf("expected deterministic bundle bytes")
	}
	if len(m.Blocks) != 2 || m.Labels[0].Name != "a" {
		t.Fatalf("manifest = %+v", m)
	}
}

func TestBundle_SharedContentIsStoredOnce(t *testing.T) {
	ctx := context.Background()
	cas := testkit.NewMemCAS()
	id, err := cas.Put(ctx, []byte("weights"))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	m, err := bundle.Export(ctx, &out, cas, []bundle.Label{
		{Name: "gpt-demo", CID: id.String()}, {Name: "gpt-demo-latest", CID: id.String()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Blocks) != 1 || len(m.Labels) != 2 {
		t.Fatalf("manifest = %+v", m)
	}
}

func TestBundle_ImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := testkit.NewMemCAS()
	payload := []byte("payload")
	id, err := src.Put(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}
	labels := []bundle.Label{{Name: "gpt-demo", CID: id.String()}}

	var buf bytes.Buffer
	if _, err := bundle.Export(ctx, &buf, src, labels); err != nil {
		t.Fatal(err)
	}

	dst, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m, err := bundle.Import(ctx, bytes.NewReader(buf.Bytes()), dst, bundle.ImportOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(labels, m.Labels); diff != "" {
		t.Fatalf("labels (-want +got):\n%s", diff)
	}
	got, err := dst.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestBundle_ExportMissingContent(t *testing.T) {
	ctx := context.Background()
	id, err := cidutil.CIDv1RawSHA256CID([]byte("absent"))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	_, err = bundle.Export(ctx, &out, testkit.NewMemCAS(), []bundle.Label{{Name: "gone", CID: id.String()}})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestBundle_ExportRejectsBadLabels(t *testing.T) {
	ctx := context.Background()
	id, _ := cidutil.CIDv1RawSHA256CID([]byte("x"))
	tests := []struct {
		name   string
		labels []bundle.Label
		want   string
	}{
		{"empty name", []bundle.Label{{CID: id.String()}}, "empty label"},
		{"duplicate", []bundle.Label{{Name: "a", CID: id.String()}, {Name: "a", CID: id.String()}}, "duplicate"},
		{"bad cid", []bundle.Label{{Name: "a", CID: "not-a-cid"}}, "invalid cid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			_, err := bundle.Export(ctx, &out, testkit.NewMemCAS(), tt.labels)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestBundle_ImportRejectsCIDMismatch(t *testing.T) {
	good := []byte("good")
	otherCID, err := cidutil.CIDv1RawSHA256CID([]byte("other"))
	if err != nil {
		t.Fatal(err)
	}

	// Filed under "other" but the bytes are "good".
	b := makeBundle(t, map[string][]byte{"blocks/" + otherCID.String(): good})
	_, err = bundle.Import(context.Background(), bytes.NewReader(b), testkit.NewMemCAS(), bundle.ImportOptions{})
	if !errors.Is(err, storage.ErrCIDMismatch) {
		t.Fatalf("expected ErrCIDMismatch, got %v", err)
	}
}

func TestBundle_ImportUnknownEntries(t *testing.T) {
	b := makeBundle(t, map[string][]byte{
		"index.json": []byte(`{"version":1,"blocks":[]}`),
		"README":     []byte("hi"),
	})
	if _, err := bundle.Import(context.Background(), bytes.NewReader(b), testkit.NewMemCAS(), bundle.ImportOptions{}); err == nil {
		t.Fatalf("expected unknown entry to fail closed")
	}
	if _, err := bundle.Import(context.Background(), bytes.NewReader(b), testkit.NewMemCAS(), bundle.ImportOptions{IgnoreUnknown: true}); err != nil {
		t.Fatalf("IgnoreUnknown: %v", err)
	}
}

func TestBundle_ImportRejectsDanglingLabel(t *testing.T) {
	id, _ := cidutil.CIDv1RawSHA256CID([]byte("x"))
	b := makeBundle(t, map[string][]byte{
		"index.json": []byte(`{"version":1,"blocks":[],"labels":[{"name":"a","cid":"` + id.String() + `"}]}`),
	})
	_, err := bundle.Import(context.Background(), bytes.NewReader(b), testkit.NewMemCAS(), bundle.ImportOptions{})
	if err == nil || !strings.Contains(err.Error(), "missing block") {
		t.Fatalf("got %v, want missing block error", err)
	}
}

func makeBundle(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	for name, content := range entries {
		h := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			ModTime:  time.Unix(0, 0).UTC(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(h); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write(content); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
