// Package bundle writes and reads offline mirrors of registry content.
//
// A bundle is a zstd-compressed TAR holding one entry per content block
// (blocks/<cid>) plus an index.json that labels blocks with registry names.
// Export output is deterministic for a given set of labels: entries are
// sorted and TAR headers are normalized.
package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/klauspost/compress/zstd"

	"xdao.co/llmindex/cidutil"
	"xdao.co/llmindex/storage"
)

// FormatVersion is the current index schema version.
const FormatVersion = 1

const indexEntry = "index.json"

var epoch0 = time.Unix(0, 0).UTC()

// Label names one block, usually with the registry name that resolved to it.
type Label struct {
	Name string `json:"name"`
	CID  string `json:"cid"`
}

type Block struct {
	CID  string `json:"cid"`
	Size int    `json:"size"`
}

// Manifest is the decoded index.json.
type Manifest struct {
	Version int     `json:"version"`
	Blocks  []Block `json:"blocks"`
	Labels  []Label `json:"labels,omitempty"`
}

// Importer is implemented by routes that can store blocks under a CID they
// did not derive themselves (dag-pb roots and CIDv0 identifiers).
type Importer interface {
	Import(ctx context.Context, id cid.Cid, data []byte) error
}

// Export writes a bundle holding the content of every labelled CID.
// Raw-block content is verified against its CID before it is written.
func Export(ctx context.Context, w io.Writer, cas storage.CAS, labels []Label) (*Manifest, error) {
	if cas == nil {
		return nil, errors.New("bundle: nil CAS")
	}
	labels, ids, err := normalize(labels)
	if err != nil {
		return nil, err
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(zw)
	fail := func(err error) (*Manifest, error) {
		_ = tw.Close()
		_ = zw.Close()
		return nil, err
	}

	m := &Manifest{Version: FormatVersion, Blocks: make([]Block, 0, len(ids)), Labels: labels}
	for _, id := range ids {
		b, err := cas.Get(ctx, id)
		if err != nil {
			return fail(fmt.Errorf("bundle: %s: %w", id, err))
		}
		if err := storage.VerifyBytes(id, b); err != nil {
			return fail(err)
		}
		if err := writeFile(tw, "blocks/"+id.String(), b); err != nil {
			return fail(err)
		}
		m.Blocks = append(m.Blocks, Block{CID: id.String(), Size: len(b)})
	}

	idx, err := json.Marshal(m)
	if err != nil {
		return fail(err)
	}
	if err := writeFile(tw, indexEntry, append(idx, '\n')); err != nil {
		return fail(err)
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return m, nil
}

// normalize sorts labels by name and returns the distinct CIDs they name,
// sorted by their string form.
func normalize(labels []Label) ([]Label, []cid.Cid, error) {
	out := append([]Label(nil), labels...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	uniq := make(map[string]cid.Cid, len(out))
	for i, l := range out {
		if l.Name == "" {
			return nil, nil, errors.New("bundle: empty label name")
		}
		if i > 0 && out[i-1].Name == l.Name {
			return nil, nil, fmt.Errorf("bundle: duplicate label %q", l.Name)
		}
		id, err := cid.Decode(l.CID)
		if err != nil || !id.Defined() {
			return nil, nil, fmt.Errorf("%w: label %q", storage.ErrInvalidCID, l.Name)
		}
		uniq[id.String()] = id
	}

	keys := make([]string, 0, len(uniq))
	for k := range uniq {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ids := make([]cid.Cid, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, uniq[k])
	}
	return out, ids, nil
}

// ImportOptions controls bundle import behavior.
type ImportOptions struct {
	// IgnoreUnknown skips unknown TAR entries instead of failing.
	IgnoreUnknown bool
}

// Import reads a bundle from r, stores every block into cas and returns the
// bundle's manifest. Each block must match the CID it is filed under, and
// every label must name a block present in the bundle.
func Import(ctx context.Context, r io.Reader, cas storage.CAS, opts ImportOptions) (*Manifest, error) {
	if cas == nil {
		return nil, errors.New("bundle: nil CAS")
	}
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	seen := map[string]struct{}{}
	var m *Manifest

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := cleanTarPath(h.Name)
		if name == "" {
			return nil, fmt.Errorf("bundle: invalid entry path: %q", h.Name)
		}
		if h.Typeflag != tar.TypeReg {
			if opts.IgnoreUnknown {
				continue
			}
			return nil, fmt.Errorf("bundle: unexpected tar entry type: %v (%s)", h.Typeflag, name)
		}

		if name == indexEntry {
			m = new(Manifest)
			if err := json.NewDecoder(tr).Decode(m); err != nil {
				return nil, fmt.Errorf("bundle: decode index: %w", err)
			}
			if m.Version != FormatVersion {
				return nil, fmt.Errorf("bundle: unsupported index version %d", m.Version)
			}
			continue
		}
		if !strings.HasPrefix(name, "blocks/") {
			if opts.IgnoreUnknown {
				continue
			}
			return nil, fmt.Errorf("bundle: unknown entry: %s", name)
		}

		id, err := cid.Decode(strings.TrimPrefix(name, "blocks/"))
		if err != nil || !id.Defined() {
			return nil, storage.ErrInvalidCID
		}
		if _, dup := seen[id.String()]; dup {
			return nil, fmt.Errorf("bundle: duplicate block entry: %s", id)
		}
		seen[id.String()] = struct{}{}

		payload, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		if err := storeBlock(ctx, cas, id, payload); err != nil {
			return nil, err
		}
	}

	if m == nil {
		return nil, errors.New("bundle: missing index.json")
	}
	for _, l := range m.Labels {
		id, err := cid.Decode(l.CID)
		if err != nil {
			return nil, fmt.Errorf("%w: label %q", storage.ErrInvalidCID, l.Name)
		}
		if _, ok := seen[id.String()]; !ok {
			return nil, fmt.Errorf("bundle: label %q names missing block %s", l.Name, l.CID)
		}
	}
	return m, nil
}

func storeBlock(ctx context.Context, cas storage.CAS, id cid.Cid, payload []byte) error {
	if id.Type() != cid.Raw || id.Version() != 1 {
		imp, ok := cas.(Importer)
		if !ok {
			return fmt.Errorf("bundle: route cannot store non-raw block %s", id)
		}
		return imp.Import(ctx, id, payload)
	}
	if _, err := cidutil.Verify(id, payload); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrCIDMismatch, err)
	}
	got, err := cas.Put(ctx, payload)
	if err != nil {
		return err
	}
	if !got.Equals(id) {
		return storage.ErrCIDMismatch
	}
	return nil
}

func writeFile(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  epoch0,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatUSTAR,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := io.Copy(tw, bytes.NewReader(content))
	return err
}

func cleanTarPath(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return ""
	}
	parts := strings.Split(name, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return ""
		}
	}
	return strings.Join(parts, "/")
}
