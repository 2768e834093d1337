package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"xdao.co/llmindex/cidutil"
	"xdao.co/llmindex/model"
)

// Name cache snapshots are a zstd frame holding one CBOR map. Content blobs
// are never persisted.
const snapshotVersion = 1

type snapshotFile struct {
	Version int             `cbor:"1,keyasint"`
	Entries []snapshotEntry `cbor:"2,keyasint"`
}

type snapshotEntry struct {
	Name       string    `cbor:"1,keyasint"`
	Identifier string    `cbor:"2,keyasint"`
	ResolvedAt time.Time `cbor:"3,keyasint"`
	InsertedAt time.Time `cbor:"4,keyasint"`
}

var (
	snapshotEnc cbor.EncMode
	snapshotDec cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	snapshotEnc, err = opts.EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	snapshotDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
}

var ErrSnapshotVersion = errors.New("cache: unsupported snapshot version")

// WriteSnapshot writes live entries, least recently used first.
func (n *NameCache) WriteSnapshot(w io.Writer) error {
	entries := n.Entries()
	file := snapshotFile{Version: snapshotVersion, Entries: make([]snapshotEntry, 0, len(entries))}
	for _, e := range entries {
		if e.Value == nil {
			continue
		}
		file.Entries = append(file.Entries, snapshotEntry{
			Name:       e.Key,
			Identifier: e.Value.Identifier.Raw,
			ResolvedAt: e.Value.ResolvedAt,
			InsertedAt: e.InsertedAt,
		})
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if err := snapshotEnc.NewEncoder(zw).Encode(file); err != nil {
		_ = zw.Close()
		return fmt.Errorf("cache: encode snapshot: %w", err)
	}
	return zw.Close()
}

// ReadSnapshot restores entries written by WriteSnapshot, keeping their
// original insertion times so TTLs carry over. Expired entries and
// identifiers that g rejects are skipped. It returns the number of entries
// restored.
func (n *NameCache) ReadSnapshot(r io.Reader, g cidutil.Grammar) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	var file snapshotFile
	if err := snapshotDec.NewDecoder(zr).Decode(&file); err != nil {
		return 0, fmt.Errorf("cache: decode snapshot: %w", err)
	}
	if file.Version != snapshotVersion {
		return 0, fmt.Errorf("%w: %d", ErrSnapshotVersion, file.Version)
	}

	restored := 0
	for _, se := range file.Entries {
		if _, err := g.Parse(se.Identifier); err != nil {
			n.opts.Logger.Debug("snapshot entry rejected", "name", se.Name, "cid", se.Identifier, "error", err)
			continue
		}
		e := Entry[*model.ResolvedName]{
			Key: se.Name,
			Value: &model.ResolvedName{
				Name:       se.Name,
				Identifier: model.ContentIdentifier{Raw: se.Identifier},
				ResolvedAt: se.ResolvedAt,
			},
			InsertedAt: se.InsertedAt,
		}
		if n.expired(e) {
			continue
		}
		n.put(e)
		restored++
	}
	return restored, nil
}

// SaveFile writes a snapshot to path atomically, creating its directory.
func (n *NameCache) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := n.WriteSnapshot(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFile restores a snapshot from path. A missing file restores nothing.
func (n *NameCache) LoadFile(path string, g cidutil.Grammar) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return n.ReadSnapshot(f, g)
}
