package ipfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/ipfs/go-cid"

	"xdao.co/llmindex/cidutil"
	"xdao.co/llmindex/storage"
)

// CAS is a content-addressable route backed by the local Kubo "ipfs" CLI.
//
// Reads use "ipfs cat", so both raw blocks and UnixFS (dag-pb) files
// resolve; with a running daemon Kubo fetches missing content from the
// network, otherwise Offline restricts reads to the local repo.
//
// Writes store raw blocks (CIDv1 raw + sha2-256), matching
// cidutil.CIDv1RawSHA256CID.
type CAS struct {
	bin     string
	env     []string
	offline bool
}

var _ storage.CAS = (*CAS)(nil)

type Options struct {
	// Bin is the path to the ipfs binary. If empty, "ipfs" is used.
	Bin string
	// Env optionally overrides the command environment (e.g. to set IPFS_PATH).
	// If nil, the process environment is used.
	Env []string
	// Offline passes --offline so a missing block is reported instead of
	// searched for on the network.
	Offline bool
}

func New(opts Options) *CAS {
	bin := opts.Bin
	if bin == "" {
		bin = "ipfs"
	}
	return &CAS{bin: bin, env: opts.Env, offline: opts.Offline}
}

func (c *CAS) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	id, err := cidutil.CIDv1RawSHA256CID(data)
	if err != nil {
		return cid.Undef, err
	}

	out, err := c.run(ctx, data,
		"block", "put",
		"--quiet",
		"--cid-codec=raw",
		"--mhtype=sha2-256",
		"--mhlen=32",
		"/dev/stdin",
	)
	if err != nil {
		return cid.Undef, err
	}

	got, err := cid.Decode(strings.TrimSpace(string(out)))
	if err != nil {
		return cid.Undef, fmt.Errorf("ipfs: unexpected block put output: %w", err)
	}
	if got.String() != id.String() {
		return cid.Undef, storage.ErrCIDMismatch
	}
	return id, nil
}

func (c *CAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	out, err := c.run(ctx, nil, c.args("cat", id.String())...)
	if err != nil {
		return nil, err
	}
	if err := storage.VerifyBytes(id, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CAS) Open(ctx context.Context, id cid.Cid) (io.ReadCloser, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	cmd := c.command(ctx, c.args("cat", id.String())...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	cat := &catReader{cmd: cmd, stdout: stdout, stderr: &stderr}
	rc, err := storage.VerifyingReader(id, cat)
	if err != nil {
		_ = cat.Close()
		return nil, err
	}
	return rc, nil
}

func (c *CAS) Has(ctx context.Context, id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	_, err := c.run(ctx, nil, "block", "stat", "--offline", id.String())
	return err == nil
}

func (c *CAS) args(args ...string) []string {
	if c.offline {
		return append([]string{"--offline"}, args...)
	}
	return args
}

func (c *CAS) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	if c.env != nil {
		cmd.Env = c.env
	}
	return cmd
}

func (c *CAS) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := c.command(ctx, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	out, err := cmd.Output()
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return nil, exitError(err, string(ee.Stderr))
	}
	return nil, fmt.Errorf("%w: ipfs: %v", storage.ErrUnavailable, err)
}

// catReader streams "ipfs cat" stdout. A non-zero exit is reported in place
// of io.EOF so a failed transfer is never mistaken for a short file.
type catReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	done   bool
}

func (r *catReader) Read(p []byte) (int, error) {
	n, err := r.stdout.Read(p)
	if err != io.EOF {
		return n, err
	}
	r.done = true
	if werr := r.cmd.Wait(); werr != nil {
		return n, exitError(werr, r.stderr.String())
	}
	return n, io.EOF
}

func (r *catReader) Close() error {
	_ = r.stdout.Close()
	if r.done {
		return nil
	}
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	_ = r.cmd.Wait()
	return nil
}

func exitError(err error, stderr string) error {
	s := strings.TrimSpace(stderr)
	if s == "" {
		s = err.Error()
	}
	if isLikelyNotFound(s) {
		return storage.ErrNotFound
	}
	return fmt.Errorf("%w: ipfs: %s", storage.ErrUnavailable, s)
}

func isLikelyNotFound(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "block was not found locally")
}
