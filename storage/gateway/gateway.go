// Package gateway is a read-only storage.CAS route over an IPFS HTTP path
// gateway (GET {base}/ipfs/{cid}).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"xdao.co/llmindex/storage"
)

// ErrReadOnly is returned by Put: gateways serve content, they do not pin it.
var ErrReadOnly = errors.New("gateway: read-only route")

type Options struct {
	// Client is the HTTP client. If nil, a client with Timeout is used.
	Client *http.Client
	// Timeout bounds one request including the body when Client is nil.
	// Zero means no client-level timeout; callers bound requests with ctx.
	Timeout time.Duration
	// UserAgent is sent with every request when non-empty.
	UserAgent string
}

type CAS struct {
	base      *url.URL
	client    *http.Client
	userAgent string
}

var _ storage.CAS = (*CAS)(nil)

// New returns a route for the gateway at base, e.g. "https://ipfs.io".
func New(base string, opts Options) (*CAS, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway: unsupported scheme %q", u.Scheme)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &CAS{base: u, client: client, userAgent: opts.UserAgent}, nil
}

func (c *CAS) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	return cid.Undef, ErrReadOnly
}

func (c *CAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	rc, err := c.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (c *CAS) Open(ctx context.Context, id cid.Cid) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, id)
	if err != nil {
		return nil, err
	}
	if err := statusError(resp); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, err
	}
	rc, err := storage.VerifyingReader(id, resp.Body)
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return rc, nil
}

func (c *CAS) Has(ctx context.Context, id cid.Cid) bool {
	resp, err := c.do(ctx, http.MethodHead, id)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *CAS) do(ctx context.Context, method string, id cid.Cid) (*http.Response, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	u := c.base.JoinPath("ipfs", id.String())
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if id.Type() == cid.Raw {
		req.Header.Set("Accept", "application/vnd.ipld.raw")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: gateway: %v", storage.ErrUnavailable, err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	switch code := resp.StatusCode; {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound, code == http.StatusGone:
		return storage.ErrNotFound
	case code == http.StatusBadRequest:
		return storage.ErrInvalidCID
	default:
		return fmt.Errorf("%w: gateway: %s", storage.ErrUnavailable, resp.Status)
	}
}
