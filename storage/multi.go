package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"

	"github.com/ipfs/go-cid"
)

// MultiCAS provides deterministic, ordered fallback across multiple routes.
//
// Reads try Routes in slice order. A route that reports ErrNotFound or a
// transient failure hands over to the next one. The result is ErrNotFound
// only when every route answered "not found"; if any route failed
// transiently, that failure is returned instead, because absence was not
// established.
//
// Put writes only to the first route.
type MultiCAS struct {
	Routes []NamedCAS
	// Logger receives one Debug line per route handover, naming the route.
	// Nil discards.
	Logger *slog.Logger
}

// Fallback returns a MultiCAS over routes named by their position.
func Fallback(routes ...CAS) MultiCAS {
	named := make([]NamedCAS, 0, len(routes))
	for i, r := range routes {
		named = append(named, NamedCAS{Name: strconv.Itoa(i), CAS: r})
	}
	return MultiCAS{Routes: named}
}

var _ CAS = MultiCAS{}

func (m MultiCAS) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	if len(m.Routes) == 0 {
		return cid.Undef, errors.New("storage: MultiCAS has no routes")
	}
	return m.Routes[0].CAS.Put(ctx, data)
}

func (m MultiCAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	var out []byte
	err := m.each(ctx, id, func(c CAS) error {
		b, err := c.Get(ctx, id)
		if err == nil {
			out = b
		}
		return err
	})
	return out, err
}

func (m MultiCAS) Open(ctx context.Context, id cid.Cid) (io.ReadCloser, error) {
	var out io.ReadCloser
	err := m.each(ctx, id, func(c CAS) error {
		rc, err := c.Open(ctx, id)
		if err == nil {
			out = rc
		}
		return err
	})
	return out, err
}

func (m MultiCAS) Has(ctx context.Context, id cid.Cid) bool {
	for _, r := range m.Routes {
		if r.CAS.Has(ctx, id) {
			return true
		}
	}
	return false
}

func (m MultiCAS) each(ctx context.Context, id cid.Cid, try func(CAS) error) error {
	if len(m.Routes) == 0 {
		return ErrNotFound
	}
	var lastErr error
	for _, r := range m.Routes {
		err := try(r.CAS)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if IsNotFound(err) {
			continue
		}
		if errors.Is(err, ErrInvalidCID) {
			return err
		}
		lastErr = err
		if m.Logger != nil {
			m.Logger.Debug("route failed, falling back",
				"cid", id.String(),
				"route", r.Name,
				"error", err,
			)
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return ErrNotFound
}
