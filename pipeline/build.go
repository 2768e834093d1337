package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"xdao.co/llmindex/cache"
	"xdao.co/llmindex/cidutil"
	"xdao.co/llmindex/clock"
	"xdao.co/llmindex/config"
	"xdao.co/llmindex/fetcher"
	"xdao.co/llmindex/registry"
	"xdao.co/llmindex/registry/ethregistry"
	"xdao.co/llmindex/resolver"
	"xdao.co/llmindex/storage"
	"xdao.co/llmindex/storage/casregistry"
	"xdao.co/llmindex/wallet"
)

// Built is a pipeline opened from configuration plus the resources it owns.
type Built struct {
	*Pipeline

	Registry registry.Client
	Store    storage.CAS
	Session  *wallet.Session

	indexFile string
	closers   []func() error
}

// BuildOptions carries the process-level inputs Build does not read from
// the config file.
type BuildOptions struct {
	// PreferredBackend moves a storage backend to the front of the route list.
	PreferredBackend string
	Logger           *slog.Logger
	Clock            clock.Clock
}

// Build opens every component cfg describes. Storage backends must be
// linked in by the caller (blank imports of storage/... packages).
func Build(ctx context.Context, cfg *config.Config, opts BuildOptions) (*Built, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	b := &Built{indexFile: cfg.Cache.IndexFile}

	reg, err := b.openRegistry(ctx, cfg, logger)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.Registry = reg

	grammar := cidutil.Grammar{Prefixes: cfg.Resolver.AcceptedPrefixes}
	res := resolver.New(reg, resolver.Options{
		Grammar:     grammar,
		Concurrency: cfg.Resolver.Concurrency,
		Strict:      cfg.Resolver.Strict,
		Clock:       clk,
		Logger:      logger.With("component", "resolver"),
	})

	var f *fetcher.Fetcher
	if cfg.HasStorage() {
		store, closeFn, err := cfg.Storage.Open(casregistry.UsageCLI, opts.PreferredBackend, logger.With("component", "storage"))
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Store = store
		if closeFn != nil {
			b.closers = append(b.closers, closeFn)
		}
		f = fetcher.New(store, fetcher.Options{
			Attempts:    cfg.Fetcher.Attempts,
			BaseBackoff: cfg.Fetcher.BaseBackoff,
			Timeout:     cfg.Fetcher.Timeout,
			ChunkSize:   cfg.Fetcher.ChunkSize,
			Grammar:     grammar,
			Clock:       clk,
			Logger:      logger.With("component", "fetcher"),
		})
	}

	p, err := New(res, f, Options{
		Names:    cache.Options{MaxEntries: cfg.Cache.Names, TTL: cfg.Cache.TTL, Clock: clk},
		Contents: cache.Options{MaxEntries: cfg.Cache.Contents, TTL: cfg.Cache.TTL, Clock: clk},
		Logger:   logger,
	})
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.Pipeline = p

	if b.indexFile != "" {
		n, err := p.Names().LoadFile(b.indexFile, grammar)
		if err != nil {
			logger.Warn("ignoring unreadable name index snapshot", "path", b.indexFile, "error", err)
		} else if n > 0 {
			logger.Debug("name index restored", "path", b.indexFile, "entries", n)
		}
	}
	return b, nil
}

func (b *Built) openRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (registry.Client, error) {
	if cfg.Registry.RPCURL == "" {
		static := registry.NewStatic()
		for _, e := range cfg.Registry.Static {
			if err := static.Register(e.Name, e.CID); err != nil {
				return nil, fmt.Errorf("registry: static entry %q: %w", e.Name, err)
			}
		}
		return static, nil
	}

	addr, err := ethregistry.ParseAddress(cfg.Registry.Contract)
	if err != nil {
		return nil, err
	}
	backend, err := ethregistry.Dial(ctx, cfg.Registry.RPCURL)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, func() error { backend.Close(); return nil })

	var provider wallet.Provider
	kp, err := cfg.Wallet.Signer()
	if err != nil {
		return nil, err
	}
	if kp != nil {
		provider = kp
	}
	session := wallet.NewSession(provider, backend, logger.With("component", "wallet"))
	if provider != nil {
		if err := session.Connect(ctx); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no wallet key configured; registry reads will fail as unauthenticated",
			"key_env", cfg.Wallet.KeyEnv, "key_name", cfg.Wallet.KeyName)
	}
	b.Session = session
	b.closers = append(b.closers, func() error { session.Disconnect(); return nil })

	return ethregistry.New(addr, session), nil
}

// Close persists the name index (when configured) and releases resources
// in reverse order of acquisition.
func (b *Built) Close() error {
	var errs []error
	if b.Pipeline != nil && b.indexFile != "" {
		if err := b.Names().SaveFile(b.indexFile); err != nil {
			errs = append(errs, fmt.Errorf("save name index: %w", err))
		}
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
