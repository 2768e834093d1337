// Package casconfig opens the content routes listed in the storage section
// of the llmindex config file.
//
// Example:
//
//	storage:
//	  write_policy: first
//	  backends:
//	    - name: localfs
//	      config: {localfs-dir: /var/lib/llmindex/cas}
//	    - name: gateway
//	      id: public
//	      config: {gateway-url: "https://ipfs.io", gateway-timeout: 20s}
//
// Backends must be linked into the binary by blank import before Open can
// find them.
package casconfig

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"xdao.co/llmindex/storage"
	"xdao.co/llmindex/storage/casregistry"
)

// WritePolicy decides which routes receive Put.
type WritePolicy string

const (
	// WriteFirst writes to the first route only. Reads fall back in order.
	WriteFirst WritePolicy = "first"
	// WriteAll writes to every route and requires them to agree on the CID.
	WriteAll WritePolicy = "all"
)

type Config struct {
	WritePolicy WritePolicy     `json:"write_policy,omitempty" yaml:"write_policy,omitempty"`
	Backends    []BackendConfig `json:"backends" yaml:"backends"`
}

// BackendConfig is one route.
type BackendConfig struct {
	// Name is the registered backend, e.g. "localfs" or "gateway".
	Name string `json:"name" yaml:"name"`
	// ID tells apart two routes of the same backend. Defaults to Name.
	ID     string            `json:"id,omitempty" yaml:"id,omitempty"`
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

// RouteID is the name the route is logged, preferred and replicated under.
func (b BackendConfig) RouteID() string {
	if b.ID != "" {
		return b.ID
	}
	return b.Name
}

func (c Config) policy() (WritePolicy, error) {
	switch c.WritePolicy {
	case "", WriteFirst:
		return WriteFirst, nil
	case WriteAll:
		return WriteAll, nil
	default:
		return "", fmt.Errorf("casconfig: invalid write_policy %q (want %q or %q)", c.WritePolicy, WriteFirst, WriteAll)
	}
}

// Validate checks the section without consulting the backend registry:
// every route names a backend, route IDs are unique and the write policy is
// known.
func (c Config) Validate() error {
	if len(c.Backends) == 0 {
		return errors.New("casconfig: at least one backend is required")
	}
	ids := make(map[string]int, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("casconfig: backends[%d]: backend name is required", i)
		}
		if j, dup := ids[b.RouteID()]; dup {
			return fmt.Errorf("casconfig: backends[%d] and backends[%d] share route id %q; set id to tell them apart", j, i, b.RouteID())
		}
		ids[b.RouteID()] = i
	}
	_, err := c.policy()
	return err
}

// CheckBackends reports every route whose backend is not linked in for usage
// or whose config carries keys the backend does not read.
func (c Config) CheckBackends(usage casregistry.Usage) error {
	var errs []error
	for _, b := range c.Backends {
		backend, err := casregistry.Lookup(b.Name, usage)
		if err == nil {
			err = backend.CheckConfig(b.Config)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("casconfig: route %q: %w", b.RouteID(), err))
		}
	}
	return errors.Join(errs...)
}

// ordered moves the route matching preferred, by route ID first and then by
// backend name, to the front.
func (c Config) ordered(preferred string) ([]BackendConfig, error) {
	out := append([]BackendConfig(nil), c.Backends...)
	if preferred == "" {
		return out, nil
	}
	idx := -1
	for i, b := range out {
		if b.RouteID() == preferred {
			idx = i
			break
		}
	}
	if idx < 0 {
		for i, b := range out {
			if b.Name == preferred {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("casconfig: preferred backend %q not found in config", preferred)
	}
	pick := out[idx]
	copy(out[1:idx+1], out[:idx])
	out[0] = pick
	return out, nil
}

// Open opens every route and combines them per the write policy. A single
// route is returned as is. The close function closes routes in reverse
// order of opening.
func (c Config) Open(usage casregistry.Usage, preferred string, logger *slog.Logger) (storage.CAS, func() error, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	if err := c.CheckBackends(usage); err != nil {
		return nil, nil, err
	}
	policy, _ := c.policy()
	ordered, err := c.ordered(preferred)
	if err != nil {
		return nil, nil, err
	}

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	routes := make([]storage.NamedCAS, 0, len(ordered))
	for _, b := range ordered {
		cas, closeFn, err := casregistry.OpenWithConfig(b.Name, usage, b.Config)
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("casconfig: open route %q: %w", b.RouteID(), err)
		}
		if closeFn != nil {
			closers = append(closers, closeFn)
		}
		routes = append(routes, storage.NamedCAS{Name: b.RouteID(), CAS: cas})
		logger.Debug("route opened", "route", b.RouteID(), "backend", b.Name)
	}

	if len(routes) == 1 {
		return routes[0].CAS, closeAll, nil
	}
	if policy == WriteAll {
		return storage.ReplicatingCAS{Backends: routes, Logger: logger}, closeAll, nil
	}
	return storage.MultiCAS{Routes: routes, Logger: logger}, closeAll, nil
}
