package casregistry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"xdao.co/llmindex/storage"
)

// Usage is a bit set of the programs a backend may be opened from. Backends
// are linked in by blank import and register themselves in init().
type Usage uint8

const (
	// UsageCLI is the llmindex command.
	UsageCLI Usage = 1 << iota
	// UsageDaemon is casgrpcd, which serves one route to others.
	UsageDaemon
)

func (u Usage) allows(want Usage) bool { return u&want != 0 }

func (u Usage) String() string {
	var parts []string
	if u&UsageCLI != 0 {
		parts = append(parts, "cli")
	}
	if u&UsageDaemon != 0 {
		parts = append(parts, "daemon")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

var (
	ErrUnknownBackend = errors.New("unknown backend")
	ErrUnsupported    = errors.New("backend not available here")
)

// Backend is a build-time plugin that can open a storage.CAS route.
//
// Backends typically register themselves in init():
//
//	casregistry.MustRegister(casregistry.Backend{ ... })
//
// The binary must import the backend package for registration to occur.
type Backend struct {
	Name        string
	Description string
	Usage       Usage

	// RegisterFlags adds backend-specific flags to fs.
	// It must be safe to call exactly once per flag set.
	RegisterFlags func(fs *pflag.FlagSet)

	// Open constructs the route using values parsed into flags registered by
	// RegisterFlags. It returns an optional close function.
	Open func() (storage.CAS, func() error, error)

	// OpenConfig constructs the route from key/value config (keys usually
	// mirror the flag names). Optional; config-driven opening fails without it.
	OpenConfig func(cfg map[string]string) (storage.CAS, func() error, error)

	// ConfigKeys lists the keys OpenConfig reads. Other keys are rejected
	// so a misspelled setting does not silently fall back to its default.
	ConfigKeys []string
}

// CheckConfig reports the first key in cfg that b does not read.
func (b Backend) CheckConfig(cfg map[string]string) error {
	if b.OpenConfig == nil {
		return fmt.Errorf("backend %q: %w: no config-driven opening", b.Name, ErrUnsupported)
	}
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		known := false
		for _, want := range b.ConfigKeys {
			if k == want {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("backend %q: unknown config key %q (known: %s)", b.Name, k, strings.Join(b.ConfigKeys, ", "))
		}
	}
	return nil
}

var (
	mu       sync.RWMutex
	backends = map[string]Backend{}
)

// Register registers a backend.
func Register(b Backend) error {
	if b.Name == "" {
		return fmt.Errorf("casregistry: backend name is required")
	}
	if b.RegisterFlags == nil {
		return fmt.Errorf("casregistry: backend %q missing RegisterFlags", b.Name)
	}
	if b.Open == nil {
		return fmt.Errorf("casregistry: backend %q missing Open", b.Name)
	}
	if b.Usage == 0 {
		return fmt.Errorf("casregistry: backend %q missing Usage", b.Name)
	}

	mu.Lock()
	defer mu.Unlock()
	if _, exists := backends[b.Name]; exists {
		return fmt.Errorf("casregistry: backend %q already registered", b.Name)
	}
	backends[b.Name] = b
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister(b Backend) {
	if err := Register(b); err != nil {
		panic(err)
	}
}

// List returns backends matching usage, sorted by name.
func List(usage Usage) []Backend {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if b.Usage.allows(usage) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns backend names matching usage, sorted.
func Names(usage Usage) []string {
	bs := List(usage)
	n := make([]string, 0, len(bs))
	for _, b := range bs {
		n = append(n, b.Name)
	}
	return n
}

// RegisterFlags registers flags for all backends matching usage.
func RegisterFlags(fs *pflag.FlagSet, usage Usage) {
	for _, b := range List(usage) {
		b.RegisterFlags(fs)
	}
}

// Lookup returns the backend registered as name if it may be opened under
// usage.
func Lookup(name string, usage Usage) (Backend, error) {
	mu.RLock()
	b, ok := backends[name]
	mu.RUnlock()
	if !ok {
		return Backend{}, fmt.Errorf("%w %q", ErrUnknownBackend, name)
	}
	if !b.Usage.allows(usage) {
		return Backend{}, fmt.Errorf("backend %q: %w (usage %s, want %s)", name, ErrUnsupported, b.Usage, usage)
	}
	return b, nil
}

// Open opens the named backend from its parsed flags.
func Open(name string, usage Usage) (storage.CAS, func() error, error) {
	b, err := Lookup(name, usage)
	if err != nil {
		return nil, nil, err
	}
	return b.Open()
}

// OpenWithConfig opens the named backend from key/value config.
func OpenWithConfig(name string, usage Usage, cfg map[string]string) (storage.CAS, func() error, error) {
	b, err := Lookup(name, usage)
	if err != nil {
		return nil, nil, err
	}
	if err := b.CheckConfig(cfg); err != nil {
		return nil, nil, err
	}
	return b.OpenConfig(cfg)
}
