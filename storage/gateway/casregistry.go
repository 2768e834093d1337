package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"xdao.co/llmindex/storage"
	"xdao.co/llmindex/storage/casregistry"
)

var (
	flagURL       string
	flagTimeout   time.Duration
	flagUserAgent string
)

const defaultUserAgent = "llmindex"

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "gateway",
		Description: "IPFS HTTP path gateway (read-only)",
		Usage:       casregistry.UsageCLI | casregistry.UsageDaemon,
		RegisterFlags: func(fs *pflag.FlagSet) {
			fs.StringVar(&flagURL, "gateway-url", "https://ipfs.io", "Gateway base URL (for --backend=gateway)")
			fs.DurationVar(&flagTimeout, "gateway-timeout", 0, "Per-request timeout (for --backend=gateway)")
			fs.StringVar(&flagUserAgent, "gateway-user-agent", defaultUserAgent, "User-Agent header (for --backend=gateway)")
		},
		Open: func() (storage.CAS, func() error, error) {
			return open(flagURL, Options{Timeout: flagTimeout, UserAgent: flagUserAgent})
		},
		ConfigKeys: []string{"gateway-url", "gateway-timeout", "gateway-user-agent"},
		OpenConfig: func(cfg map[string]string) (storage.CAS, func() error, error) {
			opts := Options{UserAgent: defaultUserAgent}
			if s := cfg["gateway-timeout"]; s != "" {
				d, err := time.ParseDuration(s)
				if err != nil {
					return nil, nil, fmt.Errorf("gateway-timeout: %w", err)
				}
				opts.Timeout = d
			}
			if ua, ok := cfg["gateway-user-agent"]; ok {
				opts.UserAgent = ua
			}
			return open(cfg["gateway-url"], opts)
		},
	})
}

func open(base string, opts Options) (storage.CAS, func() error, error) {
	if strings.TrimSpace(base) == "" {
		return nil, nil, fmt.Errorf("missing --gateway-url")
	}
	c, err := New(base, opts)
	if err != nil {
		return nil, nil, err
	}
	return c, nil, nil
}
