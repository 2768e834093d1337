// Package config loads llmindex configuration from YAML.
//
// Example:
//
//	registry:
//	  rpc_url: https://sepolia.example/rpc
//	  contract: "0x8028f7a9cd0dE3029922dd67919B76C3ae320419"
//	resolver:
//	  concurrency: 8
//	fetcher:
//	  attempts: 3
//	  base_backoff: 200ms
//	  timeout: 30s
//	cache:
//	  names: 500
//	  contents: 100
//	  index_file: ${HOME}/.cache/llmindex/index.snap
//	storage:
//	  backends:
//	    - name: gateway
//	      config: {gateway-url: "https://ipfs.io"}
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"xdao.co/llmindex/cache"
	"xdao.co/llmindex/fetcher"
	"xdao.co/llmindex/registry/ethregistry"
	"xdao.co/llmindex/resolver"
	"xdao.co/llmindex/storage/casconfig"
	"xdao.co/llmindex/wallet"
)

// EnvConfig names the environment variable Load reads the config path from.
const EnvConfig = "LLMINDEX_CONFIG"

type Config struct {
	Registry RegistryConfig   `yaml:"registry"`
	Wallet   WalletConfig     `yaml:"wallet"`
	Resolver ResolverConfig   `yaml:"resolver"`
	Fetcher  FetcherConfig    `yaml:"fetcher"`
	Cache    CacheConfig      `yaml:"cache"`
	Storage  casconfig.Config `yaml:"storage"`
}

type RegistryConfig struct {
	// RPCURL is the JSON-RPC endpoint of the chain holding the index
	// contract. When empty, Static entries are used instead.
	RPCURL string `yaml:"rpc_url"`

	// Contract is the index contract address.
	// Default: ethregistry.DefaultContract
	Contract string `yaml:"contract"`

	// Static lists registry entries served without a chain.
	Static []StaticEntry `yaml:"static,omitempty"`
}

type StaticEntry struct {
	Name string `yaml:"name"`
	CID  string `yaml:"cid"`
}

type WalletConfig struct {
	// KeyEnv names the environment variable holding the hex private key of
	// the headless signer.
	// Default: LLMINDEX_WALLET_KEY
	KeyEnv string `yaml:"key_env"`

	// KeyName selects a key from the local key store when the KeyEnv
	// variable is unset.
	KeyName string `yaml:"key_name,omitempty"`

	// KeysDir is the key store directory.
	// Default: ~/.llmindex/keys
	KeysDir string `yaml:"keys_dir,omitempty"`

	// ChainID is the chain the signer reports.
	// Default: 11155111 (Sepolia)
	ChainID int64 `yaml:"chain_id"`
}

type ResolverConfig struct {
	// AcceptedPrefixes restricts identifier prefixes.
	// Default: cidutil.DefaultPrefixes
	AcceptedPrefixes []string `yaml:"accepted_prefixes,omitempty"`
	Concurrency      int      `yaml:"concurrency"`
	Strict           bool     `yaml:"strict"`
}

type FetcherConfig struct {
	Attempts    int           `yaml:"attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	Timeout     time.Duration `yaml:"timeout"`
	ChunkSize   int           `yaml:"chunk_size"`
}

type CacheConfig struct {
	Names    int           `yaml:"names"`
	Contents int           `yaml:"contents"`
	TTL      time.Duration `yaml:"ttl"`

	// IndexFile persists the name cache between runs. Empty disables it.
	IndexFile string `yaml:"index_file,omitempty"`
}

func Default() *Config {
	return &Config{
		Registry: RegistryConfig{Contract: ethregistry.DefaultContract},
		Wallet: WalletConfig{
			KeyEnv:  "LLMINDEX_WALLET_KEY",
			ChainID: 11155111,
		},
		Resolver: ResolverConfig{Concurrency: resolver.DefaultConcurrency},
		Fetcher: FetcherConfig{
			Attempts:    fetcher.DefaultAttempts,
			BaseBackoff: fetcher.DefaultBaseBackoff,
			Timeout:     fetcher.DefaultTimeout,
			ChunkSize:   fetcher.DefaultChunkSize,
		},
		Cache: CacheConfig{
			Names:    cache.DefaultNameEntries,
			Contents: cache.DefaultContentEntries,
		},
	}
}

// Load reads the file named by $LLMINDEX_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your llmindex.yaml, or use --config", EnvConfig)
	}
	return LoadFile(path)
}

// LoadFile reads path over Default() and validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML (or JSON) over Default(). Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Registry.RPCURL == "" && len(c.Registry.Static) == 0 {
		return errors.New("registry: rpc_url or static entries are required")
	}
	if c.Registry.RPCURL != "" {
		if _, err := ethregistry.ParseAddress(c.Registry.Contract); err != nil {
			return fmt.Errorf("registry: %w", err)
		}
	}
	seen := make(map[string]struct{}, len(c.Registry.Static))
	for _, e := range c.Registry.Static {
		if e.Name == "" || e.CID == "" {
			return errors.New("registry: static entries need name and cid")
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("registry: duplicate static entry %q", e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	if c.Wallet.KeyName != "" {
		if err := wallet.CheckKeyName(c.Wallet.KeyName); err != nil {
			return err
		}
	}
	if c.Resolver.Concurrency < 0 {
		return errors.New("resolver: concurrency must not be negative")
	}
	if c.Fetcher.Attempts < 0 || c.Fetcher.BaseBackoff < 0 || c.Fetcher.Timeout < 0 {
		return errors.New("fetcher: attempts, base_backoff and timeout must not be negative")
	}
	if c.Cache.Names < 0 || c.Cache.Contents < 0 || c.Cache.TTL < 0 {
		return errors.New("cache: sizes and ttl must not be negative")
	}
	if len(c.Storage.Backends) > 0 {
		if err := c.Storage.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Signer returns the configured headless signer, or nil when neither the
// key variable nor a key name is set.
func (w WalletConfig) Signer() (*wallet.KeyProvider, error) {
	chainID := big.NewInt(w.ChainID)
	if key := os.Getenv(w.KeyEnv); key != "" {
		return wallet.LoadKeyProvider(key, chainID)
	}
	if w.KeyName == "" {
		return nil, nil
	}
	ks, err := wallet.OpenKeyStore(w.KeysDir)
	if err != nil {
		return nil, err
	}
	return ks.Provider(w.KeyName, chainID)
}

// HasStorage reports whether any content route is configured.
func (c *Config) HasStorage() bool { return len(c.Storage.Backends) > 0 }

func (c *Config) expandVariables() {
	c.Cache.IndexFile = os.ExpandEnv(c.Cache.IndexFile)
	c.Registry.RPCURL = os.ExpandEnv(c.Registry.RPCURL)
	c.Wallet.KeysDir = os.ExpandEnv(c.Wallet.KeysDir)
	for i := range c.Storage.Backends {
		for k, v := range c.Storage.Backends[i].Config {
			c.Storage.Backends[i].Config[k] = os.ExpandEnv(v)
		}
	}
}
