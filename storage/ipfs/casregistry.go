package ipfs

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"xdao.co/llmindex/storage"
	"xdao.co/llmindex/storage/casregistry"
)

var (
	flagBin     string
	flagPath    string
	flagOffline bool
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "ipfs",
		Description: "Local Kubo node via the ipfs CLI",
		Usage:       casregistry.UsageCLI | casregistry.UsageDaemon,
		RegisterFlags: func(fs *pflag.FlagSet) {
			fs.StringVar(&flagBin, "ipfs-bin", "ipfs", "ipfs binary (for --backend=ipfs)")
			fs.StringVar(&flagPath, "ipfs-path", "", "IPFS_PATH repo override (for --backend=ipfs)")
			fs.BoolVar(&flagOffline, "ipfs-offline", false, "Never fetch from the network (for --backend=ipfs)")
		},
		Open: func() (storage.CAS, func() error, error) {
			return New(options(flagBin, flagPath, flagOffline)), nil, nil
		},
		ConfigKeys: []string{"ipfs-bin", "ipfs-path", "ipfs-offline"},
		OpenConfig: func(cfg map[string]string) (storage.CAS, func() error, error) {
			var offline bool
			if v := cfg["ipfs-offline"]; v != "" {
				b, err := strconv.ParseBool(v)
				if err != nil {
					return nil, nil, fmt.Errorf("ipfs-offline: %w", err)
				}
				offline = b
			}
			return New(options(cfg["ipfs-bin"], cfg["ipfs-path"], offline)), nil, nil
		},
	})
}

func options(bin, repo string, offline bool) Options {
	opts := Options{Bin: bin, Offline: offline}
	if repo != "" {
		opts.Env = append(os.Environ(), "IPFS_PATH="+repo)
	}
	return opts
}
