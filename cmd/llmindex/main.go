package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ipfs/go-cid"
	"github.com/spf13/pflag"

	"xdao.co/llmindex/config"
	"xdao.co/llmindex/model"
	"xdao.co/llmindex/pipeline"
	"xdao.co/llmindex/storage"
	"xdao.co/llmindex/storage/bundle"
	"xdao.co/llmindex/storage/casregistry"
	"xdao.co/llmindex/wallet"

	_ "xdao.co/llmindex/storage/gateway"
	_ "xdao.co/llmindex/storage/grpccas"
	_ "xdao.co/llmindex/storage/ipfs"
	_ "xdao.co/llmindex/storage/localfs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "list":
		return cmdList(ctx, args[1:], out, errOut)
	case "resolve":
		return cmdResolve(ctx, args[1:], out, errOut)
	case "exists":
		return cmdExists(ctx, args[1:], out, errOut)
	case "fetch":
		return cmdFetch(ctx, args[1:], out, errOut)
	case "stream":
		return cmdStream(ctx, args[1:], out, errOut)
	case "export":
		return cmdExport(ctx, args[1:], out, errOut)
	case "import":
		return cmdImport(ctx, args[1:], out, errOut)
	case "put":
		return cmdPut(ctx, args[1:], out, errOut)
	case "get":
		return cmdGet(ctx, args[1:], out, errOut)
	case "whoami":
		return cmdWhoami(ctx, args[1:], out, errOut)
	case "sign":
		return cmdSign(ctx, args[1:], out, errOut)
	case "key":
		return cmdKey(args[1:], out, errOut)
	case "backends":
		printBackends(out)
		return 0
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "llmindex: resolve and fetch models published in the on-chain LLM index")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  llmindex list [--json]")
	fmt.Fprintln(w, "  llmindex resolve [--json] <name>")
	fmt.Fprintln(w, "  llmindex exists <name>")
	fmt.Fprintln(w, "  llmindex fetch [--out <file>] <name>")
	fmt.Fprintln(w, "  llmindex stream [--out <file>] <name>")
	fmt.Fprintln(w, "  llmindex export <bundle.tar.zst>")
	fmt.Fprintln(w, "  llmindex import <bundle.tar.zst>")
	fmt.Fprintln(w, "  llmindex put <file>")
	fmt.Fprintln(w, "  llmindex get --cid <cid> [--out <file>]")
	fmt.Fprintln(w, "  llmindex whoami")
	fmt.Fprintln(w, "  llmindex sign <message>")
	fmt.Fprintln(w, "  llmindex key init --name <name> [--key-hex <hex>] [--force]")
	fmt.Fprintln(w, "  llmindex key list")
	fmt.Fprintln(w, "  llmindex backends")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Common flags:")
	fmt.Fprintln(w, "  --config <file>    config file (default $"+config.EnvConfig+")")
	fmt.Fprintln(w, "  --backend <name>   storage backend to try (and write to) first")
	fmt.Fprintln(w, "  -v, --verbose      debug logging on stderr")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - without registry.rpc_url the static entries in the config are served")
	fmt.Fprintln(w, "  - the wallet key is read from $wallet.key_env, else from the key store entry wallet.key_name")
	fmt.Fprintln(w, "  - fetched content is verified against raw-block CIDs")
}

func printBackends(w io.Writer) {
	for _, b := range casregistry.List(casregistry.UsageCLI) {
		if b.Description == "" {
			_, _ = fmt.Fprintf(w, "%s\n", b.Name)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", b.Name, b.Description)
	}
}

type commonFlags struct {
	configPath string
	backend    string
	verbose    bool
}

func newFlagSet(name string, errOut io.Writer, common *commonFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVar(&common.configPath, "config", "", "Config file (default $"+config.EnvConfig+")")
	fs.StringVar(&common.backend, "backend", "", "Preferred storage backend")
	fs.BoolVarP(&common.verbose, "verbose", "v", false, "Debug logging")
	return fs
}

func (c *commonFlags) logger(errOut io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if c.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))
}

func (c *commonFlags) loadConfig() (*config.Config, error) {
	if c.configPath != "" {
		return config.LoadFile(c.configPath)
	}
	return config.Load()
}

func (c *commonFlags) open(ctx context.Context, errOut io.Writer) (*pipeline.Built, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return pipeline.Build(ctx, cfg, pipeline.BuildOptions{
		PreferredBackend: c.backend,
		Logger:           c.logger(errOut),
	})
}

func closeBuilt(b *pipeline.Built, errOut io.Writer) {
	if err := b.Close(); err != nil {
		fmt.Fprintln(errOut, err)
	}
}

func cmdList(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	var common commonFlags
	fs := newFlagSet("list", errOut, &common)
	var asJSON bool
	fs.BoolVar(&asJSON, "json", false, "JSON output")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(errOut, "usage: llmindex list [--json]")
		return 2
	}

	b, err := common.open(ctx, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeBuilt(b, errOut)

	results, err := b.ResolveAll(ctx)
	if results == nil && err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	if asJSON {
		if werr := writeJSON(out, listJSON(results)); werr != nil {
			fmt.Fprintln(errOut, werr)
			return 1
		}
	} else {
		for _, r := range results {
			if r.OK() {
				_, _ = fmt.Fprintf(out, "%s\t%s\n", r.Name, r.Resolved.Identifier)
				continue
			}
			_, _ = fmt.Fprintf(out, "%s\t!%s\n", r.Name, model.KindOf(r.Err))
		}
	}
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}

type listEntry struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier,omitempty"`
	Error      string `json:"error,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

func listJSON(results []model.Result) []listEntry {
	entries := make([]listEntry, 0, len(results))
	for _, r := range results {
		e := listEntry{Name: r.Name}
		if r.OK() {
			e.Identifier = r.Resolved.Identifier.Raw
		} else {
			e.Error = r.Err.Error()
			e.Kind = string(model.KindOf(r.Err))
		}
		entries = append(entries, e)
	}
	return entries
}

func cmdResolve(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	var common commonFlags
	fs := newFlagSet("resolve", errOut, &common)
	var asJSON bool
	fs.BoolVar(&asJSON, "json", false, "JSON output")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: llmindex resolve [--json] <name>")
		return 2
	}

	b, err := common.open(ctx, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeBuilt(b, errOut)

	rn, err := b.Resolve(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	if asJSON {
		if err := writeJSON(out, rn); err != nil {
			fmt.Fprintln(errOut, err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintln(out, rn.Identifier)
	return 0
}

func cmdExists(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	var common commonFlags
	fs := newFlagSet("exists", errOut, &common)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: llmindex exists <name>")
		return 2
	}

	b, err := common.open(ctx, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeBuilt(b, errOut)

	ok, err := b.Exists(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	_, _ = fmt.Fprintln(out, ok)
	return 0
}

func cmdFetch(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	var common commonFlags
	fs := newFlagSet("fetch", errOut, &common)
	var outPath string
	fs.StringVarP(&outPath, "out", "o", "", "Output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: llmindex fetch [--out <file>] <name>")
		return 2
	}

	b, err := common.open(ctx, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeBuilt(b, errOut)

	blob, err := b.FetchName(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	if outPath == "" {
		_, _ = out.Write(blob.Bytes)
		return 0
	}
	if err := os.WriteFile(outPath, blob.Bytes, 0o644); err != nil {
		fmt.Fprintf(errOut, "write %s: %v\n", outPath, err)
		return 1
	}
	return 0
}

func cmdStream(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	var common commonFlags
	fs := newFlagSet("stream", errOut, &common)
	var outPath string
	fs.StringVarP(&outPath, "out", "o", "", "Output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: llmindex stream [--out <file>] <name>")
		return 2
	}

	b, err := common.open(ctx, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeBuilt(b, errOut)

	s, err := b.Stream(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer s.Close()

	w := out
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			fmt.Fprintln(errOut, err)
			return 1
		}
		defer f.Close()
		w = f
	}
	for chunk, err := range s.Chunks() {
		if err != nil {
			fmt.Fprintln(errOut, err)
			return 1
		}
		if _, err := w.Write(chunk); err != nil {
			fmt.Fprintln(errOut, err)
			return 1
		}
	}
	return 0
}

func cmdExport(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	var common commonFlags
	fs := newFlagSet("export", errOut, &common)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: llmindex export <bundle.tar.zst>")
		return 2
	}

	b, err := common.open(ctx, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeBuilt(b, errOut)
	if b.Store == nil {
		fmt.Fprintln(errOut, pipeline.ErrNoStore)
		return 1
	}

	results, err := b.ResolveAll(ctx)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	labels := make([]bundle.Label, 0, len(results))
	for _, r := range results {
		if !r.OK() {
			fmt.Fprintf(errOut, "skipping %s: %v\n", r.Name, r.Err)
			continue
		}
		labels = append(labels, bundle.Label{Name: r.Name, CID: r.Resolved.Identifier.Raw})
	}

	path := fs.Arg(0)
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer os.Remove(f.Name())
	m, err := bundle.Export(ctx, f, b.Store, labels)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	if err := os.Rename(f.Name(), path); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	_, _ = fmt.Fprintf(out, "exported %d names, %d blocks\n", len(m.Labels), len(m.Blocks))
	return 0
}

func cmdImport(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	var common commonFlags
	fs := newFlagSet("import", errOut, &common)
	var ignoreUnknown bool
	fs.BoolVar(&ignoreUnknown, "ignore-unknown", false, "Skip unknown bundle entries")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: llmindex import [--ignore-unknown] <bundle.tar.zst>")
		return 2
	}

	b, err := common.open(ctx, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeBuilt(b, errOut)
	if b.Store == nil {
		fmt.Fprintln(errOut, pipeline.ErrNoStore)
		return 1
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer f.Close()

	m, err := bundle.Import(ctx, f, b.Store, bundle.ImportOptions{IgnoreUnknown: ignoreUnknown})
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	for _, l := range m.Labels {
		_, _ = fmt.Fprintf(out, "%s\t%s\n", l.Name, l.CID)
	}
	return 0
}

func cmdPut(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	var common commonFlags
	fs := newFlagSet("put", errOut, &common)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: llmindex put <file>")
		return 2
	}

	b, err := common.open(ctx, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeBuilt(b, errOut)
	if b.Store == nil {
		fmt.Fprintln(errOut, pipeline.ErrNoStore)
		return 1
	}

	p := fs.Arg(0)
	data, err := os.ReadFile(p)
	if err != nil {
		fmt.Fprintf(errOut, "read %s: %v\n", filepath.Base(p), err)
		return 1
	}
	id, err := b.Store.Put(ctx, data)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	_, _ = fmt.Fprintln(out, id.String())
	return 0
}

func cmdGet(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	var common commonFlags
	fs := newFlagSet("get", errOut, &common)
	var cidStr, outPath string
	fs.StringVar(&cidStr, "cid", "", "CID to fetch")
	fs.StringVarP(&outPath, "out", "o", "", "Output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if cidStr == "" || fs.NArg() != 0 {
		fmt.Fprintln(errOut, "usage: llmindex get --cid <cid> [--out <file>]")
		return 2
	}
	if _, err := cid.Decode(cidStr); err != nil {
		fmt.Fprintln(errOut, storage.ErrInvalidCID)
		return 1
	}

	b, err := common.open(ctx, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeBuilt(b, errOut)

	blob, err := b.Fetch(ctx, model.ContentIdentifier{Raw: cidStr})
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	if outPath == "" {
		_, _ = out.Write(blob.Bytes)
		return 0
	}
	if err := os.WriteFile(outPath, blob.Bytes, 0o644); err != nil {
		fmt.Fprintf(errOut, "write %s: %v\n", outPath, err)
		return 1
	}
	return 0
}

func loadSigner(common *commonFlags) (*wallet.KeyProvider, error) {
	cfg, err := common.loadConfig()
	if err != nil {
		return nil, err
	}
	kp, err := cfg.Wallet.Signer()
	if err != nil {
		return nil, err
	}
	if kp == nil {
		return nil, fmt.Errorf("%w: set %s or wallet.key_name", wallet.ErrNoAccounts, cfg.Wallet.KeyEnv)
	}
	return kp, nil
}

func cmdKey(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: llmindex key <init|list> ...")
		return 2
	}
	switch args[0] {
	case "init":
		return cmdKeyInit(args[1:], out, errOut)
	case "list":
		return cmdKeyList(args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown key subcommand: %s\n", args[0])
		return 2
	}
}

func cmdKeyInit(args []string, out io.Writer, errOut io.Writer) int {
	fs := pflag.NewFlagSet("key init", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	var dir, name, keyHex string
	var force bool
	fs.StringVar(&dir, "keys-dir", "", "Key store directory (default ~/.llmindex/keys)")
	fs.StringVar(&name, "name", "", "Key name")
	fs.StringVar(&keyHex, "key-hex", "", "Import this hex private key instead of generating one")
	fs.BoolVar(&force, "force", false, "Overwrite an existing key")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name == "" || fs.NArg() != 0 {
		fmt.Fprintln(errOut, "usage: llmindex key init --name <name> [--key-hex <hex>] [--force]")
		return 2
	}

	ks, err := wallet.OpenKeyStore(dir)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	var key *ecdsa.PrivateKey
	if keyHex != "" {
		if key, err = crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x")); err != nil {
			fmt.Fprintf(errOut, "parse --key-hex: %v\n", err)
			return 2
		}
	}
	addr, err := ks.Init(name, key, force)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	_, _ = fmt.Fprintln(out, addr.Hex())
	return 0
}

func cmdKeyList(args []string, out io.Writer, errOut io.Writer) int {
	fs := pflag.NewFlagSet("key list", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	var dir string
	fs.StringVar(&dir, "keys-dir", "", "Key store directory (default ~/.llmindex/keys)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ks, err := wallet.OpenKeyStore(dir)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	entries, err := ks.List()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	for _, e := range entries {
		_, _ = fmt.Fprintf(out, "%s\t%s\n", e.Name, e.Address.Hex())
	}
	return 0
}

func cmdWhoami(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	var common commonFlags
	fs := newFlagSet("whoami", errOut, &common)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	kp, err := loadSigner(&common)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	chainID, err := kp.ChainID(ctx)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	_, _ = fmt.Fprintf(out, "%s\tchain %s\n", kp.Address().Hex(), chainID)
	return 0
}

func cmdSign(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	var common commonFlags
	fs := newFlagSet("sign", errOut, &common)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: llmindex sign <message>")
		return 2
	}

	kp, err := loadSigner(&common)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	sig, err := kp.Sign(ctx, kp.Address(), []byte(fs.Arg(0)))
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	_, _ = fmt.Fprintln(out, hexutil.Encode(sig))
	return 0
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
