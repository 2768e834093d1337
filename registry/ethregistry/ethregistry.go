// Package ethregistry reads the name index from its on-chain contract.
package ethregistry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"xdao.co/llmindex/bytes32"
	"xdao.co/llmindex/model"
	"xdao.co/llmindex/registry"
)

// DefaultContract is the deployed index contract.
const DefaultContract = "0x8028f7a9cd0dE3029922dd67919B76C3ae320419"

// IndexABI covers the read surface of the index contract. getLLM returns a
// static (bytes32,bytes32) tuple, which encodes the same as two outputs.
const IndexABI = `[
  {"type":"function","name":"listLLMNames","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"bytes32[]"}]},
  {"type":"function","name":"getLLM","stateMutability":"view",
   "inputs":[{"name":"name","type":"bytes32"}],
   "outputs":[{"name":"CID1","type":"bytes32"},{"name":"CID2","type":"bytes32"}]},
  {"type":"function","name":"llmExists","stateMutability":"view",
   "inputs":[{"name":"name","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

var parsedABI = mustParse(IndexABI)

func mustParse(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}

// Session supplies the contract read handle of a connected wallet.
type Session interface {
	Caller() (caller ethereum.ContractCaller, from common.Address, ok bool)
}

// Client implements registry.Client against the index contract.
type Client struct {
	Address common.Address
	Session Session
}

var _ registry.Client = (*Client)(nil)

func New(address common.Address, session Session) *Client {
	return &Client{Address: address, Session: session}
}

// Dial connects a JSON-RPC transport suitable as a Session backend.
func Dial(ctx context.Context, rawURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, &model.Error{Kind: model.KindRegistryUnavailable, Err: err}
	}
	return c, nil
}

func (c *Client) ListNames(ctx context.Context) ([]string, error) {
	out, err := c.call(ctx, "listLLMNames")
	if err != nil {
		return nil, c.mapErr(err, "")
	}
	raw, ok := abi.ConvertType(out[0], new([][32]byte)).(*[][32]byte)
	if !ok {
		return nil, unavailable(fmt.Errorf("listLLMNames: unexpected output %T", out[0]))
	}
	names := make([]string, 0, len(*raw))
	for _, f := range *raw {
		names = append(names, bytes32.Field(f).Decode())
	}
	return names, nil
}

func (c *Client) GetEntry(ctx context.Context, name string) (model.RegistryEntry, error) {
	key, err := bytes32.EncodeName(name)
	if err != nil {
		return model.RegistryEntry{}, err
	}
	out, err := c.call(ctx, "getLLM", [32]byte(key))
	if err != nil {
		if isRevert(err) {
			return model.RegistryEntry{}, model.NameError(model.KindNotFound, name, err)
		}
		return model.RegistryEntry{}, model.WithName(c.mapErr(err, name), name)
	}
	f1, ok1 := out[0].([32]byte)
	f2, ok2 := out[1].([32]byte)
	if !ok1 || !ok2 {
		return model.RegistryEntry{}, model.WithName(unavailable(fmt.Errorf("getLLM: unexpected output %T, %T", out[0], out[1])), name)
	}
	if f1 == ([32]byte{}) && f2 == ([32]byte{}) {
		return model.RegistryEntry{}, model.NameError(model.KindNotFound, name, nil)
	}
	return model.RegistryEntry{Name: name, Field1: f1, Field2: f2}, nil
}

func (c *Client) Exists(ctx context.Context, name string) (bool, error) {
	key, err := bytes32.EncodeName(name)
	if err != nil {
		// Nothing longer than a field can be registered.
		return false, nil
	}
	out, err := c.call(ctx, "llmExists", [32]byte(key))
	if err != nil {
		return false, model.WithName(c.mapErr(err, name), name)
	}
	ok, isBool := out[0].(bool)
	if !isBool {
		return false, model.WithName(unavailable(fmt.Errorf("llmExists: unexpected output %T", out[0])), name)
	}
	return ok, nil
}

var errNoSession = errors.New("wallet not connected")

func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	if c.Session == nil {
		return nil, errNoSession
	}
	caller, from, ok := c.Session.Caller()
	if !ok {
		return nil, errNoSession
	}
	input, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	addr := c.Address
	ret, err := caller.CallContract(ctx, ethereum.CallMsg{From: from, To: &addr, Data: input}, nil)
	if err != nil {
		return nil, err
	}
	if len(ret) == 0 {
		return nil, fmt.Errorf("%s: no contract code at %s", method, addr.Hex())
	}
	return parsedABI.Unpack(method, ret)
}

// EIP-1193 "unauthorized" provider error code.
const codeUnauthorized = 4100

func (c *Client) mapErr(err error, name string) error {
	switch {
	case errors.Is(err, errNoSession):
		return &model.Error{Kind: model.KindUnauthenticated, Name: name, Err: err}
	case isUnauthorized(err):
		return &model.Error{Kind: model.KindUnauthorized, Name: name, Err: err}
	default:
		return &model.Error{Kind: model.KindRegistryUnavailable, Name: name, Err: err}
	}
}

func isUnauthorized(err error) bool {
	var he rpc.HTTPError
	if errors.As(err, &he) && (he.StatusCode == 401 || he.StatusCode == 403) {
		return true
	}
	var re rpc.Error
	return errors.As(err, &re) && re.ErrorCode() == codeUnauthorized
}

func isRevert(err error) bool {
	var de rpc.DataError
	if errors.As(err, &de) && strings.Contains(de.Error(), "revert") {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}

func unavailable(err error) error {
	return &model.Error{Kind: model.KindRegistryUnavailable, Err: err}
}

// ParseAddress validates a 0x-prefixed contract address.
func ParseAddress(s string) (common.Address, error) {
	if s == "" {
		s = DefaultContract
	}
	if !common.IsHexAddress(s) || common.HexToAddress(s) == (common.Address{}) {
		return common.Address{}, fmt.Errorf("ethregistry: invalid contract address %q", s)
	}
	return common.HexToAddress(s), nil
}
