package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"auxite/internal/model"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Minimal ERC-20 ABI (read-only methods)
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"}
]`

var parsedERC20 = mustParseABI(erc20ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("failed to parse ERC-20 ABI: %v", err))
	}
	return parsed
}

// ErrNoBalances is returned when no token contract could be read.
var ErrNoBalances = errors.New("no on-chain balances available")

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return client, nil
}

// ContractsFromConfig parses configured token addresses keyed by metal symbol.
func ContractsFromConfig(cfg map[string]string) (map[model.Metal]common.Address, error) {
	out := make(map[model.Metal]common.Address, len(cfg))
	for sym, addr := range cfg {
		metal, err := model.ParseMetal(sym)
		if err != nil {
			return nil, err
		}
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid token contract for %s: %q", metal, addr)
		}
		out[metal] = common.HexToAddress(addr)
	}
	return out, nil
}

// ERC20Reader reads metal token balances straight from their contracts.
type ERC20Reader struct {
	logger    *slog.Logger
	contracts map[model.Metal]*bind.BoundContract
	limiter   *rate.Limiter

	mu       sync.Mutex
	decimals map[model.Metal]uint8
}

// NewERC20Reader binds every configured token contract. limiter paces RPC calls and may be nil.
func NewERC20Reader(logger *slog.Logger, caller bind.ContractCaller, tokens map[model.Metal]common.Address, limiter *rate.Limiter) *ERC20Reader {
	contracts := make(map[model.Metal]*bind.BoundContract, len(tokens))
	for metal, addr := range tokens {
		contracts[metal] = bind.NewBoundContract(addr, parsedERC20, caller, nil, nil)
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &ERC20Reader{
		logger:    logger,
		contracts: contracts,
		limiter:   limiter,
		decimals:  make(map[model.Metal]uint8),
	}
}

// Balances returns the owner's balance of every readable metal token. A token that
// fails is left out; only when every token fails is an error returned.
func (r *ERC20Reader) Balances(ctx context.Context, owner string) (model.Balances, error) {
	if !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("invalid owner address %q", owner)
	}
	holder := common.HexToAddress(owner)

	out := make(model.Balances, len(r.contracts))
	var lastErr error
	for _, metal := range model.Metals {
		contract, ok := r.contracts[metal]
		if !ok {
			continue
		}
		amount, err := r.balanceOf(ctx, metal, contract, holder)
		if err != nil {
			r.logger.Warn("ERC20Reader: balance read failed", "metal", metal, "owner", holder.Hex(), "error", err)
			lastErr = err
			continue
		}
		out[metal.Asset()] = amount
	}

	if len(out) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoBalances, lastErr)
		}
		return nil, ErrNoBalances
	}
	return out, nil
}

// Symbol returns the token's on-chain symbol.
func (r *ERC20Reader) Symbol(ctx context.Context, metal model.Metal) (string, error) {
	contract, ok := r.contracts[metal]
	if !ok {
		return "", fmt.Errorf("no token contract for %s", metal)
	}
	var out []interface{}
	if err := r.call(ctx, contract, &out, "symbol"); err != nil {
		return "", err
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

func (r *ERC20Reader) balanceOf(ctx context.Context, metal model.Metal, contract *bind.BoundContract, holder common.Address) (decimal.Decimal, error) {
	dec, err := r.tokenDecimals(ctx, metal, contract)
	if err != nil {
		return decimal.Decimal{}, err
	}

	var out []interface{}
	if err := r.call(ctx, contract, &out, "balanceOf", holder); err != nil {
		return decimal.Decimal{}, err
	}
	raw := *abi.ConvertType(out[0], new(big.Int)).(*big.Int)
	return decimal.NewFromBigInt(&raw, -int32(dec)), nil
}

func (r *ERC20Reader) tokenDecimals(ctx context.Context, metal model.Metal, contract *bind.BoundContract) (uint8, error) {
	r.mu.Lock()
	dec, ok := r.decimals[metal]
	r.mu.Unlock()
	if ok {
		return dec, nil
	}

	var out []interface{}
	if err := r.call(ctx, contract, &out, "decimals"); err != nil {
		return 0, err
	}
	dec = *abi.ConvertType(out[0], new(uint8)).(*uint8)

	r.mu.Lock()
	r.decimals[metal] = dec
	r.mu.Unlock()
	return dec, nil
}

func (r *ERC20Reader) call(ctx context.Context, contract *bind.BoundContract, out *[]interface{}, method string, params ...interface{}) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, out, method, params...); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if len(*out) == 0 {
		return fmt.Errorf("%s: empty result", method)
	}
	return nil
}
