package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"auxite/internal/logging"
	"auxite/internal/model"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCaller answers ERC-20 view calls from an in-memory table.
type fakeCaller struct {
	mu       sync.Mutex
	decimals map[common.Address]uint8
	balances map[common.Address]*big.Int
	symbols  map[common.Address]string
	failing  map[common.Address]bool
	calls    map[string]int
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		decimals: map[common.Address]uint8{},
		balances: map[common.Address]*big.Int{},
		symbols:  map[common.Address]string{},
		failing:  map[common.Address]bool{},
		calls:    map[string]int{},
	}
}

func (f *fakeCaller) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (f *fakeCaller) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	method, err := parsedERC20.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method.Name]++

	token := *call.To
	if f.failing[token] {
		return nil, errors.New("execution reverted")
	}

	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(f.decimals[token])
	case "symbol":
		return method.Outputs.Pack(f.symbols[token])
	case "balanceOf":
		bal, ok := f.balances[token]
		if !ok {
			bal = big.NewInt(0)
		}
		return method.Outputs.Pack(bal)
	}
	return nil, errors.New("unexpected method")
}

var (
	goldToken   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	silverToken = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	owner       = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
)

func TestERC20Reader_Balances(t *testing.T) {
	caller := newFakeCaller()
	caller.decimals[goldToken] = 6
	caller.balances[goldToken] = big.NewInt(12_345_678)
	caller.decimals[silverToken] = 18
	caller.balances[silverToken] = new(big.Int).Mul(big.NewInt(3), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

	r := NewERC20Reader(logging.Discard(), caller, map[model.Metal]common.Address{
		model.Gold:   goldToken,
		model.Silver: silverToken,
	}, nil)

	got, err := r.Balances(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, got.Get(model.AUXG).Equal(decimal.RequireFromString("12.345678")), got.Get(model.AUXG).String())
	assert.True(t, got.Get(model.AUXS).Equal(decimal.NewFromInt(3)))
	_, hasPlatinum := got[model.AUXPT]
	assert.False(t, hasPlatinum)

	_, err = r.Balances(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, 2, caller.calls["decimals"], "decimals should be cached per token")
	assert.Equal(t, 4, caller.calls["balanceOf"])
}

func TestERC20Reader_PartialFailure(t *testing.T) {
	caller := newFakeCaller()
	caller.decimals[goldToken] = 2
	caller.balances[goldToken] = big.NewInt(150)
	caller.failing[silverToken] = true

	r := NewERC20Reader(logging.Discard(), caller, map[model.Metal]common.Address{
		model.Gold:   goldToken,
		model.Silver: silverToken,
	}, nil)

	got, err := r.Balances(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, got.Get(model.AUXG).Equal(decimal.RequireFromString("1.5")))
	_, hasSilver := got[model.AUXS]
	assert.False(t, hasSilver)
}

func TestERC20Reader_AllFail(t *testing.T) {
	caller := newFakeCaller()
	caller.failing[goldToken] = true

	r := NewERC20Reader(logging.Discard(), caller, map[model.Metal]common.Address{model.Gold: goldToken}, nil)
	_, err := r.Balances(context.Background(), owner)
	assert.ErrorIs(t, err, ErrNoBalances)

	_, err = r.Balances(context.Background(), "not-an-address")
	assert.Error(t, err)
}

func TestERC20Reader_Symbol(t *testing.T) {
	caller := newFakeCaller()
	caller.symbols[goldToken] = "AUXG"

	r := NewERC20Reader(logging.Discard(), caller, map[model.Metal]common.Address{model.Gold: goldToken}, nil)
	sym, err := r.Symbol(context.Background(), model.Gold)
	require.NoError(t, err)
	assert.Equal(t, "AUXG", sym)

	_, err = r.Symbol(context.Background(), model.Silver)
	assert.Error(t, err)
}

func TestContractsFromConfig(t *testing.T) {
	got, err := ContractsFromConfig(map[string]string{"auxg": goldToken.Hex()})
	require.NoError(t, err)
	assert.Equal(t, goldToken, got[model.Gold])

	_, err = ContractsFromConfig(map[string]string{"AUXG": "0x123"})
	assert.Error(t, err)

	_, err = ContractsFromConfig(map[string]string{"XAU": goldToken.Hex()})
	assert.Error(t, err)
}
