package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"yield-engine/internal/model"
)

const erc20ABIJSON = `[
	{"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"address","name":"spender","type":"address"}],"name":"allowance","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"address","name":"spender","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// EVMOptions parameterise the EVM client.
type EVMOptions struct {
	Chain   string
	RPCURL  string
	Timeout time.Duration
}

// EVMClient provides the ERC-20 reads and approve-call building the
// token-approval step needs.
type EVMClient struct {
	opts      EVMOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewEVMClient builds an EVM client; the connection is dialed lazily.
func NewEVMClient(opts EVMOptions, logger zerolog.Logger) *EVMClient {
	return &EVMClient{
		opts:   opts,
		logger: logger.With().Str("component", "evm_client").Str("chain", opts.Chain).Logger(),
	}
}

// Allowance returns the current ERC-20 allowance of owner toward spender.
func (e *EVMClient) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	out, err := e.view(ctx, token, "allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BalanceOf returns the ERC-20 balance of an account.
func (e *EVMClient) BalanceOf(ctx context.Context, token, account string) (*big.Int, error) {
	return e.view(ctx, token, "balanceOf", common.HexToAddress(account))
}

// ApproveCallData packs approve(spender, amount) calldata.
func ApproveCallData(spender string, amount *big.Int) (string, error) {
	data, err := erc20ABI.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(data), nil
}

// EstimateApproveGas estimates gas for an approve call from owner.
func (e *EVMClient) EstimateApproveGas(ctx context.Context, token, owner, spender string, amount *big.Int) (uint64, *big.Int, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return 0, nil, &model.ChainError{Chain: e.opts.Chain, Err: err}
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	data, err := erc20ABI.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return 0, nil, err
	}

	to := common.HexToAddress(token)
	from := common.HexToAddress(owner)
	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return 0, nil, &model.ChainError{Chain: e.opts.Chain, Err: err}
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return 0, nil, &model.ChainError{Chain: e.opts.Chain, Err: err}
	}
	return gas, gasPrice, nil
}

// CallView executes a read-only contract call with prepacked calldata and
// returns the raw return data.
func (e *EVMClient) CallView(ctx context.Context, to string, data []byte) ([]byte, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return nil, &model.ChainError{Chain: e.opts.Chain, Err: err}
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	target := common.HexToAddress(to)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data}, nil)
	if err != nil {
		return nil, &model.ChainError{Chain: e.opts.Chain, Err: err}
	}
	return res, nil
}

// EstimateCallGas estimates gas and gas price for an arbitrary contract call.
func (e *EVMClient) EstimateCallGas(ctx context.Context, from, to string, data []byte) (uint64, *big.Int, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return 0, nil, &model.ChainError{Chain: e.opts.Chain, Err: err}
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	target := common.HexToAddress(to)
	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: common.HexToAddress(from), To: &target, Data: data})
	if err != nil {
		return 0, nil, &model.ChainError{Chain: e.opts.Chain, Err: err}
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return 0, nil, &model.ChainError{Chain: e.opts.Chain, Err: err}
	}
	return gas, gasPrice, nil
}

func (e *EVMClient) view(ctx context.Context, token, method string, args ...any) (*big.Int, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return nil, &model.ChainError{Chain: e.opts.Chain, Err: err}
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	payload, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	addr := common.HexToAddress(token)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, &model.ChainError{Chain: e.opts.Chain, Err: err}
	}

	outputs, err := erc20ABI.Unpack(method, res)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, errors.New("unexpected " + method + " response shape")
	}
	value, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode " + method + " output")
	}
	return value, nil
}

func (e *EVMClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (e *EVMClient) getClient(ctx context.Context) (*ethclient.Client, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}
	if e.opts.RPCURL == "" {
		return nil, errors.New("evm rpc url not configured")
	}
	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}
