package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"AgentCustody/internal/venue"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// routerABI 是场所路由合约的统一能力集。所有 EVM 场所都要在路由层
// 暴露同一组方法，适配器不感知场所内部的定价实现。
const routerABI = `[
  {"type":"function","name":"swap","stateMutability":"nonpayable","inputs":[{"name":"assetIn","type":"address"},{"name":"assetOut","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"minAmountOut","type":"uint256"}],"outputs":[{"name":"amountOut","type":"uint256"}]},
  {"type":"function","name":"addLiquidity","stateMutability":"nonpayable","inputs":[{"name":"asset0","type":"address"},{"name":"asset1","type":"address"},{"name":"amount0","type":"uint256"},{"name":"amount1","type":"uint256"},{"name":"minAmount0","type":"uint256"},{"name":"minAmount1","type":"uint256"}],"outputs":[{"name":"positionId","type":"uint256"}]},
  {"type":"function","name":"removeLiquidity","stateMutability":"nonpayable","inputs":[{"name":"positionId","type":"uint256"},{"name":"liquidity","type":"uint256"}],"outputs":[{"name":"amount0","type":"uint256"},{"name":"amount1","type":"uint256"}]},
  {"type":"function","name":"collectFees","stateMutability":"nonpayable","inputs":[{"name":"positionId","type":"uint256"}],"outputs":[{"name":"amount0","type":"uint256"},{"name":"amount1","type":"uint256"}]},
  {"type":"function","name":"getPositionValue","stateMutability":"view","inputs":[{"name":"positionId","type":"uint256"}],"outputs":[{"name":"value","type":"uint256"}]}
]`

var (
	parsedRouterABI abi.ABI
	parseABIOnce    sync.Once
	parseABIErr     error
)

func routerABIParsed() (abi.ABI, error) {
	parseABIOnce.Do(func() {
		parsedRouterABI, parseABIErr = abi.JSON(strings.NewReader(routerABI))
	})
	return parsedRouterABI, parseABIErr
}

// Config describes how to construct an EVM venue adapter.
type Config struct {
	Name          string
	RPCURL        string
	Router        string
	ChainID       int64
	PrivateKeyHex string
	Notes         string
}

// Adapter implements the venue.Adapter interface against an EVM router
// contract. Return values come from an eth_call simulation; when a signing
// key is configured the call is also submitted as a transaction and the
// adapter waits for it to be mined.
type Adapter struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	router    common.Address
	abi       abi.ABI
	opts      *bind.TransactOpts
	bound     *bind.BoundContract
	mu        sync.Mutex
}

// NewAdapter dials the configured RPC endpoint and returns a ready adapter.
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置场所 RPC 地址")
	}
	routerHex := strings.TrimSpace(cfg.Router)
	if !common.IsHexAddress(routerHex) {
		return nil, fmt.Errorf("场所路由地址非法: %q", cfg.Router)
	}

	parsed, err := routerABIParsed()
	if err != nil {
		return nil, fmt.Errorf("解析路由 ABI 失败: %w", err)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接场所节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	a := &Adapter{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		router:    common.HexToAddress(routerHex),
		abi:       parsed,
	}
	a.bound = bind.NewBoundContract(a.router, parsed, eth, eth, eth)

	if keyHex := strings.TrimSpace(cfg.PrivateKeyHex); keyHex != "" {
		if cfg.ChainID <= 0 {
			rpcClient.Close()
			return nil, errors.New("配置签名私钥时必须提供 chain_id")
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("解析签名私钥失败: %w", err)
		}
		opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("构造交易签名器失败: %w", err)
		}
		a.opts = opts
	}
	return a, nil
}

// Name returns the configured venue name.
func (a *Adapter) Name() string { return a.name }

// Close releases network connections held by the adapter.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eth != nil {
		a.eth.Close()
		a.eth = nil
	}
	a.rpcClient = nil
}

// Swap forwards a swap to the router.
func (a *Adapter) Swap(ctx context.Context, req venue.SwapRequest) (venue.SwapResult, error) {
	assetIn, err := parseAsset(req.AssetIn)
	if err != nil {
		return venue.SwapResult{}, err
	}
	assetOut, err := parseAsset(req.AssetOut)
	if err != nil {
		return venue.SwapResult{}, err
	}

	out, txHash, err := a.execute(ctx, "swap", assetIn, assetOut, req.AmountIn, req.MinAmountOut)
	if err != nil {
		return venue.SwapResult{}, err
	}
	amountOut, err := bigOutput(out, 0)
	if err != nil {
		return venue.SwapResult{}, err
	}
	return venue.SwapResult{AmountOut: amountOut, TxHash: txHash}, nil
}

// AddLiquidity opens a position on the router.
func (a *Adapter) AddLiquidity(ctx context.Context, req venue.LiquidityRequest) (venue.LiquidityResult, error) {
	asset0, err := parseAsset(req.Asset0)
	if err != nil {
		return venue.LiquidityResult{}, err
	}
	asset1, err := parseAsset(req.Asset1)
	if err != nil {
		return venue.LiquidityResult{}, err
	}

	min0 := req.MinAmount0
	if min0 == nil {
		min0 = new(big.Int)
	}
	min1 := req.MinAmount1
	if min1 == nil {
		min1 = new(big.Int)
	}

	out, txHash, err := a.execute(ctx, "addLiquidity", asset0, asset1, req.Amount0, req.Amount1, min0, min1)
	if err != nil {
		return venue.LiquidityResult{}, err
	}
	positionID, err := bigOutput(out, 0)
	if err != nil {
		return venue.LiquidityResult{}, err
	}
	return venue.LiquidityResult{PositionID: positionID.String(), TxHash: txHash}, nil
}

// RemoveLiquidity unwinds (part of) a position.
func (a *Adapter) RemoveLiquidity(ctx context.Context, req venue.RemoveRequest) (venue.RemoveResult, error) {
	positionID, err := parsePositionID(req.PositionID)
	if err != nil {
		return venue.RemoveResult{}, err
	}

	out, txHash, err := a.execute(ctx, "removeLiquidity", positionID, req.Liquidity)
	if err != nil {
		return venue.RemoveResult{}, err
	}
	amount0, err := bigOutput(out, 0)
	if err != nil {
		return venue.RemoveResult{}, err
	}
	amount1, err := bigOutput(out, 1)
	if err != nil {
		return venue.RemoveResult{}, err
	}
	return venue.RemoveResult{Amount0: amount0, Amount1: amount1, TxHash: txHash}, nil
}

// CollectFees sweeps accrued trading fees from a position.
func (a *Adapter) CollectFees(ctx context.Context, positionID string) (venue.CollectResult, error) {
	id, err := parsePositionID(positionID)
	if err != nil {
		return venue.CollectResult{}, err
	}

	out, txHash, err := a.execute(ctx, "collectFees", id)
	if err != nil {
		return venue.CollectResult{}, err
	}
	amount0, err := bigOutput(out, 0)
	if err != nil {
		return venue.CollectResult{}, err
	}
	amount1, err := bigOutput(out, 1)
	if err != nil {
		return venue.CollectResult{}, err
	}
	return venue.CollectResult{Amount0: amount0, Amount1: amount1, TxHash: txHash}, nil
}

// GetPositionValue reads the current value of a position.
func (a *Adapter) GetPositionValue(ctx context.Context, positionID string) (*big.Int, error) {
	id, err := parsePositionID(positionID)
	if err != nil {
		return nil, err
	}
	out, err := a.call(ctx, "getPositionValue", id)
	if err != nil {
		return nil, err
	}
	return bigOutput(out, 0)
}

// execute simulates the call to obtain its return values, then submits it
// as a transaction when a transactor is configured.
func (a *Adapter) execute(ctx context.Context, method string, args ...any) ([]any, string, error) {
	out, err := a.call(ctx, method, args...)
	if err != nil {
		return nil, "", err
	}
	if a.opts == nil {
		return out, "", nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	opts := *a.opts
	opts.Context = ctx
	tx, err := a.bound.Transact(&opts, method, args...)
	if err != nil {
		return nil, "", fmt.Errorf("提交 %s 交易失败: %w", method, err)
	}
	receipt, err := bind.WaitMined(ctx, a.eth, tx)
	if err != nil {
		return nil, "", fmt.Errorf("等待 %s 交易上链失败: %w", method, err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return nil, "", fmt.Errorf("%s 交易回滚: %s", method, tx.Hash().Hex())
	}
	return out, tx.Hash().Hex(), nil
}

func (a *Adapter) call(ctx context.Context, method string, args ...any) ([]any, error) {
	if a.eth == nil {
		return nil, errors.New("场所适配器已关闭")
	}
	data, err := a.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	msg := gethcore.CallMsg{To: &a.router, Data: data}
	if a.opts != nil {
		msg.From = a.opts.From
	}
	raw, err := a.eth.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("%s 调用失败: %w", method, err)
	}
	out, err := a.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	return out, nil
}

func parseAsset(id string) (common.Address, error) {
	id = strings.TrimSpace(id)
	if !common.IsHexAddress(id) {
		return common.Address{}, fmt.Errorf("资产标识非法: %q", id)
	}
	return common.HexToAddress(id), nil
}

func parsePositionID(id string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(id), 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("头寸标识非法: %q", id)
	}
	return value, nil
}

func bigOutput(out []any, index int) (*big.Int, error) {
	if index >= len(out) {
		return nil, fmt.Errorf("路由返回值缺少第 %d 项", index)
	}
	value, ok := out[index].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("路由返回值第 %d 项类型非法", index)
	}
	return new(big.Int).Set(value), nil
}
