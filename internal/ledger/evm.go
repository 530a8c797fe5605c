package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	xerrors "AgentCustody/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// vaultABI 是链上托管金库合约的最小接口：余额查询与对外划转。
const vaultABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"asset","type":"address"},{"name":"account","type":"address"}],"outputs":[{"name":"balance","type":"uint256"}]},
  {"type":"function","name":"transferAsset","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

var (
	parsedVaultABI abi.ABI
	vaultABIOnce   sync.Once
	vaultABIErr    error
)

func vaultABIParsed() (abi.ABI, error) {
	vaultABIOnce.Do(func() {
		parsedVaultABI, vaultABIErr = abi.JSON(strings.NewReader(vaultABI))
	})
	return parsedVaultABI, vaultABIErr
}

// EVMConfig 描述链上金库账本的接入参数。
type EVMConfig struct {
	RPCURL        string
	Vault         string
	ChainID       int64
	PrivateKeyHex string
}

// EVMLedger 通过金库合约读取余额并执行划转。划转需要配置签名私钥；
// 只读部署下 Transfer 会直接报错。
type EVMLedger struct {
	mu    sync.Mutex
	eth   *ethclient.Client
	vault common.Address
	abi   abi.ABI
	opts  *bind.TransactOpts
	bound *bind.BoundContract
}

// NewEVMLedger 连接节点并构造金库账本。
func NewEVMLedger(ctx context.Context, cfg EVMConfig) (*EVMLedger, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置账本 RPC 地址")
	}
	vaultHex := strings.TrimSpace(cfg.Vault)
	if !common.IsHexAddress(vaultHex) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("金库合约地址非法: %q", cfg.Vault))
	}

	parsed, err := vaultABIParsed()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "解析金库 ABI 失败")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "连接账本节点失败")
	}
	eth := ethclient.NewClient(rpcClient)

	l := &EVMLedger{
		eth:   eth,
		vault: common.HexToAddress(vaultHex),
		abi:   parsed,
	}
	l.bound = bind.NewBoundContract(l.vault, parsed, eth, eth, eth)

	if keyHex := strings.TrimSpace(cfg.PrivateKeyHex); keyHex != "" {
		if cfg.ChainID <= 0 {
			eth.Close()
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置签名私钥时必须提供 chain_id")
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			eth.Close()
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析账本签名私钥失败")
		}
		opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
		if err != nil {
			eth.Close()
			return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "构造账本交易签名器失败")
		}
		l.opts = opts
	}
	return l, nil
}

// BalanceOf 调用金库合约查询账户余额。
func (l *EVMLedger) BalanceOf(ctx context.Context, asset, account string) (*big.Int, error) {
	assetAddr, err := parseLedgerAddress("资产", asset)
	if err != nil {
		return nil, err
	}
	accountAddr, err := parseLedgerAddress("账户", account)
	if err != nil {
		return nil, err
	}

	data, err := l.abi.Pack("balanceOf", assetAddr, accountAddr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "编码余额查询失败")
	}
	raw, err := l.eth.CallContract(ctx, gethcore.CallMsg{To: &l.vault, Data: data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "余额查询失败")
	}
	out, err := l.abi.Unpack("balanceOf", raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "解码余额返回值失败")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeLedgerFailure, "余额返回值类型非法")
	}
	return new(big.Int).Set(balance), nil
}

// Transfer 通过金库合约向接收方划转资产，并等待交易上链。
func (l *EVMLedger) Transfer(ctx context.Context, asset, recipient string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if l.opts == nil {
		return xerrors.New(xerrors.CodeNotAuthorized, "账本为只读部署，无法执行划转")
	}
	assetAddr, err := parseLedgerAddress("资产", asset)
	if err != nil {
		return err
	}
	recipientAddr, err := parseLedgerAddress("接收方", recipient)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	opts := *l.opts
	opts.Context = ctx
	tx, err := l.bound.Transact(&opts, "transferAsset", assetAddr, recipientAddr, amount)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "提交划转交易失败")
	}
	receipt, err := bind.WaitMined(ctx, l.eth, tx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "等待划转交易上链失败")
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return xerrors.New(xerrors.CodeLedgerFailure, fmt.Sprintf("划转交易回滚: %s", tx.Hash().Hex()))
	}
	return nil
}

// Close 释放节点连接。
func (l *EVMLedger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.eth != nil {
		l.eth.Close()
		l.eth = nil
	}
}

func parseLedgerAddress(kind, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s地址非法: %q", kind, value))
	}
	return common.HexToAddress(value), nil
}
