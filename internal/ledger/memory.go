package ledger

import (
	"context"
	"math/big"
	"sync"

	xerrors "AgentCustody/internal/errors"
)

// CodeInsufficientFunds 表示金库余额不足以完成划转。
const CodeInsufficientFunds xerrors.Code = "LEDGER_INSUFFICIENT_FUNDS"

func init() {
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:   "treasury balance insufficient",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// ErrInsufficientFunds 表示金库余额不足以完成划转。
var ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "金库余额不足")

// treasuryAccount 是内存账本中托管金库的保留账户名。
const treasuryAccount = "treasury"

// MemoryLedger 将账本保存在进程内，主要用于测试与本地开发环境。
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]map[string]*big.Int
}

// NewMemoryLedger 返回一个空的内存账本。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]map[string]*big.Int)}
}

// SetBalance 直接覆盖某账户在某资产上的余额。
func (l *MemoryLedger) SetBalance(asset, account string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	accounts, ok := l.balances[asset]
	if !ok {
		accounts = make(map[string]*big.Int)
		l.balances[asset] = accounts
	}
	accounts[account] = new(big.Int).Set(amount)
}

// Credit 在某账户上增加余额。
func (l *MemoryLedger) Credit(asset, account string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditLocked(asset, account, amount)
}

// BalanceOf 返回账户余额，未记账的账户视作零。
func (l *MemoryLedger) BalanceOf(_ context.Context, asset, account string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if accounts, ok := l.balances[asset]; ok {
		if balance, ok := accounts[account]; ok {
			return new(big.Int).Set(balance), nil
		}
	}
	return new(big.Int), nil
}

// Transfer 从金库账户向接收方划转资产，余额不足时整笔失败。
func (l *MemoryLedger) Transfer(_ context.Context, asset, recipient string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	accounts := l.balances[asset]
	treasury := accounts[treasuryAccount]
	if treasury == nil || treasury.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	treasury.Sub(treasury, amount)
	l.creditLocked(asset, recipient, amount)
	return nil
}

// Close 对内存账本无事可做。
func (l *MemoryLedger) Close() {}

func (l *MemoryLedger) creditLocked(asset, account string, amount *big.Int) {
	accounts, ok := l.balances[asset]
	if !ok {
		accounts = make(map[string]*big.Int)
		l.balances[asset] = accounts
	}
	balance, ok := accounts[account]
	if !ok {
		balance = new(big.Int)
		accounts[account] = balance
	}
	balance.Add(balance, amount)
}
