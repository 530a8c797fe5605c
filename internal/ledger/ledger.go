package ledger

import (
	"context"
	"math/big"
)

// Ledger 是托管资金账本的统一抽象。费用结算与余额快照都通过它完成，
// 上层不感知账本究竟落在链上金库合约还是内存实现。
type Ledger interface {
	// BalanceOf 返回账户在指定资产上的当前余额。
	BalanceOf(ctx context.Context, asset, account string) (*big.Int, error)
	// Transfer 从托管金库向接收方划转指定数量的资产。
	Transfer(ctx context.Context, asset, recipient string, amount *big.Int) error
	// Close 释放账本持有的连接资源。
	Close()
}
