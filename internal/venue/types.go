package venue

import (
	"context"
	"math/big"
)

// SwapRequest 是转发给执行场所的标准化兑换请求。
type SwapRequest struct {
	AssetIn      string
	AssetOut     string
	AmountIn     *big.Int
	MinAmountOut *big.Int
}

// SwapResult 汇总一次兑换的执行结果。
type SwapResult struct {
	AmountOut *big.Int
	TxHash    string
}

// LiquidityRequest 描述向场所添加流动性的标准化请求。
type LiquidityRequest struct {
	Asset0     string
	Asset1     string
	Amount0    *big.Int
	Amount1    *big.Int
	MinAmount0 *big.Int
	MinAmount1 *big.Int
}

// LiquidityResult 返回新建头寸的标识。
type LiquidityResult struct {
	PositionID string
	TxHash     string
}

// RemoveRequest 描述按头寸移除流动性的请求。
type RemoveRequest struct {
	PositionID string
	Liquidity  *big.Int
}

// RemoveResult 返回移除流动性得到的两种资产数量。
type RemoveResult struct {
	Amount0 *big.Int
	Amount1 *big.Int
	TxHash  string
}

// CollectResult 返回从头寸上收取的手续费数量。
type CollectResult struct {
	Amount0 *big.Int
	Amount1 *big.Int
	TxHash  string
}

// Adapter 定义所有执行场所必须实现的统一能力集。策略控制器把每个
// 场所都当作对这个接口可互换的实现，不关心场所的具体身份。
type Adapter interface {
	Swap(ctx context.Context, req SwapRequest) (SwapResult, error)
	AddLiquidity(ctx context.Context, req LiquidityRequest) (LiquidityResult, error)
	RemoveLiquidity(ctx context.Context, req RemoveRequest) (RemoveResult, error)
	CollectFees(ctx context.Context, positionID string) (CollectResult, error)
	GetPositionValue(ctx context.Context, positionID string) (*big.Int, error)
	Close()
}
