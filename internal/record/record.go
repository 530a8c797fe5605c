package record

import (
	xerrors "AgentCustody/internal/errors"
)

// Operation 标识一次被授权的代理操作类型。
type Operation string

const (
	OperationSwap            Operation = "swap"
	OperationAddLiquidity    Operation = "add_liquidity"
	OperationRemoveLiquidity Operation = "remove_liquidity"
	OperationCollectFees     Operation = "collect_fees"
	OperationRebalance       Operation = "rebalance"
)

// Record 描述一次通过全部策略检查并转发到场所的操作。金额统一以
// 十进制字符串保存，避免存储层对大整数精度的截断。
type Record struct {
	ID          string    `json:"id"`
	Operation   Operation `json:"operation"`
	Venue       string    `json:"venue"`
	Agent       string    `json:"agent"`
	AssetIn     string    `json:"asset_in,omitempty"`
	AssetOut    string    `json:"asset_out,omitempty"`
	AmountIn    string    `json:"amount_in,omitempty"`
	AmountOut   string    `json:"amount_out,omitempty"`
	PositionID  string    `json:"position_id,omitempty"`
	SlippageBps int64     `json:"slippage_bps,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	CreatedAt   int64     `json:"created_at"`
}

var (
	// ErrRecordNotFound 表示指定的操作记录不存在。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "record not found")
	// ErrRecordConflict 表示记录标识符已经存在。
	ErrRecordConflict = xerrors.New(CodeRecordConflict, "record conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeRecordNotFound   xerrors.Code = "RECORD_NOT_FOUND"
	CodeRecordConflict   xerrors.Code = "RECORD_CONFLICT"
	CodeRecordValidation xerrors.Code = "RECORD_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:   "record not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRecordConflict, xerrors.Attributes{
		Message:   "record conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRecordValidation, xerrors.Attributes{
		Message:   "record validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidOperation 检查给定的操作类型是否为支持的枚举值。
func IsValidOperation(op Operation) bool {
	switch op {
	case OperationSwap, OperationAddLiquidity, OperationRemoveLiquidity, OperationCollectFees, OperationRebalance:
		return true
	default:
		return false
	}
}
