package policy

import (
	"math/big"

	xerrors "AgentCustody/internal/errors"
)

// 策略模块的错误码。每个拒绝原因都有独立错误码，便于审计与告警分级。
const (
	CodeAgentUnauthorized  xerrors.Code = "POLICY_AGENT_UNAUTHORIZED"
	CodeEmergencyPaused    xerrors.Code = "POLICY_EMERGENCY_PAUSED"
	CodeVenueNotWhitelist  xerrors.Code = "POLICY_VENUE_NOT_WHITELISTED"
	CodeAssetNotApproved   xerrors.Code = "POLICY_ASSET_NOT_APPROVED"
	CodeSlippageExceeded   xerrors.Code = "POLICY_SLIPPAGE_EXCEEDED"
	CodePositionTooLarge   xerrors.Code = "POLICY_POSITION_TOO_LARGE"
	CodeDailyLimitExceeded xerrors.Code = "POLICY_DAILY_LIMIT_EXCEEDED"
	CodeDeadlinePassed     xerrors.Code = "POLICY_DEADLINE_PASSED"
	CodeInputValidation    xerrors.Code = "POLICY_INPUT_VALIDATION"
)

var (
	// ErrAgentUnauthorized 表示调用方不是当前指定的代理身份。
	ErrAgentUnauthorized = xerrors.New(CodeAgentUnauthorized, "caller is not the designated agent")
	// ErrEmergencyPaused 表示共识模块已暂停代理操作。
	ErrEmergencyPaused = xerrors.New(CodeEmergencyPaused, "agent operations are paused")
	// ErrVenueNotWhitelisted 表示目标场所不在白名单内。
	ErrVenueNotWhitelisted = xerrors.New(CodeVenueNotWhitelist, "venue is not whitelisted")
	// ErrAssetNotApproved 表示涉及的资产未获批准。
	ErrAssetNotApproved = xerrors.New(CodeAssetNotApproved, "asset is not approved")
	// ErrSlippageExceeded 表示请求的滑点超过上限。
	ErrSlippageExceeded = xerrors.New(CodeSlippageExceeded, "slippage exceeds limit")
	// ErrPositionTooLarge 表示头寸金额超过上限。
	ErrPositionTooLarge = xerrors.New(CodePositionTooLarge, "position size exceeds limit")
	// ErrDailyLimitExceeded 表示当日操作配额已耗尽。
	ErrDailyLimitExceeded = xerrors.New(CodeDailyLimitExceeded, "daily operation limit exceeded")
	// ErrDeadlinePassed 表示请求携带的截止时间已过。
	ErrDeadlinePassed = xerrors.New(CodeDeadlinePassed, "request deadline has passed")
)

func init() {
	xerrors.Register(CodeAgentUnauthorized, xerrors.Attributes{
		Message:   "caller is not the designated agent",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeEmergencyPaused, xerrors.Attributes{
		Message:   "agent operations are paused",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeVenueNotWhitelist, xerrors.Attributes{
		Message:   "venue is not whitelisted",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAssetNotApproved, xerrors.Attributes{
		Message:   "asset is not approved",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSlippageExceeded, xerrors.Attributes{
		Message:   "slippage exceeds limit",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePositionTooLarge, xerrors.Attributes{
		Message:   "position size exceeds limit",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDailyLimitExceeded, xerrors.Attributes{
		Message:   "daily operation limit exceeded",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeDeadlinePassed, xerrors.Attributes{
		Message:   "request deadline has passed",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeInputValidation, xerrors.Attributes{
		Message:   "input validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Limits 是管理员设定的操作边界，控制器在每次调用时读取。
type Limits struct {
	MaxSlippageBps      int64    `json:"max_slippage_bps"`
	MaxPositionSize     *big.Int `json:"max_position_size"`
	DailyOperationLimit int      `json:"daily_operation_limit"`
}

// Quota 是当日配额计数的只读投影。
type Quota struct {
	OperationsToday int   `json:"operations_today"`
	DayIndex        int64 `json:"day_index"`
}

// Snapshot 汇总策略配置与配额状态，供只读接口返回。
type Snapshot struct {
	Agent          string   `json:"agent"`
	Limits         Limits   `json:"limits"`
	Venues         []string `json:"venues"`
	ApprovedAssets []string `json:"approved_assets"`
	Quota          Quota    `json:"quota"`
}

// SwapParams 描述一次兑换请求。Deadline 为 unix 秒，0 表示不设截止时间。
type SwapParams struct {
	Venue        string
	AssetIn      string
	AssetOut     string
	AmountIn     *big.Int
	MinAmountOut *big.Int
	SlippageBps  int64
	Deadline     int64
}

// AddLiquidityParams 描述一次添加流动性请求。
type AddLiquidityParams struct {
	Venue       string
	Asset0      string
	Asset1      string
	Amount0     *big.Int
	Amount1     *big.Int
	MinAmount0  *big.Int
	MinAmount1  *big.Int
	SlippageBps int64
	Deadline    int64
}

// RemoveLiquidityParams 描述一次移除流动性请求。
type RemoveLiquidityParams struct {
	Venue       string
	PositionID  string
	Liquidity   *big.Int
	SlippageBps int64
	Deadline    int64
}

// CollectFeesParams 描述一次头寸手续费收取请求。
type CollectFeesParams struct {
	Venue      string
	PositionID string
	Deadline   int64
}

// RebalanceParams 描述一次头寸再平衡：先移除旧头寸，再以指定资产对开新头寸。
type RebalanceParams struct {
	Venue       string
	PositionID  string
	Liquidity   *big.Int
	Asset0      string
	Asset1      string
	MinAmount0  *big.Int
	MinAmount1  *big.Int
	SlippageBps int64
	Deadline    int64
}
