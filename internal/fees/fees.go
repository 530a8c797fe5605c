package fees

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/observability/metrics"
	"AgentCustody/pkg/logger"
)

// secondsPerYear 是管理费按秒线性计提时使用的年长度。
const secondsPerYear = 365 * 24 * 3600

// bpsDenominator 将基点换算为比例。
const bpsDenominator = 10000

// 费用模块的错误码。
const (
	CodeFeeValidation xerrors.Code = "FEE_VALIDATION_FAILED"
	CodeFeeTransfer   xerrors.Code = "FEE_TRANSFER_FAILED"
)

func init() {
	xerrors.Register(CodeFeeValidation, xerrors.Attributes{
		Message:   "fee request validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeFeeTransfer, xerrors.Attributes{
		Message:   "fee settlement transfer failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// SettlementLedger 是费用结算所需的托管账本能力子集。
type SettlementLedger interface {
	Transfer(ctx context.Context, asset, to string, amount *big.Int) error
}

// userFeeData 保存单个存款人的计费状态。
// highWaterMark 在账户整个生命周期内单调不减。
type userFeeData struct {
	highWaterMark *big.Int
	lastAccrualAt time.Time
}

// BatchTotals 汇总一次批量计提的合计结果。
type BatchTotals struct {
	ManagementFee  *big.Int `json:"management_fee"`
	PerformanceFee *big.Int `json:"performance_fee"`
	Accounts       int      `json:"accounts"`
}

// Config 描述费用模块的初始参数。
type Config struct {
	Admin             string
	ManagementFeeBps  int64
	PerformanceFeeBps int64
	Recipient         string
}

// Option 定义可选配置。
type Option func(*Accountant)

// WithClock 注入时间源，用于测试按时间计提。
func WithClock(now func() time.Time) Option {
	return func(a *Accountant) {
		if now != nil {
			a.now = now
		}
	}
}

// Accountant 为每个存款人独立计提时间费与业绩费，并把待结算总额
// 与实际资产划转解耦：记账逐户连续进行，划转则批量低频执行。
type Accountant struct {
	mu                sync.Mutex
	admin             string
	managementFeeBps  int64
	performanceFeeBps int64
	recipient         string
	users             map[string]*userFeeData
	pending           *big.Int
	now               func() time.Time
	audit             *slog.Logger
}

// New 构造费用模块。
func New(cfg Config, opts ...Option) (*Accountant, error) {
	admin := strings.TrimSpace(cfg.Admin)
	if admin == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "费用模块需要配置 admin 身份")
	}
	if cfg.ManagementFeeBps < 0 || cfg.PerformanceFeeBps < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "费率基点不能为负")
	}
	a := &Accountant{
		admin:             admin,
		managementFeeBps:  cfg.ManagementFeeBps,
		performanceFeeBps: cfg.PerformanceFeeBps,
		recipient:         strings.TrimSpace(cfg.Recipient),
		users:             make(map[string]*userFeeData),
		pending:           new(big.Int),
		now:               time.Now,
		audit:             logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// InitializeUser 为存款人建立计费状态。幂等：已初始化的账户不变，
// 新账户从当前时间起计，不补收任何追溯费用。
func (a *Accountant) InitializeUser(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return xerrors.New(CodeFeeValidation, "账户标识不能为空")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[id]; ok {
		return nil
	}
	a.users[id] = &userFeeData{
		highWaterMark: new(big.Int),
		lastAccrualAt: a.now(),
	}
	return nil
}

// CalculateManagementFee 计算自上次计提以来按秒线性累积的管理费。
// 纯投影，不改动任何状态；未初始化的账户经过时间视为零。
func (a *Accountant) CalculateManagementFee(id string, balance *big.Int) (*big.Int, error) {
	if err := validateFeeArgs(id, balance); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	user := a.users[id]
	return a.managementFee(user, balance), nil
}

// CollectManagementFee 计提管理费并推进计提时间戳。即使本次费用为零，
// 时间戳也推进到当前时刻。
func (a *Accountant) CollectManagementFee(id string, balance *big.Int) (*big.Int, error) {
	if err := validateFeeArgs(id, balance); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	user := a.ensureUser(id, balance)
	fee := a.managementFee(user, balance)
	user.lastAccrualAt = a.now()
	a.pending.Add(a.pending, fee)
	metrics.FeeAccrued("management", fee)
	return fee, nil
}

// CalculatePerformanceFee 计算超过历史高水位部分的业绩费。纯投影。
func (a *Accountant) CalculatePerformanceFee(id string, balance *big.Int) (*big.Int, error) {
	if err := validateFeeArgs(id, balance); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	user := a.users[id]
	return a.performanceFee(user, balance), nil
}

// CollectPerformanceFee 计提业绩费。仅当余额超过高水位时费用为正且
// 高水位被抬升到新余额；高水位永不下调。
func (a *Accountant) CollectPerformanceFee(id string, balance *big.Int) (*big.Int, error) {
	if err := validateFeeArgs(id, balance); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	user := a.ensureUser(id, balance)
	fee := a.performanceFee(user, balance)
	if balance.Cmp(user.highWaterMark) > 0 {
		user.highWaterMark = new(big.Int).Set(balance)
	}
	a.pending.Add(a.pending, fee)
	metrics.FeeAccrued("performance", fee)
	return fee, nil
}

// BatchCollectFees 对多个账户一次性计提两类费用，每个账户只落一次
// 组合状态写。重复出现的账户按顺序折叠：后一条目看到前一条目的更新。
func (a *Accountant) BatchCollectFees(ids []string, balances []*big.Int) (BatchTotals, error) {
	if len(ids) != len(balances) {
		return BatchTotals{}, xerrors.New(CodeFeeValidation, "账户与余额数组长度不一致")
	}
	for i, id := range ids {
		if err := validateFeeArgs(id, balances[i]); err != nil {
			return BatchTotals{}, err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	totals := BatchTotals{
		ManagementFee:  new(big.Int),
		PerformanceFee: new(big.Int),
		Accounts:       len(ids),
	}
	now := a.now()
	for i, id := range ids {
		balance := balances[i]
		user := a.ensureUser(id, balance)

		mgmt := a.managementFee(user, balance)
		perf := a.performanceFee(user, balance)

		// 单次组合写：时间戳、高水位与待结算额一并落账。
		user.lastAccrualAt = now
		if balance.Cmp(user.highWaterMark) > 0 {
			user.highWaterMark = new(big.Int).Set(balance)
		}
		a.pending.Add(a.pending, mgmt)
		a.pending.Add(a.pending, perf)

		totals.ManagementFee.Add(totals.ManagementFee, mgmt)
		totals.PerformanceFee.Add(totals.PerformanceFee, perf)
	}
	metrics.FeeAccrued("management", totals.ManagementFee)
	metrics.FeeAccrued("performance", totals.PerformanceFee)
	return totals, nil
}

// TransferCollectedFees 把当前累积的待结算费用经托管账本划给费用
// 接收方并清零。待结算额为零是空操作而非错误。
func (a *Accountant) TransferCollectedFees(ctx context.Context, ledger SettlementLedger, asset string) (*big.Int, error) {
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return nil, xerrors.New(CodeFeeValidation, "结算资产标识不能为空")
	}
	if ledger == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "未配置托管账本")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending.Sign() == 0 {
		return new(big.Int), nil
	}
	if a.recipient == "" {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "未配置费用接收方")
	}

	// 先清账再划转：外部调用只能观察到已提交的本地状态。
	amount := new(big.Int).Set(a.pending)
	a.pending.SetInt64(0)
	if err := ledger.Transfer(ctx, asset, a.recipient, amount); err != nil {
		a.pending.Add(a.pending, amount)
		return nil, xerrors.Wrap(CodeFeeTransfer, err, "费用划转失败")
	}

	a.audit.Info("collected fees transferred",
		slog.String("asset", asset),
		slog.String("recipient", a.recipient),
		slog.String("amount", amount.String()),
	)
	return amount, nil
}

// SetFeeRecipient 由管理员设置费用接收方。
func (a *Accountant) SetFeeRecipient(caller, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return xerrors.New(CodeFeeValidation, "费用接收方不能为空")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.admin {
		return xerrors.New(xerrors.CodeNotAuthorized, "仅管理员可设置费用接收方")
	}
	a.recipient = id
	a.audit.Info("fee recipient updated", slog.String("caller", caller), slog.String("recipient", id))
	return nil
}

// Accounts 返回已初始化的账户列表，供结算调度器拉取余额。
func (a *Accountant) Accounts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.users))
	for id := range a.users {
		ids = append(ids, id)
	}
	return ids
}

// Pending 返回当前待结算的费用总额。
func (a *Accountant) Pending() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.pending)
}

// HighWaterMark 返回账户当前的高水位；未初始化的账户返回零。
func (a *Accountant) HighWaterMark(id string) *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if user, ok := a.users[id]; ok {
		return new(big.Int).Set(user.highWaterMark)
	}
	return new(big.Int)
}

// managementFee 计算 balance * bps * elapsed / (secondsPerYear * 10000)。
// 调用方必须持有 a.mu。user 为 nil（未初始化）时经过时间视为零。
func (a *Accountant) managementFee(user *userFeeData, balance *big.Int) *big.Int {
	if user == nil || a.managementFeeBps == 0 {
		return new(big.Int)
	}
	elapsed := int64(a.now().Sub(user.lastAccrualAt).Seconds())
	if elapsed <= 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(balance, big.NewInt(a.managementFeeBps))
	fee.Mul(fee, big.NewInt(elapsed))
	fee.Div(fee, big.NewInt(int64(secondsPerYear)*bpsDenominator))
	return fee
}

// performanceFee 计算 max(0, balance-highWaterMark) * bps / 10000。
// 调用方必须持有 a.mu。
func (a *Accountant) performanceFee(user *userFeeData, balance *big.Int) *big.Int {
	if user == nil || a.performanceFeeBps == 0 {
		return new(big.Int)
	}
	gain := new(big.Int).Sub(balance, user.highWaterMark)
	if gain.Sign() <= 0 {
		return new(big.Int)
	}
	gain.Mul(gain, big.NewInt(a.performanceFeeBps))
	gain.Div(gain, big.NewInt(bpsDenominator))
	return gain
}

// ensureUser 返回账户的计费状态。从未初始化就被计提的账户按首见
// 处理：计提时间从当前时刻起算，高水位定在观测到的余额，不追溯
// 任何历史费用。调用方必须持有 a.mu。
func (a *Accountant) ensureUser(id string, balance *big.Int) *userFeeData {
	if user, ok := a.users[id]; ok {
		return user
	}
	user := &userFeeData{
		highWaterMark: new(big.Int).Set(balance),
		lastAccrualAt: a.now(),
	}
	a.users[id] = user
	return user
}

func validateFeeArgs(id string, balance *big.Int) error {
	if strings.TrimSpace(id) == "" {
		return xerrors.New(CodeFeeValidation, "账户标识不能为空")
	}
	if balance == nil || balance.Sign() < 0 {
		return xerrors.New(CodeFeeValidation, "余额必须为非负整数")
	}
	return nil
}
