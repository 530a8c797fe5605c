package policy

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"AgentCustody/internal/consensus"
	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/observability/metrics"
	"AgentCustody/internal/record"
	"AgentCustody/internal/venue"
	"AgentCustody/pkg/logger"

	"github.com/google/uuid"
)

// secondsPerDay 用于把时间折算为纪元日索引，配额按纪元日重置。
const secondsPerDay = 86400

// StatusReader 提供共识模块的状态投影。控制器在每次操作前读取它，
// 但从不反向驱动共识状态。
type StatusReader interface {
	Status() consensus.Status
}

// VenueDirectory 按名称解析场所适配器。
type VenueDirectory interface {
	Adapter(name string) (venue.Adapter, bool)
}

// Config 描述控制器的初始参数。
type Config struct {
	Admin          string
	Agent          string
	Limits         Limits
	Venues         []string
	ApprovedAssets []string
}

// Option 定义可选配置。
type Option func(*Controller)

// WithClock 注入时间源，主要用于测试配额的跨日重置。
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller 在每次代理操作前执行固定顺序的策略检查：紧急状态、
// 场所白名单、资产审批、滑点上限、头寸上限、截止时间、当日配额。
// 任何一步拒绝都使整个调用失败且不留下任何状态变更。
type Controller struct {
	mu     sync.Mutex
	admin  string
	agent  string
	limits Limits
	venues map[string]bool
	assets map[string]bool

	operationsToday int
	dayIndex        int64

	status   StatusReader
	venueDir VenueDirectory
	records  record.Store

	now   func() time.Time
	log   *slog.Logger
	audit *slog.Logger
}

// New 构造策略控制器。
func New(cfg Config, status StatusReader, venues VenueDirectory, records record.Store, opts ...Option) (*Controller, error) {
	admin := strings.TrimSpace(cfg.Admin)
	if admin == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "策略控制器需要配置 admin 身份")
	}
	if status == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "策略控制器需要共识状态源")
	}
	if venues == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "策略控制器需要场所注册表")
	}
	if records == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "策略控制器需要操作记录存储")
	}
	if err := validateLimits(cfg.Limits); err != nil {
		return nil, err
	}

	c := &Controller{
		admin:    admin,
		agent:    strings.TrimSpace(cfg.Agent),
		limits:   cloneLimits(cfg.Limits),
		venues:   make(map[string]bool, len(cfg.Venues)),
		assets:   make(map[string]bool, len(cfg.ApprovedAssets)),
		status:   status,
		venueDir: venues,
		records:  records,
		now:      time.Now,
		log:      logger.Named("policy"),
		audit:    logger.Audit(),
	}
	for _, name := range cfg.Venues {
		if name = strings.TrimSpace(name); name != "" {
			c.venues[name] = true
		}
	}
	for _, asset := range cfg.ApprovedAssets {
		if asset = strings.TrimSpace(asset); asset != "" {
			c.assets[asset] = true
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.dayIndex = c.now().Unix() / secondsPerDay
	return c, nil
}

// SetLimits 原子替换策略上限。仅管理员可调用。
func (c *Controller) SetLimits(caller string, limits Limits) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.admin {
		return xerrors.New(xerrors.CodeNotAuthorized, "仅管理员可设置策略上限")
	}
	if err := validateLimits(limits); err != nil {
		return err
	}
	c.limits = cloneLimits(limits)
	c.audit.Info("policy limits updated",
		slog.String("caller", caller),
		slog.Int64("max_slippage_bps", limits.MaxSlippageBps),
		slog.String("max_position_size", bigString(limits.MaxPositionSize)),
		slog.Int("daily_operation_limit", limits.DailyOperationLimit),
	)
	return nil
}

// SetAgentIdentity 更换被授权执行操作的代理身份。仅管理员可调用。
func (c *Controller) SetAgentIdentity(caller, agent string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.admin {
		return xerrors.New(xerrors.CodeNotAuthorized, "仅管理员可设置代理身份")
	}
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return xerrors.New(CodeInputValidation, "代理身份不能为空")
	}
	previous := c.agent
	c.agent = agent
	c.audit.Info("agent identity updated",
		slog.String("caller", caller),
		slog.String("previous", previous),
		slog.String("agent", agent),
	)
	return nil
}

// SetWhitelist 批量更新场所白名单。两个数组必须等长。
func (c *Controller) SetWhitelist(caller string, venues []string, allowed []bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.admin {
		return xerrors.New(xerrors.CodeNotAuthorized, "仅管理员可设置场所白名单")
	}
	if len(venues) != len(allowed) {
		return xerrors.New(CodeInputValidation, "场所与开关数组长度不一致")
	}
	for i, name := range venues {
		name = strings.TrimSpace(name)
		if name == "" {
			return xerrors.New(CodeInputValidation, "场所标识不能为空")
		}
		if allowed[i] {
			c.venues[name] = true
		} else {
			delete(c.venues, name)
		}
		c.audit.Info("venue whitelist updated",
			slog.String("caller", caller),
			slog.String("venue", name),
			slog.Bool("allowed", allowed[i]),
		)
	}
	return nil
}

// SetApprovedAssets 批量更新资产审批表。两个数组必须等长。
func (c *Controller) SetApprovedAssets(caller string, assets []string, approved []bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.admin {
		return xerrors.New(xerrors.CodeNotAuthorized, "仅管理员可设置资产审批表")
	}
	if len(assets) != len(approved) {
		return xerrors.New(CodeInputValidation, "资产与开关数组长度不一致")
	}
	for i, asset := range assets {
		asset = strings.TrimSpace(asset)
		if asset == "" {
			return xerrors.New(CodeInputValidation, "资产标识不能为空")
		}
		if approved[i] {
			c.assets[asset] = true
		} else {
			delete(c.assets, asset)
		}
		c.audit.Info("approved assets updated",
			slog.String("caller", caller),
			slog.String("asset", asset),
			slog.Bool("approved", approved[i]),
		)
	}
	return nil
}

// Snapshot 返回策略配置与配额状态的只读投影。
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	venues := make([]string, 0, len(c.venues))
	for name := range c.venues {
		venues = append(venues, name)
	}
	sort.Strings(venues)

	assets := make([]string, 0, len(c.assets))
	for asset := range c.assets {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	return Snapshot{
		Agent:          c.agent,
		Limits:         cloneLimits(c.limits),
		Venues:         venues,
		ApprovedAssets: assets,
		Quota: Quota{
			OperationsToday: c.operationsToday,
			DayIndex:        c.dayIndex,
		},
	}
}

// ExecuteSwap 校验并转发一次兑换。
func (c *Controller) ExecuteSwap(ctx context.Context, caller string, p SwapParams) (*record.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := record.OperationSwap
	if err := validateAmount("amount_in", p.AmountIn); err != nil {
		return nil, c.reject(op, err)
	}
	if p.MinAmountOut == nil || p.MinAmountOut.Sign() < 0 {
		return nil, c.reject(op, xerrors.New(CodeInputValidation, "min_amount_out 必须为非负整数"))
	}

	start := c.now()
	adapter, err := c.gate(op, caller, p.Venue, []string{p.AssetIn, p.AssetOut}, p.SlippageBps, p.AmountIn, p.Deadline)
	if err != nil {
		return nil, err
	}

	result, err := adapter.Swap(ctx, venue.SwapRequest{
		AssetIn:      p.AssetIn,
		AssetOut:     p.AssetOut,
		AmountIn:     p.AmountIn,
		MinAmountOut: p.MinAmountOut,
	})
	if err != nil {
		c.releaseQuota()
		return nil, xerrors.Wrap(xerrors.CodeVenueFailure, err, "场所兑换失败")
	}

	rec := &record.Record{
		ID:          uuid.NewString(),
		Operation:   op,
		Venue:       p.Venue,
		Agent:       caller,
		AssetIn:     p.AssetIn,
		AssetOut:    p.AssetOut,
		AmountIn:    bigString(p.AmountIn),
		AmountOut:   bigString(result.AmountOut),
		SlippageBps: p.SlippageBps,
		TxHash:      result.TxHash,
		CreatedAt:   start.Unix(),
	}
	c.commit(ctx, rec, start)
	return rec, nil
}

// AddLiquidity 校验并转发一次添加流动性。
func (c *Controller) AddLiquidity(ctx context.Context, caller string, p AddLiquidityParams) (*record.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := record.OperationAddLiquidity
	if err := validateAmount("amount0", p.Amount0); err != nil {
		return nil, c.reject(op, err)
	}
	if err := validateAmount("amount1", p.Amount1); err != nil {
		return nil, c.reject(op, err)
	}

	positionAmount := p.Amount0
	if p.Amount1.Cmp(positionAmount) > 0 {
		positionAmount = p.Amount1
	}

	start := c.now()
	adapter, err := c.gate(op, caller, p.Venue, []string{p.Asset0, p.Asset1}, p.SlippageBps, positionAmount, p.Deadline)
	if err != nil {
		return nil, err
	}

	result, err := adapter.AddLiquidity(ctx, venue.LiquidityRequest{
		Asset0:     p.Asset0,
		Asset1:     p.Asset1,
		Amount0:    p.Amount0,
		Amount1:    p.Amount1,
		MinAmount0: p.MinAmount0,
		MinAmount1: p.MinAmount1,
	})
	if err != nil {
		c.releaseQuota()
		return nil, xerrors.Wrap(xerrors.CodeVenueFailure, err, "场所添加流动性失败")
	}

	rec := &record.Record{
		ID:          uuid.NewString(),
		Operation:   op,
		Venue:       p.Venue,
		Agent:       caller,
		AssetIn:     p.Asset0,
		AssetOut:    p.Asset1,
		AmountIn:    bigString(p.Amount0),
		AmountOut:   bigString(p.Amount1),
		PositionID:  result.PositionID,
		SlippageBps: p.SlippageBps,
		TxHash:      result.TxHash,
		CreatedAt:   start.Unix(),
	}
	c.commit(ctx, rec, start)
	return rec, nil
}

// RemoveLiquidity 校验并转发一次移除流动性。
func (c *Controller) RemoveLiquidity(ctx context.Context, caller string, p RemoveLiquidityParams) (*record.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := record.OperationRemoveLiquidity
	if strings.TrimSpace(p.PositionID) == "" {
		return nil, c.reject(op, xerrors.New(CodeInputValidation, "position_id 不能为空"))
	}
	if err := validateAmount("liquidity", p.Liquidity); err != nil {
		return nil, c.reject(op, err)
	}

	start := c.now()
	adapter, err := c.gate(op, caller, p.Venue, nil, p.SlippageBps, p.Liquidity, p.Deadline)
	if err != nil {
		return nil, err
	}

	result, err := adapter.RemoveLiquidity(ctx, venue.RemoveRequest{
		PositionID: p.PositionID,
		Liquidity:  p.Liquidity,
	})
	if err != nil {
		c.releaseQuota()
		return nil, xerrors.Wrap(xerrors.CodeVenueFailure, err, "场所移除流动性失败")
	}

	rec := &record.Record{
		ID:          uuid.NewString(),
		Operation:   op,
		Venue:       p.Venue,
		Agent:       caller,
		AmountIn:    bigString(p.Liquidity),
		PositionID:  p.PositionID,
		SlippageBps: p.SlippageBps,
		TxHash:      result.TxHash,
		CreatedAt:   start.Unix(),
	}
	c.commit(ctx, rec, start)
	return rec, nil
}

// CollectFees 校验并转发一次头寸手续费收取。
func (c *Controller) CollectFees(ctx context.Context, caller string, p CollectFeesParams) (*record.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := record.OperationCollectFees
	if strings.TrimSpace(p.PositionID) == "" {
		return nil, c.reject(op, xerrors.New(CodeInputValidation, "position_id 不能为空"))
	}

	start := c.now()
	adapter, err := c.gate(op, caller, p.Venue, nil, 0, nil, p.Deadline)
	if err != nil {
		return nil, err
	}

	result, err := adapter.CollectFees(ctx, p.PositionID)
	if err != nil {
		c.releaseQuota()
		return nil, xerrors.Wrap(xerrors.CodeVenueFailure, err, "场所手续费收取失败")
	}

	rec := &record.Record{
		ID:         uuid.NewString(),
		Operation:  op,
		Venue:      p.Venue,
		Agent:      caller,
		PositionID: p.PositionID,
		TxHash:     result.TxHash,
		CreatedAt:  start.Unix(),
	}
	c.commit(ctx, rec, start)
	return rec, nil
}

// RebalancePosition 校验并执行一次头寸再平衡：先移除旧头寸，再以取回
// 的资产开立新头寸。两步都通过同一个场所完成。
func (c *Controller) RebalancePosition(ctx context.Context, caller string, p RebalanceParams) (*record.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := record.OperationRebalance
	if strings.TrimSpace(p.PositionID) == "" {
		return nil, c.reject(op, xerrors.New(CodeInputValidation, "position_id 不能为空"))
	}
	if err := validateAmount("liquidity", p.Liquidity); err != nil {
		return nil, c.reject(op, err)
	}

	start := c.now()
	adapter, err := c.gate(op, caller, p.Venue, []string{p.Asset0, p.Asset1}, p.SlippageBps, p.Liquidity, p.Deadline)
	if err != nil {
		return nil, err
	}

	removed, err := adapter.RemoveLiquidity(ctx, venue.RemoveRequest{
		PositionID: p.PositionID,
		Liquidity:  p.Liquidity,
	})
	if err != nil {
		c.releaseQuota()
		return nil, xerrors.Wrap(xerrors.CodeVenueFailure, err, "再平衡移除旧头寸失败")
	}

	added, err := adapter.AddLiquidity(ctx, venue.LiquidityRequest{
		Asset0:     p.Asset0,
		Asset1:     p.Asset1,
		Amount0:    removed.Amount0,
		Amount1:    removed.Amount1,
		MinAmount0: p.MinAmount0,
		MinAmount1: p.MinAmount1,
	})
	if err != nil {
		// 旧头寸已经移除，无法回退到调用前的状态。此时保留配额消耗并
		// 告警，由人工介入处理取回的资产。
		c.log.Error("rebalance left position unwound",
			slog.String("venue", p.Venue),
			slog.String("position_id", p.PositionID),
			slog.String("amount0", bigString(removed.Amount0)),
			slog.String("amount1", bigString(removed.Amount1)),
			slog.Any("error", err),
		)
		return nil, xerrors.Wrap(xerrors.CodeVenueFailure, err, "再平衡开立新头寸失败",
			xerrors.WithAlert(true),
			xerrors.WithSeverity(xerrors.SeverityCritical),
			xerrors.WithMetadata("unwound_position", p.PositionID),
		)
	}

	rec := &record.Record{
		ID:          uuid.NewString(),
		Operation:   op,
		Venue:       p.Venue,
		Agent:       caller,
		AssetIn:     p.Asset0,
		AssetOut:    p.Asset1,
		AmountIn:    bigString(removed.Amount0),
		AmountOut:   bigString(removed.Amount1),
		PositionID:  added.PositionID,
		SlippageBps: p.SlippageBps,
		TxHash:      added.TxHash,
		CreatedAt:   start.Unix(),
	}
	c.commit(ctx, rec, start)
	return rec, nil
}

// gate 按固定顺序执行全部策略检查，并在全部通过后消耗一次当日配额。
// 配额在转发场所调用之前提交；场所调用失败时由调用方补偿回退。
func (c *Controller) gate(op record.Operation, caller, venueName string, assets []string, slippageBps int64, positionAmount *big.Int, deadline int64) (venue.Adapter, error) {
	if caller == "" || caller != c.agent {
		return nil, c.reject(op, ErrAgentUnauthorized)
	}

	status := c.status.Status()
	if status.AgentPaused || status.EmergencyMode {
		return nil, c.reject(op, ErrEmergencyPaused)
	}

	venueName = strings.TrimSpace(venueName)
	if venueName == "" || !c.venues[venueName] {
		return nil, c.reject(op, ErrVenueNotWhitelisted)
	}

	for _, asset := range assets {
		if asset == "" || !c.assets[asset] {
			return nil, c.reject(op, ErrAssetNotApproved)
		}
	}

	if slippageBps < 0 {
		return nil, c.reject(op, xerrors.New(CodeInputValidation, "slippage_bps 必须为非负整数"))
	}
	if slippageBps > c.limits.MaxSlippageBps {
		return nil, c.reject(op, ErrSlippageExceeded)
	}

	if positionAmount != nil && c.limits.MaxPositionSize != nil && c.limits.MaxPositionSize.Sign() > 0 {
		if positionAmount.Cmp(c.limits.MaxPositionSize) > 0 {
			return nil, c.reject(op, ErrPositionTooLarge)
		}
	}

	adapter, ok := c.venueDir.Adapter(venueName)
	if !ok {
		return nil, c.reject(op, xerrors.New(xerrors.CodeNotFound, "场所未注册适配器"))
	}

	now := c.now()
	if deadline > 0 && now.Unix() > deadline {
		return nil, c.reject(op, ErrDeadlinePassed)
	}

	// 配额步骤：先按纪元日重置，再检查，最后递增。重置先于检查保证
	// 新的一天总是从完整配额开始。
	day := now.Unix() / secondsPerDay
	if day != c.dayIndex {
		c.operationsToday = 0
		c.dayIndex = day
	}
	if c.operationsToday >= c.limits.DailyOperationLimit {
		return nil, c.reject(op, ErrDailyLimitExceeded)
	}
	c.operationsToday++

	return adapter, nil
}

// releaseQuota 在场所调用失败后回退配额消耗，保持失败调用零状态变更。
func (c *Controller) releaseQuota() {
	if c.operationsToday > 0 && c.now().Unix()/secondsPerDay == c.dayIndex {
		c.operationsToday--
	}
}

// commit 写入操作记录并上报指标。记录写入失败不回滚已执行的场所
// 调用，只能告警并继续。
func (c *Controller) commit(ctx context.Context, rec *record.Record, start time.Time) {
	if err := c.records.Save(ctx, rec); err != nil {
		c.log.Error("failed to persist authorized action",
			slog.String("record_id", rec.ID),
			slog.String("operation", string(rec.Operation)),
			slog.String("tx_hash", rec.TxHash),
			slog.Any("error", err),
		)
	}
	metrics.OperationAuthorized(string(rec.Operation), rec.Venue, c.now().Sub(start))
	c.audit.Info("agent operation authorized",
		slog.String("record_id", rec.ID),
		slog.String("operation", string(rec.Operation)),
		slog.String("venue", rec.Venue),
		slog.String("agent", rec.Agent),
		slog.String("tx_hash", rec.TxHash),
	)
}

func (c *Controller) reject(op record.Operation, err error) error {
	metrics.OperationRejected(string(op), string(xerrors.CodeOf(err)))
	return err
}

func validateLimits(limits Limits) error {
	if limits.MaxSlippageBps < 0 {
		return xerrors.New(CodeInputValidation, "max_slippage_bps 必须为非负整数")
	}
	if limits.DailyOperationLimit < 0 {
		return xerrors.New(CodeInputValidation, "daily_operation_limit 必须为非负整数")
	}
	if limits.MaxPositionSize != nil && limits.MaxPositionSize.Sign() < 0 {
		return xerrors.New(CodeInputValidation, "max_position_size 必须为非负整数")
	}
	return nil
}

func validateAmount(name string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.New(CodeInputValidation, name+" 必须为正整数")
	}
	return nil
}

func cloneLimits(limits Limits) Limits {
	clone := limits
	if limits.MaxPositionSize != nil {
		clone.MaxPositionSize = new(big.Int).Set(limits.MaxPositionSize)
	}
	return clone
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
