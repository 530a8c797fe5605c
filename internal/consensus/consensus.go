package consensus

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/observability/metrics"
	"AgentCustody/pkg/logger"
)

// 动作名称，用于派生动作标识符。
const (
	actionResumeAgent     = "resume_agent_operations"
	actionEnableEmergency = "enable_emergency_mode"
)

// defaultCooldown 是敏感状态切换之间的最小间隔。
const defaultCooldown = 6 * time.Hour

// 共识模块的错误码。
const (
	CodeAlreadyInState        xerrors.Code = "CONSENSUS_ALREADY_IN_STATE"
	CodeTimeDelayActive       xerrors.Code = "CONSENSUS_TIME_DELAY_ACTIVE"
	CodeActionAlreadyExecuted xerrors.Code = "CONSENSUS_ACTION_ALREADY_EXECUTED"
)

var (
	// ErrNotAuthorized 表示调用方不具备该操作所需的身份。
	ErrNotAuthorized = xerrors.New(xerrors.CodeNotAuthorized, "caller is not admin or signer")
	// ErrAlreadyInState 表示重复的状态切换请求。
	ErrAlreadyInState = xerrors.New(CodeAlreadyInState, "already in requested state")
	// ErrTimeDelayActive 表示冷却时间尚未结束。
	ErrTimeDelayActive = xerrors.New(CodeTimeDelayActive, "cooldown has not elapsed")
	// ErrActionAlreadyExecuted 表示该动作标识符已经执行过，拒绝重放。
	ErrActionAlreadyExecuted = xerrors.New(CodeActionAlreadyExecuted, "action already executed")
)

func init() {
	xerrors.Register(CodeAlreadyInState, xerrors.Attributes{
		Message:   "already in requested state",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTimeDelayActive, xerrors.Attributes{
		Message:   "cooldown has not elapsed",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeActionAlreadyExecuted, xerrors.Attributes{
		Message:   "action already executed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Status 是共识状态的只读投影，供策略控制器在放行操作前查询。
type Status struct {
	AgentPaused   bool      `json:"agent_paused"`
	EmergencyMode bool      `json:"emergency_mode"`
	LastActionAt  time.Time `json:"last_action_at"`
}

// Outcome 描述一次仲裁动作后的确认进度。
type Outcome struct {
	ActionID      string `json:"action_id"`
	Confirmations int    `json:"confirmations"`
	Required      int    `json:"required"`
	Executed      bool   `json:"executed"`
}

// confirmationRecord 记录某个动作标识符下已确认的签名人集合。
// 同一签名人对同一标识符最多贡献一次确认；executed 置位后永不重放。
type confirmationRecord struct {
	signers  map[string]struct{}
	executed bool
}

// Config 描述共识模块的初始参数。
type Config struct {
	Admin                 string
	Signers               []string
	RequiredConfirmations int
	Cooldown              time.Duration
}

// Option 定义可选配置。
type Option func(*Module)

// WithClock 注入时间源，主要用于测试冷却与日期分桶。
func WithClock(now func() time.Time) Option {
	return func(m *Module) {
		if now != nil {
			m.now = now
		}
	}
}

// Module 实现两个标志位（agentPaused、emergencyMode）的多方共识状态机。
// 暂停是单方立即生效的；恢复与紧急模式需要法定人数确认。
type Module struct {
	mu            sync.Mutex
	admin         string
	signers       map[string]struct{}
	required      int
	agentPaused   bool
	emergencyMode bool
	lastActionAt  time.Time
	cooldown      time.Duration
	confirmations map[string]*confirmationRecord
	now           func() time.Time
	audit         *slog.Logger
}

// New 构造共识模块。
func New(cfg Config, opts ...Option) (*Module, error) {
	admin := strings.TrimSpace(cfg.Admin)
	if admin == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "共识模块需要配置 admin 身份")
	}
	if cfg.RequiredConfirmations < 1 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "required confirmations 必须不小于 1")
	}
	signers := make(map[string]struct{}, len(cfg.Signers))
	for _, id := range cfg.Signers {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "签名人标识不能为空")
		}
		signers[id] = struct{}{}
	}
	if cfg.RequiredConfirmations > len(signers) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "required confirmations 超过签名人数量")
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	m := &Module{
		admin:         admin,
		signers:       signers,
		required:      cfg.RequiredConfirmations,
		cooldown:      cooldown,
		confirmations: make(map[string]*confirmationRecord),
		now:           time.Now,
		audit:         logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Status 返回共识状态的只读投影。
func (m *Module) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		AgentPaused:   m.agentPaused,
		EmergencyMode: m.emergencyMode,
		LastActionAt:  m.lastActionAt,
	}
}

// PauseAgentOperations 立即暂停智能体操作。管理员或任一签名人可单方触发。
func (m *Module) PauseAgentOperations(caller string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isAdminOrSigner(caller) {
		return ErrNotAuthorized
	}
	if m.agentPaused {
		return ErrAlreadyInState
	}
	m.agentPaused = true
	m.lastActionAt = m.now()
	metrics.ConsensusTransition("pause_agent_operations")
	m.audit.Info("agent operations paused",
		slog.String("caller", caller),
	)
	return nil
}

// ResumeAgentOperations 由签名人发起恢复确认；达到法定人数后解除暂停。
func (m *Module) ResumeAgentOperations(caller string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isSigner(caller) {
		return Outcome{}, ErrNotAuthorized
	}
	if !m.agentPaused {
		return Outcome{}, ErrAlreadyInState
	}

	outcome, err := m.confirm(actionResumeAgent, caller)
	if err != nil {
		return outcome, err
	}
	if outcome.Executed {
		m.agentPaused = false
		m.lastActionAt = m.now()
		metrics.ConsensusTransition(actionResumeAgent)
		m.audit.Info("agent operations resumed",
			slog.String("caller", caller),
			slog.String("action_id", outcome.ActionID),
			slog.Int("confirmations", outcome.Confirmations),
		)
	}
	return outcome, nil
}

// EnableEmergencyMode 由签名人发起紧急模式确认。除法定人数外，还要求
// 距上一次敏感状态变更至少经过冷却时间；冷却未到时无论已有多少确认
// 一律拒绝。
func (m *Module) EnableEmergencyMode(caller string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isSigner(caller) {
		return Outcome{}, ErrNotAuthorized
	}
	if m.emergencyMode {
		return Outcome{}, ErrAlreadyInState
	}
	if elapsed := m.now().Sub(m.lastActionAt); !m.lastActionAt.IsZero() && elapsed < m.cooldown {
		return Outcome{}, xerrors.Wrap(CodeTimeDelayActive, ErrTimeDelayActive,
			fmt.Sprintf("冷却剩余 %s", (m.cooldown - elapsed).Truncate(time.Second)))
	}

	outcome, err := m.confirm(actionEnableEmergency, caller)
	if err != nil {
		return outcome, err
	}
	if outcome.Executed {
		m.emergencyMode = true
		m.lastActionAt = m.now()
		metrics.ConsensusTransition(actionEnableEmergency)
		m.audit.Warn("emergency mode enabled",
			slog.String("caller", caller),
			slog.String("action_id", outcome.ActionID),
			slog.Int("confirmations", outcome.Confirmations),
		)
	}
	return outcome, nil
}

// DisableEmergencyMode 由管理员单方立即解除紧急模式。
func (m *Module) DisableEmergencyMode(caller string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if caller != m.admin {
		return ErrNotAuthorized
	}
	if !m.emergencyMode {
		return ErrAlreadyInState
	}
	m.emergencyMode = false
	m.lastActionAt = m.now()
	metrics.ConsensusTransition("disable_emergency_mode")
	m.audit.Info("emergency mode disabled", slog.String("caller", caller))
	return nil
}

// UpdateSigner 由管理员增删签名人。
func (m *Module) UpdateSigner(caller, id string, isSigner bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if caller != m.admin {
		return ErrNotAuthorized
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "签名人标识不能为空")
	}
	if isSigner {
		m.signers[id] = struct{}{}
	} else {
		delete(m.signers, id)
		if m.required > len(m.signers) {
			// 删除签名人不能使法定人数变得不可达，否则模块会永久锁死。
			m.signers[id] = struct{}{}
			return xerrors.New(xerrors.CodeInvalidArgument, "移除签名人会使法定人数不可达")
		}
	}
	m.audit.Info("signer set updated",
		slog.String("caller", caller),
		slog.String("signer", id),
		slog.Bool("is_signer", isSigner),
		slog.Int("signer_count", len(m.signers)),
	)
	return nil
}

// UpdateRequiredConfirmations 由管理员调整法定人数。
func (m *Module) UpdateRequiredConfirmations(caller string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if caller != m.admin {
		return ErrNotAuthorized
	}
	if n < 1 || n > len(m.signers) {
		return xerrors.New(xerrors.CodeInvalidArgument, "法定人数必须介于 1 与签名人数量之间")
	}
	m.required = n
	m.audit.Info("required confirmations updated",
		slog.String("caller", caller),
		slog.Int("required", n),
	)
	return nil
}

// confirm 记录一次签名人确认并重新计票。调用方必须持有 m.mu。
//
// 计票必须从确认记录与“当前”签名人集合的交集中枚举得出：被移除的
// 签名人留下的历史确认不再计数，否则会出现幽灵票或永远为零的计票。
func (m *Module) confirm(action, caller string) (Outcome, error) {
	id := m.actionID(action)
	rec, ok := m.confirmations[id]
	if !ok {
		rec = &confirmationRecord{signers: make(map[string]struct{})}
		m.confirmations[id] = rec
	}
	outcome := Outcome{ActionID: id, Required: m.required}
	if rec.executed {
		outcome.Executed = true
		return outcome, ErrActionAlreadyExecuted
	}
	if _, dup := rec.signers[caller]; dup {
		outcome.Confirmations = m.tally(rec)
		return outcome, ErrAlreadyInState
	}
	rec.signers[caller] = struct{}{}

	outcome.Confirmations = m.tally(rec)
	if outcome.Confirmations >= m.required {
		rec.executed = true
		outcome.Executed = true
	}
	return outcome, nil
}

// tally 统计记录中仍属于当前签名人集合的确认数量。
func (m *Module) tally(rec *confirmationRecord) int {
	count := 0
	for signer := range rec.signers {
		if _, ok := m.signers[signer]; ok {
			count++
		}
	}
	return count
}

// actionID 由动作名与粗粒度时间桶（epoch 日）派生，保证上一轮尝试留下的
// 过期确认不会计入新一轮。
func (m *Module) actionID(action string) string {
	day := m.now().Unix() / 86400
	return fmt.Sprintf("%s:%d", action, day)
}

func (m *Module) isSigner(id string) bool {
	_, ok := m.signers[id]
	return ok
}

func (m *Module) isAdminOrSigner(id string) bool {
	return id == m.admin || m.isSigner(id)
}
