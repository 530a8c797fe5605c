package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "AgentCustody/internal/errors"
)

func newTestModule(t *testing.T, required int, clock func() time.Time) *Module {
	t.Helper()
	opts := []Option{}
	if clock != nil {
		opts = append(opts, WithClock(clock))
	}
	m, err := New(Config{
		Admin:                 "admin",
		Signers:               []string{"s1", "s2", "s3"},
		RequiredConfirmations: required,
		Cooldown:              time.Hour,
	}, opts...)
	require.NoError(t, err)
	return m
}

func TestPauseIsUnilateralAndImmediate(t *testing.T) {
	m := newTestModule(t, 2, nil)

	require.ErrorIs(t, m.PauseAgentOperations("intruder"), ErrNotAuthorized)
	require.False(t, m.Status().AgentPaused)

	require.NoError(t, m.PauseAgentOperations("s1"))
	require.True(t, m.Status().AgentPaused)

	// 重复暂停被拒绝。
	require.ErrorIs(t, m.PauseAgentOperations("admin"), ErrAlreadyInState)
}

func TestResumeRequiresQuorumAndFlipsOnce(t *testing.T) {
	m := newTestModule(t, 2, nil)
	require.NoError(t, m.PauseAgentOperations("admin"))

	outcome, err := m.ResumeAgentOperations("s1")
	require.NoError(t, err)
	require.False(t, outcome.Executed)
	require.Equal(t, 1, outcome.Confirmations)
	require.True(t, m.Status().AgentPaused)

	// 同一签名人重复确认不推进计票。
	_, err = m.ResumeAgentOperations("s1")
	require.ErrorIs(t, err, ErrAlreadyInState)
	require.True(t, m.Status().AgentPaused)

	outcome, err = m.ResumeAgentOperations("s2")
	require.NoError(t, err)
	require.True(t, outcome.Executed)
	require.Equal(t, 2, outcome.Confirmations)
	require.False(t, m.Status().AgentPaused)
}

func TestExecutedActionRejectsReplay(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newTestModule(t, 1, func() time.Time { return now })

	require.NoError(t, m.PauseAgentOperations("admin"))
	outcome, err := m.ResumeAgentOperations("s1")
	require.NoError(t, err)
	require.True(t, outcome.Executed)

	// 同一天内再次暂停后，同一动作标识符不可重放。
	require.NoError(t, m.PauseAgentOperations("admin"))
	_, err = m.ResumeAgentOperations("s2")
	require.ErrorIs(t, err, ErrActionAlreadyExecuted)
	require.True(t, m.Status().AgentPaused)

	// 跨日后派生出新的动作标识符，恢复重新可达。
	now = now.Add(24 * time.Hour)
	outcome, err = m.ResumeAgentOperations("s2")
	require.NoError(t, err)
	require.True(t, outcome.Executed)
	require.False(t, m.Status().AgentPaused)
}

func TestEmergencyModeHonorsCooldownBeforeConfirmations(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newTestModule(t, 2, func() time.Time { return now })

	// 先触发一次状态变更，建立冷却基准。
	require.NoError(t, m.PauseAgentOperations("s1"))

	_, err := m.EnableEmergencyMode("s2")
	require.True(t, xerrors.IsCode(err, CodeTimeDelayActive))

	// 冷却期间提交的确认一个都不应计入。
	now = now.Add(2 * time.Hour)
	outcome, err := m.EnableEmergencyMode("s2")
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Confirmations)
	require.False(t, m.Status().EmergencyMode)

	outcome, err = m.EnableEmergencyMode("s3")
	require.NoError(t, err)
	require.True(t, outcome.Executed)
	require.True(t, m.Status().EmergencyMode)

	// 紧急模式只能由管理员单方解除。
	require.ErrorIs(t, m.DisableEmergencyMode("s1"), ErrNotAuthorized)
	require.NoError(t, m.DisableEmergencyMode("admin"))
	require.False(t, m.Status().EmergencyMode)
}

func TestRemovedSignerConfirmationsStopCounting(t *testing.T) {
	m := newTestModule(t, 2, nil)
	require.NoError(t, m.PauseAgentOperations("admin"))

	outcome, err := m.ResumeAgentOperations("s1")
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Confirmations)

	require.NoError(t, m.UpdateSigner("admin", "s1", false))

	// s1 的历史确认不再计票，s2 的确认只算一票。
	outcome, err = m.ResumeAgentOperations("s2")
	require.NoError(t, err)
	require.False(t, outcome.Executed)
	require.Equal(t, 1, outcome.Confirmations)

	outcome, err = m.ResumeAgentOperations("s3")
	require.NoError(t, err)
	require.True(t, outcome.Executed)
	require.False(t, m.Status().AgentPaused)
}

func TestUpdateSignerGuardsQuorumReachability(t *testing.T) {
	m := newTestModule(t, 3, nil)

	err := m.UpdateSigner("admin", "s3", false)
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidArgument))

	// 先降低法定人数，再移除签名人。
	require.NoError(t, m.UpdateRequiredConfirmations("admin", 2))
	require.NoError(t, m.UpdateSigner("admin", "s3", false))

	err = m.UpdateRequiredConfirmations("admin", 3)
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidArgument))
}

func TestResumeWhenNotPaused(t *testing.T) {
	m := newTestModule(t, 1, nil)
	_, err := m.ResumeAgentOperations("s1")
	require.ErrorIs(t, err, ErrAlreadyInState)
}
