package identity

import (
	"crypto/subtle"
	"strings"
	"sync"

	xerrors "AgentCustody/internal/errors"
)

// Registry 维护 API key 到调用主体的映射。凭证在启动时由配置注入，
// 运行期只读，因此认证路径无需加锁即可并发安全；Revoke 仅用于
// 运维工具，带锁执行。
type Registry struct {
	mode Mode

	mu       sync.RWMutex
	subjects map[string]*Subject
}

// NewRegistry 根据配置构造身份注册表。
func NewRegistry(cfg Config) (*Registry, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeAPIKey
	}
	if mode != ModeDisabled && mode != ModeAPIKey {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的身份认证模式")
	}

	subjects := make(map[string]*Subject, len(cfg.Credentials))
	for _, cred := range cfg.Credentials {
		key := strings.TrimSpace(cred.Key)
		if key == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "凭证缺少 API key")
		}
		id := strings.TrimSpace(cred.ID)
		if id == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "凭证缺少主体标识")
		}
		if _, ok := subjects[key]; ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "重复的 API key")
		}
		subject := &Subject{
			ID:       id,
			Name:     strings.TrimSpace(cred.Name),
			Roles:    append([]Role(nil), cred.Roles...),
			Disabled: cred.Disabled,
		}
		subject.normalise()
		subjects[key] = subject
	}
	if mode == ModeAPIKey && len(subjects) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "apikey 模式下必须至少配置一个凭证")
	}

	return &Registry{mode: mode, subjects: subjects}, nil
}

// Mode 返回注册表的认证模式。
func (r *Registry) Mode() Mode {
	if r == nil {
		return ModeDisabled
	}
	return r.mode
}

// Authenticate 校验 API key 并返回对应主体。
func (r *Registry) Authenticate(key string) (*Subject, error) {
	if r == nil || r.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrMissingKey
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	// 常数时间比较，避免通过响应时延枚举 key。
	for candidate, subject := range r.subjects {
		if len(candidate) == len(key) && subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			if subject.Disabled {
				return nil, ErrSubjectRevoked
			}
			return subject.Clone(), nil
		}
	}
	return nil, ErrInvalidKey
}

// Revoke 吊销指定主体的全部凭证，返回吊销的数量。
func (r *Registry) Revoke(subjectID string) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	revoked := 0
	for _, subject := range r.subjects {
		if subject.ID == subjectID && !subject.Disabled {
			subject.Disabled = true
			revoked++
		}
	}
	return revoked
}
