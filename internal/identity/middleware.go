package identity

import (
	"net/http"
	"strings"
	"time"

	loggerpkg "AgentCustody/pkg/logger"
)

// apiKeyHeader 是承载 API key 的请求头。
const apiKeyHeader = "X-API-Key"

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredRoles 定义每个 HTTP 方法所需的角色（满足其一即可）。
	// 键 "*" 作为所有方法的兜底。
	RequiredRoles map[string][]Role
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
func (r *Registry) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if r == nil || r.mode == ModeDisabled {
				next.ServeHTTP(w, req)
				return
			}
			// 认证请求。
			subject, err := r.Authenticate(extractKey(req))
			if err != nil {
				status := http.StatusUnauthorized
				if err == ErrSubjectRevoked {
					status = http.StatusForbidden
				}
				http.Error(w, http.StatusText(status), status)
				loggerpkg.Audit().Warn("access_denied",
					"path", req.URL.Path,
					"method", req.Method,
					"status", status,
					"error", err.Error(),
				)
				return
			}
			// 授权请求。
			roles := cfg.RequiredRoles[req.Method]
			if len(roles) == 0 {
				roles = cfg.RequiredRoles["*"]
			}
			if len(roles) > 0 {
				if err := subject.Authorize(roles...); err != nil {
					status := http.StatusForbidden
					http.Error(w, http.StatusText(status), status)
					loggerpkg.Audit().Warn("permission_denied",
						"path", req.URL.Path,
						"method", req.Method,
						"status", status,
						"error", err.Error(),
						"subject", subject.ID,
					)
					return
				}
			}
			// 记录审计日志。
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithSubject(req.Context(), subject)
			next.ServeHTTP(aw, req.WithContext(ctx))
			event := cfg.AuditEvent
			if event == "" {
				event = req.URL.Path
			}
			loggerpkg.Audit().Info("api_request",
				"event", event,
				"method", req.Method,
				"path", req.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"subject", subject.ID,
			)
		})
	}
}

// extractKey 优先读取 X-API-Key，其次兼容 Authorization: Bearer。
func extractKey(req *http.Request) string {
	if key := req.Header.Get(apiKeyHeader); key != "" {
		return key
	}
	authz := req.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
