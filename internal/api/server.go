package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"AgentCustody/internal/consensus"
	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/fees"
	"AgentCustody/internal/identity"
	"AgentCustody/internal/observability/metrics"
	"AgentCustody/internal/policy"
	"AgentCustody/internal/record"
	"AgentCustody/internal/settlement"
)

// Server 负责暴露 REST 接口，供代理、管理员、签名人与调度器驱动
// 托管系统。每组端点绑定各自的角色要求。
type Server struct {
	addr       string
	controller *policy.Controller
	consensus  *consensus.Module
	accountant *fees.Accountant
	scheduler  *settlement.Scheduler
	records    record.Store
	registry   *identity.Registry
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, controller *policy.Controller, module *consensus.Module, accountant *fees.Accountant, scheduler *settlement.Scheduler, records record.Store, registry *identity.Registry) *Server {
	return &Server{
		addr:       addr,
		controller: controller,
		consensus:  module,
		accountant: accountant,
		scheduler:  scheduler,
		records:    records,
		registry:   registry,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	agentOnly := []identity.Role{identity.RoleAgent}
	adminOnly := []identity.Role{identity.RoleAdmin}
	signerOnly := []identity.Role{identity.RoleSigner}
	adminOrSigner := []identity.Role{identity.RoleAdmin, identity.RoleSigner}
	schedulerOnly := []identity.Role{identity.RoleScheduler, identity.RoleAdmin}
	anyReader := []identity.Role{identity.RoleReader, identity.RoleAdmin, identity.RoleAgent, identity.RoleSigner, identity.RoleScheduler}

	s.route(mux, "/api/v1/agent/swap", s.handleSwap, agentOnly)
	s.route(mux, "/api/v1/agent/liquidity", s.handleLiquidity, agentOnly)
	s.route(mux, "/api/v1/agent/fees/collect", s.handleCollectVenueFees, agentOnly)
	s.route(mux, "/api/v1/agent/rebalance", s.handleRebalance, agentOnly)

	s.route(mux, "/api/v1/admin/limits", s.handleLimits, adminOnly)
	s.route(mux, "/api/v1/admin/agent", s.handleAgentIdentity, adminOnly)
	s.route(mux, "/api/v1/admin/whitelist", s.handleWhitelist, adminOnly)
	s.route(mux, "/api/v1/admin/assets", s.handleAssets, adminOnly)
	s.route(mux, "/api/v1/admin/fee-recipient", s.handleFeeRecipient, adminOnly)
	s.route(mux, "/api/v1/admin/signers", s.handleSigners, adminOnly)
	s.route(mux, "/api/v1/admin/confirmations", s.handleConfirmations, adminOnly)
	s.route(mux, "/api/v1/admin/emergency/disable", s.handleDisableEmergency, adminOnly)

	s.route(mux, "/api/v1/consensus/pause", s.handlePause, adminOrSigner)
	s.route(mux, "/api/v1/consensus/resume", s.handleResume, signerOnly)
	s.route(mux, "/api/v1/consensus/emergency/enable", s.handleEnableEmergency, signerOnly)

	s.route(mux, "/api/v1/fees/users", s.handleInitializeUser, schedulerOnly)
	s.route(mux, "/api/v1/fees/management", s.handleManagementFee, schedulerOnly)
	s.route(mux, "/api/v1/fees/performance", s.handlePerformanceFee, schedulerOnly)
	s.route(mux, "/api/v1/fees/batch", s.handleBatchCollect, schedulerOnly)
	s.route(mux, "/api/v1/settlement/run", s.handleSettlementRun, schedulerOnly)

	s.route(mux, "/api/v1/status", s.handleStatus, anyReader)
	s.route(mux, "/api/v1/records", s.handleRecords, anyReader)
	s.route(mux, "/api/v1/records/stats", s.handleRecordStats, anyReader)
	s.route(mux, "/api/v1/fees/quote", s.handleFeeQuote, anyReader)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 注册一个端点：身份中间件在外，指标采集在内。
func (s *Server) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc, roles []identity.Role) {
	wrapped := observe(pattern, handler)
	if s.registry != nil {
		middleware := s.registry.Middleware(identity.MiddlewareConfig{
			RequiredRoles: map[string][]identity.Role{"*": roles},
			AuditEvent:    pattern,
		})
		mux.Handle(pattern, middleware(wrapped))
		return
	}
	mux.Handle(pattern, wrapped)
}

func observe(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.ObserveHTTPRequest(pattern, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 让所有请求共享服务生命周期上下文。
func withContext(ctx context.Context, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务正在关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		next.ServeHTTP(w, r)
	})
}

// caller 解析调用方身份。身份认证开启时使用主体标识，关闭时退回
// X-Caller 请求头，仅供本地开发。
func caller(r *http.Request) string {
	if subject := identity.SubjectFromContext(r.Context()); subject != nil {
		return subject.ID
	}
	return r.Header.Get("X-Caller")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError 将统一错误类型映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument, policy.CodeInputValidation:
		status = http.StatusBadRequest
	case xerrors.CodeNotAuthorized, policy.CodeAgentUnauthorized:
		status = http.StatusForbidden
	case xerrors.CodeNotFound, record.CodeRecordNotFound:
		status = http.StatusNotFound
	case xerrors.CodeStateConflict, consensus.CodeAlreadyInState, consensus.CodeActionAlreadyExecuted, record.CodeRecordConflict:
		status = http.StatusConflict
	case xerrors.CodeTemporalGuard, consensus.CodeTimeDelayActive, policy.CodeDeadlinePassed:
		status = http.StatusConflict
	case policy.CodeEmergencyPaused, policy.CodeVenueNotWhitelist, policy.CodeAssetNotApproved,
		policy.CodeSlippageExceeded, policy.CodePositionTooLarge:
		status = http.StatusUnprocessableEntity
	case policy.CodeDailyLimitExceeded:
		status = http.StatusTooManyRequests
	case fees.CodeFeeValidation:
		status = http.StatusBadRequest
	}
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	writeJSON(w, status, map[string]errorBody{"error": {Code: string(code), Message: message}})
}

// parseBig 解析十进制大整数，空串返回 nil。
func parseBig(raw string) (*big.Int, bool) {
	if raw == "" {
		return nil, true
	}
	value, ok := new(big.Int).SetString(raw, 10)
	return value, ok
}

type swapRequest struct {
	Venue        string `json:"venue"`
	AssetIn      string `json:"asset_in"`
	AssetOut     string `json:"asset_out"`
	AmountIn     string `json:"amount_in"`
	MinAmountOut string `json:"min_amount_out"`
	SlippageBps  int64  `json:"slippage_bps"`
	Deadline     int64  `json:"deadline"`
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req swapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	amountIn, ok := parseBig(req.AmountIn)
	if !ok {
		http.Error(w, "amount_in 非法", http.StatusBadRequest)
		return
	}
	minOut, ok := parseBig(req.MinAmountOut)
	if !ok {
		http.Error(w, "min_amount_out 非法", http.StatusBadRequest)
		return
	}
	rec, err := s.controller.ExecuteSwap(r.Context(), caller(r), policy.SwapParams{
		Venue:        req.Venue,
		AssetIn:      req.AssetIn,
		AssetOut:     req.AssetOut,
		AmountIn:     amountIn,
		MinAmountOut: minOut,
		SlippageBps:  req.SlippageBps,
		Deadline:     req.Deadline,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type liquidityRequest struct {
	Action      string `json:"action"`
	Venue       string `json:"venue"`
	Asset0      string `json:"asset0"`
	Asset1      string `json:"asset1"`
	Amount0     string `json:"amount0"`
	Amount1     string `json:"amount1"`
	MinAmount0  string `json:"min_amount0"`
	MinAmount1  string `json:"min_amount1"`
	PositionID  string `json:"position_id"`
	Liquidity   string `json:"liquidity"`
	SlippageBps int64  `json:"slippage_bps"`
	Deadline    int64  `json:"deadline"`
}

func (s *Server) handleLiquidity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req liquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	switch req.Action {
	case "add", "":
		amount0, ok0 := parseBig(req.Amount0)
		amount1, ok1 := parseBig(req.Amount1)
		min0, ok2 := parseBig(req.MinAmount0)
		min1, ok3 := parseBig(req.MinAmount1)
		if !ok0 || !ok1 || !ok2 || !ok3 {
			http.Error(w, "金额字段非法", http.StatusBadRequest)
			return
		}
		rec, err := s.controller.AddLiquidity(r.Context(), caller(r), policy.AddLiquidityParams{
			Venue:       req.Venue,
			Asset0:      req.Asset0,
			Asset1:      req.Asset1,
			Amount0:     amount0,
			Amount1:     amount1,
			MinAmount0:  min0,
			MinAmount1:  min1,
			SlippageBps: req.SlippageBps,
			Deadline:    req.Deadline,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case "remove":
		liquidity, ok := parseBig(req.Liquidity)
		if !ok {
			http.Error(w, "liquidity 非法", http.StatusBadRequest)
			return
		}
		rec, err := s.controller.RemoveLiquidity(r.Context(), caller(r), policy.RemoveLiquidityParams{
			Venue:       req.Venue,
			PositionID:  req.PositionID,
			Liquidity:   liquidity,
			SlippageBps: req.SlippageBps,
			Deadline:    req.Deadline,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	default:
		http.Error(w, "action 仅支持 add/remove", http.StatusBadRequest)
	}
}

type collectVenueFeesRequest struct {
	Venue      string `json:"venue"`
	PositionID string `json:"position_id"`
	Deadline   int64  `json:"deadline"`
}

func (s *Server) handleCollectVenueFees(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req collectVenueFeesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	rec, err := s.controller.CollectFees(r.Context(), caller(r), policy.CollectFeesParams{
		Venue:      req.Venue,
		PositionID: req.PositionID,
		Deadline:   req.Deadline,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type rebalanceRequest struct {
	Venue       string `json:"venue"`
	PositionID  string `json:"position_id"`
	Liquidity   string `json:"liquidity"`
	Asset0      string `json:"asset0"`
	Asset1      string `json:"asset1"`
	MinAmount0  string `json:"min_amount0"`
	MinAmount1  string `json:"min_amount1"`
	SlippageBps int64  `json:"slippage_bps"`
	Deadline    int64  `json:"deadline"`
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req rebalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	liquidity, ok0 := parseBig(req.Liquidity)
	min0, ok1 := parseBig(req.MinAmount0)
	min1, ok2 := parseBig(req.MinAmount1)
	if !ok0 || !ok1 || !ok2 {
		http.Error(w, "金额字段非法", http.StatusBadRequest)
		return
	}
	rec, err := s.controller.RebalancePosition(r.Context(), caller(r), policy.RebalanceParams{
		Venue:       req.Venue,
		PositionID:  req.PositionID,
		Liquidity:   liquidity,
		Asset0:      req.Asset0,
		Asset1:      req.Asset1,
		MinAmount0:  min0,
		MinAmount1:  min1,
		SlippageBps: req.SlippageBps,
		Deadline:    req.Deadline,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type limitsRequest struct {
	MaxSlippageBps      int64  `json:"max_slippage_bps"`
	MaxPositionSize     string `json:"max_position_size"`
	DailyOperationLimit int    `json:"daily_operation_limit"`
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req limitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	maxPosition, ok := parseBig(req.MaxPositionSize)
	if !ok {
		http.Error(w, "max_position_size 非法", http.StatusBadRequest)
		return
	}
	if err := s.controller.SetLimits(caller(r), policy.Limits{
		MaxSlippageBps:      req.MaxSlippageBps,
		MaxPositionSize:     maxPosition,
		DailyOperationLimit: req.DailyOperationLimit,
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleAgentIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Agent string `json:"agent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if err := s.controller.SetAgentIdentity(caller(r), req.Agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type listToggleRequest struct {
	Items   []string `json:"items"`
	Enabled []bool   `json:"enabled"`
}

func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req listToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if err := s.controller.SetWhitelist(caller(r), req.Items, req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req listToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if err := s.controller.SetApprovedAssets(caller(r), req.Items, req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleFeeRecipient(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Recipient string `json:"recipient"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if err := s.accountant.SetFeeRecipient(caller(r), req.Recipient); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSigners(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Signer string `json:"signer"`
		Active bool   `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if err := s.consensus.UpdateSigner(caller(r), req.Signer, req.Active); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleConfirmations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Required int `json:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if err := s.consensus.UpdateRequiredConfirmations(caller(r), req.Required); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDisableEmergency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if err := s.consensus.DisableEmergencyMode(caller(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.consensus.Status())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if err := s.consensus.PauseAgentOperations(caller(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.consensus.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	outcome, err := s.consensus.ResumeAgentOperations(caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleEnableEmergency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	outcome, err := s.consensus.EnableEmergencyMode(caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleInitializeUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Account string `json:"account"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if err := s.accountant.InitializeUser(req.Account); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "initialized"})
}

type feeCollectRequest struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}

func (s *Server) handleManagementFee(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req feeCollectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	balance, ok := parseBig(req.Balance)
	if !ok {
		http.Error(w, "balance 非法", http.StatusBadRequest)
		return
	}
	fee, err := s.accountant.CollectManagementFee(req.Account, balance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fee": fee.String()})
}

func (s *Server) handlePerformanceFee(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req feeCollectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	balance, ok := parseBig(req.Balance)
	if !ok {
		http.Error(w, "balance 非法", http.StatusBadRequest)
		return
	}
	fee, err := s.accountant.CollectPerformanceFee(req.Account, balance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fee": fee.String()})
}

type batchCollectRequest struct {
	Accounts []string `json:"accounts"`
	Balances []string `json:"balances"`
}

func (s *Server) handleBatchCollect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req batchCollectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	balances := make([]*big.Int, 0, len(req.Balances))
	for _, raw := range req.Balances {
		balance, ok := parseBig(raw)
		if !ok || balance == nil {
			http.Error(w, "balances 包含非法金额", http.StatusBadRequest)
			return
		}
		balances = append(balances, balance)
	}
	totals, err := s.accountant.BatchCollectFees(req.Accounts, balances)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts":        totals.Accounts,
		"management_fee":  totals.ManagementFee.String(),
		"performance_fee": totals.PerformanceFee.String(),
	})
}

func (s *Server) handleSettlementRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.scheduler == nil {
		http.Error(w, "结算调度器未启用", http.StatusServiceUnavailable)
		return
	}
	if err := s.scheduler.CollectOnce(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "scheduled"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"consensus":    s.consensus.Status(),
		"policy":       s.controller.Snapshot(),
		"pending_fees": s.accountant.Pending().String(),
	})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	opts := listOptionsFromQuery(r)
	records, err := s.records.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleRecordStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	opts := listOptionsFromQuery(r)
	stats, err := s.records.Stats(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleFeeQuote 只读地试算某账户在给定余额下的两类应计费用。
func (s *Server) handleFeeQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	account := r.URL.Query().Get("account")
	balance, ok := parseBig(r.URL.Query().Get("balance"))
	if !ok || balance == nil {
		http.Error(w, "balance 非法", http.StatusBadRequest)
		return
	}
	management, err := s.accountant.CalculateManagementFee(account, balance)
	if err != nil {
		writeError(w, err)
		return
	}
	performance, err := s.accountant.CalculatePerformanceFee(account, balance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"management_fee":  management.String(),
		"performance_fee": performance.String(),
		"high_water_mark": s.accountant.HighWaterMark(account).String(),
	})
}

func listOptionsFromQuery(r *http.Request) record.ListOptions {
	listOpts := make([]record.ListOption, 0, 6)
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			listOpts = append(listOpts, record.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			listOpts = append(listOpts, record.WithOffset(parsed))
		}
	}
	if raw := query.Get("operation"); raw != "" {
		listOpts = append(listOpts, record.WithOperations(record.Operation(raw)))
	}
	if raw := query.Get("venue"); raw != "" {
		listOpts = append(listOpts, record.WithVenue(raw))
	}
	if raw := query.Get("agent"); raw != "" {
		listOpts = append(listOpts, record.WithAgent(raw))
	}
	if raw := query.Get("q"); raw != "" {
		listOpts = append(listOpts, record.WithQuery(raw))
	}
	if query.Get("order") == "asc" {
		listOpts = append(listOpts, record.WithSortOrder(record.SortByCreatedAsc))
	}
	return record.BuildListOptions(listOpts)
}
