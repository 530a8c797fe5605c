package policy

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"AgentCustody/internal/consensus"
	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/record"
	"AgentCustody/internal/venue"
)

type stubStatus struct {
	paused    bool
	emergency bool
}

func (s *stubStatus) Status() consensus.Status {
	return consensus.Status{AgentPaused: s.paused, EmergencyMode: s.emergency}
}

type stubAdapter struct {
	swaps       int
	adds        int
	removes     int
	collects    int
	failSwap    error
	failAdd     error
	failRemove  error
	failCollect error
}

func (a *stubAdapter) Swap(_ context.Context, req venue.SwapRequest) (venue.SwapResult, error) {
	a.swaps++
	if a.failSwap != nil {
		return venue.SwapResult{}, a.failSwap
	}
	return venue.SwapResult{AmountOut: new(big.Int).Set(req.AmountIn), TxHash: "0xswap"}, nil
}

func (a *stubAdapter) AddLiquidity(_ context.Context, req venue.LiquidityRequest) (venue.LiquidityResult, error) {
	a.adds++
	if a.failAdd != nil {
		return venue.LiquidityResult{}, a.failAdd
	}
	return venue.LiquidityResult{PositionID: "pos-1", TxHash: "0xadd"}, nil
}

func (a *stubAdapter) RemoveLiquidity(_ context.Context, req venue.RemoveRequest) (venue.RemoveResult, error) {
	a.removes++
	if a.failRemove != nil {
		return venue.RemoveResult{}, a.failRemove
	}
	return venue.RemoveResult{
		Amount0: big.NewInt(500),
		Amount1: big.NewInt(700),
		TxHash:  "0xremove",
	}, nil
}

func (a *stubAdapter) CollectFees(_ context.Context, positionID string) (venue.CollectResult, error) {
	a.collects++
	if a.failCollect != nil {
		return venue.CollectResult{}, a.failCollect
	}
	return venue.CollectResult{Amount0: big.NewInt(1), Amount1: big.NewInt(2), TxHash: "0xcollect"}, nil
}

func (a *stubAdapter) GetPositionValue(context.Context, string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (a *stubAdapter) Close() {}

type stubDirectory struct {
	adapters map[string]venue.Adapter
}

func (d *stubDirectory) Adapter(name string) (venue.Adapter, bool) {
	adapter, ok := d.adapters[name]
	return adapter, ok
}

const (
	testAdmin = "admin"
	testAgent = "agent"
	testVenue = "uniswap"
	assetA    = "0xaaa"
	assetB    = "0xbbb"
)

func newTestController(t *testing.T, status *stubStatus, adapter venue.Adapter, limits Limits, clock func() time.Time) (*Controller, *record.MemoryStore) {
	t.Helper()
	store := record.NewMemoryStore()
	dir := &stubDirectory{adapters: map[string]venue.Adapter{testVenue: adapter}}
	opts := []Option{}
	if clock != nil {
		opts = append(opts, WithClock(clock))
	}
	ctrl, err := New(Config{
		Admin:          testAdmin,
		Agent:          testAgent,
		Limits:         limits,
		Venues:         []string{testVenue},
		ApprovedAssets: []string{assetA, assetB},
	}, status, dir, store, opts...)
	if err != nil {
		t.Fatalf("构造策略控制器失败: %v", err)
	}
	return ctrl, store
}

func defaultLimits() Limits {
	return Limits{
		MaxSlippageBps:      100,
		MaxPositionSize:     big.NewInt(1_000_000),
		DailyOperationLimit: 10,
	}
}

func swapParams() SwapParams {
	return SwapParams{
		Venue:        testVenue,
		AssetIn:      assetA,
		AssetOut:     assetB,
		AmountIn:     big.NewInt(1000),
		MinAmountOut: big.NewInt(900),
		SlippageBps:  50,
	}
}

func TestExecuteSwapHappyPath(t *testing.T) {
	adapter := &stubAdapter{}
	ctrl, store := newTestController(t, &stubStatus{}, adapter, defaultLimits(), nil)

	rec, err := ctrl.ExecuteSwap(context.Background(), testAgent, swapParams())
	if err != nil {
		t.Fatalf("swap failed: %v", err)
	}
	if rec.Operation != record.OperationSwap {
		t.Fatalf("unexpected operation: %s", rec.Operation)
	}
	if rec.TxHash != "0xswap" {
		t.Fatalf("unexpected tx hash: %s", rec.TxHash)
	}
	if adapter.swaps != 1 {
		t.Fatalf("expected 1 venue call, got %d", adapter.swaps)
	}

	saved, err := store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if saved.AmountIn != "1000" {
		t.Fatalf("unexpected persisted amount: %s", saved.AmountIn)
	}

	snap := ctrl.Snapshot()
	if snap.Quota.OperationsToday != 1 {
		t.Fatalf("expected quota 1, got %d", snap.Quota.OperationsToday)
	}
}

func TestRejectionsLeaveNoState(t *testing.T) {
	cases := []struct {
		name   string
		status stubStatus
		caller string
		mutate func(*SwapParams)
		code   xerrors.Code
	}{
		{
			name:   "unknown caller",
			caller: "intruder",
			code:   CodeAgentUnauthorized,
		},
		{
			name:   "paused",
			status: stubStatus{paused: true},
			caller: testAgent,
			code:   CodeEmergencyPaused,
		},
		{
			name:   "emergency mode",
			status: stubStatus{emergency: true},
			caller: testAgent,
			code:   CodeEmergencyPaused,
		},
		{
			name:   "venue not whitelisted",
			caller: testAgent,
			mutate: func(p *SwapParams) { p.Venue = "shadow-dex" },
			code:   CodeVenueNotWhitelist,
		},
		{
			name:   "asset not approved",
			caller: testAgent,
			mutate: func(p *SwapParams) { p.AssetOut = "0xccc" },
			code:   CodeAssetNotApproved,
		},
		{
			name:   "slippage exceeded",
			caller: testAgent,
			mutate: func(p *SwapParams) { p.SlippageBps = 101 },
			code:   CodeSlippageExceeded,
		},
		{
			name:   "position too large",
			caller: testAgent,
			mutate: func(p *SwapParams) { p.AmountIn = big.NewInt(1_000_001) },
			code:   CodePositionTooLarge,
		},
		{
			name:   "deadline passed",
			caller: testAgent,
			mutate: func(p *SwapParams) { p.Deadline = time.Now().Add(-time.Minute).Unix() },
			code:   CodeDeadlinePassed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter := &stubAdapter{}
			status := tc.status
			ctrl, store := newTestController(t, &status, adapter, defaultLimits(), nil)

			params := swapParams()
			if tc.mutate != nil {
				tc.mutate(&params)
			}
			_, err := ctrl.ExecuteSwap(context.Background(), tc.caller, params)
			if !xerrors.IsCode(err, tc.code) {
				t.Fatalf("expected code %s, got %v", tc.code, err)
			}
			if adapter.swaps != 0 {
				t.Fatalf("venue must not be called on rejection")
			}
			snap := ctrl.Snapshot()
			if snap.Quota.OperationsToday != 0 {
				t.Fatalf("rejection must not consume quota, got %d", snap.Quota.OperationsToday)
			}
			records, err := store.List(context.Background(), record.ListOptions{})
			if err != nil {
				t.Fatalf("list records: %v", err)
			}
			if len(records) != 0 {
				t.Fatalf("rejection must not persist records, got %d", len(records))
			}
		})
	}
}

func TestDailyQuotaExhaustionAndReset(t *testing.T) {
	now := time.Date(2025, 3, 1, 23, 50, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	limits := defaultLimits()
	limits.DailyOperationLimit = 2
	adapter := &stubAdapter{}
	ctrl, _ := newTestController(t, &stubStatus{}, adapter, limits, clock)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := ctrl.ExecuteSwap(ctx, testAgent, swapParams()); err != nil {
			t.Fatalf("swap %d failed: %v", i, err)
		}
	}

	_, err := ctrl.ExecuteSwap(ctx, testAgent, swapParams())
	if !xerrors.IsCode(err, CodeDailyLimitExceeded) {
		t.Fatalf("expected daily limit rejection, got %v", err)
	}

	// 跨过纪元日边界后配额重置，首个操作立即放行。
	now = now.Add(15 * time.Minute)
	if _, err := ctrl.ExecuteSwap(ctx, testAgent, swapParams()); err != nil {
		t.Fatalf("swap after day roll failed: %v", err)
	}
	snap := ctrl.Snapshot()
	if snap.Quota.OperationsToday != 1 {
		t.Fatalf("expected fresh quota count 1, got %d", snap.Quota.OperationsToday)
	}
}

func TestVenueFailureReleasesQuota(t *testing.T) {
	adapter := &stubAdapter{failSwap: errors.New("revert")}
	ctrl, store := newTestController(t, &stubStatus{}, adapter, defaultLimits(), nil)

	_, err := ctrl.ExecuteSwap(context.Background(), testAgent, swapParams())
	if !xerrors.IsCode(err, xerrors.CodeVenueFailure) {
		t.Fatalf("expected venue failure, got %v", err)
	}
	if adapter.swaps != 1 {
		t.Fatalf("expected venue to be attempted once, got %d", adapter.swaps)
	}
	snap := ctrl.Snapshot()
	if snap.Quota.OperationsToday != 0 {
		t.Fatalf("failed venue call must release quota, got %d", snap.Quota.OperationsToday)
	}
	records, _ := store.List(context.Background(), record.ListOptions{})
	if len(records) != 0 {
		t.Fatalf("failed venue call must not persist records")
	}
}

func TestAddLiquidityUsesLargerLegForPositionLimit(t *testing.T) {
	limits := defaultLimits()
	limits.MaxPositionSize = big.NewInt(1000)
	adapter := &stubAdapter{}
	ctrl, _ := newTestController(t, &stubStatus{}, adapter, limits, nil)

	_, err := ctrl.AddLiquidity(context.Background(), testAgent, AddLiquidityParams{
		Venue:       testVenue,
		Asset0:      assetA,
		Asset1:      assetB,
		Amount0:     big.NewInt(500),
		Amount1:     big.NewInt(1001),
		SlippageBps: 10,
	})
	if !xerrors.IsCode(err, CodePositionTooLarge) {
		t.Fatalf("expected position limit on the larger leg, got %v", err)
	}
	if adapter.adds != 0 {
		t.Fatalf("venue must not be called on rejection")
	}
}

func TestCollectFeesSkipsAssetAndSizeChecks(t *testing.T) {
	limits := defaultLimits()
	limits.MaxPositionSize = big.NewInt(1)
	adapter := &stubAdapter{}
	ctrl, _ := newTestController(t, &stubStatus{}, adapter, limits, nil)

	rec, err := ctrl.CollectFees(context.Background(), testAgent, CollectFeesParams{
		Venue:      testVenue,
		PositionID: "pos-9",
	})
	if err != nil {
		t.Fatalf("collect fees failed: %v", err)
	}
	if rec.PositionID != "pos-9" {
		t.Fatalf("unexpected position id: %s", rec.PositionID)
	}
}

func TestRebalanceKeepsQuotaWhenReopenFails(t *testing.T) {
	adapter := &stubAdapter{failAdd: errors.New("revert")}
	ctrl, _ := newTestController(t, &stubStatus{}, adapter, defaultLimits(), nil)

	_, err := ctrl.RebalancePosition(context.Background(), testAgent, RebalanceParams{
		Venue:       testVenue,
		PositionID:  "pos-1",
		Liquidity:   big.NewInt(100),
		Asset0:      assetA,
		Asset1:      assetB,
		SlippageBps: 10,
	})
	if !xerrors.IsCode(err, xerrors.CodeVenueFailure) {
		t.Fatalf("expected venue failure, got %v", err)
	}
	if !xerrors.ShouldAlert(err) {
		t.Fatalf("unwound rebalance must alert")
	}
	if adapter.removes != 1 || adapter.adds != 1 {
		t.Fatalf("expected remove then add, got removes=%d adds=%d", adapter.removes, adapter.adds)
	}
	// 旧头寸已拆除，配额消耗保留以反映实际发生的状态变更。
	snap := ctrl.Snapshot()
	if snap.Quota.OperationsToday != 1 {
		t.Fatalf("unwound rebalance must keep quota, got %d", snap.Quota.OperationsToday)
	}
}

func TestRebalanceReopensWithRemovedAmounts(t *testing.T) {
	adapter := &stubAdapter{}
	ctrl, _ := newTestController(t, &stubStatus{}, adapter, defaultLimits(), nil)

	rec, err := ctrl.RebalancePosition(context.Background(), testAgent, RebalanceParams{
		Venue:       testVenue,
		PositionID:  "pos-1",
		Liquidity:   big.NewInt(100),
		Asset0:      assetA,
		Asset1:      assetB,
		SlippageBps: 10,
	})
	if err != nil {
		t.Fatalf("rebalance failed: %v", err)
	}
	if rec.AmountIn != "500" || rec.AmountOut != "700" {
		t.Fatalf("expected removed amounts to flow into new position, got %s/%s", rec.AmountIn, rec.AmountOut)
	}
	if rec.PositionID != "pos-1" && rec.PositionID == "" {
		t.Fatalf("expected new position id, got %q", rec.PositionID)
	}
}

func TestAdminOperations(t *testing.T) {
	ctrl, _ := newTestController(t, &stubStatus{}, &stubAdapter{}, defaultLimits(), nil)

	if err := ctrl.SetLimits("intruder", defaultLimits()); !xerrors.IsCode(err, xerrors.CodeNotAuthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := ctrl.SetWhitelist(testAdmin, []string{"curve"}, []bool{true, false}); !xerrors.IsCode(err, CodeInputValidation) {
		t.Fatalf("expected length mismatch rejection, got %v", err)
	}

	if err := ctrl.SetWhitelist(testAdmin, []string{"curve", testVenue}, []bool{true, false}); err != nil {
		t.Fatalf("set whitelist: %v", err)
	}
	snap := ctrl.Snapshot()
	if len(snap.Venues) != 1 || snap.Venues[0] != "curve" {
		t.Fatalf("unexpected whitelist: %v", snap.Venues)
	}

	if err := ctrl.SetAgentIdentity(testAdmin, "agent-2"); err != nil {
		t.Fatalf("set agent: %v", err)
	}
	if ctrl.Snapshot().Agent != "agent-2" {
		t.Fatalf("agent identity not updated")
	}

	if err := ctrl.SetApprovedAssets(testAdmin, []string{assetA}, []bool{false}); err != nil {
		t.Fatalf("set assets: %v", err)
	}
	if len(ctrl.Snapshot().ApprovedAssets) != 1 {
		t.Fatalf("unexpected assets: %v", ctrl.Snapshot().ApprovedAssets)
	}
}

func TestSwapInputValidation(t *testing.T) {
	ctrl, _ := newTestController(t, &stubStatus{}, &stubAdapter{}, defaultLimits(), nil)

	params := swapParams()
	params.AmountIn = big.NewInt(0)
	_, err := ctrl.ExecuteSwap(context.Background(), testAgent, params)
	if !xerrors.IsCode(err, CodeInputValidation) {
		t.Fatalf("expected input validation failure, got %v", err)
	}

	params = swapParams()
	params.MinAmountOut = nil
	_, err = ctrl.ExecuteSwap(context.Background(), testAgent, params)
	if !xerrors.IsCode(err, CodeInputValidation) {
		t.Fatalf("expected input validation failure, got %v", err)
	}
}
