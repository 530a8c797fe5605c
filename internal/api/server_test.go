package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"AgentCustody/internal/consensus"
	"AgentCustody/internal/fees"
	"AgentCustody/internal/policy"
	"AgentCustody/internal/record"
	"AgentCustody/internal/venue"
)

type fakeAdapter struct{}

func (fakeAdapter) Swap(_ context.Context, req venue.SwapRequest) (venue.SwapResult, error) {
	return venue.SwapResult{AmountOut: new(big.Int).Set(req.AmountIn), TxHash: "0xabc"}, nil
}

func (fakeAdapter) AddLiquidity(context.Context, venue.LiquidityRequest) (venue.LiquidityResult, error) {
	return venue.LiquidityResult{PositionID: "pos-1", TxHash: "0xdef"}, nil
}

func (fakeAdapter) RemoveLiquidity(context.Context, venue.RemoveRequest) (venue.RemoveResult, error) {
	return venue.RemoveResult{Amount0: big.NewInt(1), Amount1: big.NewInt(2), TxHash: "0xfed"}, nil
}

func (fakeAdapter) CollectFees(context.Context, string) (venue.CollectResult, error) {
	return venue.CollectResult{TxHash: "0xcol"}, nil
}

func (fakeAdapter) GetPositionValue(context.Context, string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (fakeAdapter) Close() {}

type fakeDirectory struct{}

func (fakeDirectory) Adapter(name string) (venue.Adapter, bool) {
	if name == "uniswap" {
		return fakeAdapter{}, true
	}
	return nil, false
}

func newTestServer(t *testing.T) (*Server, *record.MemoryStore) {
	t.Helper()

	module, err := consensus.New(consensus.Config{
		Admin:                 "admin",
		Signers:               []string{"s1", "s2"},
		RequiredConfirmations: 1,
	})
	if err != nil {
		t.Fatalf("构造共识模块失败: %v", err)
	}

	store := record.NewMemoryStore()
	controller, err := policy.New(policy.Config{
		Admin: "admin",
		Agent: "agent",
		Limits: policy.Limits{
			MaxSlippageBps:      100,
			DailyOperationLimit: 10,
		},
		Venues:         []string{"uniswap"},
		ApprovedAssets: []string{"0xaaa", "0xbbb"},
	}, module, fakeDirectory{}, store)
	if err != nil {
		t.Fatalf("构造策略控制器失败: %v", err)
	}

	accountant, err := fees.New(fees.Config{Admin: "admin", PerformanceFeeBps: 2000, Recipient: "fee-sink"})
	if err != nil {
		t.Fatalf("构造费用模块失败: %v", err)
	}

	return NewServer(":0", controller, module, accountant, nil, store, nil), store
}

func postJSON(handler http.HandlerFunc, path, callerID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("X-Caller", callerID)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleSwapSuccess(t *testing.T) {
	server, store := newTestServer(t)

	rec := postJSON(server.handleSwap, "/api/v1/agent/swap", "agent", `{
		"venue": "uniswap",
		"asset_in": "0xaaa",
		"asset_out": "0xbbb",
		"amount_in": "1000",
		"min_amount_out": "900",
		"slippage_bps": 50
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}

	var got record.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.TxHash != "0xabc" || got.Operation != record.OperationSwap {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, err := store.Get(context.Background(), got.ID); err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
}

func TestHandleSwapErrors(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/agent/swap", nil)
		rec := httptest.NewRecorder()
		server.handleSwap(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
	})

	t.Run("malformed amount", func(t *testing.T) {
		rec := postJSON(server.handleSwap, "/api/v1/agent/swap", "agent", `{"amount_in":"abc"}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("wrong caller", func(t *testing.T) {
		rec := postJSON(server.handleSwap, "/api/v1/agent/swap", "intruder", `{
			"venue": "uniswap", "asset_in": "0xaaa", "asset_out": "0xbbb",
			"amount_in": "1000", "min_amount_out": "900"
		}`)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("venue not whitelisted", func(t *testing.T) {
		rec := postJSON(server.handleSwap, "/api/v1/agent/swap", "agent", `{
			"venue": "shadow", "asset_in": "0xaaa", "asset_out": "0xbbb",
			"amount_in": "1000", "min_amount_out": "900"
		}`)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d body=%s", rec.Code, rec.Body.String())
		}
		var body map[string]struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body["error"].Code != string(policy.CodeVenueNotWhitelist) {
			t.Fatalf("unexpected error code: %s", body["error"].Code)
		}
	})
}

func TestHandleLiquidityActions(t *testing.T) {
	server, _ := newTestServer(t)

	rec := postJSON(server.handleLiquidity, "/api/v1/agent/liquidity", "agent", `{
		"action": "add", "venue": "uniswap",
		"asset0": "0xaaa", "asset1": "0xbbb",
		"amount0": "100", "amount1": "200", "slippage_bps": 10
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add failed: %d body=%s", rec.Code, rec.Body.String())
	}

	rec = postJSON(server.handleLiquidity, "/api/v1/agent/liquidity", "agent", `{
		"action": "remove", "venue": "uniswap",
		"position_id": "pos-1", "liquidity": "50", "slippage_bps": 10
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("remove failed: %d body=%s", rec.Code, rec.Body.String())
	}

	rec = postJSON(server.handleLiquidity, "/api/v1/agent/liquidity", "agent", `{"action": "teleport"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", rec.Code)
	}
}

func TestConsensusEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	rec := postJSON(server.handlePause, "/api/v1/consensus/pause", "s1", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause failed: %d", rec.Code)
	}

	// 暂停后代理操作被拒绝。
	rec = postJSON(server.handleSwap, "/api/v1/agent/swap", "agent", `{
		"venue": "uniswap", "asset_in": "0xaaa", "asset_out": "0xbbb",
		"amount_in": "1000", "min_amount_out": "900"
	}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected paused rejection, got %d", rec.Code)
	}

	// 重复暂停映射为冲突。
	rec = postJSON(server.handlePause, "/api/v1/consensus/pause", "admin", `{}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	rec = postJSON(server.handleResume, "/api/v1/consensus/resume", "s1", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume failed: %d body=%s", rec.Code, rec.Body.String())
	}
	var outcome consensus.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if !outcome.Executed {
		t.Fatalf("expected quorum of 1 to execute immediately: %+v", outcome)
	}
}

func TestHandleStatus(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	server.handleStatus(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status failed: %d", rec.Code)
	}

	var body struct {
		Consensus   consensus.Status `json:"consensus"`
		Policy      policy.Snapshot  `json:"policy"`
		PendingFees string           `json:"pending_fees"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body.Policy.Agent != "agent" || body.PendingFees != "0" {
		t.Fatalf("unexpected status body: %+v", body)
	}
}

func TestHandleFeeQuote(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/fees/quote?account=alice&balance=100000", nil)
	rec := httptest.NewRecorder()
	server.handleFeeQuote(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("quote failed: %d body=%s", rec.Code, rec.Body.String())
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode quote: %v", err)
	}
	// 未初始化的账户两类费用都应为零。
	if body["management_fee"] != "0" || body["performance_fee"] != "0" {
		t.Fatalf("unexpected quote: %+v", body)
	}
}

func TestHandleRecordsFilters(t *testing.T) {
	server, store := newTestServer(t)
	ctx := context.Background()

	if err := store.Save(ctx, &record.Record{ID: "r1", Operation: record.OperationSwap, Venue: "uniswap", Agent: "agent", CreatedAt: 100}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Save(ctx, &record.Record{ID: "r2", Operation: record.OperationCollectFees, Venue: "curve", Agent: "agent", CreatedAt: 200}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/records?venue=curve", nil)
	rec := httptest.NewRecorder()
	server.handleRecords(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("records failed: %d", rec.Code)
	}
	var records []record.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode records: %v", err)
	}
	if len(records) != 1 || records[0].ID != "r2" {
		t.Fatalf("unexpected records: %+v", records)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/records/stats", nil)
	rec = httptest.NewRecorder()
	server.handleRecordStats(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats failed: %d", rec.Code)
	}
	var stats record.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 2 || stats.Swaps != 1 || stats.FeeCollections != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
