package record

import (
	"context"
	"testing"
	"time"

	xerrors "AgentCustody/internal/errors"
)

func seedRecords(t *testing.T, store *MemoryStore) time.Time {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Add(-10 * time.Minute)

	records := []*Record{
		{ID: "r1", Operation: OperationSwap, Venue: "uniswap", Agent: "agent", AssetIn: "0xaaa", AssetOut: "0xbbb", TxHash: "0x111", CreatedAt: base.Unix()},
		{ID: "r2", Operation: OperationAddLiquidity, Venue: "uniswap", Agent: "agent", PositionID: "pos-1", CreatedAt: base.Add(time.Minute).Unix()},
		{ID: "r3", Operation: OperationRemoveLiquidity, Venue: "curve", Agent: "agent", PositionID: "pos-1", CreatedAt: base.Add(2 * time.Minute).Unix()},
		{ID: "r4", Operation: OperationCollectFees, Venue: "uniswap", Agent: "agent-2", PositionID: "pos-2", CreatedAt: base.Add(3 * time.Minute).Unix()},
	}
	for _, rec := range records {
		if err := store.Save(ctx, rec); err != nil {
			t.Fatalf("save record %s: %v", rec.ID, err)
		}
	}
	return base
}

func TestMemoryStoreSaveAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &Record{ID: "r1", Operation: OperationSwap, Venue: "uniswap", Agent: "agent", AmountIn: "1000"}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AmountIn != "1000" {
		t.Fatalf("unexpected amount: %s", got.AmountIn)
	}

	// 返回的是副本，修改它不应影响存储内容。
	got.AmountIn = "9999"
	again, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.AmountIn != "1000" {
		t.Fatalf("stored record was mutated: %s", again.AmountIn)
	}

	if err := store.Save(ctx, &Record{ID: "r1", Operation: OperationSwap}); err != ErrRecordConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); err != ErrRecordNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreSaveValidation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, nil); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if err := store.Save(ctx, &Record{Operation: OperationSwap}); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for empty id, got %v", err)
	}
	if err := store.Save(ctx, &Record{ID: "r1", Operation: Operation("teleport")}); !xerrors.IsCode(err, CodeRecordValidation) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := seedRecords(t, store)

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 records, got %d", len(all))
	}
	if all[0].ID != "r4" {
		t.Fatalf("expected newest record first, got %s", all[0].ID)
	}

	byVenue, err := store.List(ctx, BuildListOptions([]ListOption{WithVenue("curve")}))
	if err != nil {
		t.Fatalf("list by venue: %v", err)
	}
	if len(byVenue) != 1 || byVenue[0].ID != "r3" {
		t.Fatalf("unexpected venue list: %+v", byVenue)
	}

	byOp, err := store.List(ctx, BuildListOptions([]ListOption{WithOperations(OperationSwap, OperationCollectFees)}))
	if err != nil {
		t.Fatalf("list by operation: %v", err)
	}
	if len(byOp) != 2 {
		t.Fatalf("expected 2 records, got %d", len(byOp))
	}

	byAgent, err := store.List(ctx, BuildListOptions([]ListOption{WithAgent("agent-2")}))
	if err != nil {
		t.Fatalf("list by agent: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].ID != "r4" {
		t.Fatalf("unexpected agent list: %+v", byAgent)
	}

	since, err := store.List(ctx, BuildListOptions([]ListOption{WithCreatedSince(base.Add(90 * time.Second))}))
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(since) != 2 {
		t.Fatalf("expected 2 records since cutoff, got %d", len(since))
	}

	byQuery, err := store.List(ctx, BuildListOptions([]ListOption{WithQuery("POS-1")}))
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if len(byQuery) != 2 {
		t.Fatalf("expected case-insensitive query to match 2, got %d", len(byQuery))
	}

	asc, err := store.List(ctx, BuildListOptions([]ListOption{WithSortOrder(SortByCreatedAsc), WithLimit(2), WithOffset(1)}))
	if err != nil {
		t.Fatalf("list asc paged: %v", err)
	}
	if len(asc) != 2 || asc[0].ID != "r2" || asc[1].ID != "r3" {
		t.Fatalf("unexpected page: %+v", asc)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := seedRecords(t, store)

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Swaps != 1 || stats.LiquidityAdds != 1 || stats.LiquidityRemoves != 1 || stats.FeeCollections != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestCreatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestCreatedAt)
	}
	if stats.NewestCreatedAt != base.Add(3*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestCreatedAt)
	}

	filtered, err := store.Stats(ctx, BuildListOptions([]ListOption{WithVenue("uniswap")}))
	if err != nil {
		t.Fatalf("filtered stats: %v", err)
	}
	if filtered.Total != 3 {
		t.Fatalf("expected 3 uniswap records, got %d", filtered.Total)
	}

	empty, err := store.Stats(ctx, BuildListOptions([]ListOption{WithVenue("ghost")}))
	if err != nil {
		t.Fatalf("empty stats: %v", err)
	}
	if empty.Total != 0 || empty.OldestCreatedAt != 0 || empty.NewestCreatedAt != 0 {
		t.Fatalf("expected zeroed stats, got %+v", empty)
	}
}
