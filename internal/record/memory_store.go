package record

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentCustody/internal/errors"
)

// MemoryStore 以内存方式保存操作记录，主要用于测试与本地开发。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Save 实现 Store 接口。
func (m *MemoryStore) Save(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if rec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}
	if !IsValidOperation(rec.Operation) {
		return xerrors.New(CodeRecordValidation, "不支持的操作类型")
	}
	if _, ok := m.records[rec.ID]; ok {
		return ErrRecordConflict
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	clone := *rec
	m.records[rec.ID] = &clone
	return nil
}

// Get 返回指定记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	clone := *rec
	return &clone, nil
}

// List 返回符合过滤条件的记录。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		if !matchesListFilters(rec, opts) {
			continue
		}
		clone := *rec
		results = append(results, &clone)
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByCreatedAsc {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt < results[j].CreatedAt
		}
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Record{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的记录数量与时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, rec := range m.records {
		if !matchesListFilters(rec, opts) {
			continue
		}
		stats.Total++
		switch rec.Operation {
		case OperationSwap:
			stats.Swaps++
		case OperationAddLiquidity:
			stats.LiquidityAdds++
		case OperationRemoveLiquidity:
			stats.LiquidityRemoves++
		case OperationCollectFees:
			stats.FeeCollections++
		case OperationRebalance:
			stats.Rebalances++
		}
		if rec.CreatedAt > stats.NewestCreatedAt {
			stats.NewestCreatedAt = rec.CreatedAt
		}
		if stats.OldestCreatedAt == 0 || (rec.CreatedAt != 0 && rec.CreatedAt < stats.OldestCreatedAt) {
			stats.OldestCreatedAt = rec.CreatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestCreatedAt = 0
		stats.NewestCreatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(rec *Record, opts ListOptions) bool {
	if len(opts.Operations) > 0 {
		matched := false
		for _, op := range opts.Operations {
			if rec.Operation == op {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Venue != "" && rec.Venue != opts.Venue {
		return false
	}
	if opts.Agent != "" && rec.Agent != opts.Agent {
		return false
	}
	if opts.CreatedGTE > 0 && rec.CreatedAt < opts.CreatedGTE {
		return false
	}
	if opts.CreatedLTE > 0 && rec.CreatedAt > opts.CreatedLTE {
		return false
	}
	if opts.Query != "" {
		if !recordMatchesQuery(rec, opts.Query) {
			return false
		}
	}
	return true
}

func recordMatchesQuery(rec *Record, query string) bool {
	fields := []string{
		rec.ID,
		string(rec.Operation),
		rec.Venue,
		rec.Agent,
		rec.AssetIn,
		rec.AssetOut,
		rec.PositionID,
		rec.TxHash,
	}
	for _, field := range fields {
		if field != "" && strings.Contains(strings.ToLower(field), strings.ToLower(query)) {
			return true
		}
	}
	return false
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
