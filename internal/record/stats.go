package record

// Stats 汇总符合过滤条件的操作记录数量与时间范围。
type Stats struct {
	Total            int64 `json:"total"`
	Swaps            int64 `json:"swaps"`
	LiquidityAdds    int64 `json:"liquidity_adds"`
	LiquidityRemoves int64 `json:"liquidity_removes"`
	FeeCollections   int64 `json:"fee_collections"`
	Rebalances       int64 `json:"rebalances"`
	OldestCreatedAt  int64 `json:"oldest_created_at"`
	NewestCreatedAt  int64 `json:"newest_created_at"`
}
