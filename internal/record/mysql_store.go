package record

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "AgentCustody/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化操作记录。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS authorized_actions (
        id VARCHAR(64) PRIMARY KEY,
        operation VARCHAR(32) NOT NULL,
        venue VARCHAR(128) NOT NULL,
        agent VARCHAR(128) NOT NULL,
        asset_in VARCHAR(128) DEFAULT '',
        asset_out VARCHAR(128) DEFAULT '',
        amount_in VARCHAR(96) DEFAULT '',
        amount_out VARCHAR(96) DEFAULT '',
        position_id VARCHAR(96) DEFAULT '',
        slippage_bps BIGINT NOT NULL DEFAULT 0,
        tx_hash VARCHAR(96) DEFAULT '',
        created_at BIGINT NOT NULL,
        INDEX idx_action_operation (operation),
        INDEX idx_action_venue (venue),
        INDEX idx_action_created (created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 authorized_actions 表失败")
	}
	return nil
}

// Save 插入新的操作记录。
func (s *MySQLStore) Save(ctx context.Context, rec *Record) error {
	if rec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}
	if !IsValidOperation(rec.Operation) {
		return xerrors.New(CodeRecordValidation, "不支持的操作类型")
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO authorized_actions
        (id, operation, venue, agent, asset_in, asset_out, amount_in, amount_out, position_id, slippage_bps, tx_hash, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		rec.ID,
		string(rec.Operation),
		rec.Venue,
		rec.Agent,
		rec.AssetIn,
		rec.AssetOut,
		rec.AmountIn,
		rec.AmountOut,
		rec.PositionID,
		rec.SlippageBps,
		rec.TxHash,
		rec.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrRecordConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入操作记录失败")
	}
	return nil
}

// Get 查询指定记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	const stmt = `SELECT id, operation, venue, agent, asset_in, asset_out, amount_in, amount_out, position_id, slippage_bps, tx_hash, created_at
        FROM authorized_actions WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)

	var rec Record
	var operation string
	if err := row.Scan(
		&rec.ID,
		&operation,
		&rec.Venue,
		&rec.Agent,
		&rec.AssetIn,
		&rec.AssetOut,
		&rec.AmountIn,
		&rec.AmountOut,
		&rec.PositionID,
		&rec.SlippageBps,
		&rec.TxHash,
		&rec.CreatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作记录失败")
	}
	rec.Operation = Operation(operation)
	return &rec, nil
}

// List 返回符合过滤条件的记录。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	query := `SELECT id, operation, venue, agent, asset_in, asset_out, amount_in, amount_out, position_id, slippage_bps, tx_hash, created_at
        FROM authorized_actions`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY created_at DESC, id DESC"
	if opts.Order == SortByCreatedAsc {
		order = " ORDER BY created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作记录列表失败")
	}
	defer rows.Close()

	records := make([]*Record, 0, opts.Limit)
	for rows.Next() {
		var rec Record
		var operation string
		if err := rows.Scan(
			&rec.ID,
			&operation,
			&rec.Venue,
			&rec.Agent,
			&rec.AssetIn,
			&rec.AssetOut,
			&rec.AmountIn,
			&rec.AmountOut,
			&rec.PositionID,
			&rec.SlippageBps,
			&rec.TxHash,
			&rec.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析操作记录失败")
		}
		rec.Operation = Operation(operation)
		recCopy := rec
		records = append(records, &recCopy)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历操作记录失败")
	}
	return records, nil
}

// Stats 返回符合过滤条件的记录聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN operation = ? THEN 1 ELSE 0 END) AS swaps,
        SUM(CASE WHEN operation = ? THEN 1 ELSE 0 END) AS liquidity_adds,
        SUM(CASE WHEN operation = ? THEN 1 ELSE 0 END) AS liquidity_removes,
        SUM(CASE WHEN operation = ? THEN 1 ELSE 0 END) AS fee_collections,
        SUM(CASE WHEN operation = ? THEN 1 ELSE 0 END) AS rebalances,
        COALESCE(MIN(created_at), 0) AS oldest,
        COALESCE(MAX(created_at), 0) AS newest
        FROM authorized_actions`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(OperationSwap),
		string(OperationAddLiquidity),
		string(OperationRemoveLiquidity),
		string(OperationCollectFees),
		string(OperationRebalance),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats Stats
	if err := row.Scan(
		&stats.Total,
		&stats.Swaps,
		&stats.LiquidityAdds,
		&stats.LiquidityRemoves,
		&stats.FeeCollections,
		&stats.Rebalances,
		&stats.OldestCreatedAt,
		&stats.NewestCreatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作记录统计失败")
	}
	if stats.Total == 0 {
		stats.OldestCreatedAt = 0
		stats.NewestCreatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Operations) > 0 {
		placeholders := make([]string, 0, len(opts.Operations))
		for range opts.Operations {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("operation IN (%s)", strings.Join(placeholders, ",")))
		for _, op := range opts.Operations {
			args = append(args, string(op))
		}
	}
	if opts.Venue != "" {
		conditions = append(conditions, "venue = ?")
		args = append(args, opts.Venue)
	}
	if opts.Agent != "" {
		conditions = append(conditions, "agent = ?")
		args = append(args, opts.Agent)
	}
	if opts.CreatedGTE > 0 {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.CreatedGTE)
	}
	if opts.CreatedLTE > 0 {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.CreatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR asset_in LIKE ? OR asset_out LIKE ? OR position_id LIKE ? OR tx_hash LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
