package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"horizon-trader/internal/decision"
	"horizon-trader/internal/store"
)

// Store 负责持久化运行记录，仅追加、不修改。
// 运行记录与账本是跨周期共享的仅有可变资源，写入由互斥锁串行化。
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// NewStore 初始化运行日志存储并建表。
func NewStore(st *store.Store, logger *zap.Logger) (*Store, error) {
	if st == nil {
		return nil, errors.New("runlog: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		db:     st.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_utc TEXT NOT NULL,
			symbol TEXT NOT NULL,
			trigger_source TEXT NOT NULL,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			qty REAL,
			entry_price REAL,
			order_id TEXT,
			reason TEXT,
			account_cash REAL,
			account_equity REAL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_symbol_ts ON runs(symbol, ts_utc);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_order_id ON runs(order_id);`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("runlog: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

// Append 追加一条运行记录。
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.Symbol == "" {
		return errors.New("runlog: symbol 不能为空")
	}
	if rec.Action == "" {
		return errors.New("runlog: action 不能为空")
	}
	if rec.When.IsZero() {
		rec.When = time.Now().UTC()
	}

	decisionJSON, err := json.Marshal(rec.Decision)
	if err != nil {
		return fmt.Errorf("runlog: 序列化决策失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (ts_utc, symbol, trigger_source, action, decision, qty, entry_price, order_id, reason, account_cash, account_equity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.When.UTC().Format(time.RFC3339),
		strings.ToUpper(rec.Symbol),
		rec.Trigger,
		string(rec.Action),
		string(decisionJSON),
		rec.Qty,
		rec.EntryPrice,
		rec.OrderID,
		rec.Reason,
		rec.AccountCash,
		rec.AccountEquity,
	)
	if err != nil {
		return fmt.Errorf("runlog: 写入运行记录失败: %w", err)
	}

	return nil
}

// RecentBySymbol 按时间倒序返回某标的最近的运行记录，供节流计算使用。
func (s *Store) RecentBySymbol(ctx context.Context, symbol string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT ts_utc, symbol, trigger_source, action, decision, qty, entry_price, order_id, reason, account_cash, account_equity
		 FROM runs WHERE symbol = ? ORDER BY id DESC LIMIT ?`,
		strings.ToUpper(symbol), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("runlog: 查询运行记录失败: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Recent 按时间倒序返回全局最近的运行记录。
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT ts_utc, symbol, trigger_source, action, decision, qty, entry_price, order_id, reason, account_cash, account_equity
		 FROM runs ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("runlog: 查询运行记录失败: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	records := make([]Record, 0, 16)

	for rows.Next() {
		var (
			rec         Record
			tsRaw       string
			actionRaw   string
			decisionRaw string
			qty         sql.NullFloat64
			entryPrice  sql.NullFloat64
			orderID     sql.NullString
			reason      sql.NullString
			acctCash    sql.NullFloat64
			acctEquity  sql.NullFloat64
		)
		if err := rows.Scan(&tsRaw, &rec.Symbol, &rec.Trigger, &actionRaw, &decisionRaw,
			&qty, &entryPrice, &orderID, &reason, &acctCash, &acctEquity); err != nil {
			return nil, fmt.Errorf("runlog: 解析运行记录失败: %w", err)
		}

		ts, err := time.Parse(time.RFC3339, tsRaw)
		if err != nil {
			return nil, fmt.Errorf("runlog: 解析时间戳 %q 失败: %w", tsRaw, err)
		}
		rec.When = ts
		rec.Action = Action(actionRaw)

		var dec decision.Decision
		if err := json.Unmarshal([]byte(decisionRaw), &dec); err != nil {
			return nil, fmt.Errorf("runlog: 解析决策JSON失败: %w", err)
		}
		rec.Decision = dec

		rec.Qty = qty.Float64
		rec.EntryPrice = entryPrice.Float64
		rec.OrderID = orderID.String
		rec.Reason = reason.String
		rec.AccountCash = acctCash.Float64
		rec.AccountEquity = acctEquity.Float64

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runlog: 读取运行记录失败: %w", err)
	}

	return records, nil
}
