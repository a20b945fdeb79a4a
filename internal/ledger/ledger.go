package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"horizon-trader/internal/config"
	"horizon-trader/internal/decision"
	"horizon-trader/internal/store"
)

// Position 表示账本中的一条持仓，每个标的至多一条。
// TimeboxUntil 在首次建仓时按周期确定，追加买入不延长。
type Position struct {
	Symbol       string
	Horizon      decision.Horizon
	Qty          float64
	EntryPrice   float64
	Notional     float64
	EnteredAt    time.Time
	TimeboxUntil time.Time
}

// Ledger 管理本地持仓账本，是卖出与到期判断的唯一依据。
// 券商侧持仓仅用于校准数量，不决定是否持有。
type Ledger struct {
	db      *sql.DB
	mu      sync.Mutex
	timebox config.TimeboxConfig
	logger  *zap.Logger
}

// New 初始化账本并建表。
func New(st *store.Store, timebox config.TimeboxConfig, logger *zap.Logger) (*Ledger, error) {
	if st == nil {
		return nil, errors.New("ledger: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{
		db:      st.DB(),
		timebox: timebox,
		logger:  logger,
	}

	if err := l.initSchema(); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `CREATE TABLE IF NOT EXISTS positions (
		symbol TEXT PRIMARY KEY,
		horizon TEXT NOT NULL,
		qty REAL NOT NULL,
		entry_price REAL NOT NULL,
		notional REAL NOT NULL,
		entered_at TEXT NOT NULL,
		timebox_until TEXT NOT NULL
	);`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("ledger: 初始化表结构失败: %w", err)
	}
	return nil
}

// Get 返回某标的的持仓，不存在时返回 (nil, nil)。
func (l *Ledger) Get(ctx context.Context, symbol string) (*Position, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT symbol, horizon, qty, entry_price, notional, entered_at, timebox_until
		 FROM positions WHERE symbol = ?`,
		strings.ToUpper(symbol),
	)

	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// All 返回全部持仓。
func (l *Ledger) All(ctx context.Context) ([]Position, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT symbol, horizon, qty, entry_price, notional, entered_at, timebox_until
		 FROM positions ORDER BY symbol`,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询持仓失败: %w", err)
	}
	defer rows.Close()

	positions := make([]Position, 0, 8)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: 读取持仓失败: %w", err)
	}

	return positions, nil
}

// Snapshot 返回当前账本的全量快照，对外等价于 All。
func (l *Ledger) Snapshot(ctx context.Context) ([]Position, error) {
	return l.All(ctx)
}

// Open 首次建仓。标的已有持仓时返回错误，追加应走 Merge。
func (l *Ledger) Open(ctx context.Context, symbol string, horizon decision.Horizon, qty, price float64, now time.Time) (*Position, error) {
	if qty <= 0 || price <= 0 {
		return nil, fmt.Errorf("ledger: 建仓参数无效 qty=%.6f price=%.6f", qty, price)
	}
	if !horizon.Valid() {
		return nil, fmt.Errorf("ledger: 无效周期 %q", horizon)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos := Position{
		Symbol:       strings.ToUpper(symbol),
		Horizon:      horizon,
		Qty:          qty,
		EntryPrice:   price,
		Notional:     qty * price,
		EnteredAt:    now.UTC(),
		TimeboxUntil: now.UTC().Add(l.duration(horizon)),
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO positions (symbol, horizon, qty, entry_price, notional, entered_at, timebox_until)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pos.Symbol,
		string(pos.Horizon),
		pos.Qty,
		pos.EntryPrice,
		pos.Notional,
		pos.EnteredAt.Format(time.RFC3339),
		pos.TimeboxUntil.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: 写入持仓失败: %w", err)
	}

	l.logger.Info("账本建仓",
		zap.String("symbol", pos.Symbol),
		zap.String("horizon", string(pos.Horizon)),
		zap.Float64("qty", pos.Qty),
		zap.Float64("entry_price", pos.EntryPrice),
		zap.Time("timebox_until", pos.TimeboxUntil),
	)

	return &pos, nil
}

// Merge 向已有持仓追加买入，成本按数量加权平均，时间盒保持不变。
func (l *Ledger) Merge(ctx context.Context, symbol string, qty, price float64) (*Position, error) {
	if qty <= 0 || price <= 0 {
		return nil, fmt.Errorf("ledger: 追加参数无效 qty=%.6f price=%.6f", qty, price)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, err := l.Get(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("ledger: 标的 %s 无持仓可追加", strings.ToUpper(symbol))
	}

	pos.Qty += qty
	pos.Notional += qty * price
	pos.EntryPrice = pos.Notional / pos.Qty

	_, err = l.db.ExecContext(ctx,
		`UPDATE positions SET qty = ?, entry_price = ?, notional = ? WHERE symbol = ?`,
		pos.Qty, pos.EntryPrice, pos.Notional, pos.Symbol,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: 更新持仓失败: %w", err)
	}

	l.logger.Info("账本追加持仓",
		zap.String("symbol", pos.Symbol),
		zap.Float64("qty", pos.Qty),
		zap.Float64("entry_price", pos.EntryPrice),
	)

	return pos, nil
}

// Close 删除某标的的持仓，返回被删除的持仓；不存在时返回 (nil, nil)。
func (l *Ledger) Close(ctx context.Context, symbol string) (*Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, err := l.Get(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, nil
	}

	if _, err := l.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, pos.Symbol); err != nil {
		return nil, fmt.Errorf("ledger: 删除持仓失败: %w", err)
	}

	l.logger.Info("账本平仓", zap.String("symbol", pos.Symbol), zap.Float64("qty", pos.Qty))

	return pos, nil
}

// Expired 返回时间盒已到期的持仓，边界相等视为到期。
func (l *Ledger) Expired(ctx context.Context, now time.Time) ([]Position, error) {
	positions, err := l.All(ctx)
	if err != nil {
		return nil, err
	}

	expired := make([]Position, 0, len(positions))
	for _, pos := range positions {
		if !pos.TimeboxUntil.After(now.UTC()) {
			expired = append(expired, pos)
		}
	}
	return expired, nil
}

func (l *Ledger) duration(horizon decision.Horizon) time.Duration {
	switch horizon {
	case decision.HorizonShort:
		return l.timebox.Short
	case decision.HorizonMid:
		return l.timebox.Mid
	default:
		return l.timebox.Long
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*Position, error) {
	var (
		pos        Position
		horizonRaw string
		enteredRaw string
		timeboxRaw string
	)
	if err := row.Scan(&pos.Symbol, &horizonRaw, &pos.Qty, &pos.EntryPrice, &pos.Notional, &enteredRaw, &timeboxRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("ledger: 解析持仓失败: %w", err)
	}

	pos.Horizon = decision.Horizon(horizonRaw)

	enteredAt, err := time.Parse(time.RFC3339, enteredRaw)
	if err != nil {
		return nil, fmt.Errorf("ledger: 解析建仓时间 %q 失败: %w", enteredRaw, err)
	}
	pos.EnteredAt = enteredAt

	timeboxUntil, err := time.Parse(time.RFC3339, timeboxRaw)
	if err != nil {
		return nil, fmt.Errorf("ledger: 解析时间盒 %q 失败: %w", timeboxRaw, err)
	}
	pos.TimeboxUntil = timeboxUntil

	return &pos, nil
}
