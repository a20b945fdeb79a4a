package market

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"horizon-trader/internal/broker"
)

// 三个决策周期各自关注的K线粒度。
const (
	Timeframe30M = "30m"
	Timeframe1D  = "1d"
	Timeframe1W  = "1w"
)

const (
	limit30M = 120
	limit1D  = 90
	limit1W  = 52
)

// Snapshot 是单个标的的一次市场快照，一次周期内所有顾问共用同一份。
type Snapshot struct {
	Symbol      string
	Candles30M  []broker.Candle
	Candles1D   []broker.Candle
	Candles1W   []broker.Candle
	Indicators  map[string]IndicatorSet
	RetrievedAt time.Time
}

// LastClose 返回快照中最新的收盘价，优先取30分钟K线。
func (s Snapshot) LastClose() float64 {
	for _, candles := range [][]broker.Candle{s.Candles30M, s.Candles1D, s.Candles1W} {
		if len(candles) > 0 {
			return candles[len(candles)-1].Close
		}
	}
	return 0
}

type candleSource interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]broker.Candle, error)
}

// Service 负责采集市场快照并附带指标计算。
type Service struct {
	source candleSource
	logger *zap.Logger
}

// NewService 创建市场数据服务。
func NewService(source candleSource, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		source: source,
		logger: logger,
	}
}

// Snapshot 并发拉取三个粒度的K线并计算指标。
func (s *Service) Snapshot(ctx context.Context, symbol string) (Snapshot, error) {
	snapshot := Snapshot{
		Symbol:      symbol,
		RetrievedAt: time.Now().UTC(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		candles, err := s.source.FetchCandles(gctx, symbol, Timeframe30M, limit30M)
		if err != nil {
			return fmt.Errorf("拉取30分钟K线失败: %w", err)
		}
		snapshot.Candles30M = candles
		return nil
	})

	g.Go(func() error {
		candles, err := s.source.FetchCandles(gctx, symbol, Timeframe1D, limit1D)
		if err != nil {
			return fmt.Errorf("拉取日K线失败: %w", err)
		}
		snapshot.Candles1D = candles
		return nil
	})

	g.Go(func() error {
		candles, err := s.source.FetchCandles(gctx, symbol, Timeframe1W, limit1W)
		if err != nil {
			return fmt.Errorf("拉取周K线失败: %w", err)
		}
		snapshot.Candles1W = candles
		return nil
	})

	if err := g.Wait(); err != nil {
		return Snapshot{}, fmt.Errorf("market: 采集 %s 快照失败: %w", symbol, err)
	}

	snapshot.Indicators = make(map[string]IndicatorSet, 3)
	for timeframe, candles := range map[string][]broker.Candle{
		Timeframe30M: snapshot.Candles30M,
		Timeframe1D:  snapshot.Candles1D,
		Timeframe1W:  snapshot.Candles1W,
	} {
		set, err := ComputeIndicators(timeframe, candles)
		if err != nil {
			// 个别粒度缺数据不阻断快照，顾问侧自行降级。
			s.logger.Warn("指标计算失败",
				zap.String("symbol", symbol),
				zap.String("timeframe", timeframe),
				zap.Error(err),
			)
			continue
		}
		snapshot.Indicators[timeframe] = set
	}

	s.logger.Debug("市场快照完成",
		zap.String("symbol", symbol),
		zap.Int("candles_30m", len(snapshot.Candles30M)),
		zap.Int("candles_1d", len(snapshot.Candles1D)),
		zap.Int("candles_1w", len(snapshot.Candles1W)),
	)

	return snapshot, nil
}
