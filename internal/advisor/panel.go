package advisor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"horizon-trader/internal/decision"
	"horizon-trader/internal/market"
	"horizon-trader/internal/news"
)

// Input 是提供给顾问的全部上下文，一次周期内所有顾问共享。
type Input struct {
	Snapshot market.Snapshot
	News     []news.Article
}

// Advisor 是单一周期的意见来源。
type Advisor interface {
	Horizon() decision.Horizon
	Vote(ctx context.Context, input Input) (decision.Opinion, error)
}

// Panel 管理三个周期的顾问并汇总意见。
// 单个顾问失败只丢弃其意见，不影响其他顾问与本周期决策。
type Panel struct {
	advisors []Advisor
	logger   *zap.Logger
}

// NewPanel 创建顾问面板，要求三个周期各有且仅有一位顾问。
func NewPanel(advisors []Advisor, logger *zap.Logger) (*Panel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	seen := make(map[decision.Horizon]bool, len(advisors))
	for _, adv := range advisors {
		h := adv.Horizon()
		if !h.Valid() {
			return nil, fmt.Errorf("advisor: 无效周期 %q", h)
		}
		if seen[h] {
			return nil, fmt.Errorf("advisor: 周期 %s 存在重复顾问", h)
		}
		seen[h] = true
	}
	for _, h := range decision.Horizons() {
		if !seen[h] {
			return nil, fmt.Errorf("advisor: 缺少周期 %s 的顾问", h)
		}
	}

	return &Panel{
		advisors: advisors,
		logger:   logger,
	}, nil
}

// Gather 并发征询全部顾问，按周期优先级排序返回成功的意见。
func (p *Panel) Gather(ctx context.Context, input Input) []decision.Opinion {
	var (
		mu       sync.Mutex
		opinions = make([]decision.Opinion, 0, len(p.advisors))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, adv := range p.advisors {
		adv := adv
		g.Go(func() error {
			opinion, err := adv.Vote(gctx, input)
			if err != nil {
				// 失败的顾问不参与本周期聚合。
				p.logger.Warn("顾问意见获取失败",
					zap.String("symbol", input.Snapshot.Symbol),
					zap.String("horizon", string(adv.Horizon())),
					zap.Error(err),
				)
				return nil
			}

			mu.Lock()
			opinions = append(opinions, opinion)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	order := map[decision.Horizon]int{
		decision.HorizonShort: 0,
		decision.HorizonMid:   1,
		decision.HorizonLong:  2,
	}
	sort.Slice(opinions, func(i, j int) bool {
		return order[opinions[i].Horizon] < order[opinions[j].Horizon]
	})

	return opinions
}
