package decision

import (
	"fmt"
	"math"
)

// Aggregator 将三个周期的独立意见聚合为单一决策。
// 开仓阈值严于平仓阈值：建立风险比解除风险需要更强的共识。
type Aggregator struct {
	weights map[Horizon]float64
	enterTh float64
	exitTh  float64
}

// NewAggregator 创建聚合器，weights 必须覆盖全部周期且和为1。
func NewAggregator(weights map[Horizon]float64, enterTh, exitTh float64) (*Aggregator, error) {
	if enterTh <= 0 || enterTh > 1 {
		return nil, fmt.Errorf("enter_threshold 必须位于(0,1], 当前为 %f", enterTh)
	}
	if exitTh <= 0 || exitTh > 1 {
		return nil, fmt.Errorf("exit_threshold 必须位于(0,1], 当前为 %f", exitTh)
	}

	sum := 0.0
	copied := make(map[Horizon]float64, len(Horizons()))
	for _, h := range Horizons() {
		w, ok := weights[h]
		if !ok || w < 0 {
			return nil, fmt.Errorf("周期 %s 的权重缺失或为负", h)
		}
		copied[h] = w
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return nil, fmt.Errorf("周期权重之和必须为1, 当前为 %f", sum)
	}

	return &Aggregator{
		weights: copied,
		enterTh: enterTh,
		exitTh:  exitTh,
	}, nil
}

// Decide 计算各周期的带符号得分并给出最终动作。
// 缺失的周期得分为0；空输入退化为置信度0的 HOLD。
func (a *Aggregator) Decide(opinions []Opinion) Decision {
	scores := make(map[Horizon]float64, len(Horizons()))
	for _, h := range Horizons() {
		scores[h] = 0
	}

	for _, op := range opinions {
		if !op.Horizon.Valid() {
			continue
		}
		conf := clamp01(op.Confidence)
		scores[op.Horizon] += a.weights[op.Horizon] * conf * op.Side.Factor()
	}

	// 按固定优先级遍历，确保平分时结果确定。
	best, worst := HorizonShort, HorizonShort
	for _, h := range Horizons() {
		if scores[h] > scores[best] {
			best = h
		}
		if scores[h] < scores[worst] {
			worst = h
		}
	}
	bestScore := scores[best]
	worstScore := scores[worst]

	switch {
	case bestScore >= a.enterTh:
		return Decision{
			Action:        ActionBuy,
			TargetHorizon: best,
			Confidence:    bestScore,
			Scores:        scores,
		}
	case worstScore < 0 && math.Abs(worstScore) >= a.exitTh:
		return Decision{
			Action:        ActionSell,
			TargetHorizon: worst,
			Confidence:    math.Abs(worstScore),
			Scores:        scores,
		}
	default:
		return Decision{
			Action:     ActionHold,
			Confidence: math.Max(math.Abs(bestScore), math.Abs(worstScore)),
			Scores:     scores,
		}
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
