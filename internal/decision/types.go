package decision

import (
	"fmt"
	"strings"
)

// Horizon 表示意见适用的时间尺度。
type Horizon string

const (
	HorizonShort Horizon = "short"
	HorizonMid   Horizon = "mid"
	HorizonLong  Horizon = "long"
)

// Horizons 按固定优先级返回全部周期，平分时先到者胜出。
func Horizons() []Horizon {
	return []Horizon{HorizonShort, HorizonMid, HorizonLong}
}

// Valid 判断周期是否合法。
func (h Horizon) Valid() bool {
	switch h {
	case HorizonShort, HorizonMid, HorizonLong:
		return true
	}
	return false
}

// ParseHorizon 解析周期字符串。
func ParseHorizon(s string) (Horizon, error) {
	h := Horizon(strings.ToLower(strings.TrimSpace(s)))
	if !h.Valid() {
		return "", fmt.Errorf("未知的周期: %q", s)
	}
	return h, nil
}

// Side 表示单个顾问给出的方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
	SideHold Side = "HOLD"
)

// Factor 返回方向对应的符号系数。
func (s Side) Factor() float64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	}
	return 0
}

// Valid 判断方向是否合法。
func (s Side) Valid() bool {
	switch s {
	case SideBuy, SideSell, SideHold:
		return true
	}
	return false
}

// Opinion 为单个顾问在单个周期上的意见，周期内不可变。
type Opinion struct {
	Horizon    Horizon `json:"horizon"`
	Side       Side    `json:"side"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Action 表示聚合后的最终动作。
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Decision 为一次聚合产出的最终决策，仅在当次周期内有效。
// TargetHorizon 为空表示 HOLD，无目标周期。
type Decision struct {
	Action        Action              `json:"action"`
	TargetHorizon Horizon             `json:"target_horizon,omitempty"`
	Confidence    float64             `json:"confidence"`
	Scores        map[Horizon]float64 `json:"scores"`
}

// Summary 将意见与决策压缩成一行审计文本。
func Summary(opinions []Opinion, dec Decision) string {
	tags := map[Horizon]string{HorizonShort: "S", HorizonMid: "M", HorizonLong: "L"}

	parts := make([]string, 0, len(opinions))
	for _, op := range opinions {
		tag, ok := tags[op.Horizon]
		if !ok {
			tag = "?"
		}
		parts = append(parts, fmt.Sprintf("%s:%s(%.2f)", tag, op.Side, op.Confidence))
	}
	votes := "-"
	if len(parts) > 0 {
		votes = strings.Join(parts, " | ")
	}

	horizon := "-"
	if dec.TargetHorizon != "" {
		horizon = string(dec.TargetHorizon)
	}

	return fmt.Sprintf("Final: %s (horizon=%s, conf=%.2f). Votes: %s", dec.Action, horizon, dec.Confidence, votes)
}
