package advisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"horizon-trader/internal/decision"
	"horizon-trader/internal/market"
)

const shortTemplate = `
你是一个专注于日内动量的股票交易顾问，只关注未来一天内的走势。

标的: {{ .Symbol }}
30分钟K线技术指标:
{{ .Indicators30M }}

请基于短线动量（MACD柱、RSI、量比、均线位置）判断未来一天的方向。
{{ .OutputSpec }}
`

const midTemplate = `
你是一个关注波段趋势的股票交易顾问，只关注未来一周左右的走势。

标的: {{ .Symbol }}
日线技术指标:
{{ .Indicators1D }}

请基于日线趋势结构（均线排列、MACD、波动率）判断未来一周的方向。
{{ .OutputSpec }}
`

const longTemplate = `
你是一个关注中长期趋势与基本面消息的股票交易顾问，关注未来一到两个月的走势。

标的: {{ .Symbol }}
周线技术指标:
{{ .Indicators1W }}

近期相关新闻:
{{ .NewsDigest }}

请结合周线趋势与新闻情绪判断未来一到两个月的方向。
{{ .OutputSpec }}
`

const outputSpec = `请严格输出唯一的 JSON 对象，不要包含其他文字:
{
  "side": "BUY|SELL|HOLD",
  "confidence": 0.0-1.0,
  "rationale": "支撑结论的关键理由"
}`

var templates = map[decision.Horizon]*template.Template{
	decision.HorizonShort: template.Must(template.New("short").Parse(shortTemplate)),
	decision.HorizonMid:   template.Must(template.New("mid").Parse(midTemplate)),
	decision.HorizonLong:  template.Must(template.New("long").Parse(longTemplate)),
}

type promptContext struct {
	Symbol        string
	Indicators30M string
	Indicators1D  string
	Indicators1W  string
	NewsDigest    string
	OutputSpec    string
}

// BuildPrompt 为指定周期渲染提示词。
func BuildPrompt(horizon decision.Horizon, input Input) (string, error) {
	tmpl, ok := templates[horizon]
	if !ok {
		return "", fmt.Errorf("advisor: 周期 %q 没有提示词模板", horizon)
	}

	ctx := promptContext{
		Symbol:        input.Snapshot.Symbol,
		Indicators30M: indicatorJSON(input.Snapshot, market.Timeframe30M),
		Indicators1D:  indicatorJSON(input.Snapshot, market.Timeframe1D),
		Indicators1W:  indicatorJSON(input.Snapshot, market.Timeframe1W),
		NewsDigest:    newsDigest(input),
		OutputSpec:    outputSpec,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("advisor: 渲染提示词失败: %w", err)
	}

	return buf.String(), nil
}

func indicatorJSON(snapshot market.Snapshot, timeframe string) string {
	set, ok := snapshot.Indicators[timeframe]
	if !ok {
		return "（指标不可用）"
	}
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return "（指标不可用）"
	}
	return string(data)
}

func newsDigest(input Input) string {
	if len(input.News) == 0 {
		return "（近期无相关新闻）"
	}

	var buf bytes.Buffer
	for _, article := range input.News {
		fmt.Fprintf(&buf, "- [%s] %s (%s)\n",
			article.PublishedAt().Format(time.DateOnly),
			article.Headline,
			article.Source,
		)
	}
	return buf.String()
}
