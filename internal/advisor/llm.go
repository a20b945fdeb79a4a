package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"horizon-trader/internal/config"
	"horizon-trader/internal/decision"
)

// LLMAdvisor 通过大模型为单一周期给出意见。
type LLMAdvisor struct {
	horizon decision.Horizon
	cfg     config.OpenAIConfig
	logger  *zap.Logger
	sdk     *openai.Client
}

var _ Advisor = (*LLMAdvisor)(nil)

// NewLLMAdvisor 创建指定周期的大模型顾问。
func NewLLMAdvisor(horizon decision.Horizon, cfg config.OpenAIConfig, logger *zap.Logger) (*LLMAdvisor, error) {
	if !horizon.Valid() {
		return nil, fmt.Errorf("advisor: 无效周期 %q", horizon)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("advisor: openai api_key 不能为空")
	}
	if cfg.Model == "" {
		return nil, errors.New("advisor: openai model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &LLMAdvisor{
		horizon: horizon,
		cfg:     cfg,
		logger:  logger,
		sdk:     openai.NewClientWithConfig(sdkConfig),
	}, nil
}

// Horizon 返回顾问负责的周期。
func (a *LLMAdvisor) Horizon() decision.Horizon {
	return a.horizon
}

// Vote 请求模型给出本周期意见。
func (a *LLMAdvisor) Vote(ctx context.Context, input Input) (decision.Opinion, error) {
	prompt, err := BuildPrompt(a.horizon, input)
	if err != nil {
		return decision.Opinion{}, err
	}

	response, err := a.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		return decision.Opinion{}, fmt.Errorf("advisor: 调用模型失败: %w", err)
	}
	if len(response.Choices) == 0 {
		return decision.Opinion{}, errors.New("advisor: 模型返回结果为空")
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
	if rawContent == "" {
		return decision.Opinion{}, errors.New("advisor: 模型返回内容为空")
	}

	opinion, err := parseOpinion(a.horizon, rawContent)
	if err != nil {
		a.logger.Error("解析顾问意见失败",
			zap.String("horizon", string(a.horizon)),
			zap.String("raw_content", rawContent),
			zap.Error(err),
		)
		return decision.Opinion{}, err
	}

	a.logger.Info("顾问意见生成",
		zap.String("symbol", input.Snapshot.Symbol),
		zap.String("horizon", string(a.horizon)),
		zap.String("side", string(opinion.Side)),
		zap.Float64("confidence", opinion.Confidence),
	)

	return opinion, nil
}

type opinionPayload struct {
	Side       string  `json:"side"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

func parseOpinion(horizon decision.Horizon, content string) (decision.Opinion, error) {
	jsonPayload, err := extractJSON(content)
	if err != nil {
		return decision.Opinion{}, err
	}

	var payload opinionPayload
	if err := json.Unmarshal(jsonPayload, &payload); err != nil {
		return decision.Opinion{}, fmt.Errorf("advisor: 解析意见JSON失败: %w", err)
	}

	side := decision.Side(strings.ToUpper(strings.TrimSpace(payload.Side)))
	if !side.Valid() {
		return decision.Opinion{}, fmt.Errorf("advisor: 未知方向 %q", payload.Side)
	}

	confidence := payload.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return decision.Opinion{
		Horizon:    horizon,
		Side:       side,
		Confidence: confidence,
		Rationale:  strings.TrimSpace(payload.Rationale),
	}, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("advisor: 模型输出未找到有效JSON: %s", content)
	}
	return []byte(content[start : end+1]), nil
}
