package news

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"horizon-trader/internal/config"
)

const (
	defaultBaseURL = "https://finnhub.io/api/v1"
	defaultTimeout = 10 * time.Second
)

// Article 表示一条公司新闻。
type Article struct {
	ID       int64  `json:"id"`
	DateTime int64  `json:"datetime"`
	Headline string `json:"headline"`
	Summary  string `json:"summary"`
	Source   string `json:"source"`
}

// PublishedAt 返回新闻发布时间(UTC)。
func (a Article) PublishedAt() time.Time {
	return time.Unix(a.DateTime, 0).UTC()
}

// Client 封装 Finnhub 公司新闻接口。APIKey 为空时客户端不可用，
// 新闻相关能力整体降级而不是报错。
type Client struct {
	apiKey string
	http   *resty.Client
	logger *zap.Logger
}

// NewClient 创建新闻客户端。
func NewClient(cfg config.NewsConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Client{
		apiKey: cfg.APIKey,
		http:   httpClient,
		logger: logger,
	}
}

// Enabled 报告新闻数据源是否可用。
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// CompanyNews 拉取某标的最近几天的公司新闻，按发布时间倒序返回。
func (c *Client) CompanyNews(ctx context.Context, symbol string, days, maxItems int) ([]Article, error) {
	if !c.Enabled() {
		return nil, errors.New("news: 未配置 api_key")
	}
	if days <= 0 {
		days = 7
	}
	if maxItems <= 0 {
		maxItems = 10
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -days)

	var articles []Article
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": strings.ToUpper(symbol),
			"from":   from.Format("2006-01-02"),
			"to":     now.Format("2006-01-02"),
			"token":  c.apiKey,
		}).
		SetResult(&articles).
		Get("/company-news")
	if err != nil {
		return nil, fmt.Errorf("news: 拉取 %s 新闻失败: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("news: 拉取 %s 新闻失败: status=%d body=%s", symbol, resp.StatusCode(), resp.String())
	}

	sort.Slice(articles, func(i, j int) bool {
		return articles[i].DateTime > articles[j].DateTime
	})
	if len(articles) > maxItems {
		articles = articles[:maxItems]
	}

	c.logger.Debug("公司新闻拉取完成",
		zap.String("symbol", symbol),
		zap.Int("count", len(articles)),
	)

	return articles, nil
}
