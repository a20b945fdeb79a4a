package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	News      NewsConfig      `mapstructure:"news"`
	Advisor   AdvisorConfig   `mapstructure:"advisor"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Timebox   TimeboxConfig   `mapstructure:"timebox"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string   `mapstructure:"environment"`
	Watchlist   []string `mapstructure:"watchlist"`
}

// BrokerConfig 描述券商连接信息。
type BrokerConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	APISecret   string        `mapstructure:"api_secret"`
	UsePaper    bool          `mapstructure:"use_paper"`
	Retry       RetryConfig   `mapstructure:"retry"`
	FillTimeout time.Duration `mapstructure:"fill_timeout"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// OpenAIConfig 描述大模型调用参数。
type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NewsConfig 描述新闻数据源，APIKey 为空时新闻触发器不可用。
type NewsConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AdvisorConfig 控制多周期意见的聚合方式。
type AdvisorConfig struct {
	Weights        map[string]float64 `mapstructure:"weights"`
	EnterThreshold float64            `mapstructure:"enter_threshold"`
	ExitThreshold  float64            `mapstructure:"exit_threshold"`
}

// PolicyConfig 管理买入风控参数。
type PolicyConfig struct {
	CashFloorPct       float64            `mapstructure:"cash_floor_pct"`
	PerSymbolCapPct    float64            `mapstructure:"per_symbol_cap_pct"`
	HorizonCapPct      map[string]float64 `mapstructure:"horizon_cap_pct"`
	MaxSharesPerBuy    float64            `mapstructure:"max_shares_per_buy"`
	MaxSharesPerSymbol float64            `mapstructure:"max_shares_per_symbol"`
	DailyBuyLimit      int                `mapstructure:"daily_buy_limit"`
	RebuyCooldown      time.Duration      `mapstructure:"rebuy_cooldown"`
}

// TimeboxConfig 规定各周期持仓的最长时间。
type TimeboxConfig struct {
	Short time.Duration `mapstructure:"short"`
	Mid   time.Duration `mapstructure:"mid"`
	Long  time.Duration `mapstructure:"long"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制各触发源的节奏。
type SchedulerConfig struct {
	CycleInterval      time.Duration `mapstructure:"cycle_interval"`
	EnablePricePoller  bool          `mapstructure:"enable_price_poller"`
	PricePollInterval  time.Duration `mapstructure:"price_poll_interval"`
	PriceMoveThreshold float64       `mapstructure:"price_move_threshold"`
	PriceDebounce      time.Duration `mapstructure:"price_debounce"`
	EnableNewsPoller   bool          `mapstructure:"enable_news_poller"`
	NewsPollInterval   time.Duration `mapstructure:"news_poll_interval"`
}

var horizonKeys = []string{"short", "mid", "long"}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if len(c.App.Watchlist) == 0 {
		err = multierr.Append(err, errors.New("app.watchlist 至少包含一个标的"))
	}
	if c.Broker.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.max_attempts 必须大于0"))
	}
	if c.Broker.Retry.MinDelay <= 0 || c.Broker.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.delay 必须为正"))
	}
	if c.Broker.Retry.MinDelay > c.Broker.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("broker.retry.min_delay 不能大于 max_delay"))
	}
	if c.Broker.FillTimeout <= 0 {
		err = multierr.Append(err, errors.New("broker.fill_timeout 必须大于0"))
	}
	if c.OpenAI.APIKey == "" {
		err = multierr.Append(err, errors.New("openai.api_key 不能为空"))
	}
	if c.OpenAI.Model == "" {
		err = multierr.Append(err, errors.New("openai.model 不能为空"))
	}
	if c.OpenAI.Timeout <= 0 {
		err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
	}

	if c.Advisor.EnterThreshold <= 0 || c.Advisor.EnterThreshold > 1 {
		err = multierr.Append(err, errors.New("advisor.enter_threshold 必须位于(0,1]"))
	}
	if c.Advisor.ExitThreshold <= 0 || c.Advisor.ExitThreshold > 1 {
		err = multierr.Append(err, errors.New("advisor.exit_threshold 必须位于(0,1]"))
	}
	weightSum := 0.0
	for _, h := range horizonKeys {
		w, ok := c.Advisor.Weights[h]
		if !ok || w < 0 {
			err = multierr.Append(err, fmt.Errorf("advisor.weights.%s 缺失或为负", h))
			continue
		}
		weightSum += w
	}
	if math.Abs(weightSum-1.0) > 1e-6 {
		err = multierr.Append(err, fmt.Errorf("advisor.weights 之和必须为1, 当前为 %.4f", weightSum))
	}

	if c.Policy.CashFloorPct < 0 || c.Policy.CashFloorPct >= 1 {
		err = multierr.Append(err, errors.New("policy.cash_floor_pct 必须位于[0,1)"))
	}
	if c.Policy.PerSymbolCapPct <= 0 || c.Policy.PerSymbolCapPct > 1 {
		err = multierr.Append(err, errors.New("policy.per_symbol_cap_pct 必须位于(0,1]"))
	}
	for _, h := range horizonKeys {
		if pct, ok := c.Policy.HorizonCapPct[h]; !ok || pct <= 0 || pct > 1 {
			err = multierr.Append(err, fmt.Errorf("policy.horizon_cap_pct.%s 必须位于(0,1]", h))
		}
	}
	if c.Policy.MaxSharesPerBuy <= 0 {
		err = multierr.Append(err, errors.New("policy.max_shares_per_buy 必须大于0"))
	}
	if c.Policy.MaxSharesPerSymbol <= 0 {
		err = multierr.Append(err, errors.New("policy.max_shares_per_symbol 必须大于0"))
	}
	if c.Policy.DailyBuyLimit <= 0 {
		err = multierr.Append(err, errors.New("policy.daily_buy_limit 必须大于0"))
	}
	if c.Policy.RebuyCooldown < 0 {
		err = multierr.Append(err, errors.New("policy.rebuy_cooldown 不能为负"))
	}

	if c.Timebox.Short <= 0 || c.Timebox.Mid <= 0 || c.Timebox.Long <= 0 {
		err = multierr.Append(err, errors.New("timebox 各周期必须大于0"))
	}
	if c.Timebox.Short > c.Timebox.Mid || c.Timebox.Mid > c.Timebox.Long {
		err = multierr.Append(err, errors.New("timebox 应满足 short <= mid <= long"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Scheduler.CycleInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.cycle_interval 必须大于0"))
	}
	if c.Scheduler.EnablePricePoller {
		if c.Scheduler.PricePollInterval <= 0 {
			err = multierr.Append(err, errors.New("scheduler.price_poll_interval 必须大于0"))
		}
		if c.Scheduler.PriceMoveThreshold <= 0 {
			err = multierr.Append(err, errors.New("scheduler.price_move_threshold 必须大于0"))
		}
		if c.Scheduler.PriceDebounce < 0 {
			err = multierr.Append(err, errors.New("scheduler.price_debounce 不能为负"))
		}
	}
	if c.Scheduler.EnableNewsPoller {
		if c.Scheduler.NewsPollInterval <= 0 {
			err = multierr.Append(err, errors.New("scheduler.news_poll_interval 必须大于0"))
		}
		if c.News.APIKey == "" {
			err = multierr.Append(err, errors.New("启用新闻触发器需要配置 news.api_key"))
		}
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
