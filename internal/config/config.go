package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "trader"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.watchlist", []string{"AAPL", "MSFT", "NVDA"})

	v.SetDefault("broker.use_paper", true)
	v.SetDefault("broker.retry.max_attempts", 5)
	v.SetDefault("broker.retry.min_delay", "500ms")
	v.SetDefault("broker.retry.max_delay", "5s")
	v.SetDefault("broker.fill_timeout", "10s")

	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4.1")
	v.SetDefault("openai.timeout", "30s")

	v.SetDefault("news.base_url", "https://finnhub.io/api/v1")
	v.SetDefault("news.timeout", "20s")

	v.SetDefault("advisor.weights.short", 0.40)
	v.SetDefault("advisor.weights.mid", 0.35)
	v.SetDefault("advisor.weights.long", 0.25)
	v.SetDefault("advisor.enter_threshold", 0.35)
	v.SetDefault("advisor.exit_threshold", 0.30)

	v.SetDefault("policy.cash_floor_pct", 0.40)
	v.SetDefault("policy.per_symbol_cap_pct", 0.05)
	v.SetDefault("policy.horizon_cap_pct.short", 0.02)
	v.SetDefault("policy.horizon_cap_pct.mid", 0.03)
	v.SetDefault("policy.horizon_cap_pct.long", 0.05)
	v.SetDefault("policy.max_shares_per_buy", 5)
	v.SetDefault("policy.max_shares_per_symbol", 20)
	v.SetDefault("policy.daily_buy_limit", 2)
	v.SetDefault("policy.rebuy_cooldown", "60m")

	v.SetDefault("timebox.short", "24h")
	v.SetDefault("timebox.mid", "168h")
	v.SetDefault("timebox.long", "1440h")

	v.SetDefault("database.path", "data/horizon_trader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.cycle_interval", "30m")
	v.SetDefault("scheduler.enable_price_poller", true)
	v.SetDefault("scheduler.price_poll_interval", "20s")
	v.SetDefault("scheduler.price_move_threshold", 0.01)
	v.SetDefault("scheduler.price_debounce", "2m")
	v.SetDefault("scheduler.enable_news_poller", false)
	v.SetDefault("scheduler.news_poll_interval", "2m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
