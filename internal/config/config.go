package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/floodwatch/floodwatch-cli/internal/notify"
	"github.com/floodwatch/floodwatch-cli/internal/risk"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Forecast   ForecastConfig   `yaml:"forecast" mapstructure:"forecast"`
	Retention  RetentionConfig  `yaml:"retention" mapstructure:"retention"`
	Risk       risk.Thresholds  `yaml:"risk" mapstructure:"risk"`
	Geodata    GeodataConfig    `yaml:"geodata" mapstructure:"geodata"`
	Notify     notify.Config    `yaml:"notify" mapstructure:"notify"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ForecastConfig configures the OpenWeatherMap client and fetch fan-out.
type ForecastConfig struct {
	APIKey           string        `yaml:"api_key" mapstructure:"api_key"`
	BaseURL          string        `yaml:"base_url" mapstructure:"base_url"`
	Days             int           `yaml:"days" mapstructure:"days"`
	MaxConcurrent    int           `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	LaunchInterval   time.Duration `yaml:"launch_interval" mapstructure:"launch_interval"`
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RetryAttempts    int           `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	BreakerThreshold int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
}

// RetentionConfig bounds the stored date window relative to today.
type RetentionConfig struct {
	PastDays   int `yaml:"past_days" mapstructure:"past_days"`
	FutureDays int `yaml:"future_days" mapstructure:"future_days"`
}

// GeodataConfig locates the reference data imported by the import commands.
type GeodataConfig struct {
	CityList     string `yaml:"city_list" mapstructure:"city_list"`
	WatershedDir string `yaml:"watershed_dir" mapstructure:"watershed_dir"`
}

// MonitoringConfig configures run-health checks and webhook alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleAfterHours      int     `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int           `yaml:"port" mapstructure:"port"`
	CORSOrigins    []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	UpdateInterval time.Duration `yaml:"update_interval" mapstructure:"update_interval"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FLOODWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("forecast.api_key", "")
	v.SetDefault("forecast.base_url", "https://pro.openweathermap.org/data/2.5/forecast/daily")
	v.SetDefault("forecast.days", 7)
	v.SetDefault("forecast.max_concurrent", 50)
	v.SetDefault("forecast.launch_interval", 20*time.Millisecond)
	v.SetDefault("forecast.timeout", 10*time.Second)
	v.SetDefault("forecast.retry_attempts", 2)
	v.SetDefault("forecast.breaker_threshold", 25)
	v.SetDefault("retention.past_days", 3)
	v.SetDefault("retention.future_days", 7)
	v.SetDefault("risk.window", 4)
	v.SetDefault("risk.orange_above", 10.0)
	v.SetDefault("risk.red_above", 40.0)
	v.SetDefault("geodata.city_list", "data/city.list.json")
	v.SetDefault("geodata.watershed_dir", "data/watersheds")
	v.SetDefault("notify.driver", "none")
	v.SetDefault("notify.redis_addr", "localhost:6379")
	v.SetDefault("notify.redis_stream", "floodwatch:warnings")
	v.SetDefault("notify.kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("notify.kafka_topic", "floodwatch.warnings")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stale_after_hours", 26)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.update_interval", time.Duration(0))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on and reports every
// problem at once.
func (c *Config) Validate(mode string) error {
	var errs []string
	requireDB := func() {
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}

	switch mode {
	case "update":
		requireDB()
		errs = append(errs, c.validateForecast()...)
	case "serve":
		requireDB()
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Server.UpdateInterval < 0 {
			errs = append(errs, "server.update_interval must be >= 0")
		}
		if c.Server.UpdateInterval > 0 {
			errs = append(errs, c.validateForecast()...)
		}
	case "migrate", "import":
		requireDB()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	if c.Retention.PastDays < 0 || c.Retention.FutureDays < 0 {
		errs = append(errs, "retention days must be >= 0")
	}
	if c.Risk.Window < 0 || c.Risk.OrangeAbove > c.Risk.RedAbove {
		errs = append(errs, "risk.window must be >= 0 and risk.orange_above <= risk.red_above")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateForecast() []string {
	var errs []string
	if c.Forecast.APIKey == "" {
		errs = append(errs, "forecast.api_key is required")
	}
	if c.Forecast.MaxConcurrent < 1 || c.Forecast.MaxConcurrent > 500 {
		errs = append(errs, "forecast.max_concurrent must be between 1 and 500")
	}
	if c.Forecast.Timeout <= 0 {
		errs = append(errs, "forecast.timeout must be > 0")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
