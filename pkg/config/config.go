package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Remote    RemoteConfig
	Assets    AssetsConfig
	Render    RenderConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	IsDevelopment  bool
}

type RemoteConfig struct {
	BaseURL     string
	TimeoutSec  int
	MaxAttempts int
}

type AssetsConfig struct {
	// Store selects the durable cache backend: "redis" or "sqlite".
	Store           string
	URLs            []string
	Integrity       []AssetPin
	FetchTimeoutSec int
	MaxConcurrency  int
	WarmOnStart     bool
}

// AssetPin ties a library URL to the SHA-256 digest its content must have.
type AssetPin struct {
	URL    string
	SHA256 string
}

// Pins returns the integrity pins keyed by URL.
func (c AssetsConfig) Pins() map[string]string {
	pins := make(map[string]string, len(c.Integrity))
	for _, p := range c.Integrity {
		pins[p.URL] = strings.ToLower(p.SHA256)
	}
	return pins
}

type RenderConfig struct {
	VisibilityThreshold float64
	DocumentWaitSec     int
	NotificationTTLSec  int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type RateLimitConfig struct {
	MutationsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/gsheet-dashboard")

	v.SetEnvPrefix("DASHBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

// LoadFile reads configuration from an explicit path, still honouring
// defaults and environment overrides.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DASHBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.baseURL is required")
	}
	switch c.Assets.Store {
	case "redis", "sqlite":
	default:
		return fmt.Errorf("assets.store must be redis or sqlite, got %q", c.Assets.Store)
	}
	if c.Render.VisibilityThreshold < 0 || c.Render.VisibilityThreshold > 1 {
		return fmt.Errorf("render.visibilityThreshold must be within [0,1], got %v", c.Render.VisibilityThreshold)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.isDevelopment", false)

	v.SetDefault("remote.baseURL", "http://localhost:8000")
	v.SetDefault("remote.timeoutSec", 60)
	v.SetDefault("remote.maxAttempts", 3)

	v.SetDefault("assets.store", "redis")
	v.SetDefault("assets.urls", []string{
		"https://cdn.plot.ly/plotly-2.35.2.min.js",
		"https://cdn.jsdelivr.net/npm/apexcharts",
	})
	v.SetDefault("assets.fetchTimeoutSec", 30)
	v.SetDefault("assets.maxConcurrency", 4)
	v.SetDefault("assets.warmOnStart", true)

	v.SetDefault("render.visibilityThreshold", 0.1)
	v.SetDefault("render.documentWaitSec", 60)
	v.SetDefault("render.notificationTTLSec", 5)

	v.SetDefault("sqlite.path", "./data/dashboard.db")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("rateLimit.mutationsPerMinute", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
