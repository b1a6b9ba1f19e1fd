package ig

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultBaseURL is the demo gateway; live accounts use
// https://api.ig.com/gateway/deal.
const DefaultBaseURL = "https://demo-api.ig.com/gateway/deal"

// Config aggregates adapter configuration. Values come from an optional
// YAML file plus IG_* environment variables, with defaults for every key.
type Config struct {
	Credentials Credentials     `mapstructure:"credentials"`
	REST        RESTConfig      `mapstructure:"rest"`
	Streaming   StreamingConfig `mapstructure:"streaming"`
	Logging     LoggingConfig   `mapstructure:"logging"`
}

// RESTConfig configures the HTTP transport.
type RESTConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StreamingConfig configures the Lightstreamer-style client.
type StreamingConfig struct {
	Endpoints         []string      `mapstructure:"endpoints"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	RebindAttempts    int           `mapstructure:"rebind_attempts"`
	BufferSize        int           `mapstructure:"buffer_size"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// LoadConfig reads configuration from path (optional, "" skips the file)
// and the environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("rest.base_url", DefaultBaseURL)
	v.SetDefault("rest.timeout", "30s")
	v.SetDefault("streaming.endpoints", defaultStreamEndpoints())
	v.SetDefault("streaming.handshake_timeout", "30s")
	v.SetDefault("streaming.heartbeat_interval", "30s")
	v.SetDefault("streaming.reconnect_interval", "5s")
	v.SetDefault("streaming.rebind_attempts", 3)
	v.SetDefault("streaming.buffer_size", 100)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	v.SetEnvPrefix("IG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Credential env names match the original deployment convention.
	for key, env := range map[string]string{
		"credentials.username":   "IG_USERNAME",
		"credentials.password":   "IG_PASSWORD",
		"credentials.api_key":    "IG_API_KEY",
		"credentials.account_id": "IG_ACCOUNT_ID",
		"rest.base_url":          "IG_BASE_URL",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	decode := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decode); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields that have no usable zero value.
func (c *Config) Validate() error {
	if c.REST.BaseURL == "" {
		return fmt.Errorf("config: rest.base_url is required")
	}
	if c.REST.Timeout <= 0 {
		return fmt.Errorf("config: rest.timeout must be positive")
	}
	if c.Streaming.BufferSize <= 0 {
		return fmt.Errorf("config: streaming.buffer_size must be positive")
	}
	if c.Streaming.RebindAttempts <= 0 {
		return fmt.Errorf("config: streaming.rebind_attempts must be positive")
	}
	return nil
}

// IsDemo reports whether the configured gateway is the demo environment.
// The streaming adapter set follows this (DEMO vs PROD).
func (c *Config) IsDemo() bool {
	return strings.Contains(strings.ToLower(c.REST.BaseURL), "demo")
}

func defaultStreamEndpoints() []string {
	return []string{
		"wss://apd.marketdatasystems.com/lightstreamer",
		"wss://apd145f.marketdatasystems.com/lightstreamer",
		"wss://push.lightstreamer.com/lightstreamer",
	}
}
