// Package config loads and validates the edge relay's single structured
// configuration file (§6.1), with environment overrides (§6.2) and a
// hot-reload watch for the subset of settings safe to change live.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/edgebridge/relay/internal/model"
)

type EdgeConfig struct {
	AgentID   string `mapstructure:"agent_id" validate:"required"`
	UserPhone string `mapstructure:"user_phone" validate:"required,e164"`
}

type BackendConfig struct {
	URL                string `mapstructure:"url" validate:"required,url"`
	WebsocketURL       string `mapstructure:"websocket_url"`
	SyncIntervalSeconds int   `mapstructure:"sync_interval_seconds" validate:"min=1,max=300"`
	RequestTimeoutMS    int   `mapstructure:"request_timeout_ms" validate:"min=1"`
}

type WebsocketConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	ReconnectAttempts  int  `mapstructure:"reconnect_attempts" validate:"min=0"`
	PingIntervalSeconds int `mapstructure:"ping_interval_seconds" validate:"min=1"`
}

type IMessageConfig struct {
	PollIntervalSeconds float64 `mapstructure:"poll_interval_seconds" validate:"min=0.1,max=60"`
	DBPath              string  `mapstructure:"db_path" validate:"required"`
	AttachmentsPath     string  `mapstructure:"attachments_path"`
}

type DatabaseConfig struct {
	Path      string `mapstructure:"path" validate:"required"`
	StatePath string `mapstructure:"state_path" validate:"required"`
}

type SchedulerConfig struct {
	AdaptiveMode         bool `mapstructure:"adaptive_mode"`
	CheckIntervalSeconds int  `mapstructure:"check_interval_seconds" validate:"min=1"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File  string `mapstructure:"file"`
}

type HealthCheckConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"min=1,max=65535"`
}

type MonitoringConfig struct {
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
}

type SecurityConfig struct {
	KeychainService string `mapstructure:"keychain_service" validate:"required"`
	KeychainAccount string `mapstructure:"keychain_account" validate:"required"`
}

// Config is the fully decoded and validated configuration tree.
type Config struct {
	Edge       EdgeConfig       `mapstructure:"edge" validate:"required"`
	Backend    BackendConfig    `mapstructure:"backend" validate:"required"`
	Websocket  WebsocketConfig  `mapstructure:"websocket"`
	IMessage   IMessageConfig   `mapstructure:"imessage" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database" validate:"required"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security" validate:"required"`

	// EdgeSecret comes from the process environment (§6.2), never from
	// the file. The BACKEND_URL and USER_PHONE overrides are bound onto
	// backend.url and edge.user_phone instead of separate fields.
	EdgeSecret string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.sync_interval_seconds", 30)
	v.SetDefault("backend.request_timeout_ms", 30000)
	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.reconnect_attempts", 0) // 0 == unbounded, per §4.7 "reconnects indefinitely"
	v.SetDefault("websocket.ping_interval_seconds", 30)
	v.SetDefault("imessage.poll_interval_seconds", 1)
	v.SetDefault("scheduler.adaptive_mode", true)
	v.SetDefault("scheduler.check_interval_seconds", 30)
	v.SetDefault("logging.level", "info")
	v.SetDefault("monitoring.health_check.enabled", true)
	v.SetDefault("monitoring.health_check.port", 3001)
}

func bindEnv(v *viper.Viper) error {
	for _, b := range [][2]string{
		{"edge.agent_id", "EDGE_AGENT_ID"},
		{"backend.url", "BACKEND_URL"},
		{"edge.user_phone", "USER_PHONE"},
	} {
		if err := v.BindEnv(b[0], b[1]); err != nil {
			return err
		}
	}
	return nil
}

// Load reads configFile (or the default search path, resolved via
// pflag/viper convention), applies environment overrides, and validates
// the result. A bad config returns a single error listing every
// offending field, wrapping model.ErrConfig so callers can errors.Is it.
func Load(configFile string, flags *pflag.FlagSet) (*Config, string, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("edge")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/edge-relay")
	}

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, "", fmt.Errorf("%w: bind env: %v", model.ErrConfig, err)
	}
	if flags != nil {
		_ = v.BindPFlags(flags)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, "", fmt.Errorf("%w: read config: %v", model.ErrConfig, err)
	}

	cfg, err := decodeAndValidate(v)
	if err != nil {
		return nil, "", err
	}

	cfg.EdgeSecret = edgeSecretFromEnv()
	if cfg.EdgeSecret == "" {
		return nil, "", fmt.Errorf("%w: EDGE_SECRET environment variable is required", model.ErrConfig)
	}

	if cfg.Backend.WebsocketURL == "" {
		cfg.Backend.WebsocketURL = deriveWebsocketURL(cfg.Backend.URL)
	}

	return cfg, v.ConfigFileUsed(), nil
}

func decodeAndValidate(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", model.ErrConfig, err)
	}

	validate := newValidator()
	if err := validate.Struct(&cfg); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return nil, fmt.Errorf("%w: %v", model.ErrConfig, err)
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
		}
		return nil, fmt.Errorf("%w: invalid fields: %s", model.ErrConfig, strings.Join(fields, ", "))
	}
	return &cfg, nil
}

func deriveWebsocketURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}

// RequestTimeout is a convenience accessor since the config stores the
// value in milliseconds but every caller wants a time.Duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Backend.RequestTimeoutMS) * time.Millisecond
}
