package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the runtime configuration, decoded from viper (flags, STAGELINE_* env and
// an optional config file).
type Settings struct {
	Workspace string            `mapstructure:"workspace"`
	DB        DBSettings        `mapstructure:"db"`
	HTTP      HTTPSettings      `mapstructure:"http"`
	Auth      AuthSettings      `mapstructure:"auth"`
	Engine    EngineSettings    `mapstructure:"engine"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`
	Events    EventSettings     `mapstructure:"events"`
	Log       LogSettings       `mapstructure:"log"`
}

type DBSettings struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type HTTPSettings struct {
	Addr     string `mapstructure:"addr"`
	BasePath string `mapstructure:"base_path"`
}

type AuthSettings struct {
	JWTSecret       string `mapstructure:"jwt_secret"`
	OIDCIssuer      string `mapstructure:"oidc_issuer"`
	OIDCClientID    string `mapstructure:"oidc_client_id"`
	AllowDevHeaders bool   `mapstructure:"allow_dev_headers"`
}

type EngineSettings struct {
	// OverrideCapability is required in addition to a non-empty override reason.
	// Empty means any caller may override with a reason.
	OverrideCapability string `mapstructure:"override_capability"`
}

type TelemetrySettings struct {
	Enabled bool `mapstructure:"enabled"`
	Stdout  bool `mapstructure:"stdout"`
}

type EventSettings struct {
	NATSURL     string          `mapstructure:"nats_url"`
	NATSSubject string          `mapstructure:"nats_subject"`
	Interval    string          `mapstructure:"interval"`
	Settle      string          `mapstructure:"settle"`
	Webhooks    []WebhookConfig `mapstructure:"webhooks"`
}

// WebhookConfig describes one outbound webhook sink.
type WebhookConfig struct {
	ID      string   `mapstructure:"id" yaml:"id"`
	URL     string   `mapstructure:"url" yaml:"url"`
	Events  []string `mapstructure:"events" yaml:"events"`
	Secret  string   `mapstructure:"secret" yaml:"secret"`
	Timeout int      `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	Enabled *bool    `mapstructure:"enabled" yaml:"enabled"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	DefaultOverrideCapability = "pipeline:override"
	DefaultNATSSubject        = "stageline.events"
)

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace", ".")
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("http.addr", "127.0.0.1:8080")
	v.SetDefault("http.base_path", "/v1")
	v.SetDefault("engine.override_capability", DefaultOverrideCapability)
	v.SetDefault("events.nats_subject", DefaultNATSSubject)
	v.SetDefault("events.interval", "2s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// NewViper returns a viper instance reading STAGELINE_* environment variables, with
// dots and dashes in keys mapped to underscores.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("STAGELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load decodes and validates settings, reading configFile first when given.
func Load(v *viper.Viper, configFile string) (Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	switch strings.ToLower(s.DB.Driver) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(s.DB.DSN) == "" {
			return fmt.Errorf("db.dsn is required for driver %s", s.DB.Driver)
		}
	default:
		return fmt.Errorf("db.driver %q is not supported", s.DB.Driver)
	}
	if s.HTTP.BasePath != "" && !strings.HasPrefix(s.HTTP.BasePath, "/") {
		return fmt.Errorf("http.base_path must start with /")
	}
	if (s.Auth.OIDCIssuer == "") != (s.Auth.OIDCClientID == "") {
		return fmt.Errorf("auth.oidc_issuer and auth.oidc_client_id must be set together")
	}
	switch strings.ToLower(s.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}
	for i, hook := range s.Events.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("events.webhooks[%d].url is required", i)
		}
		if hook.Timeout < 0 {
			return fmt.Errorf("events.webhooks[%d].timeout_ms must be >= 0", i)
		}
	}
	return nil
}
