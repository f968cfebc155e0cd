package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Health    HealthConfig    `mapstructure:"health"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	Version  string `mapstructure:"version"`
	LogLevel string `mapstructure:"log_level"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
}

type ScyllaConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	StatusTopic     string        `mapstructure:"status_topic"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`
	BatchTimeout    time.Duration `mapstructure:"batch_timeout"`
	PublishTimeout  time.Duration `mapstructure:"publish_timeout"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

type TelemetryConfig struct {
	Endpoint        string            `mapstructure:"endpoint"`
	Insecure        bool              `mapstructure:"insecure"`
	Headers         map[string]string `mapstructure:"headers"`
	ServiceName     string            `mapstructure:"service_name"`
	SampleRatio     float64           `mapstructure:"sample_ratio"`
	TracingEnabled  bool              `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration     `mapstructure:"shutdown_timeout"`
}

// RetryConfig drives the retry/fallback policy. MaxAttempts counts placement
// attempts per provider.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type ProvidersConfig struct {
	Order           []string      `mapstructure:"order"`
	FallbackEnabled bool          `mapstructure:"fallback_enabled"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	Exotel          ExotelConfig  `mapstructure:"exotel"`
	Twilio          TwilioConfig  `mapstructure:"twilio"`
}

type ExotelConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	AccountSID      string `mapstructure:"account_sid"`
	APIKey          string `mapstructure:"api_key"`
	APIToken        string `mapstructure:"api_token"`
	VirtualNumber   string `mapstructure:"virtual_number"`
	SigningSecret   string `mapstructure:"signing_secret"`
	SignatureScheme string `mapstructure:"signature_scheme"`
}

type TwilioConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	AccountSID    string `mapstructure:"account_sid"`
	AuthToken     string `mapstructure:"auth_token"`
	VirtualNumber string `mapstructure:"virtual_number"`
}

type WebhookConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	LookupAttempts int           `mapstructure:"lookup_attempts"`
	LookupDelay    time.Duration `mapstructure:"lookup_delay"`
}

type ThrottleConfig struct {
	OwnerLimit  int           `mapstructure:"owner_limit"`
	OwnerWindow time.Duration `mapstructure:"owner_window"`
}

type HealthConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("MASKEDCALL")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "masked-call")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("http.port", 8080)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "8s")
	v.SetDefault("providers.order", []string{"exotel", "twilio"})
	v.SetDefault("providers.fallback_enabled", true)
	v.SetDefault("providers.request_timeout", "10s")
	v.SetDefault("providers.probe_timeout", "3s")
	v.SetDefault("providers.exotel.base_url", "https://api.exotel.com")
	v.SetDefault("providers.exotel.signature_scheme", "hmac-sha256")
	v.SetDefault("providers.twilio.base_url", "https://api.twilio.com")
	v.SetDefault("webhook.lookup_attempts", 4)
	v.SetDefault("webhook.lookup_delay", "250ms")
	v.SetDefault("redis.key_prefix", "maskedcall")
	v.SetDefault("telemetry.shutdown_timeout", "5s")
	v.SetDefault("kafka.batch_timeout", "10ms")
	v.SetDefault("kafka.publish_timeout", "2s")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("health.schedule", "*/5 * * * *")
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
