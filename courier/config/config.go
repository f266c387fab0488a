// Package config loads courier settings from an optional YAML file and
// COURIER_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/LerianStudio/lib-courier/courier/channel"
	"github.com/LerianStudio/lib-courier/courier/detection"
	"github.com/LerianStudio/lib-courier/courier/dispatcher"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/postgres"
	"github.com/LerianStudio/lib-courier/courier/zap"
)

// EnvPrefix prefixes every environment override, e.g. COURIER_POSTGRES_DSN
// for postgres.dsn.
const EnvPrefix = "COURIER"

// DefaultFileName is searched in the working directory when Load gets no path.
const DefaultFileName = "courier"

// Config is the full courier configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Channels   []ChannelConfig  `mapstructure:"channels"`
}

// LogConfig selects the log level and environment preset.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Environment string `mapstructure:"environment"`
}

// PostgresConfig locates the outbox database.
type PostgresConfig struct {
	DSN            string        `mapstructure:"dsn"`
	MaxConns       int32         `mapstructure:"max_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// Migrate applies the embedded migrations before the dispatcher starts.
	Migrate bool `mapstructure:"migrate"`
}

// DispatcherConfig tunes the dispatch loop and names the channels it polls.
type DispatcherConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	PublishMaxAttempts int           `mapstructure:"publish_max_attempts"`
	PublishBackoff     time.Duration `mapstructure:"publish_backoff"`
	SendTimeout        time.Duration `mapstructure:"send_timeout"`
	StuckAfter         time.Duration `mapstructure:"stuck_after"`
	CircuitBreaker     bool          `mapstructure:"circuit_breaker"`
	// Channels restricts dispatching to these declared channels. Empty means
	// every declared channel.
	Channels []string `mapstructure:"channels"`
}

// ProvidersConfig carries explicit connection settings. A blank value lets
// detection fall through to docker, port and fallback probing.
type ProvidersConfig struct {
	RabbitMQURL     string        `mapstructure:"rabbitmq_url"`
	RedisURL        string        `mapstructure:"redis_url"`
	KafkaBrokers    string        `mapstructure:"kafka_brokers"`
	MailpitURL      string        `mapstructure:"mailpit_url"`
	SendGridAPIKey  string        `mapstructure:"sendgrid_api_key"`
	EmailFilePath   string        `mapstructure:"email_file_path"`
	EmailFrom       string        `mapstructure:"email_from"`
	ProbeHost       string        `mapstructure:"probe_host"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	DockerEnabled   bool          `mapstructure:"docker_enabled"`
	FallbackEnabled bool          `mapstructure:"fallback_enabled"`
	HealthCheck     bool          `mapstructure:"health_check"`
}

// ChannelConfig declares one logical channel.
type ChannelConfig struct {
	Name     string         `mapstructure:"name"`
	Kind     string         `mapstructure:"kind"`
	Provider string         `mapstructure:"provider"`
	Config   map[string]any `mapstructure:"config"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Environment: string(zap.EnvironmentProduction),
		},
		Postgres: PostgresConfig{
			MaxConns:       10,
			ConnectTimeout: 10 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			PollInterval:       2 * time.Second,
			BatchSize:          50,
			PublishMaxAttempts: 1,
			PublishBackoff:     200 * time.Millisecond,
			SendTimeout:        30 * time.Second,
			StuckAfter:         10 * time.Minute,
		},
		Providers: ProvidersConfig{
			ProbeHost:       "localhost",
			ProbeTimeout:    time.Second,
			DockerEnabled:   true,
			FallbackEnabled: true,
			HealthCheck:     true,
		},
	}
}

// SetDefaults registers every key on v so environment overrides reach
// Unmarshal even when no file sets them.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.environment", d.Log.Environment)

	v.SetDefault("postgres.dsn", d.Postgres.DSN)
	v.SetDefault("postgres.max_conns", d.Postgres.MaxConns)
	v.SetDefault("postgres.connect_timeout", d.Postgres.ConnectTimeout)
	v.SetDefault("postgres.migrate", d.Postgres.Migrate)

	v.SetDefault("dispatcher.poll_interval", d.Dispatcher.PollInterval)
	v.SetDefault("dispatcher.batch_size", d.Dispatcher.BatchSize)
	v.SetDefault("dispatcher.publish_max_attempts", d.Dispatcher.PublishMaxAttempts)
	v.SetDefault("dispatcher.publish_backoff", d.Dispatcher.PublishBackoff)
	v.SetDefault("dispatcher.send_timeout", d.Dispatcher.SendTimeout)
	v.SetDefault("dispatcher.stuck_after", d.Dispatcher.StuckAfter)
	v.SetDefault("dispatcher.circuit_breaker", d.Dispatcher.CircuitBreaker)
	v.SetDefault("dispatcher.channels", []string{})

	v.SetDefault("providers.rabbitmq_url", "")
	v.SetDefault("providers.redis_url", "")
	v.SetDefault("providers.kafka_brokers", "")
	v.SetDefault("providers.mailpit_url", "")
	v.SetDefault("providers.sendgrid_api_key", "")
	v.SetDefault("providers.email_file_path", "")
	v.SetDefault("providers.email_from", "")
	v.SetDefault("providers.probe_host", d.Providers.ProbeHost)
	v.SetDefault("providers.probe_timeout", d.Providers.ProbeTimeout)
	v.SetDefault("providers.docker_enabled", d.Providers.DockerEnabled)
	v.SetDefault("providers.fallback_enabled", d.Providers.FallbackEnabled)
	v.SetDefault("providers.health_check", d.Providers.HealthCheck)
}

// Load reads path when given, or courier.yaml from the working directory
// when present, then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return &cfg, nil
}

// ChannelSpecs converts the declared channels. Email channels inherit
// providers.email_from unless they set "from" themselves.
func (c *Config) ChannelSpecs() []channel.Spec {
	specs := make([]channel.Spec, 0, len(c.Channels))

	for _, ch := range c.Channels {
		settings := make(map[string]any, len(ch.Config)+1)
		for k, v := range ch.Config {
			settings[k] = v
		}

		kind := channel.Kind(strings.ToLower(strings.TrimSpace(ch.Kind)))

		if _, ok := settings["from"]; !ok && kind == channel.KindEmail && c.Providers.EmailFrom != "" {
			settings["from"] = c.Providers.EmailFrom
		}

		specs = append(specs, channel.Spec{
			Name:     strings.TrimSpace(ch.Name),
			Kind:     kind,
			Provider: strings.ToLower(strings.TrimSpace(ch.Provider)),
			Config:   settings,
		})
	}

	return specs
}

// DispatchSpecs is ChannelSpecs narrowed to dispatcher.channels.
func (c *Config) DispatchSpecs() []channel.Spec {
	specs := c.ChannelSpecs()
	if len(c.Dispatcher.Channels) == 0 {
		return specs
	}

	wanted := make(map[string]bool, len(c.Dispatcher.Channels))
	for _, name := range c.Dispatcher.Channels {
		wanted[strings.TrimSpace(name)] = true
	}

	selected := specs[:0]

	for _, spec := range specs {
		if wanted[spec.Name] {
			selected = append(selected, spec)
		}
	}

	return selected
}

// Env exposes explicit provider settings under the conventional variable
// names detection reads, ahead of the process environment.
func (p ProvidersConfig) Env() detection.EnvLookup {
	explicit := map[string]string{}

	set := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			explicit[key] = value
		}
	}

	set(detection.EnvRabbitMQURL, p.RabbitMQURL)
	set(detection.EnvRedisURL, p.RedisURL)
	set(detection.EnvKafkaBrokers, p.KafkaBrokers)
	set(detection.EnvMailpitURL, p.MailpitURL)
	set(detection.EnvSendGridAPIKey, p.SendGridAPIKey)
	set(detection.EnvEmailFilePath, p.EmailFilePath)

	return detection.ChainEnv(detection.MapEnv(explicit), detection.OSEnv)
}

// Probe builds the detection probe. containers may be nil, which skips
// container introspection.
func (p ProvidersConfig) Probe(containers detection.ContainerInspector) detection.Probe {
	return detection.Probe{
		Env:        p.Env(),
		Containers: containers,
		Host:       p.ProbeHost,
		Timeout:    p.ProbeTimeout,
	}
}

// Dispatcher converts the dispatcher section.
func (d DispatcherConfig) Dispatcher() dispatcher.Config {
	return dispatcher.Config{
		PollInterval:       d.PollInterval,
		BatchSize:          d.BatchSize,
		SendTimeout:        d.SendTimeout,
		PublishMaxAttempts: d.PublishMaxAttempts,
		PublishBackoff:     d.PublishBackoff,
		StuckAfter:         d.StuckAfter,
	}
}

// Zap converts the log section.
func (l LogConfig) Zap(libraryName string) zap.Config {
	return zap.Config{
		Environment:     zap.Environment(strings.ToLower(l.Environment)),
		Level:           l.Level,
		OTelLibraryName: libraryName,
	}
}

// Client converts the postgres section.
func (p PostgresConfig) Client(logger log.Logger) postgres.Config {
	return postgres.Config{
		DSN:            p.DSN,
		MaxConns:       p.MaxConns,
		ConnectTimeout: p.ConnectTimeout,
		Logger:         logger,
	}
}
