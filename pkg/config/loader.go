package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by the engine, so that
// pipeline.op_timeout is read from OS2DS_PIPELINE_OP_TIMEOUT.
const EnvPrefix = "OS2DS"

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations.
type Loader interface {
	// Load retrieves, decodes and validates the configuration.
	Load(ctx context.Context) (*Config, error)
}

// ViperLoader loads configuration through a viper instance that flags may
// already be bound to.
type ViperLoader struct {
	v *viper.Viper
	// path is an optional YAML file read on top of the defaults.
	path string
}

var _ Loader = (*ViperLoader)(nil)

// NewViper returns a viper instance reading OS2DS_* environment variables,
// with every key defaulted.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers the default of every key. Environment variables are
// only consulted for keys viper knows about, so every key needs one.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("broker.driver", string(BrokerAMQP))

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.host", "localhost")
	v.SetDefault("amqp.port", 5672)
	v.SetDefault("amqp.vhost", "/")
	v.SetDefault("amqp.user", "guest")
	v.SetDefault("amqp.password", "guest")
	v.SetDefault("amqp.heartbeat", 10*time.Second)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "os2ds")

	v.SetDefault("database.url", "")
	v.SetDefault("database.driver", string(DatabasePostgres))
	v.SetDefault("database.path", "os2ds-checkups.db")
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("pipeline.op_timeout", 60*time.Second)
	v.SetDefault("pipeline.op_tries", 3)
	v.SetDefault("pipeline.width", 3)
	v.SetDefault("pipeline.abort_ring", 256)
	v.SetDefault("pipeline.snapshot_parameter", 30)
	v.SetDefault("pipeline.prefetch", 0)
	v.SetDefault("pipeline.sweep_interval", 10*time.Minute)

	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.rps", 10.0)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9091)

	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.sampling_ratio", 0.1)
	v.SetDefault("otel.insecure", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)
}

// NewViperLoader creates a loader over v. An empty path reads no file.
func NewViperLoader(v *viper.Viper, path string) *ViperLoader {
	return &ViperLoader{v: v, path: path}
}

func (l *ViperLoader) Load(_ context.Context) (*Config, error) {
	if l.path != "" {
		l.v.SetConfigFile(l.path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
