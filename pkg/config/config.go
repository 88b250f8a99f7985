// Package config holds the settings shared by every engine command. Values
// come from defaults, an optional YAML file, OS2DS_* environment variables
// and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/os2datascanner/engine/pkg/common/validate"
)

// BrokerDriver selects the message broker implementation.
type BrokerDriver string

const (
	BrokerAMQP   BrokerDriver = "amqp"
	BrokerKafka  BrokerDriver = "kafka"
	BrokerMemory BrokerDriver = "memory"
)

// DatabaseDriver selects the checkup store implementation.
type DatabaseDriver string

const (
	DatabasePostgres DatabaseDriver = "postgres"
	DatabaseSQLite   DatabaseDriver = "sqlite"
)

// Config represents the top-level configuration.
type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker"`
	AMQP     AMQPConfig     `mapstructure:"amqp"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Database DatabaseConfig `mapstructure:"database"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	OTel     OTelConfig     `mapstructure:"otel"`
	Log      LogConfig      `mapstructure:"log"`
}

type BrokerConfig struct {
	Driver BrokerDriver `mapstructure:"driver" validate:"required,oneof=amqp kafka memory"`
}

// AMQPConfig locates the RabbitMQ server. URL wins over the individual
// fields when set.
type AMQPConfig struct {
	URL       string        `mapstructure:"url" validate:"omitempty,url"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port" validate:"min=1,max=65535"`
	VHost     string        `mapstructure:"vhost"`
	User      string        `mapstructure:"user"`
	Password  string        `mapstructure:"password"`
	Heartbeat time.Duration `mapstructure:"heartbeat" validate:"min=0"`
}

// DSN returns the amqp:// URL of the server.
func (c AMQPConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/",
	}
	// A bare "/" path selects the default vhost.
	if c.VHost != "/" {
		u.Path += c.VHost
	}
	return u.String()
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	// GroupID prefixes the consumer group of each stage.
	GroupID string `mapstructure:"group_id" validate:"required"`
}

// DatabaseConfig locates the store of the collectors and the planner.
type DatabaseConfig struct {
	URL    string         `mapstructure:"url"`
	Driver DatabaseDriver `mapstructure:"driver" validate:"required,oneof=postgres sqlite"`
	// Path is the SQLite database file.
	Path     string `mapstructure:"path"`
	MinConns int32  `mapstructure:"min_conns" validate:"min=0"`
	MaxConns int32  `mapstructure:"max_conns" validate:"min=0"`
}

type PipelineConfig struct {
	OpTimeout         time.Duration `mapstructure:"op_timeout" validate:"gt=0"`
	OpTries           int           `mapstructure:"op_tries" validate:"min=1"`
	Width             int           `mapstructure:"width" validate:"min=0"`
	AbortRing         int           `mapstructure:"abort_ring" validate:"min=1"`
	SnapshotParameter int           `mapstructure:"snapshot_parameter" validate:"min=2"`
	// Prefetch overrides the stage's own prefetch count when positive.
	Prefetch      int           `mapstructure:"prefetch" validate:"min=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

type HTTPConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RPS     float64       `mapstructure:"rps" validate:"gt=0"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"min=1,max=65535"`
}

type OTelConfig struct {
	Endpoint      string  `mapstructure:"endpoint"`
	SamplingRatio float64 `mapstructure:"sampling_ratio" validate:"min=0,max=1"`
	Insecure      bool    `mapstructure:"insecure"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn warning error critical"`
	// File enables rotated file output in addition to stdout.
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size" validate:"min=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
	MaxAge     int    `mapstructure:"max_age" validate:"min=0"`
	Compress   bool   `mapstructure:"compress"`
}

// Validate checks field constraints and the settings each driver needs.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var errs []error
	if c.Broker.Driver == BrokerKafka && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required by the kafka driver"))
	}
	if c.Broker.Driver == BrokerAMQP && c.AMQP.URL == "" && c.AMQP.Host == "" {
		errs = append(errs, errors.New("amqp.url or amqp.host is required by the amqp driver"))
	}
	if c.Database.Driver == DatabaseSQLite && c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required by the sqlite driver"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
