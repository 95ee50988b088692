// Package config loads the notifier configuration from an optional YAML file
// and NOTIFIER_* environment variables.
package config

import "time"

// Storage and transport drivers.
const (
	DriverPostgres = "postgres"
	DriverKafka    = "kafka"
	DriverMemory   = "memory"
)

// Config represents the top-level configuration.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Processor  ProcessorConfig  `mapstructure:"processor"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Cluster    ClusterConfig    `mapstructure:"cluster"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	HTTP       HTTPConfig       `mapstructure:"http"`
}

// ServiceConfig identifies this replica.
type ServiceConfig struct {
	Name string `mapstructure:"name" validate:"required"`
	// InstanceID defaults to the hostname, which is the pod name on Kubernetes.
	InstanceID  string `mapstructure:"instance_id" validate:"required"`
	Environment string `mapstructure:"environment"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	// OTelBridge also sends records through the OpenTelemetry log bridge.
	OTelBridge bool `mapstructure:"otel_bridge"`
}

type DatabaseConfig struct {
	Driver        string `mapstructure:"driver" validate:"oneof=postgres memory"`
	DSN           string `mapstructure:"dsn" validate:"required_if=Driver postgres"`
	MinConns      int32  `mapstructure:"min_conns" validate:"gte=0"`
	MaxConns      int32  `mapstructure:"max_conns" validate:"gte=1,gtefield=MinConns"`
	MigrationsDir string `mapstructure:"migrations_dir" validate:"required_if=AutoMigrate true"`
	AutoMigrate   bool   `mapstructure:"auto_migrate"`
}

type KafkaConfig struct {
	Driver             string   `mapstructure:"driver" validate:"oneof=kafka memory"`
	Brokers            []string `mapstructure:"brokers" validate:"required_if=Driver kafka,dive,hostname_port"`
	Version            string   `mapstructure:"version" validate:"required"`
	NotificationsTopic string   `mapstructure:"notifications_topic" validate:"required"`
	TaskControlTopic   string   `mapstructure:"task_control_topic" validate:"required"`
	LifecycleTopic     string   `mapstructure:"lifecycle_topic" validate:"required"`
	// DeadLetterTopic is optional; without it permanently failing records are
	// logged and skipped.
	DeadLetterTopic      string        `mapstructure:"dead_letter_topic"`
	GroupID              string        `mapstructure:"group_id" validate:"required"`
	HandlerRetries       int           `mapstructure:"handler_retries" validate:"gte=1"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval" validate:"gt=0"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval" validate:"gtefield=RetryInitialInterval"`
	RejoinBackoff        time.Duration `mapstructure:"rejoin_backoff" validate:"gt=0"`
}

type ProcessorConfig struct {
	CacheSize              int `mapstructure:"cache_size" validate:"gte=1"`
	ErrorDetailThreshold   int `mapstructure:"error_detail_threshold" validate:"gte=0"`
	MaxAdditionalInfoBytes int `mapstructure:"max_additional_info_bytes" validate:"gte=1"`
}

type ReconcilerConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Schedule      string  `mapstructure:"schedule" validate:"required_if=Enabled true"`
	BatchSize     int     `mapstructure:"batch_size" validate:"gte=1"`
	Concurrency   int     `mapstructure:"concurrency" validate:"gte=1"`
	RatePerSecond float64 `mapstructure:"rate_per_second" validate:"gt=0"`
}

type ClusterConfig struct {
	Mode string `mapstructure:"mode" validate:"oneof=standalone kubernetes redis"`
	// LeaseName is the Lease object name on Kubernetes and the key in Redis.
	LeaseName     string        `mapstructure:"lease_name" validate:"required"`
	Namespace     string        `mapstructure:"namespace" validate:"required_if=Mode kubernetes"`
	KubeConfig    string        `mapstructure:"kubeconfig"`
	RedisAddr     string        `mapstructure:"redis_addr" validate:"required_if=Mode redis,omitempty,hostname_port"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" validate:"gte=0"`
	LeaseDuration time.Duration `mapstructure:"lease_duration" validate:"gt=0"`
	RenewDeadline time.Duration `mapstructure:"renew_deadline" validate:"gt=0,ltfield=LeaseDuration"`
	RetryPeriod   time.Duration `mapstructure:"retry_period" validate:"gt=0,ltfield=RenewDeadline"`
}

type TelemetryConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint      string  `mapstructure:"endpoint" validate:"omitempty,hostname_port"`
	SamplingRatio float64 `mapstructure:"sampling_ratio" validate:"gte=0,lte=1"`
	Insecure      bool    `mapstructure:"insecure"`
	// MetricInterval is how often metrics are pushed to the collector.
	MetricInterval time.Duration `mapstructure:"metric_interval" validate:"gt=0"`
}

type HTTPConfig struct {
	OpsAddr string `mapstructure:"ops_addr" validate:"required,hostname_port"`
	// DebugAddr serves pprof and statsviz. Empty disables the debug server.
	DebugAddr       string        `mapstructure:"debug_addr" validate:"omitempty,hostname_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}
