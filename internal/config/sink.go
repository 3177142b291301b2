package config

import (
	"time"
)

// Sink types.
const (
	SinkConsole = "console"
	SinkFile    = "file"
	SinkKafka   = "kafka"
	SinkLoki    = "loki"
)

// SinkConfig describes one destination for syslog records.
type SinkConfig struct {
	Type     string          `mapstructure:"type" yaml:"type"`     // console | file | kafka | loki
	Format   string          `mapstructure:"format" yaml:"format"` // text | json
	Path     string          `mapstructure:"path" yaml:"path"`     // file sink only
	Rotation RotationConfig  `mapstructure:"rotation" yaml:"rotation"`
	Kafka    KafkaSinkConfig `mapstructure:"kafka" yaml:"kafka"`
	Loki     LokiSinkConfig  `mapstructure:"loki" yaml:"loki"`
}

// KafkaSinkConfig configures the Kafka sink.
type KafkaSinkConfig struct {
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	Compression  string        `mapstructure:"compression" yaml:"compression"` // none / gzip / snappy / lz4 / zstd
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// LokiSinkConfig configures the Loki sink.
type LokiSinkConfig struct {
	Endpoint     string            `mapstructure:"endpoint" yaml:"endpoint"`
	Labels       map[string]string `mapstructure:"labels" yaml:"labels"`
	BatchSize    int               `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration     `mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

// ValidateAndApplyDefaults validates the sink and fills in defaults.
func (s *SinkConfig) ValidateAndApplyDefaults() error {
	if s.Format == "" {
		s.Format = "text"
		if s.Type == SinkKafka || s.Type == SinkLoki {
			s.Format = "json"
		}
	}
	if s.Format != "text" && s.Format != "json" {
		return invalid("invalid sink format: %s (must be text/json)", s.Format)
	}

	switch s.Type {
	case SinkConsole:
	case SinkFile:
		if s.Path == "" {
			return invalid("file sink requires path")
		}
		if s.Rotation.MaxSizeMB <= 0 {
			s.Rotation.MaxSizeMB = 100
		}
	case SinkKafka:
		if len(s.Kafka.Brokers) == 0 {
			return invalid("kafka sink requires at least one broker")
		}
		if s.Kafka.Topic == "" {
			return invalid("kafka sink requires topic")
		}
		switch s.Kafka.Compression {
		case "", "none", "gzip", "snappy", "lz4", "zstd":
		default:
			return invalid("unsupported kafka compression: %s", s.Kafka.Compression)
		}
		if s.Kafka.BatchSize <= 0 {
			s.Kafka.BatchSize = 100
		}
		if s.Kafka.BatchTimeout <= 0 {
			s.Kafka.BatchTimeout = time.Second
		}
		if s.Kafka.MaxAttempts <= 0 {
			s.Kafka.MaxAttempts = 3
		}
	case SinkLoki:
		if s.Loki.Endpoint == "" {
			return invalid("loki sink requires endpoint")
		}
		if s.Loki.BatchSize <= 0 {
			s.Loki.BatchSize = 100
		}
		if s.Loki.BatchTimeout <= 0 {
			s.Loki.BatchTimeout = 5 * time.Second
		}
	default:
		return invalid("unsupported sink type: %s", s.Type)
	}
	return nil
}
