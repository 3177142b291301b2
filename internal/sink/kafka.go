package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/ostrace/internal/config"
	"firestige.xyz/ostrace/internal/record"
)

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes records to a topic, keyed by pid so one process's records
// stay ordered within a partition.
type Kafka struct {
	writer messageWriter
	format string
	topic  string
	logger *slog.Logger

	written atomic.Uint64
	failed  atomic.Uint64
}

// NewKafka creates a Kafka sink. cfg must already carry defaults.
func NewKafka(cfg config.KafkaSinkConfig, format string, logger *slog.Logger) (*Kafka, error) {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		RequiredAcks: kafka.RequireOne,
	}

	switch cfg.Compression {
	case "none", "":
	case "gzip":
		w.Compression = kafka.Gzip
	case "snappy":
		w.Compression = kafka.Snappy
	case "lz4":
		w.Compression = kafka.Lz4
	case "zstd":
		w.Compression = kafka.Zstd
	default:
		return nil, fmt.Errorf("invalid compression type: %s", cfg.Compression)
	}

	logger.Info("kafka sink started",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", cfg.BatchSize,
		"batch_timeout", cfg.BatchTimeout,
		"compression", cfg.Compression,
	)
	return newKafka(w, cfg.Topic, format, logger), nil
}

func newKafka(w messageWriter, topic, format string, logger *slog.Logger) *Kafka {
	return &Kafka{writer: w, topic: topic, format: format, logger: logger}
}

// Name returns "kafka".
func (k *Kafka) Name() string { return config.SinkKafka }

// Write publishes rec synchronously.
func (k *Kafka) Write(ctx context.Context, rec *record.LogRecord) error {
	value, err := Encode(rec, k.format)
	if err != nil {
		k.failed.Add(1)
		return fmt.Errorf("serialize record failed: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(int64(rec.PID), 10)),
		Value: value,
		Time:  rec.Timestamp,
		Headers: []kafka.Header{
			{Key: "level", Value: []byte(rec.Level.String())},
			{Key: "image", Value: []byte(rec.ImageName)},
		},
	}
	if rec.Label != nil {
		msg.Headers = append(msg.Headers,
			kafka.Header{Key: "subsystem", Value: []byte(rec.Label.Subsystem)},
			kafka.Header{Key: "category", Value: []byte(rec.Label.Category)},
		)
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.failed.Add(1)
		return fmt.Errorf("kafka write failed: %w", err)
	}
	k.written.Add(1)
	return nil
}

// Close flushes pending messages.
func (k *Kafka) Close() error {
	err := k.writer.Close()
	k.logger.Info("kafka sink stopped",
		"topic", k.topic,
		"total_written", k.written.Load(),
		"total_errors", k.failed.Load(),
	)
	return err
}
