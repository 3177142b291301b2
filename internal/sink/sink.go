// Package sink delivers decoded syslog records to their destinations.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"firestige.xyz/ostrace/internal/config"
	"firestige.xyz/ostrace/internal/metrics"
	"firestige.xyz/ostrace/internal/record"
)

// Sink receives records one at a time. Implementations are safe for
// concurrent use.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec *record.LogRecord) error
	Close() error
}

// Encode renders rec in the given format ("text" or "json") without a
// trailing newline.
func Encode(rec *record.LogRecord, format string) ([]byte, error) {
	switch format {
	case "json":
		return json.Marshal(rec)
	case "text", "":
		return []byte(rec.String()), nil
	default:
		return nil, fmt.Errorf("unsupported record format: %s", format)
	}
}

// New builds the sink described by cfg. cfg must already be validated.
func New(cfg config.SinkConfig, logger *slog.Logger) (Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Type {
	case config.SinkConsole:
		return NewConsole(nil, cfg.Format), nil
	case config.SinkFile:
		return NewFile(cfg.Path, cfg.Format, cfg.Rotation), nil
	case config.SinkKafka:
		return NewKafka(cfg.Kafka, cfg.Format, logger)
	case config.SinkLoki:
		return NewLoki(cfg.Loki, cfg.Format)
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
}

// FromConfig builds every configured sink and fans out to them.
func FromConfig(cfgs []config.SinkConfig, logger *slog.Logger) (*Multi, error) {
	sinks := make([]Sink, 0, len(cfgs))
	for i, c := range cfgs {
		s, err := New(c, logger)
		if err != nil {
			for _, built := range sinks {
				built.Close()
			}
			return nil, fmt.Errorf("sink %d (%s): %w", i, c.Type, err)
		}
		sinks = append(sinks, s)
	}
	return NewMulti(logger, sinks...), nil
}

// Multi fans each record out to every sink. A failing sink does not stop
// delivery to the others.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti creates a fan-out over sinks.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{sinks: sinks, logger: logger}
}

// Name returns "multi".
func (m *Multi) Name() string { return "multi" }

// Sinks returns the wrapped sinks.
func (m *Multi) Sinks() []Sink { return m.sinks }

// Write delivers rec to every sink and joins their errors.
func (m *Multi) Write(ctx context.Context, rec *record.LogRecord) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, rec); err != nil {
			metrics.SinkWritesTotal.WithLabelValues(s.Name(), "failure").Inc()
			m.logger.Warn("sink write failed", "sink", s.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		metrics.SinkWritesTotal.WithLabelValues(s.Name(), "success").Inc()
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
