package sink

import (
	"context"

	"firestige.xyz/ostrace/internal/config"
	"firestige.xyz/ostrace/internal/loki"
	"firestige.xyz/ostrace/internal/record"
)

// Loki pushes records as log lines labelled with their level.
type Loki struct {
	w      *loki.Writer
	format string
}

// NewLoki creates a Loki sink.
func NewLoki(cfg config.LokiSinkConfig, format string) (*Loki, error) {
	w, err := loki.New(loki.Config{
		Endpoint:      cfg.Endpoint,
		Labels:        cfg.Labels,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.BatchTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &Loki{w: w, format: format}, nil
}

// Name returns "loki".
func (l *Loki) Name() string { return config.SinkLoki }

// Write queues rec; it is pushed with the next batch.
func (l *Loki) Write(_ context.Context, rec *record.LogRecord) error {
	line, err := Encode(rec, l.format)
	if err != nil {
		return err
	}
	return l.w.Push(rec.Timestamp, string(line), map[string]string{"level": rec.Level.String()})
}

// Close flushes queued records.
func (l *Loki) Close() error { return l.w.Close() }
