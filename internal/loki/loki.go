// Package loki pushes log lines to Grafana Loki over its HTTP push API.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("loki writer is closed")

// Config contains configuration for the Loki writer.
type Config struct {
	Endpoint      string            // Loki push endpoint URL
	Labels        map[string]string // Stream labels shared by every entry
	BatchSize     int               // Number of entries per push
	FlushInterval time.Duration     // Background flush period
	MaxRetries    int
	HTTPClient    *http.Client
}

// Writer batches entries and pushes them to Loki. It implements io.Writer
// so it can back a slog handler.
type Writer struct {
	endpoint      string
	labels        map[string]string
	batchSize     int
	flushInterval time.Duration
	maxRetries    int
	httpClient    *http.Client

	mu      sync.Mutex
	batch   []entry
	closed  bool
	lastErr error
	closeCh chan struct{}
	wg      sync.WaitGroup
}

type entry struct {
	timestamp time.Time
	line      string
	labels    map[string]string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// New creates a Writer and starts its background flusher.
func New(cfg Config) (*Writer, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("loki endpoint is required")
	}

	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	labels := maps.Clone(cfg.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "ostrace"
	}

	w := &Writer{
		endpoint:      cfg.Endpoint,
		labels:        labels,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		maxRetries:    maxRetries,
		httpClient:    client,
		batch:         make([]entry, 0, batchSize),
		closeCh:       make(chan struct{}),
	}

	w.wg.Add(1)
	go w.flusher()

	return w, nil
}

// Write queues p as one line stamped with the current time.
func (w *Writer) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	if err := w.Push(time.Now(), line, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Push queues a line with extra stream labels. A push failure triggered by
// a full batch is kept for LastError and does not fail the call.
func (w *Writer) Push(ts time.Time, line string, labels map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	w.batch = append(w.batch, entry{timestamp: ts, line: line, labels: labels})
	if len(w.batch) >= w.batchSize {
		w.flushLocked()
	}
	return nil
}

// Flush pushes whatever is queued.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// LastError returns the most recent push failure.
func (w *Writer) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Close flushes remaining entries and stops the flusher.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	err := w.flushLocked()
	w.mu.Unlock()

	close(w.closeCh)
	w.wg.Wait()

	return err
}

func (w *Writer) flusher() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed {
				w.flushLocked()
			}
			w.mu.Unlock()
		case <-w.closeCh:
			return
		}
	}
}

// flushLocked must be called with w.mu held. The batch is dropped even when
// the push fails so a dead endpoint cannot grow it without bound.
func (w *Writer) flushLocked() error {
	if len(w.batch) == 0 {
		return nil
	}

	data, err := json.Marshal(w.buildRequest())
	w.batch = w.batch[:0]
	if err != nil {
		w.lastErr = fmt.Errorf("failed to marshal loki request: %w", err)
		return w.lastErr
	}

	if err := w.sendWithRetry(data); err != nil {
		w.lastErr = err
		return err
	}
	return nil
}

// buildRequest groups the batch into one stream per distinct label set.
func (w *Writer) buildRequest() pushRequest {
	var req pushRequest
	index := make(map[string]int)
	for _, e := range w.batch {
		labels := w.labels
		if len(e.labels) > 0 {
			labels = maps.Clone(w.labels)
			maps.Copy(labels, e.labels)
		}
		key := labelKey(labels)
		i, ok := index[key]
		if !ok {
			i = len(req.Streams)
			index[key] = i
			req.Streams = append(req.Streams, stream{Stream: labels})
		}
		req.Streams[i].Values = append(req.Streams[i].Values, []string{
			strconv.FormatInt(e.timestamp.UnixNano(), 10),
			e.line,
		})
	}
	return req
}

func labelKey(labels map[string]string) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}

// sendWithRetry retries with exponential backoff.
func (w *Writer) sendWithRetry(data []byte) error {
	baseDelay := 100 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < w.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(baseDelay * time.Duration(1<<uint(attempt-1)))
		}
		if lastErr = w.send(data); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("loki push failed after %d attempts: %w", w.maxRetries, lastErr)
}

func (w *Writer) send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("loki push failed with status %d: %s", resp.StatusCode, body)
	}
	return nil
}
