package sink

import (
	"context"
	"io"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/ostrace/internal/config"
	"firestige.xyz/ostrace/internal/record"
)

// Stream writes one encoded record per line to an io.Writer.
type Stream struct {
	name   string
	format string

	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// NewConsole writes to w, or stdout when w is nil.
func NewConsole(w io.Writer, format string) *Stream {
	if w == nil {
		w = os.Stdout
	}
	return &Stream{name: config.SinkConsole, format: format, w: w}
}

// NewFile writes to a rotated file.
func NewFile(path, format string, rot config.RotationConfig) *Stream {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   rot.Compress,
	}
	return &Stream{name: config.SinkFile, format: format, w: lj, c: lj}
}

// Name returns the sink type.
func (s *Stream) Name() string { return s.name }

// Write appends rec and a newline.
func (s *Stream) Write(_ context.Context, rec *record.LogRecord) error {
	line, err := Encode(rec, s.format)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(line)
	return err
}

// Close closes the underlying file, if any.
func (s *Stream) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}
