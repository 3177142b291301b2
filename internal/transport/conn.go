// Package transport implements the framed byte-stream connection to a device
// service: exact reads, length-prefixed frames and the in-place TLS upgrade.
//
// A Conn is owned by one session and is not safe for concurrent protocol use.
// Only WriteFrame is atomic with respect to other writers; request/response
// sequencing must be serialised by the caller.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/ostrace/internal/core"
	"firestige.xyz/ostrace/internal/metrics"
)

const (
	defaultMaxFrameSize = 64 << 20
	defaultPollInterval = 10 * time.Millisecond
)

// State is the security state of a connection.
type State int32

const (
	StatePlain State = iota
	StateSecured
)

func (s State) String() string {
	switch s {
	case StatePlain:
		return "plain"
	case StateSecured:
		return "secured"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options constrains frame sizes and non-blocking reads.
type Options struct {
	// MaxFrameSize bounds the declared length of an incoming frame.
	MaxFrameSize uint32
	// PollInterval is how long a non-blocking read waits for the first byte.
	PollInterval time.Duration
}

// DefaultOptions returns the limits used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxFrameSize: defaultMaxFrameSize,
		PollInterval: defaultPollInterval,
	}
}

// Conn wraps a raw device stream.
type Conn struct {
	opts Options

	mu  sync.Mutex // guards raw across Upgrade
	raw net.Conn

	wmu      sync.Mutex
	state    atomic.Int32
	blocking atomic.Bool
	closed   atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// New wraps raw. Zero-valued option fields take their defaults.
func New(raw net.Conn, opts Options) *Conn {
	def := DefaultOptions()
	if opts.MaxFrameSize == 0 {
		opts.MaxFrameSize = def.MaxFrameSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	c := &Conn{raw: raw, opts: opts}
	c.blocking.Store(true)
	return c
}

// State reports whether the connection has been upgraded to TLS.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// MaxFrameSize is the largest payload length the connection accepts.
func (c *Conn) MaxFrameSize() uint32 {
	return c.opts.MaxFrameSize
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// RemoteAddr returns the peer address of the underlying stream.
func (c *Conn) RemoteAddr() net.Addr {
	return c.stream().RemoteAddr()
}

func (c *Conn) stream() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw
}

// Read performs a single read on the stream, like recv(2).
func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.readSome(p, true)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, core.ErrConnectionClosed
		}
		return n, err
	}
	return n, nil
}

// Write sends all of p.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, core.ErrConnectionClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	n, err := c.stream().Write(p)
	metrics.TransportBytesTotal.WithLabelValues(metrics.DirectionWrite).Add(float64(n))
	if err != nil {
		return n, c.mapError(err)
	}
	return n, nil
}

// ReadExact blocks until exactly n bytes have been read.
//
// If the stream ends before the first byte it returns core.ErrConnectionClosed;
// if it ends after a partial read it returns core.ErrTruncatedStream. In
// non-blocking mode only the wait for the first byte may fail with
// core.ErrWouldBlock.
func (c *Conn) ReadExact(n int) ([]byte, error) {
	return c.readExact(n, true)
}

// ReadExactNoPoll is ReadExact without the non-blocking poll. It is used for
// the remainder of a message whose first byte has already been consumed, and
// never returns core.ErrWouldBlock.
func (c *Conn) ReadExactNoPoll(n int) ([]byte, error) {
	return c.readExact(n, false)
}

func (c *Conn) readExact(n int, poll bool) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("transport: negative read length %d", n)
	}
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := c.readSome(buf[got:], poll && got == 0)
		got += m
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if got == 0 {
				return nil, core.ErrConnectionClosed
			}
			if got < n {
				return nil, fmt.Errorf("%w: got %d of %d bytes", core.ErrTruncatedStream, got, n)
			}
			break
		}
		if errors.Is(err, core.ErrWouldBlock) && got > 0 {
			// data is in flight; finish the read
			continue
		}
		return nil, err
	}
	return buf, nil
}

// ReadByte reads a single byte, typically a sub-protocol magic value.
func (c *Conn) ReadByte() (byte, error) {
	b, err := c.ReadExact(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// readSome issues one read. When poll is set and the connection is in
// non-blocking mode the read gives up after PollInterval with ErrWouldBlock.
func (c *Conn) readSome(p []byte, poll bool) (int, error) {
	if c.closed.Load() {
		return 0, core.ErrConnectionClosed
	}
	raw := c.stream()
	if !c.blocking.Load() {
		deadline := time.Time{}
		if poll {
			deadline = time.Now().Add(c.opts.PollInterval)
		}
		if err := raw.SetReadDeadline(deadline); err != nil {
			return 0, c.mapError(err)
		}
	}

	n, err := raw.Read(p)
	if n > 0 {
		metrics.TransportBytesTotal.WithLabelValues(metrics.DirectionRead).Add(float64(n))
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		if isTimeout(err) && !c.blocking.Load() {
			return n, core.ErrWouldBlock
		}
		return n, c.mapError(err)
	}
	return n, nil
}

// SetBlocking toggles blocking reads. In non-blocking mode a read that finds
// no data within the poll interval fails with core.ErrWouldBlock.
func (c *Conn) SetBlocking(blocking bool) error {
	c.blocking.Store(blocking)
	if blocking {
		return c.mapError(c.stream().SetReadDeadline(time.Time{}))
	}
	return nil
}

// Close closes the underlying stream exactly once. In-flight reads return
// core.ErrConnectionClosed.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.stream().Close()
	})
	return c.closeErr
}

func (c *Conn) mapError(err error) error {
	if err == nil {
		return nil
	}
	if c.closed.Load() || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return core.ErrConnectionClosed
	}
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
