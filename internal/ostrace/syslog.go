package ostrace

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"firestige.xyz/ostrace/internal/codec"
	"firestige.xyz/ostrace/internal/core"
	"firestige.xyz/ostrace/internal/metrics"
	"firestige.xyz/ostrace/internal/record"
	"firestige.xyz/ostrace/internal/transport"
)

const (
	// AllProcesses streams records from every process.
	AllProcesses = -1

	syslogMessageFilter = 65535
	syslogStreamFlags   = 60
	syslogRecordMagic   = 0x02
	maxLengthOfLength   = 8
)

// ErrBadMagic is returned when a syslog record is not preceded by its magic
// byte. The stream cannot be resynchronised.
var ErrBadMagic = fmt.Errorf("%w: bad record magic", core.ErrInvalidPayload)

// SyslogStream yields live log records. It owns the service connection.
type SyslogStream struct {
	ctx    context.Context
	conn   *transport.Conn
	stop   func() bool
	logger *slog.Logger

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// Syslog starts the live log stream, optionally filtered to one pid
// (AllProcesses for none). The returned stream blocks in Next while the
// device is silent; cancel ctx or call Close to stop it.
func (s *Service) Syslog(ctx context.Context, pid int) (*SyslogStream, error) {
	stop := s.watch(ctx)
	fail := func(err error) (*SyslogStream, error) {
		stop()
		s.client.Close()
		return nil, s.ctxErr(ctx, err)
	}

	req := startActivityRequest{
		Request:       requestStartActivity,
		MessageFilter: syslogMessageFilter,
		Pid:           pid,
		StreamFlags:   syslogStreamFlags,
	}
	if err := s.client.SendValue(req); err != nil {
		return fail(err)
	}

	payload, err := s.readActivityResponse(ctx)
	if err != nil {
		return fail(err)
	}
	var status StatusResponse
	if err := codec.DecodeInto(payload, &status); err != nil {
		return fail(err)
	}
	if err := status.Err(); err != nil {
		return fail(err)
	}

	s.logger.Info("syslog stream started", "pid", pid)
	return &SyslogStream{
		ctx:    ctx,
		conn:   s.conn(),
		stop:   stop,
		logger: s.logger,
	}, nil
}

// readActivityResponse reads the StartActivity reply, which is prefixed by a
// little-endian u32 giving the width of the length field that follows.
func (s *Service) readActivityResponse(ctx context.Context) ([]byte, error) {
	c := s.conn()
	first, err := await(ctx, c.ReadByte)
	if err != nil {
		return nil, err
	}
	rest, err := c.ReadExactNoPoll(3)
	if err != nil {
		return nil, truncated(err, "activity response header")
	}
	hdr := append([]byte{first}, rest...)
	width := binary.LittleEndian.Uint32(hdr)
	if width == 0 || width > maxLengthOfLength {
		return nil, fmt.Errorf("%w: length field width %d", core.ErrInvalidPayload, width)
	}

	raw, err := c.ReadExactNoPoll(int(width))
	if err != nil {
		return nil, truncated(err, "activity response length")
	}
	// the length arrives least significant byte first
	slices.Reverse(raw)
	var length uint64
	for _, b := range raw {
		length = length<<8 | uint64(b)
	}
	if length > uint64(c.MaxFrameSize()) {
		return nil, fmt.Errorf("%w: response of %d bytes, limit %d", core.ErrFrameTooLarge, length, c.MaxFrameSize())
	}

	payload, err := c.ReadExactNoPoll(int(length))
	if err != nil && length > 0 {
		return nil, truncated(err, fmt.Sprintf("activity response of %d bytes", length))
	}
	return payload, err
}

// truncated reports a close in the middle of a message as a truncated stream.
func truncated(err error, what string) error {
	if errors.Is(err, core.ErrConnectionClosed) {
		return fmt.Errorf("%w: %s", core.ErrTruncatedStream, what)
	}
	return err
}

// Next blocks for the next record.
//
// A record that fails to decode is reported on its own and the stream stays
// usable. Transport failures and a bad magic byte are sticky: every later call
// returns the same error. A clean close by the device yields
// core.ErrConnectionClosed. In non-blocking mode Next returns
// core.ErrWouldBlock when no record has started arriving; the stream stays
// usable and the call can be repeated.
func (st *SyslogStream) Next() (*record.LogRecord, error) {
	if err := st.Err(); err != nil {
		return nil, err
	}

	magic, err := st.conn.ReadByte()
	if errors.Is(err, core.ErrWouldBlock) {
		return nil, err
	}
	if err != nil {
		return nil, st.fail(err)
	}
	if magic != syslogRecordMagic {
		return nil, st.fail(fmt.Errorf("%w: got 0x%02x", ErrBadMagic, magic))
	}

	payload, err := st.conn.ReadFrameNoPoll(binary.LittleEndian)
	if err != nil {
		if !st.conn.Closed() {
			err = truncated(err, "connection closed after record magic")
		}
		return nil, st.fail(err)
	}

	rec, err := record.Decode(payload)
	if err != nil {
		metrics.RecordErrorsTotal.Inc()
		st.logger.Debug("record decode failed", "size", len(payload), "error", err)
		return nil, err
	}
	metrics.RecordsDecodedTotal.WithLabelValues(rec.Level.String()).Inc()
	return rec, nil
}

// All yields records until the stream ends. Per-record decode errors are
// yielded with a nil record and iteration continues; a fatal error is yielded
// once and ends iteration. A clean close or Close ends iteration silently.
// In non-blocking mode idle polls are absorbed.
func (st *SyslogStream) All() iter.Seq2[*record.LogRecord, error] {
	return func(yield func(*record.LogRecord, error) bool) {
		for {
			rec, err := st.Next()
			if errors.Is(err, core.ErrWouldBlock) {
				if ctxErr := st.ctx.Err(); ctxErr != nil {
					yield(nil, ctxErr)
					return
				}
				continue
			}
			if err == nil {
				if !yield(rec, nil) {
					return
				}
				continue
			}
			if st.Err() == nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if errors.Is(err, core.ErrConnectionClosed) {
				return
			}
			yield(nil, err)
			return
		}
	}
}

// Err returns the sticky error that ended the stream, if any.
func (st *SyslogStream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

func (st *SyslogStream) fail(err error) error {
	if st.ctx.Err() != nil && errors.Is(err, core.ErrConnectionClosed) {
		err = st.ctx.Err()
	}
	st.mu.Lock()
	if st.err == nil {
		st.err = err
	}
	err = st.err
	st.mu.Unlock()
	return err
}

// Close ends the stream and closes the connection, unblocking a pending Next.
func (st *SyslogStream) Close() error {
	var err error
	st.closeOnce.Do(func() {
		st.stop()
		err = st.conn.Close()
	})
	return err
}
