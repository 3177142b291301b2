// Package ostrace implements the com.apple.os_trace_relay protocol: the
// process list, the log archive transfer and the live syslog stream.
//
// Each operation takes over the session connection. Archive and syslog switch
// the connection to a raw sub-protocol, after which no further requests can be
// issued on it.
package ostrace

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"firestige.xyz/ostrace/internal/codec"
	"firestige.xyz/ostrace/internal/core"
	"firestige.xyz/ostrace/internal/locator"
	"firestige.xyz/ostrace/internal/session"
	"firestige.xyz/ostrace/internal/transport"
)

// ServiceName is the lockdown service this package speaks to.
const ServiceName = locator.ServiceName

// Service is a client of one os_trace_relay connection.
type Service struct {
	client *session.Client
	logger *slog.Logger
}

// New wraps an open session.
func New(client *session.Client) *Service {
	return &Service{
		client: client,
		logger: client.Logger().With("component", "ostrace"),
	}
}

// Open starts a session to the relay service on the given device.
func Open(ctx context.Context, loc locator.Locator, udid string, opts ...session.Option) (*Service, error) {
	client, err := session.Open(ctx, loc, udid, ServiceName, opts...)
	if err != nil {
		return nil, err
	}
	return New(client), nil
}

// Close closes the underlying connection.
func (s *Service) Close() error {
	return s.client.Close()
}

func (s *Service) conn() *transport.Conn {
	return s.client.Conn()
}

// watch closes the connection when ctx is done. The returned function
// detaches the watcher.
func (s *Service) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		s.logger.Debug("context done, closing connection", "cause", context.Cause(ctx))
		s.client.Close()
	})
}

// ctxErr prefers the context error when a read failed because the context
// closed the connection.
func (s *Service) ctxErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil && errors.Is(err, core.ErrConnectionClosed) {
		return ctx.Err()
	}
	return err
}

// await repeats read while it reports core.ErrWouldBlock, which only happens
// in non-blocking mode before the first byte of a message has arrived.
func await[T any](ctx context.Context, read func() (T, error)) (T, error) {
	for {
		v, err := read()
		if !errors.Is(err, core.ErrWouldBlock) {
			return v, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return v, ctxErr
		}
	}
}

// PidList returns the decoded process list response.
func (s *Service) PidList(ctx context.Context) (map[string]any, error) {
	stop := s.watch(ctx)
	defer stop()

	if err := s.client.SendValue(pidListRequest{Request: requestPidList}); err != nil {
		return nil, s.ctxErr(ctx, err)
	}
	// the relay prefixes the reply with one byte of unknown meaning
	if _, err := await(ctx, s.conn().ReadByte); err != nil {
		return nil, s.ctxErr(ctx, err)
	}
	payload, err := s.conn().ReadFrameNoPoll(binary.BigEndian)
	if err != nil {
		return nil, s.ctxErr(ctx, err)
	}
	v, err := codec.Decode(payload)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: pid list is %T, want dictionary", core.ErrInvalidPayload, v)
	}
	return m, nil
}
