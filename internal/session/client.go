// Package session binds a framed transport to one device service and speaks
// property lists over it.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"firestige.xyz/ostrace/internal/codec"
	"firestige.xyz/ostrace/internal/core"
	"firestige.xyz/ostrace/internal/locator"
	"firestige.xyz/ostrace/internal/transport"
)

// Client owns one service connection. It is not safe for concurrent
// request/response use.
type Client struct {
	conn    *transport.Conn
	service string
	format  codec.Format
	logger  *slog.Logger
}

type options struct {
	keys      *transport.KeyMaterial
	format    codec.Format
	transport transport.Options
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*options)

// WithKeyMaterial makes Open upgrade the connection to TLS.
func WithKeyMaterial(m transport.KeyMaterial) Option {
	return func(o *options) { o.keys = &m }
}

// WithFormat sets the plist format used for requests. XML is the default.
func WithFormat(f codec.Format) Option {
	return func(o *options) { o.format = f }
}

// WithTransportOptions sets frame limits and the non-blocking poll interval.
func WithTransportOptions(t transport.Options) Option {
	return func(o *options) { o.transport = t }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{
		format:    codec.XML,
		transport: transport.DefaultOptions(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open asks loc for a stream to service on the device identified by udid and
// wraps it. When key material is configured the stream is upgraded to TLS
// before Open returns.
func Open(ctx context.Context, loc locator.Locator, udid, service string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)

	raw, err := loc.Connect(ctx, udid, service)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", core.ErrServiceUnavailable, service, err)
	}

	c := newClient(raw, service, o)
	if o.keys != nil {
		if err := c.conn.Upgrade(ctx, *o.keys); err != nil {
			return nil, err
		}
		c.logger.Debug("secure channel established")
	}
	c.logger.Info("session opened", "tls", c.conn.State() == transport.StateSecured)
	return c, nil
}

// New wraps an already acquired stream. Key material is ignored; call
// Conn().Upgrade explicitly if needed.
func New(conn net.Conn, opts ...Option) *Client {
	return newClient(conn, "", buildOptions(opts))
}

func newClient(raw net.Conn, service string, o options) *Client {
	logger := o.logger
	if service != "" {
		logger = logger.With("service", service)
	}
	return &Client{
		conn:    transport.New(raw, o.transport),
		service: service,
		format:  o.format,
		logger:  logger,
	}
}

// Service returns the service name the client was opened for.
func (c *Client) Service() string {
	return c.service
}

// Logger returns the client's logger.
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// Conn exposes the framed transport for sub-protocols that bypass the codec.
func (c *Client) Conn() *transport.Conn {
	return c.conn
}

// SendValue writes v as one frame.
func (c *Client) SendValue(v any) error {
	return codec.SendValue(c.conn, v, c.format)
}

// RecvValue reads and decodes one frame.
func (c *Client) RecvValue() (codec.Value, error) {
	return codec.RecvValue(c.conn)
}

// SendRecvValue sends v and returns the decoded reply.
func (c *Client) SendRecvValue(v any) (codec.Value, error) {
	return codec.SendRecvValue(c.conn, v, c.format)
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	return c.conn.Close()
}
