package locator

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"firestige.xyz/ostrace/internal/core"
)

// TCPLocator dials services at fixed addresses, for devices reachable through
// a port forwarder or a tunnel. The udid is ignored.
type TCPLocator struct {
	addresses map[string]string
	dialer    net.Dialer
	logger    *slog.Logger
}

// NewTCPLocator creates a locator over a service → host:port table.
func NewTCPLocator(addresses map[string]string, logger *slog.Logger) *TCPLocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPLocator{
		addresses: addresses,
		logger:    logger.With("locator", "tcp"),
	}
}

func (l *TCPLocator) Connect(ctx context.Context, udid, service string) (net.Conn, error) {
	addr, ok := l.addresses[service]
	if !ok || addr == "" {
		return nil, fmt.Errorf("%w: no address configured for %s", core.ErrServiceUnavailable, service)
	}
	conn, err := l.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s at %s: %w", core.ErrServiceUnavailable, service, addr, err)
	}
	l.logger.Debug("service connected", "service", service, "addr", addr)
	return conn, nil
}
