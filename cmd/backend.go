package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"firestige.xyz/ostrace/internal/codec"
	"firestige.xyz/ostrace/internal/config"
	"firestige.xyz/ostrace/internal/locator"
	"firestige.xyz/ostrace/internal/ostrace"
	"firestige.xyz/ostrace/internal/record"
	"firestige.xyz/ostrace/internal/session"
	"firestige.xyz/ostrace/internal/transport"
)

// Backend opens device-side resources for the commands.
type Backend interface {
	Devices(ctx context.Context) ([]locator.Device, error)
	OpenRelay(ctx context.Context) (RelayClient, error)
	OpenService(ctx context.Context, service string, format codec.Format) (ServiceClient, error)
}

// RelayClient is the os_trace_relay surface used by the commands.
type RelayClient interface {
	PidList(ctx context.Context) (map[string]any, error)
	Syslog(ctx context.Context, pid int) (RecordStream, error)
	CreateArchive(ctx context.Context, out io.Writer, opts ostrace.ArchiveOptions) (ostrace.ArchiveResult, error)
	Close() error
}

// RecordStream yields live records. Err reports the error that ended it.
type RecordStream interface {
	All() iter.Seq2[*record.LogRecord, error]
	Err() error
	Close() error
}

// ServiceClient exchanges raw plist values with any service.
type ServiceClient interface {
	SendRecvValue(v any) (codec.Value, error)
	Close() error
}

var errNoListing = errors.New("device listing requires the usbmux locator")

type deviceBackend struct {
	cfg    *config.GlobalConfig
	loc    locator.Locator
	mux    *locator.MuxLocator
	logger *slog.Logger
}

func newDeviceBackend(cfg *config.GlobalConfig, logger *slog.Logger) (*deviceBackend, error) {
	b := &deviceBackend{cfg: cfg, logger: logger}
	switch cfg.Locator.Type {
	case "usbmux":
		b.mux = locator.NewMuxLocator(
			locator.Services(cfg.Locator.ServicePorts()),
			locator.WithSocket(cfg.Locator.Usbmux.Socket),
			locator.WithPollInterval(cfg.Locator.Usbmux.PollInterval),
			locator.WithMuxLogger(logger),
		)
		b.loc = b.mux
	case "tcp":
		b.loc = locator.NewTCPLocator(cfg.Locator.ServiceAddresses(), logger)
	default:
		return nil, fmt.Errorf("unsupported locator type: %s", cfg.Locator.Type)
	}
	return b, nil
}

func (b *deviceBackend) Devices(ctx context.Context) ([]locator.Device, error) {
	if b.mux == nil {
		return nil, errNoListing
	}
	return b.mux.Devices(ctx)
}

func (b *deviceBackend) sessionOptions(format codec.Format) ([]session.Option, error) {
	opts := []session.Option{
		session.WithFormat(format),
		session.WithLogger(b.logger),
		session.WithTransportOptions(transport.Options{
			MaxFrameSize: uint32(b.cfg.Transport.MaxFrameBytes),
			PollInterval: b.cfg.Transport.PollInterval,
		}),
	}
	if b.cfg.TLS.Enabled {
		keys, err := transport.LoadKeyMaterial(b.cfg.TLS.CertFile, b.cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, session.WithKeyMaterial(keys))
	}
	return opts, nil
}

// connectContext bounds device discovery and connection setup.
func (b *deviceBackend) connectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.cfg.Device.WaitTimeout)
}

func (b *deviceBackend) OpenRelay(ctx context.Context) (RelayClient, error) {
	opts, err := b.sessionOptions(codec.XML)
	if err != nil {
		return nil, err
	}
	cctx, cancel := b.connectContext(ctx)
	defer cancel()

	svc, err := ostrace.Open(cctx, b.loc, b.cfg.Device.UDID, opts...)
	if err != nil {
		return nil, err
	}
	return relay{svc}, nil
}

func (b *deviceBackend) OpenService(ctx context.Context, service string, format codec.Format) (ServiceClient, error) {
	opts, err := b.sessionOptions(format)
	if err != nil {
		return nil, err
	}
	cctx, cancel := b.connectContext(ctx)
	defer cancel()

	return session.Open(cctx, b.loc, b.cfg.Device.UDID, service, opts...)
}

// relay adapts *ostrace.Service to RelayClient.
type relay struct {
	*ostrace.Service
}

func (r relay) Syslog(ctx context.Context, pid int) (RecordStream, error) {
	st, err := r.Service.Syslog(ctx, pid)
	if err != nil {
		return nil, err
	}
	return st, nil
}
