package locator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"net"
	"sync/atomic"
	"time"

	"firestige.xyz/ostrace/internal/codec"
	"firestige.xyz/ostrace/internal/core"
	"firestige.xyz/ostrace/internal/transport"
)

const (
	// DefaultMuxSocket is where usbmuxd listens on Linux and macOS.
	DefaultMuxSocket = "/var/run/usbmuxd"

	muxHeaderSize   = 16
	muxVersion      = 1
	muxMessagePlist = 8
	muxMaxMessage   = 4 << 20
	muxLibVersion   = 3
	muxProgName     = "ostrace"
)

// usbmuxd result codes.
const (
	ResultOK                = 0
	ResultBadCommand        = 1
	ResultBadDevice         = 2
	ResultConnectionRefused = 3
	ResultBadVersion        = 6
)

// ResultError is a non-zero usbmuxd result.
type ResultError struct {
	Code int
}

func (e *ResultError) Error() string {
	var name string
	switch e.Code {
	case ResultBadCommand:
		name = "bad command"
	case ResultBadDevice:
		name = "bad device"
	case ResultConnectionRefused:
		name = "connection refused"
	case ResultBadVersion:
		name = "bad version"
	default:
		name = "unknown result"
	}
	return fmt.Sprintf("usbmuxd: %s (%d)", name, e.Code)
}

func (e *ResultError) Unwrap() error {
	return core.ErrServiceUnavailable
}

type muxRequest struct {
	MessageType         string `plist:"MessageType"`
	ClientVersionString string `plist:"ClientVersionString"`
	ProgName            string `plist:"ProgName"`
	LibUSBMuxVersion    int    `plist:"kLibUSBMuxVersion"`
	DeviceID            int    `plist:"DeviceID,omitempty"`
	PortNumber          int    `plist:"PortNumber,omitempty"`
}

type muxResult struct {
	MessageType string `plist:"MessageType"`
	Number      int    `plist:"Number"`
}

type muxDeviceList struct {
	DeviceList []muxAttached `plist:"DeviceList"`
}

type muxAttached struct {
	DeviceID    int           `plist:"DeviceID"`
	MessageType string        `plist:"MessageType"`
	Properties  muxProperties `plist:"Properties"`
}

type muxProperties struct {
	SerialNumber   string `plist:"SerialNumber"`
	ConnectionType string `plist:"ConnectionType"`
	DeviceID       int    `plist:"DeviceID"`
	ProductID      int    `plist:"ProductID"`
	LocationID     int    `plist:"LocationID"`
}

// MuxLocator reaches devices through the usbmuxd daemon.
type MuxLocator struct {
	socket       string
	pollInterval time.Duration
	services     Services
	dialer       net.Dialer
	logger       *slog.Logger
	tag          atomic.Uint32
}

// MuxOption configures a MuxLocator.
type MuxOption func(*MuxLocator)

// WithSocket overrides the usbmuxd socket path.
func WithSocket(path string) MuxOption {
	return func(l *MuxLocator) { l.socket = path }
}

// WithPollInterval sets how often WaitForDevice re-lists devices.
func WithPollInterval(d time.Duration) MuxOption {
	return func(l *MuxLocator) { l.pollInterval = d }
}

// WithMuxLogger sets the logger.
func WithMuxLogger(logger *slog.Logger) MuxOption {
	return func(l *MuxLocator) { l.logger = logger }
}

// NewMuxLocator creates a usbmuxd locator resolving services through the
// given port table.
func NewMuxLocator(services Services, opts ...MuxOption) *MuxLocator {
	l := &MuxLocator{
		socket:       DefaultMuxSocket,
		pollInterval: 500 * time.Millisecond,
		services:     services,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("locator", "usbmux")
	return l
}

// Devices lists attached devices.
func (l *MuxLocator) Devices(ctx context.Context) ([]Device, error) {
	var list muxDeviceList
	err := l.exchange(ctx, "ListDevices", 0, 0, func(c *transport.Conn) error {
		return l.recv(c, &list)
	})
	if err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(list.DeviceList))
	for _, d := range list.DeviceList {
		id := d.DeviceID
		if id == 0 {
			id = d.Properties.DeviceID
		}
		devices = append(devices, Device{
			DeviceID:       id,
			UDID:           d.Properties.SerialNumber,
			ConnectionType: d.Properties.ConnectionType,
			ProductID:      d.Properties.ProductID,
			LocationID:     d.Properties.LocationID,
		})
	}
	return devices, nil
}

// WaitForDevice polls until exactly one attached device matches udid. An
// empty udid matches any device. It gives up when ctx is done.
func (l *MuxLocator) WaitForDevice(ctx context.Context, udid string) (Device, error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		devices, err := l.Devices(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Device{}, fmt.Errorf("%w: udid %q: %w", core.ErrDeviceNotFound, udid, ctx.Err())
			}
			return Device{}, err
		}
		var matches []Device
		for _, d := range devices {
			if udid == "" || d.UDID == udid {
				matches = append(matches, d)
			}
		}
		if len(matches) == 1 {
			return matches[0], nil
		}
		l.logger.Debug("waiting for device", "udid", udid, "matches", len(matches))

		select {
		case <-ctx.Done():
			return Device{}, fmt.Errorf("%w: udid %q (%d matches): %w", core.ErrDeviceNotFound, udid, len(matches), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Connect waits for the device and asks usbmuxd to tunnel to the service
// port. On success the returned stream talks directly to the device.
func (l *MuxLocator) Connect(ctx context.Context, udid, service string) (net.Conn, error) {
	port, err := l.services.Port(service)
	if err != nil {
		return nil, err
	}
	dev, err := l.WaitForDevice(ctx, udid)
	if err != nil {
		return nil, err
	}

	raw, err := l.dial(ctx)
	if err != nil {
		return nil, err
	}
	c := transport.New(raw, transport.Options{MaxFrameSize: muxMaxMessage})
	stop := context.AfterFunc(ctx, func() { c.Close() })

	var res muxResult
	err = l.send(c, "Connect", dev.DeviceID, int(bits.ReverseBytes16(port)))
	if err == nil {
		err = l.recv(c, &res)
	}
	if !stop() {
		c.Close()
		return nil, fmt.Errorf("%w: connect %s: %w", core.ErrServiceUnavailable, service, ctx.Err())
	}
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: connect %s: %w", core.ErrServiceUnavailable, service, err)
	}
	if res.Number != ResultOK {
		c.Close()
		return nil, fmt.Errorf("connect %s on port %d: %w", service, port, &ResultError{Code: res.Number})
	}

	l.logger.Info("service connected", "udid", dev.UDID, "device_id", dev.DeviceID, "service", service, "port", port)
	return raw, nil
}

func (l *MuxLocator) dial(ctx context.Context) (net.Conn, error) {
	conn, err := l.dialer.DialContext(ctx, "unix", l.socket)
	if err != nil {
		return nil, fmt.Errorf("%w: dial usbmuxd %s: %w", core.ErrServiceUnavailable, l.socket, err)
	}
	return conn, nil
}

// exchange runs one request on a fresh usbmuxd connection and closes it.
func (l *MuxLocator) exchange(ctx context.Context, msgType string, deviceID, port int, read func(*transport.Conn) error) error {
	raw, err := l.dial(ctx)
	if err != nil {
		return err
	}
	c := transport.New(raw, transport.Options{MaxFrameSize: muxMaxMessage})
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if err := l.send(c, msgType, deviceID, port); err != nil {
		return l.ctxErr(ctx, err)
	}
	if err := read(c); err != nil {
		return l.ctxErr(ctx, err)
	}
	return nil
}

func (l *MuxLocator) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, core.ErrConnectionClosed) {
		return ctx.Err()
	}
	return err
}

func (l *MuxLocator) send(c *transport.Conn, msgType string, deviceID, port int) error {
	payload, err := codec.Encode(muxRequest{
		MessageType:         msgType,
		ClientVersionString: muxProgName,
		ProgName:            muxProgName,
		LibUSBMuxVersion:    muxLibVersion,
		DeviceID:            deviceID,
		PortNumber:          port,
	}, codec.XML)
	if err != nil {
		return err
	}

	msg := make([]byte, muxHeaderSize, muxHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(msg[0:], uint32(muxHeaderSize+len(payload)))
	binary.LittleEndian.PutUint32(msg[4:], muxVersion)
	binary.LittleEndian.PutUint32(msg[8:], muxMessagePlist)
	binary.LittleEndian.PutUint32(msg[12:], l.tag.Add(1))
	msg = append(msg, payload...)

	_, err = c.Write(msg)
	return err
}

func (l *MuxLocator) recv(c *transport.Conn, out any) error {
	hdr, err := c.ReadExact(muxHeaderSize)
	if err != nil {
		return err
	}
	length := binary.LittleEndian.Uint32(hdr[0:])
	msgType := binary.LittleEndian.Uint32(hdr[8:])
	if length < muxHeaderSize || length > muxMaxMessage {
		return fmt.Errorf("%w: usbmuxd message length %d", core.ErrInvalidPayload, length)
	}
	if msgType != muxMessagePlist {
		return fmt.Errorf("%w: usbmuxd message type %d", core.ErrInvalidPayload, msgType)
	}
	body, err := c.ReadExact(int(length - muxHeaderSize))
	if err != nil {
		return err
	}
	return codec.DecodeInto(body, out)
}
