// Package locator acquires raw device streams for named services.
package locator

import (
	"context"
	"fmt"
	"net"

	"firestige.xyz/ostrace/internal/core"
)

// ServiceName is the lockdown name of the log relay service.
const ServiceName = "com.apple.os_trace_relay"

// Locator routes a named service on a device to a raw byte stream.
type Locator interface {
	Connect(ctx context.Context, udid, service string) (net.Conn, error)
}

// Lister is implemented by locators that can enumerate attached devices.
type Lister interface {
	Devices(ctx context.Context) ([]Device, error)
}

// Device is an attached device as reported by the locator.
type Device struct {
	DeviceID       int    `json:"device_id" yaml:"device_id"`
	UDID           string `json:"udid" yaml:"udid"`
	ConnectionType string `json:"connection_type" yaml:"connection_type"`
	ProductID      int    `json:"product_id,omitempty" yaml:"product_id,omitempty"`
	LocationID     int    `json:"location_id,omitempty" yaml:"location_id,omitempty"`
}

// Services maps service names to device ports.
type Services map[string]uint16

// Port resolves a service name.
func (s Services) Port(service string) (uint16, error) {
	port, ok := s[service]
	if !ok || port == 0 {
		return 0, fmt.Errorf("%w: no port configured for %s", core.ErrServiceUnavailable, service)
	}
	return port, nil
}
