package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"firestige.xyz/ostrace/internal/core"
	"firestige.xyz/ostrace/internal/metrics"
)

// legacyCipherSuite is the AES256-SHA suite lockdown services negotiate.
// It only exists up to TLS 1.2.
const legacyCipherSuite = tls.TLS_RSA_WITH_AES_256_CBC_SHA

// KeyMaterial is the PEM-encoded host certificate and private key obtained at
// pairing time.
type KeyMaterial struct {
	CertPEM []byte
	KeyPEM  []byte
}

// LoadKeyMaterial reads a certificate and key from disk.
func LoadKeyMaterial(certFile, keyFile string) (KeyMaterial, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("read private key: %w", err)
	}
	return KeyMaterial{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// ClientTLSConfig builds the client configuration used by Upgrade.
func ClientTLSConfig(m KeyMaterial) (*tls.Config, error) {
	pair, err := tls.X509KeyPair(m.CertPEM, m.KeyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		CipherSuites: []uint16{legacyCipherSuite},
		MinVersion:   tls.VersionTLS10,
		MaxVersion:   tls.VersionTLS12,
		// the peer was authenticated when the device was paired
		InsecureSkipVerify: true, //nolint:gosec
	}, nil
}

// Upgrade performs a TLS client handshake in place over the existing stream.
// On success every later read and write goes through TLS. On failure the
// connection is closed; there is no plaintext fallback.
//
// Upgrade must not run concurrently with other I/O on c.
func (c *Conn) Upgrade(ctx context.Context, m KeyMaterial) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: %w", core.ErrSecureChannel, core.ErrConnectionClosed)
	}
	if c.State() == StateSecured {
		c.Close()
		return c.upgradeFailed(fmt.Errorf("connection already secured"))
	}

	cfg, err := ClientTLSConfig(m)
	if err != nil {
		c.Close()
		return c.upgradeFailed(fmt.Errorf("load key pair: %w", err))
	}

	raw := c.stream()
	if err := raw.SetReadDeadline(time.Time{}); err != nil {
		c.Close()
		return c.upgradeFailed(err)
	}

	tconn := tls.Client(raw, cfg)
	if err := tconn.HandshakeContext(ctx); err != nil {
		c.Close()
		return c.upgradeFailed(fmt.Errorf("handshake: %w", err))
	}

	c.mu.Lock()
	c.raw = tconn
	c.mu.Unlock()
	c.state.Store(int32(StateSecured))
	metrics.SecureUpgradesTotal.WithLabelValues("success").Inc()
	return nil
}

func (c *Conn) upgradeFailed(err error) error {
	metrics.SecureUpgradesTotal.WithLabelValues("failure").Inc()
	return fmt.Errorf("%w: %w", core.ErrSecureChannel, err)
}
