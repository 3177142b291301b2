package codec

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/ostrace/internal/transport"
)

// SendValue encodes v and writes it as one big-endian length-prefixed frame.
func SendValue(c *transport.Conn, v any, f Format) error {
	payload, err := Encode(v, f)
	if err != nil {
		return err
	}
	if err := c.WriteFrame(payload); err != nil {
		return fmt.Errorf("send plist: %w", err)
	}
	return nil
}

// RecvValue reads one big-endian length-prefixed frame and decodes it.
// Transport errors are returned unwrapped.
func RecvValue(c *transport.Conn) (Value, error) {
	payload, err := c.ReadFrame(binary.BigEndian)
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}

// SendRecvValue sends v and waits for one reply. It is not atomic with
// respect to other callers sharing c.
func SendRecvValue(c *transport.Conn, v any, f Format) (Value, error) {
	if err := SendValue(c, v, f); err != nil {
		return nil, err
	}
	return RecvValue(c)
}
