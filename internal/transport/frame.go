package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"firestige.xyz/ostrace/internal/core"
	"firestige.xyz/ostrace/internal/metrics"
)

// FrameHeaderSize is the size of the u32 length prefix.
const FrameHeaderSize = 4

// ReadFrame reads a u32 length in the given byte order followed by that many
// payload bytes.
//
// A clean close at the length field returns core.ErrConnectionClosed. A zero
// length yields an empty, non-nil payload. In non-blocking mode
// core.ErrWouldBlock is returned only while no byte of the frame has arrived;
// once the header has started the rest of the frame is read to completion.
func (c *Conn) ReadFrame(order binary.ByteOrder) ([]byte, error) {
	return c.readFrame(order, true)
}

// ReadFrameNoPoll reads a frame that directly follows bytes the caller has
// already consumed, such as a record magic. It never returns
// core.ErrWouldBlock.
func (c *Conn) ReadFrameNoPoll(order binary.ByteOrder) ([]byte, error) {
	return c.readFrame(order, false)
}

func (c *Conn) readFrame(order binary.ByteOrder, poll bool) ([]byte, error) {
	first, err := c.readExact(1, poll)
	if err != nil {
		return nil, err
	}
	rest, err := c.readExact(FrameHeaderSize-1, false)
	if err != nil {
		if errors.Is(err, core.ErrConnectionClosed) {
			return nil, fmt.Errorf("%w: got 1 of %d header bytes", core.ErrTruncatedStream, FrameHeaderSize)
		}
		return nil, err
	}
	hdr := append(first, rest...)
	length := order.Uint32(hdr)
	if length > c.opts.MaxFrameSize {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", core.ErrFrameTooLarge, length, c.opts.MaxFrameSize)
	}

	payload, err := c.readExact(int(length), false)
	if err != nil {
		if errors.Is(err, core.ErrConnectionClosed) {
			// the header was consumed, so this is a mid-frame close
			return nil, fmt.Errorf("%w: frame of %d bytes", core.ErrTruncatedStream, length)
		}
		return nil, err
	}
	metrics.TransportFramesTotal.WithLabelValues(metrics.DirectionRead).Inc()
	return payload, nil
}

// WriteFrame writes a big-endian u32 length followed by payload in a single
// write, so concurrent writers never interleave bytes.
func (c *Conn) WriteFrame(payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes does not fit a u32 length", core.ErrFrameTooLarge, len(payload))
	}
	msg := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(msg, uint32(len(payload)))
	copy(msg[FrameHeaderSize:], payload)

	if _, err := c.Write(msg); err != nil {
		return err
	}
	metrics.TransportFramesTotal.WithLabelValues(metrics.DirectionWrite).Inc()
	return nil
}
