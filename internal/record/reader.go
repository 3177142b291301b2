package record

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"firestige.xyz/ostrace/internal/core"
)

// reader walks a record buffer. All multi-byte integers are little-endian.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) need(n int, field string) error {
	if n < 0 || r.remaining() < n {
		return fmt.Errorf("%w: record too short for %s at offset %d (need %d, have %d)",
			core.ErrInvalidPayload, field, r.off, n, r.remaining())
	}
	return nil
}

func (r *reader) skip(n int, field string) error {
	if err := r.need(n, field); err != nil {
		return err
	}
	r.off += n
	return nil
}

func (r *reader) bytes(n int, field string) ([]byte, error) {
	if err := r.need(n, field); err != nil {
		return nil, err
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u8(field string) (uint8, error) {
	b, err := r.bytes(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16(field string) (uint16, error) {
	b, err := r.bytes(2, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32(field string) (uint32, error) {
	b, err := r.bytes(4, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// cstring reads up to and including the next NUL and returns the bytes before it.
func (r *reader) cstring(field string) ([]byte, error) {
	i := bytes.IndexByte(r.buf[r.off:], 0)
	if i < 0 {
		return nil, fmt.Errorf("%w: unterminated %s at offset %d", core.ErrInvalidPayload, field, r.off)
	}
	b := r.buf[r.off : r.off+i]
	r.off += i + 1
	return b, nil
}

// sized reads exactly n bytes and drops one trailing NUL.
func (r *reader) sized(n int, field string) ([]byte, error) {
	b, err := r.bytes(n, field)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(b, []byte{0}), nil
}
