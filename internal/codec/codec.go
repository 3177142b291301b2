// Package codec serialises structured values as property lists and moves them
// over a framed transport.
//
// Payloads are dispatched on their leading bytes: "bplist00" selects the
// binary decoder and "<?xml" the XML decoder. XML payloads are sanitised
// before parsing.
package codec

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mitchellh/mapstructure"
	"howett.net/plist"

	"firestige.xyz/ostrace/internal/core"
)

// Value is a decoded property list: map[string]any, []any, string, uint64,
// int64, float64, bool, []byte or time.Time.
type Value = any

// Format selects the serialisation used when encoding.
type Format int

const (
	// XML is the format the device-side tooling sends by default.
	XML Format = iota
	Binary
)

func (f Format) String() string {
	switch f {
	case XML:
		return "xml"
	case Binary:
		return "binary"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat accepts "xml", "binary" or "bin". The empty string means XML.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "xml":
		return XML, nil
	case "binary", "bin":
		return Binary, nil
	default:
		return 0, fmt.Errorf("unknown plist format %q", s)
	}
}

var (
	binaryMagic = []byte("bplist00")
	xmlMagic    = []byte("<?xml")
)

// payloadPrefixLen bounds how much of a rejected payload is reported.
const payloadPrefixLen = 100

// PayloadError reports a payload that is not a recognised property list.
type PayloadError struct {
	// Prefix holds at most the first 100 bytes of the payload.
	Prefix []byte
	Err    error
}

func (e *PayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v (prefix %s)", core.ErrInvalidPayload, e.Err, hex.EncodeToString(e.Prefix))
	}
	return fmt.Sprintf("%v: unrecognised plist prefix %s", core.ErrInvalidPayload, hex.EncodeToString(e.Prefix))
}

func (e *PayloadError) Unwrap() []error {
	if e.Err != nil {
		return []error{core.ErrInvalidPayload, e.Err}
	}
	return []error{core.ErrInvalidPayload}
}

func newPayloadError(payload []byte, err error) *PayloadError {
	n := min(len(payload), payloadPrefixLen)
	prefix := make([]byte, n)
	copy(prefix, payload[:n])
	return &PayloadError{Prefix: prefix, Err: err}
}

// Encode serialises v, which may be a tagged struct or a plain value tree.
func Encode(v any, f Format) ([]byte, error) {
	var pf int
	switch f {
	case XML:
		pf = plist.XMLFormat
	case Binary:
		pf = plist.BinaryFormat
	default:
		return nil, fmt.Errorf("encode: unsupported format %v", f)
	}
	data, err := plist.Marshal(v, pf)
	if err != nil {
		return nil, fmt.Errorf("encode plist: %w", err)
	}
	return data, nil
}

// Decode parses a binary or XML property list.
func Decode(payload []byte) (Value, error) {
	data, err := prepare(payload)
	if err != nil {
		return nil, err
	}
	var v any
	if _, err := plist.Unmarshal(data, &v); err != nil {
		return nil, newPayloadError(payload, err)
	}
	return v, nil
}

// DecodeInto decodes payload and maps the result onto out, a pointer to a
// struct tagged with `plist:"Key"`. Keys without a matching field are ignored.
func DecodeInto(payload []byte, out any) error {
	v, err := Decode(payload)
	if err != nil {
		return err
	}
	return Convert(v, out)
}

// Convert maps an already-decoded value onto out.
func Convert(v Value, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "plist",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidPayload, err)
	}
	return nil
}

func prepare(payload []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(payload, binaryMagic):
		return payload, nil
	case bytes.HasPrefix(payload, xmlMagic):
		return Sanitize(payload), nil
	default:
		return nil, newPayloadError(payload, nil)
	}
}

// Sanitize drops control and non-printable characters (keeping tab, newline
// and carriage return) and invalid UTF-8 sequences.
func Sanitize(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			data = data[1:]
			continue
		}
		if keepRune(r) {
			out = append(out, data[:size]...)
		}
		data = data[size:]
	}
	return out
}

func keepRune(r rune) bool {
	switch r {
	case '\t', '\n', '\r':
		return true
	}
	return !unicode.IsControl(r) && unicode.IsGraphic(r)
}
