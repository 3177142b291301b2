// Package record decodes the binary syslog records streamed by the
// os_trace_relay service.
//
// The layout is fixed with a variable tail; there is no version field. All
// integers are little-endian.
//
//	off  size  field
//	  0     9  (unknown)
//	  9     4  pid
//	 13    42  (unknown)
//	 55     4  seconds
//	 59     4  (unknown)
//	 63     4  microseconds
//	 67     1  (unknown)
//	 68     1  level
//	 69    38  (unknown)
//	107     2  image_name_size
//	109     2  message_size
//	111     6  (unknown)
//	117     4  subsystem_size
//	121     4  category_size
//	125     4  (unknown)
//	129     -  filename, NUL terminated
//	        -  image_name, image_name_size bytes
//	        -  message, message_size bytes
//	        -  subsystem, subsystem_size bytes (optional)
//	        -  category, category_size bytes (optional)
package record

import (
	"fmt"
	"strings"
	"time"
)

// HeaderSize is the length of the fixed part of a record.
const HeaderSize = 129

// Label is the optional subsystem/category annotation of a record.
type Label struct {
	Subsystem string `json:"subsystem" yaml:"subsystem"`
	Category  string `json:"category" yaml:"category"`
}

// LogRecord is one decoded syslog entry. It is not modified after Decode.
type LogRecord struct {
	PID       int32     `json:"pid" yaml:"pid"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Level     Level     `json:"level" yaml:"level"`
	Filename  string    `json:"filename" yaml:"filename"`
	ImageName string    `json:"image_name" yaml:"image_name"`
	Message   string    `json:"message" yaml:"message"`
	Label     *Label    `json:"label,omitempty" yaml:"label,omitempty"`
}

// Decode parses a single record buffer. It never reads past buf and never
// performs I/O.
func Decode(buf []byte) (*LogRecord, error) {
	r := &reader{buf: buf}
	rec := &LogRecord{}

	if err := r.skip(9, "preamble"); err != nil {
		return nil, err
	}
	pid, err := r.u32("pid")
	if err != nil {
		return nil, err
	}
	rec.PID = int32(pid)
	if err := r.skip(42, "process info"); err != nil {
		return nil, err
	}

	secs, err := r.u32("seconds")
	if err != nil {
		return nil, err
	}
	if err := r.skip(4, "timestamp padding"); err != nil {
		return nil, err
	}
	usecs, err := r.u32("microseconds")
	if err != nil {
		return nil, err
	}
	rec.Timestamp = time.Unix(int64(secs), int64(usecs)*int64(time.Microsecond))

	if err := r.skip(1, "level prefix"); err != nil {
		return nil, err
	}
	raw, err := r.u8("level")
	if err != nil {
		return nil, err
	}
	if rec.Level, err = ParseLevel(raw); err != nil {
		return nil, err
	}

	if err := r.skip(38, "activity info"); err != nil {
		return nil, err
	}
	imageSize, err := r.u16("image_name_size")
	if err != nil {
		return nil, err
	}
	messageSize, err := r.u16("message_size")
	if err != nil {
		return nil, err
	}
	if err := r.skip(6, "size padding"); err != nil {
		return nil, err
	}
	subsystemSize, err := r.u32("subsystem_size")
	if err != nil {
		return nil, err
	}
	categorySize, err := r.u32("category_size")
	if err != nil {
		return nil, err
	}
	if err := r.skip(4, "header trailer"); err != nil {
		return nil, err
	}

	filename, err := r.cstring("filename")
	if err != nil {
		return nil, err
	}
	rec.Filename = text(filename)

	image, err := r.sized(int(imageSize), "image_name")
	if err != nil {
		return nil, err
	}
	rec.ImageName = text(image)

	message, err := r.sized(int(messageSize), "message")
	if err != nil {
		return nil, err
	}
	rec.Message = text(message)

	// zero sizes still yield an empty label; only a short buffer omits it
	labelSize := uint64(subsystemSize) + uint64(categorySize)
	if uint64(r.remaining()) >= labelSize {
		subsystem, _ := r.sized(int(subsystemSize), "subsystem")
		category, _ := r.sized(int(categorySize), "category")
		rec.Label = &Label{Subsystem: text(subsystem), Category: text(category)}
	}

	return rec, nil
}

// text decodes lossily: invalid UTF-8 becomes U+FFFD.
func text(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// String renders the record as a single syslog line.
func (r *LogRecord) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s{%s}[%d] <%s>: %s",
		r.Timestamp.Format(time.TimeOnly), r.ImageName, r.Filename, r.PID, r.Level, r.Message)
	if r.Label != nil {
		fmt.Fprintf(&sb, " [%s][%s]", r.Label.Subsystem, r.Label.Category)
	}
	return sb.String()
}
