package record

import (
	"fmt"

	"firestige.xyz/ostrace/internal/core"
)

// Level is the severity byte of a log record. The values are not contiguous.
type Level uint8

const (
	LevelNotice Level = 0x00
	LevelInfo   Level = 0x01
	LevelDebug  Level = 0x02
	LevelError  Level = 0x10
	LevelFault  Level = 0x11
)

func (l Level) String() string {
	switch l {
	case LevelNotice:
		return "Notice"
	case LevelInfo:
		return "Info"
	case LevelDebug:
		return "Debug"
	case LevelError:
		return "Error"
	case LevelFault:
		return "Fault"
	default:
		return fmt.Sprintf("Level(0x%02x)", uint8(l))
	}
}

// UnknownLevelError reports a severity byte outside the known set.
type UnknownLevelError struct {
	Value byte
}

func (e *UnknownLevelError) Error() string {
	return fmt.Sprintf("%v: severity 0x%02x", core.ErrUnmappedEnumValue, e.Value)
}

func (e *UnknownLevelError) Unwrap() error {
	return core.ErrUnmappedEnumValue
}

// ParseLevel maps a raw severity byte.
func ParseLevel(b byte) (Level, error) {
	switch l := Level(b); l {
	case LevelNotice, LevelInfo, LevelDebug, LevelError, LevelFault:
		return l, nil
	default:
		return 0, &UnknownLevelError{Value: b}
	}
}

// MarshalText renders the level name, so JSON and YAML output stay readable.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}
