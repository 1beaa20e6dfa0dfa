package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Frame is one decoded device-to-host result message.
type Frame interface {
	// Tag returns the frame's opcode.
	Tag() Opcode
	// Event returns the service event name the frame is delivered as, or ""
	// for None.
	Event() string
}

// Event names used by the device service.
const (
	EventLog      = "log"
	EventError    = "error"
	EventMemory   = "memory"
	EventExecTime = "exectime"
	EventProfile  = "profile"
)

// None is returned for empty buffers and, under the lenient policy, for
// unknown or truncated frames.
type None struct{}

// Log is a line of program output.
type Log struct {
	Text string
}

// Error is a runtime error reported by the device. It is an ordinary event,
// not a protocol failure.
type Error struct {
	Text string
}

// Memory reports the device memory layout the compiler may target.
type Memory struct {
	Layout MemoryLayout
}

// ExecTime reports the execution time of the entry point tagged ID.
type ExecTime struct {
	ID   int32
	Time float32
}

// Profile reports the observed parameter types of function FunctionID.
type Profile struct {
	FunctionID uint8
	ParamTypes []string
}

func (None) Tag() Opcode     { return OpNone }
func (Log) Tag() Opcode      { return OpLog }
func (Error) Tag() Opcode    { return OpError }
func (Memory) Tag() Opcode   { return OpMemory }
func (ExecTime) Tag() Opcode { return OpExecTime }
func (Profile) Tag() Opcode  { return OpProfile }

func (None) Event() string     { return "" }
func (Log) Event() string      { return EventLog }
func (Error) Event() string    { return EventError }
func (Memory) Event() string   { return EventMemory }
func (ExecTime) Event() string { return EventExecTime }
func (Profile) Event() string  { return EventProfile }

// ErrEmptyFrame is returned by ParseStrict for a zero-length buffer.
var ErrEmptyFrame = errors.New("protocol: empty frame")

// UnknownTagError is returned by ParseStrict when the leading tag is not a
// device result opcode.
type UnknownTagError struct {
	Tag Opcode
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("protocol: unknown frame tag 0x%02x", uint8(e.Tag))
}

// TruncatedFrameError is returned by ParseStrict when a fixed-size frame is
// shorter than its layout.
type TruncatedFrameError struct {
	Tag  Opcode
	Got  int
	Want int
}

func (e *TruncatedFrameError) Error() string {
	return fmt.Sprintf("protocol: %s frame is %d bytes, want %d", e.Tag, e.Got, e.Want)
}

// Parse decodes buf leniently: an empty buffer, an unknown tag or a
// truncated frame yields None instead of an error, so one bad or
// forward-incompatible frame cannot end a session.
func Parse(buf []byte) Frame {
	f, err := ParseStrict(buf)
	if err != nil {
		return None{}
	}
	return f
}

// ParseStrict decodes buf and reports empty, unknown or truncated frames as
// errors.
func ParseStrict(buf []byte) (Frame, error) {
	if len(buf) == 0 {
		return nil, ErrEmptyFrame
	}
	tag := Opcode(buf[0])
	body := buf[1:]

	switch tag {
	case OpLog:
		return Log{Text: decodeText(body)}, nil

	case OpError:
		return Error{Text: decodeText(body)}, nil

	case OpMemory:
		if len(buf) < MemoryFrameSize {
			return nil, &TruncatedFrameError{Tag: tag, Got: len(buf), Want: MemoryFrameSize}
		}
		return Memory{Layout: decodeLayout(body)}, nil

	case OpExecTime:
		if len(buf) < ExecTimeSize {
			return nil, &TruncatedFrameError{Tag: tag, Got: len(buf), Want: ExecTimeSize}
		}
		return ExecTime{
			ID:   int32(binary.LittleEndian.Uint32(body[0:4])),
			Time: math.Float32frombits(binary.LittleEndian.Uint32(body[4:8])),
		}, nil

	case OpProfile:
		if len(body) < 1 {
			return nil, &TruncatedFrameError{Tag: tag, Got: len(buf), Want: 2}
		}
		return Profile{
			FunctionID: body[0],
			ParamTypes: splitParamTypes(decodeText(body[1:])),
		}, nil

	default:
		return nil, &UnknownTagError{Tag: tag}
	}
}

// AppendFrame appends the wire encoding of f to dst. Text frames are
// written NUL-terminated, as the firmware sends them. None encodes to
// nothing.
func AppendFrame(dst []byte, f Frame) []byte {
	switch f := f.(type) {
	case Log:
		dst = append(dst, byte(OpLog))
		dst = append(dst, f.Text...)
		return append(dst, 0)
	case Error:
		dst = append(dst, byte(OpError))
		dst = append(dst, f.Text...)
		return append(dst, 0)
	case Memory:
		dst = append(dst, byte(OpMemory))
		for _, r := range f.Layout.Regions() {
			dst = binary.LittleEndian.AppendUint32(dst, r.Address)
			dst = binary.LittleEndian.AppendUint32(dst, r.Size)
		}
		return dst
	case ExecTime:
		dst = append(dst, byte(OpExecTime))
		dst = binary.LittleEndian.AppendUint32(dst, uint32(f.ID))
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(f.Time))
	case Profile:
		dst = append(dst, byte(OpProfile), f.FunctionID)
		dst = append(dst, strings.Join(f.ParamTypes, ", ")...)
		return append(dst, 0)
	default:
		return dst
	}
}

// decodeText strips one trailing NUL, if present.
func decodeText(b []byte) string {
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	return string(b)
}

func splitParamTypes(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ", ")
}

func decodeLayout(b []byte) MemoryLayout {
	region := func(i int) Region {
		return Region{
			Address: binary.LittleEndian.Uint32(b[i*8:]),
			Size:    binary.LittleEndian.Uint32(b[i*8+4:]),
		}
	}
	return MemoryLayout{
		IRAM:   region(0),
		DRAM:   region(1),
		IFlash: region(2),
		DFlash: region(3),
	}
}
