package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command is one decoded host-to-device command.
type Command struct {
	Op      Opcode
	Address uint32 // Load, Jump
	ID      int32  // Jump
	Data    []byte // Load
}

// ErrMissingMarker is returned by Commands when a unit lacks the leading marker.
var ErrMissingMarker = errors.New("protocol: unit does not start with the 0x03 0x00 marker")

// Commands decodes a marker-prefixed unit produced by Builder back into its
// commands. Data slices alias unit.
func Commands(unit []byte) ([]Command, error) {
	if len(unit) < MarkerSize || unit[0] != unitMarker[0] || unit[1] != unitMarker[1] {
		return nil, ErrMissingMarker
	}
	return DecodeCommands(unit[MarkerSize:])
}

// DecodeCommands decodes a marker-less command stream.
func DecodeCommands(b []byte) ([]Command, error) {
	var cmds []Command
	for len(b) > 0 {
		op := Opcode(b[0])
		switch op {
		case OpLoad:
			if len(b) < LoadHeaderSize {
				return nil, fmt.Errorf("protocol: truncated load header (%d bytes)", len(b))
			}
			addr := binary.LittleEndian.Uint32(b[1:5])
			size := binary.LittleEndian.Uint32(b[5:9])
			if uint64(len(b)-LoadHeaderSize) < uint64(size) {
				return nil, fmt.Errorf("protocol: load of %d bytes at 0x%08x exceeds remaining %d", size, addr, len(b)-LoadHeaderSize)
			}
			end := LoadHeaderSize + int(size)
			cmds = append(cmds, Command{Op: op, Address: addr, Data: b[LoadHeaderSize:end]})
			b = b[end:]
		case OpJump:
			if len(b) < JumpSize {
				return nil, fmt.Errorf("protocol: truncated jump (%d bytes)", len(b))
			}
			cmds = append(cmds, Command{
				Op:      op,
				ID:      int32(binary.LittleEndian.Uint32(b[1:5])),
				Address: binary.LittleEndian.Uint32(b[5:9]),
			})
			b = b[JumpSize:]
		case OpReset:
			cmds = append(cmds, Command{Op: op})
			b = b[ResetSize:]
		default:
			return nil, fmt.Errorf("protocol: unexpected command %s", op)
		}
	}
	return cmds, nil
}
