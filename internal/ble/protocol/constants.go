// Package protocol implements the binary device protocol spoken over the BLE
// characteristic: host-to-device command units (Load, Jump, Reset) and
// device-to-host result frames (Log, Error, Memory, ExecTime, Profile).
package protocol

import "fmt"

// Opcode is the one-byte tag shared by host commands and device results.
// Encoder and decoder both use this single enumeration.
type Opcode uint8

const (
	OpNone Opcode = iota
	OpLoad
	OpJump
	OpReset

	OpLog
	OpError
	OpMemory
	OpExecTime
	OpProfile
)

func (o Opcode) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpLoad:
		return "load"
	case OpJump:
		return "jump"
	case OpReset:
		return "reset"
	case OpLog:
		return "log"
	case OpError:
		return "error"
	case OpMemory:
		return "memory"
	case OpExecTime:
		return "exectime"
	case OpProfile:
		return "profile"
	default:
		return fmt.Sprintf("opcode(0x%02x)", uint8(o))
	}
}

// Every unit starts with this marker so the firmware knows a protocol frame follows.
var unitMarker = [2]byte{0x03, 0x00}

// Wire sizes in bytes.
const (
	MarkerSize      = 2
	LoadHeaderSize  = 9 // op + address:u32 + size:u32
	JumpSize        = 9 // op + id:i32 + address:u32
	ResetSize       = 1
	MemoryFrameSize = 1 + 8*4
	ExecTimeSize    = 1 + 4 + 4

	alignment = 4
)

// DefaultMTU is the largest unit the BLE runtime firmware accepts.
const DefaultMTU = 495

// MinMTU is the smallest MTU a marker-carrying Builder accepts: the marker,
// one Load header and one aligned word of payload.
const MinMTU = MarkerSize + LoadHeaderSize + alignment

// Correlation ids carried by Jump commands and echoed back in ExecTime frames.
const (
	MainEntryID int32 = 0
	AuxEntryID  int32 = -1
)
