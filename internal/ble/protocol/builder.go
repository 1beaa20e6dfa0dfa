package protocol

import (
	"encoding/binary"
	"fmt"
)

// Builder accumulates Load, Jump and Reset commands into transport units no
// larger than the MTU. Commands are never split across units; Load payloads
// are split into several Load commands on 4-byte boundaries.
//
// Build returns the sealed units and resets the builder for reuse. A Builder
// is not safe for concurrent use.
type Builder struct {
	mtu    int
	marker bool

	units  [][]byte
	unit   []byte
	remain int
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithoutMarker disables the leading 0x03 0x00 marker, giving the whole MTU
// to commands.
func WithoutMarker() BuilderOption {
	return func(b *Builder) { b.marker = false }
}

// NewBuilder returns a Builder producing units of at most mtu bytes.
// Panics if mtu cannot hold the marker plus one Load header and one aligned
// word of payload: such a builder could never make progress.
func NewBuilder(mtu int, opts ...BuilderOption) *Builder {
	b := &Builder{mtu: mtu, marker: true}
	for _, opt := range opts {
		opt(b)
	}
	if b.capacity() < LoadHeaderSize+alignment {
		panic(fmt.Sprintf("protocol: MTU %d too small (need at least %d)", mtu, b.overhead()+LoadHeaderSize+alignment))
	}
	b.startUnit()
	return b
}

// MTU returns the maximum unit size.
func (b *Builder) MTU() int {
	return b.mtu
}

// Load appends Load commands writing data at address, split as needed to
// fit the remaining space of each unit.
func (b *Builder) Load(address uint32, data []byte) *Builder {
	offset := 0
	for offset < len(data) {
		n := b.loadChunk(address+uint32(offset), data[offset:])
		if n == 0 {
			b.flush()
			n = b.loadChunk(address+uint32(offset), data[offset:])
			if n == 0 {
				panic(fmt.Sprintf("protocol: load made no progress at address 0x%08x (MTU %d)", address+uint32(offset), b.mtu))
			}
		}
		offset += n
	}
	return b
}

// Jump appends a Jump command invoking address, tagged with id.
func (b *Builder) Jump(id int32, address uint32) *Builder {
	var cmd [JumpSize]byte
	cmd[0] = byte(OpJump)
	binary.LittleEndian.PutUint32(cmd[1:5], uint32(id))
	binary.LittleEndian.PutUint32(cmd[5:9], address)
	return b.appendCommand(cmd[:])
}

// Reset appends a Reset command.
func (b *Builder) Reset() *Builder {
	return b.appendCommand([]byte{byte(OpReset)})
}

// Build seals the current unit, returns every accumulated unit and resets
// the builder. A unit holding nothing but the marker is discarded, so Build
// on an empty builder returns no units.
func (b *Builder) Build() [][]byte {
	b.seal()
	units := b.units
	if units == nil {
		units = [][]byte{}
	}
	b.units = nil
	b.startUnit()
	return units
}

// loadChunk places as much of data as fits into the current unit and
// returns the number of payload bytes written (0 if nothing fit).
func (b *Builder) loadChunk(address uint32, data []byte) int {
	if b.remain < LoadHeaderSize {
		return 0
	}
	aligned := (b.remain - LoadHeaderSize) &^ (alignment - 1)
	n := min(len(data), aligned)
	if n <= 0 {
		return 0
	}

	var header [LoadHeaderSize]byte
	header[0] = byte(OpLoad)
	binary.LittleEndian.PutUint32(header[1:5], address)
	binary.LittleEndian.PutUint32(header[5:9], uint32(n))
	b.unit = append(b.unit, header[:]...)
	b.unit = append(b.unit, data[:n]...)
	b.remain -= LoadHeaderSize + n
	return n
}

func (b *Builder) appendCommand(cmd []byte) *Builder {
	if len(cmd) > b.remain {
		b.flush()
	}
	b.unit = append(b.unit, cmd...)
	b.remain -= len(cmd)
	return b
}

// flush seals the current unit and starts a new one.
func (b *Builder) flush() {
	b.seal()
	b.startUnit()
}

func (b *Builder) seal() {
	if len(b.unit) > b.overhead() {
		b.units = append(b.units, b.unit)
	}
	b.unit = nil
}

func (b *Builder) startUnit() {
	b.unit = make([]byte, 0, b.mtu)
	if b.marker {
		b.unit = append(b.unit, unitMarker[:]...)
	}
	b.remain = b.capacity()
}

func (b *Builder) overhead() int {
	if b.marker {
		return MarkerSize
	}
	return 0
}

func (b *Builder) capacity() int {
	return b.mtu - b.overhead()
}
