// Package compiler defines the executable image the device protocol loads
// and the interface of the external compiler that produces it.
package compiler

import (
	"context"
	"fmt"
	"strings"

	"github.com/chaz8081/bsdeploy/internal/ble/protocol"
)

// Segment is a contiguous chunk of an executable image placed at Address.
type Segment struct {
	Address uint32 `json:"address"`
	Data    []byte `json:"data"`
}

// EntryPoint is an address the device should call after loading.
type EntryPoint struct {
	IsMain  bool   `json:"isMain"`
	Address uint32 `json:"address"`
}

// Executable is a compiled image: up to four segments plus the entry points
// to invoke, in order.
type Executable struct {
	IRAM        *Segment     `json:"iram,omitempty"`
	DRAM        *Segment     `json:"dram,omitempty"`
	IFlash      *Segment     `json:"iflash,omitempty"`
	DFlash      *Segment     `json:"dflash,omitempty"`
	EntryPoints []EntryPoint `json:"entryPoints"`
}

// NamedSegment pairs a present segment with its region name.
type NamedSegment struct {
	Name string
	*Segment
}

// Segments returns the present segments in load order: iram, dram, iflash, dflash.
func (e *Executable) Segments() []NamedSegment {
	all := []NamedSegment{
		{"iram", e.IRAM},
		{"dram", e.DRAM},
		{"iflash", e.IFlash},
		{"dflash", e.DFlash},
	}
	present := all[:0]
	for _, s := range all {
		if s.Segment != nil {
			present = append(present, s)
		}
	}
	return present
}

// Size returns the total number of segment bytes.
func (e *Executable) Size() int {
	n := 0
	for _, s := range e.Segments() {
		n += len(s.Data)
	}
	return n
}

// Validate checks that every present segment lies inside the matching
// region of layout.
func (e *Executable) Validate(layout protocol.MemoryLayout) error {
	regions := map[string]protocol.Region{
		"iram":   layout.IRAM,
		"dram":   layout.DRAM,
		"iflash": layout.IFlash,
		"dflash": layout.DFlash,
	}
	for _, s := range e.Segments() {
		r := regions[s.Name]
		if !r.Contains(s.Address, len(s.Data)) {
			return fmt.Errorf("compiler: %s segment 0x%08x+0x%x outside region %s", s.Name, s.Address, len(s.Data), r)
		}
	}
	return nil
}

// Compiler turns source text into an executable targeting layout.
//
// Implementations may keep state between calls: an interactive session
// compiles each increment against what was loaded before.
type Compiler interface {
	Compile(ctx context.Context, layout protocol.MemoryLayout, source string) (*Executable, error)
}

// CompileError aggregates the diagnostics of a failed compilation.
type CompileError struct {
	Messages []string
}

func (e *CompileError) Error() string {
	if len(e.Messages) == 0 {
		return "compilation failed"
	}
	return strings.Join(e.Messages, "\n")
}
