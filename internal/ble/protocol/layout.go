package protocol

import "fmt"

// Region is a contiguous device memory range.
type Region struct {
	Address uint32 `json:"address" yaml:"address"`
	Size    uint32 `json:"size" yaml:"size"`
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return uint64(r.Address) + uint64(r.Size)
}

// Contains reports whether the n bytes starting at addr lie inside r.
func (r Region) Contains(addr uint32, n int) bool {
	if addr < r.Address {
		return false
	}
	return uint64(addr)+uint64(n) <= r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("0x%08x+0x%x", r.Address, r.Size)
}

// MemoryLayout is the set of regions the device reports at initialization.
type MemoryLayout struct {
	IRAM   Region `json:"iram" yaml:"iram"`
	DRAM   Region `json:"dram" yaml:"dram"`
	IFlash Region `json:"iflash" yaml:"iflash"`
	DFlash Region `json:"dflash" yaml:"dflash"`
}

// Regions returns the regions in wire order: iram, dram, iflash, dflash.
func (m MemoryLayout) Regions() [4]Region {
	return [4]Region{m.IRAM, m.DRAM, m.IFlash, m.DFlash}
}
