package kmem

import (
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/vmm"
)

// Config describes the memory layout managed by a Subsystem.
type Config struct {
	// Arch selects the page table format.
	Arch *vmm.Arch

	// PhysicalMemory is the amount of physical memory tracked by the
	// frame allocator.
	PhysicalMemory mm.Size

	// HeapBase and HeapSize describe the virtual range used for heap
	// allocations and physical memory mappings. HeapSize must be a power
	// of two and HeapBase must be aligned to it.
	HeapBase uintptr
	HeapSize mm.Size

	// PageTablePoolBase and PageTablePoolSize describe the physical range
	// that initially backs page tables. The pool grows from the frame
	// allocator once this range is used up.
	PageTablePoolBase uintptr
	PageTablePoolSize mm.Size

	// HeapEntries and PageTableEntries bound the number of regions
	// tracked by the two buddy allocators.
	HeapEntries      int
	PageTableEntries int
}

// DefaultConfig returns the layout used by the kernel on the native
// architecture.
func DefaultConfig() Config {
	return Config{
		Arch:              vmm.NativeArch,
		PhysicalMemory:    64 * mm.Mb,
		HeapBase:          0xffff800000000000,
		HeapSize:          64 * mm.Gb,
		PageTablePoolBase: 0x200000,
		PageTablePoolSize: mm.Mb,
		HeapEntries:       4096,
		PageTableEntries:  1024,
	}
}

// validate checks the layout invariants of the configuration.
func (cfg *Config) validate() bool {
	switch {
	case cfg.Arch == nil:
		return false
	case cfg.PhysicalMemory < mm.PageSize || !cfg.PhysicalMemory.PageAligned():
		return false
	case !cfg.HeapSize.IsPowerOfTwo() || cfg.HeapSize < mm.PageSize || cfg.HeapBase&uintptr(cfg.HeapSize-1) != 0:
		return false
	case cfg.PageTablePoolSize < mm.PageSize || !cfg.PageTablePoolSize.PageAligned() || cfg.PageTablePoolBase&uintptr(mm.PageSize-1) != 0:
		return false
	case uint64(cfg.PageTablePoolBase)+uint64(cfg.PageTablePoolSize) > uint64(cfg.PhysicalMemory):
		return false
	case cfg.HeapEntries <= 0 || cfg.PageTableEntries <= 0:
		return false
	}

	return true
}
