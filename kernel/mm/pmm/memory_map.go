package pmm

import (
	"github.com/Jett59/osmium-os-sub000/kernel/kfmt"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
)

// MemoryRegionType describes the type of a region reported by the firmware
// memory map.
type MemoryRegionType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryRegionType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs
)

// String implements fmt.Stringer for MemoryRegionType.
func (t MemoryRegionType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryRegion describes one entry of the memory map handed over by the
// boot loader. Parsing the boot protocol that produces it is the job of the
// platform code.
type MemoryRegion struct {
	// The physical memory address for the start of the region.
	PhysAddress uint64

	// The length of the region.
	Length uint64

	// The type of the region.
	Type MemoryRegionType
}

// SeedFromMemoryMap releases every available region of the memory map and
// then flags reserved regions and the kernel image [kernelStart, kernelEnd)
// as used. Regions extending past the tracked capacity are clipped.
func (alloc *BitmapAllocator) SeedFromMemoryMap(regions []MemoryRegion, kernelStart, kernelEnd uintptr) {
	limit := alloc.totalFrames << mm.PageShift

	// Release available memory first so that overlapping reserved entries
	// reported by buggy firmware end up flagged as used.
	for _, region := range regions {
		if region.Type != MemAvailable || region.Length < uint64(mm.PageSize) {
			continue
		}

		if start, end, ok := clipRegion(region, limit); ok {
			alloc.MarkRangeFree(start, end)
		}
	}

	for _, region := range regions {
		if region.Type == MemAvailable {
			continue
		}

		if start, end, ok := clipRegion(region, limit); ok {
			alloc.MarkRangeUsed(start, end)
		}
	}

	if kernelEnd > kernelStart {
		alloc.MarkRangeUsed(kernelStart, kernelEnd)
	}

	alloc.printMemoryMap(regions, kernelStart, kernelEnd)
}

// clipRegion returns the part of region that lies below limit.
func clipRegion(region MemoryRegion, limit uint64) (uintptr, uintptr, bool) {
	start, end := region.PhysAddress, region.PhysAddress+region.Length
	if start >= limit {
		return 0, 0, false
	}

	if end > limit {
		end = limit
	}

	return uintptr(start), uintptr(end), true
}

// printMemoryMap prints out the system's memory map and a summary of the
// allocator state.
func (alloc *BitmapAllocator) printMemoryMap(regions []MemoryRegion, kernelStart, kernelEnd uintptr) {
	kfmt.Printf("[pmm] system memory map:\n")
	for _, region := range regions {
		kfmt.Printf("\t[0x%010x - 0x%010x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())
	}
	kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x\n", kernelStart, kernelEnd)
	kfmt.Printf("[pmm] tracked frames: %d, free: %d (%dKb)\n",
		alloc.totalFrames,
		alloc.FreeFrames(),
		uint64(mm.Size(alloc.FreeFrames())*mm.PageSize/mm.Kb),
	)
}
