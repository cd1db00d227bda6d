package vmm

import "github.com/Jett59/osmium-os-sub000/kernel/mm"

// Arch describes the page table format of an architecture.
type Arch struct {
	// Name identifies the format in diagnostics.
	Name string

	// recursiveSlot is the index of the top-level entry that points back
	// to the top-level table.
	recursiveSlot uintptr

	// ptePhysPageMask extracts the physical frame address from an entry.
	ptePhysPageMask uint64

	// validFlag marks an entry that the MMU will follow.
	validFlag PageTableEntryFlag

	// pageFlag must accompany validFlag in leaf entries.
	pageFlag PageTableEntryFlag

	// tableFlags are applied to entries that point to the next table.
	tableFlags PageTableEntryFlag

	// tableUserFlags are added to intermediate entries on the path to a
	// user accessible page.
	tableUserFlags PageTableEntryFlag

	// tempMappingAddr is a reserved virtual page address used for
	// temporary physical page mappings (e.g. when initializing inactive
	// PDT pages).
	tempMappingAddr uintptr

	// leafFlags translates arch-neutral flags to leaf entry flags.
	leafFlags func(flags MapFlag, memType mm.MemoryType) PageTableEntryFlag

	// isBlock returns true if a valid non-leaf entry maps a large block
	// instead of pointing to a table.
	isBlock func(level uint8, pte pageTableEntry) bool
}

// RecursiveSlot returns the index of the self-referencing top-level entry.
func (arch *Arch) RecursiveSlot() uintptr {
	return arch.recursiveSlot
}

// entryIndex extracts the table index for a page level from a virtual
// address.
func (arch *Arch) entryIndex(level uint8, virtAddr uintptr) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// tableAddr returns the virtual address through which the page table at
// the given level on the path of virtAddr can be accessed. Level 0 is the
// top-level table.
//
// The address is built by repeating the recursive slot once for every level
// that has to be skipped and then appending the indices of virtAddr for the
// levels above the requested table. Each pass through the recursive slot
// makes the MMU stop one level short of the final page, so the "page" it
// lands on is the table itself.
func (arch *Arch) tableAddr(level uint8, virtAddr uintptr) uintptr {
	var (
		addr      uintptr
		recursive = pageLevels - level
	)

	for i := uint8(0); i < pageLevels; i++ {
		index := arch.recursiveSlot
		if i >= recursive {
			index = arch.entryIndex(i-recursive, virtAddr)
		}
		addr |= index << pageLevelShifts[i]
	}

	return canonical(addr)
}

// entryAddr returns the virtual address of the entry for virtAddr in the
// page table at the given level.
func (arch *Arch) entryAddr(level uint8, virtAddr uintptr) uintptr {
	return arch.tableAddr(level, virtAddr) + (arch.entryIndex(level, virtAddr) << mm.PointerShift)
}
