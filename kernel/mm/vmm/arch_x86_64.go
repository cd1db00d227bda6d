package vmm

import "github.com/Jett59/osmium-os-sub000/kernel/mm"

const (
	// x86Present is set when the page is available in memory.
	x86Present PageTableEntryFlag = 1 << iota

	// x86RW is set if the page can be written to.
	x86RW

	// x86UserAccessible is set if user-mode processes can access this
	// page. If not set only kernel code can access this page.
	x86UserAccessible

	// x86WriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	x86WriteThroughCaching

	// x86DoNotCache prevents this page from being cached if set.
	x86DoNotCache

	// x86Accessed is set by the CPU when this page is accessed.
	x86Accessed

	// x86Dirty is set by the CPU when this page is modified.
	x86Dirty

	// x86HugePage is set when using 2Mb pages instead of 4K pages.
	x86HugePage

	// x86Global prevents the TLB from flushing the cached memory address
	// for this page when swapping page tables.
	x86Global

	// x86NoExecute if set, indicates that a page contains non-executable
	// code.
	x86NoExecute PageTableEntryFlag = 1 << 63
)

// X86_64 describes the 4-level amd64 page table format. The last entry of
// the top-level table (PML4) holds the recursive mapping and bits 12-51 of an
// entry contain the physical address.
var X86_64 = &Arch{
	Name:            "x86_64",
	recursiveSlot:   511,
	ptePhysPageMask: 0x000ffffffffff000,
	validFlag:       x86Present,
	tableFlags:      x86Present | x86RW,
	tableUserFlags:  x86UserAccessible,
	// Table indices 510, 511, 511, 511.
	tempMappingAddr: 0xffffff7ffffff000,
	leafFlags:       x86LeafFlags,
	isBlock: func(level uint8, pte pageTableEntry) bool {
		return level < pageLevels-1 && pte.HasFlags(x86HugePage)
	},
}

func x86LeafFlags(flags MapFlag, memType mm.MemoryType) PageTableEntryFlag {
	pteFlags := x86Present

	if flags&FlagRW != 0 {
		pteFlags |= x86RW
	}

	if flags&FlagUser != 0 {
		pteFlags |= x86UserAccessible
	}

	if flags&FlagExec == 0 {
		pteFlags |= x86NoExecute
	}

	if memType == mm.MemoryDevice {
		pteFlags |= x86DoNotCache | x86WriteThroughCaching
	}

	return pteFlags
}
