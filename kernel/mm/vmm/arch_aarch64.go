package vmm

import "github.com/Jett59/osmium-os-sub000/kernel/mm"

// Descriptor bits of the VMSAv8-64 4K granule translation table format.
const (
	a64Valid PageTableEntryFlag = 1 << 0

	// a64Table distinguishes table (levels 0-2) and page (level 3)
	// descriptors from block descriptors.
	a64Table PageTableEntryFlag = 1 << 1

	// a64AttrDevice selects MAIR index 1 (device nGnRE). Index 0 holds
	// normal write-back memory.
	a64AttrDevice PageTableEntryFlag = 1 << 2

	a64APUser     PageTableEntryFlag = 1 << 6
	a64APReadOnly PageTableEntryFlag = 1 << 7
	a64SHInner    PageTableEntryFlag = 3 << 8
	a64AccessFlag PageTableEntryFlag = 1 << 10
	a64NotGlobal  PageTableEntryFlag = 1 << 11
	a64PXN        PageTableEntryFlag = 1 << 53
	a64UXN        PageTableEntryFlag = 1 << 54
)

// AArch64 describes the 4-level, 4K granule translation table format used
// for the kernel half of the address space. Entry 510 of the level 0 table
// holds the recursive mapping and bits 12-47 of a descriptor contain the
// output address.
var AArch64 = &Arch{
	Name:            "aarch64",
	recursiveSlot:   510,
	ptePhysPageMask: 0x0000fffffffff000,
	validFlag:       a64Valid,
	pageFlag:        a64Table,
	tableFlags:      a64Valid | a64Table | a64AccessFlag | a64SHInner,
	// Table indices 509, 511, 511, 511.
	tempMappingAddr: 0xfffffefffffff000,
	leafFlags:       a64LeafFlags,
	isBlock: func(level uint8, pte pageTableEntry) bool {
		return level < pageLevels-1 && !pte.HasFlags(a64Table)
	},
}

func a64LeafFlags(flags MapFlag, memType mm.MemoryType) PageTableEntryFlag {
	pteFlags := a64Valid | a64Table | a64AccessFlag | a64SHInner

	if flags&FlagRW == 0 {
		pteFlags |= a64APReadOnly
	}

	switch {
	case flags&FlagExec == 0:
		pteFlags |= a64PXN | a64UXN
	case flags&FlagUser != 0:
		pteFlags |= a64PXN
	default:
		pteFlags |= a64UXN
	}

	if flags&FlagUser != 0 {
		pteFlags |= a64APUser | a64NotGlobal
	}

	if memType == mm.MemoryDevice {
		pteFlags |= a64AttrDevice | a64PXN | a64UXN
	}

	return pteFlags
}
