package vmm

import (
	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/cpu"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
)

var (
	// zeroTableFn is mocked by tests.
	zeroTableFn = zeroTable
)

// mapPage establishes a mapping between a virtual page and a physical frame
// in the address space reachable through the recursive mapping of arch.
// Missing intermediate tables are allocated using allocFn and cleared
// before they are linked in.
func mapPage(arch *Arch, page mm.Page, frame mm.Frame, flags MapFlag, memType mm.MemoryType, allocFn mm.FrameAllocatorFn) *kernel.Error {
	var (
		err      *kernel.Error
		virtAddr = page.Address()
	)

	walk(arch, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(arch.validFlag) {
				err = errAlreadyMapped
				panicFn(err)
				return false
			}

			*pte = 0
			pte.SetFrame(arch, frame)
			pte.SetFlags(arch.leafFlags(flags, memType))
			flushTLBEntryFn(virtAddr)
			return true
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(arch.validFlag) {
			var tableFrame mm.Frame
			if tableFrame, err = allocFn(); err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(arch, tableFrame)
			pte.SetFlags(arch.tableFlags)

			// The next table becomes reachable through the recursive
			// mapping but a stale translation may still be cached.
			nextTableAddr := arch.tableAddr(pteLevel+1, virtAddr)
			flushTLBEntryFn(nextTableAddr)
			zeroTableFn(nextTableAddr)
		} else if arch.isBlock(pteLevel, *pte) {
			err = errHugePage
			panicFn(err)
			return false
		}

		if flags&FlagUser != 0 {
			pte.SetFlags(arch.tableUserFlags)
		}

		return true
	})

	return err
}

// unmapPage removes a mapping previously installed by mapPage and flushes
// its TLB entry.
func unmapPage(arch *Arch, page mm.Page) *kernel.Error {
	var (
		err      *kernel.Error
		virtAddr = page.Address()
	)

	walk(arch, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		switch {
		case !pte.HasFlags(arch.validFlag):
			err = errNotMapped
		case arch.isBlock(pteLevel, *pte):
			err = errHugePage
		}

		if err != nil {
			panicFn(err)
			return false
		}

		if pteLevel == pageLevels-1 {
			*pte = 0
			flushTLBEntryFn(virtAddr)
		}

		return true
	})

	return err
}

// translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func translate(arch *Arch, virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(arch, virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address
	// and appending the offset from the virtual address
	return pte.Frame(arch).Address() + PageOffset(virtAddr), nil
}

// MapTemporary establishes a temporary RW mapping of a physical memory frame
// to a fixed virtual address in the active address space, overwriting any
// previous temporary mapping. The temporary mapping mechanism is primarily
// used by the kernel to access and initialize inactive page tables.
func MapTemporary(arch *Arch, frame mm.Frame, allocFn mm.FrameAllocatorFn) (mm.Page, *kernel.Error) {
	if !cpu.PagingEnabled() {
		return 0, errPagingDisabled
	}

	page := mm.PageFromAddress(arch.tempMappingAddr)
	if _, err := translate(arch, page.Address()); err == nil {
		if err = unmapPage(arch, page); err != nil {
			return 0, err
		}
	}

	if err := mapPage(arch, page, frame, FlagRW, mm.MemoryNormal, allocFn); err != nil {
		return 0, err
	}

	return page, nil
}

// UnmapTemporary removes the mapping established by MapTemporary.
func UnmapTemporary(arch *Arch) *kernel.Error {
	return unmapPage(arch, mm.PageFromAddress(arch.tempMappingAddr))
}
