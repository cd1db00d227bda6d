package vmm

import (
	"unsafe"

	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/cpu"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/physmem"
)

var (
	// mmuArch is the table format the MMU interprets. It is updated when
	// a PageDirectoryTable is activated.
	mmuArch = NativeArch

	// faultScratch absorbs accesses made through a pointer obtained for a
	// faulting address after the fault has been reported.
	faultScratch [mm.PageSize / 8]uint64

	errPageFault   = &kernel.Error{Module: "vmm", Message: "page fault: virtual address is not mapped"}
	errInvalidView = &kernel.Error{Module: "vmm", Message: "virtual view must be non-empty and may not cross a page boundary"}
)

// hwTranslate performs the table walk that the MMU carries out for a load
// or store to virtAddr. Successful translations are cached in the TLB and
// cached translations are used without consulting the tables, so callers
// that modify an entry must invalidate it just like on real hardware.
//
// With paging disabled every address is identity mapped.
func hwTranslate(virtAddr uintptr) (uintptr, bool) {
	if !cpu.PagingEnabled() {
		return virtAddr, true
	}

	if canonical(virtAddr) != virtAddr {
		return 0, false
	}

	if physAddr, ok := cpu.LookupTLB(virtAddr); ok {
		return physAddr, true
	}

	arch := mmuArch
	tableAddr := cpu.ActivePDT()
	for level := uint8(0); level < pageLevels; level++ {
		ptr, err := physmem.View(tableAddr+(arch.entryIndex(level, virtAddr)<<mm.PointerShift), 8, 8)
		if err != nil {
			return 0, false
		}

		pte := *(*pageTableEntry)(ptr)
		switch {
		case !pte.HasFlags(arch.validFlag):
			return 0, false
		case level == pageLevels-1 && !pte.HasFlags(arch.pageFlag):
			return 0, false
		case arch.isBlock(level, pte):
			return 0, false
		}

		tableAddr = pte.Frame(arch).Address()
	}

	cpu.FillTLB(virtAddr, tableAddr)
	return tableAddr + PageOffset(virtAddr), true
}

// View returns a pointer to size bytes of memory at virtAddr in the active
// address space. The range may not cross a page boundary and virtAddr must
// be a multiple of align. An error is returned if the page is not mapped.
func View(virtAddr uintptr, size, align mm.Size) (unsafe.Pointer, *kernel.Error) {
	if size == 0 || PageOffset(virtAddr)+uintptr(size) > uintptr(mm.PageSize) {
		return nil, errInvalidView
	}

	physAddr, ok := hwTranslate(virtAddr)
	if !ok {
		return nil, errPageFault
	}

	// The page offset is preserved by the translation so checking the
	// alignment of the physical address is sufficient.
	return physmem.View(physAddr, size, align)
}

// mmuPointer returns a pointer to the page table entry at entryAddr. A
// fault here means that the walk reached a table whose parent entry is not
// valid, which is a bug in the caller.
func mmuPointer(entryAddr uintptr) unsafe.Pointer {
	ptr, err := View(entryAddr, 8, 8)
	if err != nil {
		panicFn(err)
		return unsafe.Pointer(&faultScratch[0])
	}

	return ptr
}

// zeroTable clears the table page mapped at tableAddr.
func zeroTable(tableAddr uintptr) {
	ptr, err := View(tableAddr, mm.PageSize, mm.PageSize)
	if err != nil {
		panicFn(err)
		return
	}

	mm.Memset(ptr, 0, mm.PageSize)
}
