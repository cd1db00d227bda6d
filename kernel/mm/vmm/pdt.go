package vmm

import (
	"unsafe"

	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/cpu"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
)

var (
	// mapTemporaryFn is mocked by tests.
	mapTemporaryFn = MapTemporary
)

// PageDirectoryTable describes the top-most table in a multi-level paging
// scheme together with the format of its entries and the allocator that
// supplies frames for intermediate tables. It implements Mapper.
type PageDirectoryTable struct {
	pdtFrame   mm.Frame
	arch       *Arch
	allocFrame mm.FrameAllocatorFn
}

// Init sets up the page table directory stored in the supplied frame.
//
// While paging is disabled the frame is accessed directly. If paging is
// enabled and the frame does not match the currently active PDT, Init
// assumes that this is a new page table directory that needs bootstrapping
// and establishes a temporary mapping so that it can:
//   - clear the frame contents
//   - setup the recursive mapping entry to point to the frame itself.
func (pdt *PageDirectoryTable) Init(pdtFrame mm.Frame, arch *Arch, allocFn mm.FrameAllocatorFn) *kernel.Error {
	pdt.pdtFrame, pdt.arch, pdt.allocFrame = pdtFrame, arch, allocFn

	tableAddr := pdtFrame.Address()
	if cpu.PagingEnabled() {
		// Check active PDT physical address. If it matches the input pdt
		// then nothing more needs to be done
		if tableAddr == activePDTFn() {
			return nil
		}

		if arch != mmuArch {
			return errArchMismatch
		}

		pdtPage, err := mapTemporaryFn(arch, pdtFrame, allocFn)
		if err != nil {
			return err
		}
		defer func() { _ = UnmapTemporary(arch) }()

		tableAddr = pdtPage.Address()
	}

	table, err := View(tableAddr, mm.PageSize, mm.PageSize)
	if err != nil {
		return err
	}

	// Clear the page contents and setup the recursive mapping
	mm.Memset(table, 0, mm.PageSize)
	recursiveEntry := (*pageTableEntry)(unsafe.Add(table, arch.recursiveSlot<<mm.PointerShift))
	recursiveEntry.SetFrame(arch, pdtFrame)
	recursiveEntry.SetFlags(arch.tableFlags)

	return nil
}

// Frame returns the physical frame that holds the top-level table.
func (pdt *PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// Arch returns the format of the table entries.
func (pdt *PageDirectoryTable) Arch() *Arch {
	return pdt.arch
}

// Activate loads this page directory table into the MMU and flushes the TLB.
func (pdt *PageDirectoryTable) Activate() {
	mmuArch = pdt.arch
	switchPDTFn(pdt.pdtFrame.Address())
}

// Map establishes a mapping between a virtual page and a physical memory
// frame using this PDT. Inactive PDTs are supported by temporarily pointing
// the recursive entry of the active PDT to this table.
func (pdt *PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags MapFlag, memType mm.MemoryType) *kernel.Error {
	var err *kernel.Error
	if accessErr := pdt.access(func() {
		err = mapPage(pdt.arch, page, frame, flags, memType, pdt.allocFrame)
	}); accessErr != nil {
		return accessErr
	}

	return err
}

// Unmap removes a mapping previously installed by a call to Map() on this
// PDT.
func (pdt *PageDirectoryTable) Unmap(page mm.Page) *kernel.Error {
	var err *kernel.Error
	if accessErr := pdt.access(func() {
		err = unmapPage(pdt.arch, page)
	}); accessErr != nil {
		return accessErr
	}

	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address in this PDT or ErrInvalidMapping.
func (pdt *PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      *kernel.Error
	)

	if accessErr := pdt.access(func() {
		physAddr, err = translate(pdt.arch, virtAddr)
	}); accessErr != nil {
		return 0, accessErr
	}

	return physAddr, err
}

// PageSize returns the size of the pages installed by Map.
func (pdt *PageDirectoryTable) PageSize() mm.Size {
	return mm.PageSize
}

// access runs fn with the tables of pdt reachable through the recursive
// mapping. If pdt is not active, the recursive entry of the active PDT is
// pointed to pdt for the duration of the call.
func (pdt *PageDirectoryTable) access(fn func()) *kernel.Error {
	if !cpu.PagingEnabled() {
		return errPagingDisabled
	}

	if pdt.arch != mmuArch {
		return errArchMismatch
	}

	activePdtFrame := mm.FrameFromAddress(activePDTFn())
	if activePdtFrame == pdt.pdtFrame {
		fn()
		return nil
	}

	// The pointer refers to the active table's own entry; it must be
	// obtained before the entry is modified as the same virtual address
	// resolves to the inactive table afterwards.
	recursiveEntry := (*pageTableEntry)(ptePtrFn(pdt.arch.tableAddr(0, 0) + (pdt.arch.recursiveSlot << mm.PointerShift)))
	recursiveEntry.SetFrame(pdt.arch, pdt.pdtFrame)
	flushTLBFn()

	fn()

	recursiveEntry.SetFrame(pdt.arch, activePdtFrame)
	flushTLBFn()

	return nil
}
