// Package vmm manages virtual to physical address translations.
//
// Page tables are manipulated through a recursive mapping: one slot of the
// top-level table points back at the table itself, which makes the entries of
// every table along the path of a virtual address reachable as ordinary
// virtual memory. The table formats of the supported architectures are
// described by Arch values; everything above this package only talks to the
// Mapper interface and never needs to know which format is in use.
package vmm

import (
	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/cpu"
	"github.com/Jett59/osmium-os-sub000/kernel/kfmt"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
)

const (
	// pageLevels indicates the number of page levels supported by the
	// MMU of every supported architecture.
	pageLevels = 4

	// canonicalBit is the highest implemented virtual address bit. It is
	// sign-extended into the upper address bits.
	canonicalBit = 47

	// upperBits selects the address bits above canonicalBit.
	upperBits = ^uintptr(1<<(canonicalBit+1) - 1)
)

var (
	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. Each level uses 9 bits which amounts
	// to 512 entries per table.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errAlreadyMapped  = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}
	errNotMapped      = &kernel.Error{Module: "vmm", Message: "attempted to unmap a virtual page that is not mapped"}
	errHugePage       = &kernel.Error{Module: "vmm", Message: "page walk crossed a huge page or block mapping"}
	errPagingDisabled = &kernel.Error{Module: "vmm", Message: "paging has not been enabled"}
	errArchMismatch   = &kernel.Error{Module: "vmm", Message: "page table format differs from the active one"}

	// the following functions are mocked by tests.
	panicFn         = kfmt.Panic
	activePDTFn     = cpu.ActivePDT
	switchPDTFn     = cpu.SwitchPDT
	flushTLBEntryFn = cpu.FlushTLBEntry
	flushTLBFn      = cpu.FlushTLB
)

// MapFlag describes the access permissions of a mapping independently of
// the page table format.
type MapFlag uint8

const (
	// FlagRW allows writes to the page.
	FlagRW MapFlag = 1 << iota

	// FlagExec allows instruction fetches from the page.
	FlagExec

	// FlagUser makes the page accessible from user mode.
	FlagUser
)

// Mapper installs and removes translations in an address space. It is the
// only view of the page tables that the allocators have.
type Mapper interface {
	// Map establishes a mapping between a virtual page and a physical
	// frame. Mapping a page that is already mapped is a fatal error.
	Map(page mm.Page, frame mm.Frame, flags MapFlag, memType mm.MemoryType) *kernel.Error

	// Unmap removes the mapping for a page and invalidates its cached
	// translation. Unmapping a page that is not mapped is a fatal error.
	Unmap(page mm.Page) *kernel.Error

	// Translate returns the physical address that virtAddr maps to or
	// ErrInvalidMapping.
	Translate(virtAddr uintptr) (uintptr, *kernel.Error)

	// PageSize returns the size of the pages handled by Map.
	PageSize() mm.Size
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}

// canonical sign-extends the highest implemented virtual address bit.
func canonical(virtAddr uintptr) uintptr {
	if virtAddr&(1<<canonicalBit) != 0 {
		return virtAddr | upperBits
	}

	return virtAddr &^ upperBits
}
