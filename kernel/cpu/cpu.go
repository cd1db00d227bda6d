// Package cpu models the processor state that the memory core relies on: the
// translation root register, the TLB and the halt instruction.
//
// The kernel is exercised on a hosted machine, so the register and TLB state
// live in package variables instead of hardware. Code above this package
// treats them exactly like the real registers: a root table switch flushes the
// TLB and a modified translation must be explicitly invalidated.
package cpu

import "os"

// haltExitCode is the process exit status used when the CPU is halted.
const haltExitCode = 2

// tlbPageMask clears the page offset bits of a virtual address. The TLB only
// caches 4K translations.
const tlbPageMask = ^uintptr(0xfff)

var (
	// exitFn is mocked by tests.
	exitFn = os.Exit

	activePDT     uintptr
	pagingEnabled bool

	// tlb caches page-aligned virtual to physical translations that were
	// resolved by the MMU table walk.
	tlb = make(map[uintptr]uintptr)
)

// Halt stops instruction execution. On the hosted machine this terminates
// the process.
func Halt() {
	exitFn(haltExitCode)
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address, enables paging and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	activePDT = pdtPhysAddr
	pagingEnabled = true
	FlushTLB()
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr {
	return activePDT
}

// PagingEnabled returns true once a root page table has been loaded.
func PagingEnabled() bool {
	return pagingEnabled
}

// Reset returns the CPU to its power-on state: paging disabled, no active
// page table and an empty TLB.
func Reset() {
	activePDT = 0
	pagingEnabled = false
	FlushTLB()
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) {
	delete(tlb, virtAddr&tlbPageMask)
}

// FlushTLB invalidates every cached translation.
func FlushTLB() {
	for k := range tlb {
		delete(tlb, k)
	}
}

// LookupTLB returns the cached physical address for virtAddr, if any.
func LookupTLB(virtAddr uintptr) (uintptr, bool) {
	physPage, ok := tlb[virtAddr&tlbPageMask]
	if !ok {
		return 0, false
	}

	return physPage + (virtAddr &^ tlbPageMask), true
}

// FillTLB caches the translation of the page containing virtAddr to the page
// containing physAddr.
func FillTLB(virtAddr, physAddr uintptr) {
	tlb[virtAddr&tlbPageMask] = physAddr & tlbPageMask
}
