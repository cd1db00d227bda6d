package vmm

import "github.com/Jett59/osmium-os-sub000/kernel"

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to override the generated page table entry pointers so
	// walk() can be tested without a populated address space.
	ptePtrFn = mmuPointer
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address using the
// recursive mapping of arch. It calls the supplied walkFn with the page
// table entry that corresponds to each page table level, starting from the
// top-level table. The walk stops early if walkFn returns false.
//
// walkFn must ensure that the entry it receives is valid before letting the
// walk continue; the table for the next level is only reachable through the
// recursive mapping once its parent entry is valid.
func walk(arch *Arch, virtAddr uintptr, walkFn pageTableWalker) {
	for level := uint8(0); level < pageLevels; level++ {
		entryAddr := arch.entryAddr(level, virtAddr)
		if !walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))) {
			return
		}
	}
}

// pteForAddress returns the final page table entry that corresponds to a
// particular virtual address. The function performs a page table walk till
// it reaches the final page table entry returning ErrInvalidMapping if the
// page is not present.
func pteForAddress(arch *Arch, virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	walk(arch, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(arch.validFlag) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		if arch.isBlock(pteLevel, *pte) {
			entry = nil
			err = errHugePage
			return false
		}

		entry = pte
		return true
	})

	return entry, err
}
