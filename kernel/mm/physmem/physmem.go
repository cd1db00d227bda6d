// Package physmem provides the physical memory of the hosted machine.
//
// Every place where the memory core reinterprets raw memory as structured
// data (page table entries, slab headers, MMIO registers) obtains its pointer
// through View, which validates the requested range against the installed
// memory and the caller's alignment requirement before handing out a typed
// reference.
package physmem

import (
	"unsafe"

	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
)

var (
	// ram backs the machine's physical address space [0, len(ram)). It is
	// carved out of a []uint64 so that its base is at least 8-byte aligned.
	ram []byte

	errNoMemory    = &kernel.Error{Module: "physmem", Message: "physical memory has not been installed"}
	errOutOfRange  = &kernel.Error{Module: "physmem", Message: "physical range lies outside of installed memory"}
	errMisaligned  = &kernel.Error{Module: "physmem", Message: "physical address does not satisfy the requested alignment"}
	errInvalidSize = &kernel.Error{Module: "physmem", Message: "view size must be non-zero and alignment a power of two"}
)

// Init installs size bytes of zero-filled physical memory, discarding any
// previously installed memory. The size is rounded up to a page multiple.
func Init(size mm.Size) {
	size = (size + mm.PageSize - 1) &^ (mm.PageSize - 1)
	if size == 0 {
		ram = nil
		return
	}

	words := make([]uint64, size>>3)
	ram = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

// Size returns the amount of installed physical memory.
func Size() mm.Size {
	return mm.Size(len(ram))
}

// View returns a pointer to size bytes of physical memory starting at
// physAddr. The range must lie inside installed memory and physAddr must be
// a multiple of align.
func View(physAddr uintptr, size, align mm.Size) (unsafe.Pointer, *kernel.Error) {
	switch {
	case ram == nil:
		return nil, errNoMemory
	case size == 0 || !align.IsPowerOfTwo():
		return nil, errInvalidSize
	case physAddr&uintptr(align-1) != 0:
		return nil, errMisaligned
	case physAddr >= uintptr(len(ram)) || uintptr(size) > uintptr(len(ram))-physAddr:
		return nil, errOutOfRange
	}

	return unsafe.Pointer(&ram[physAddr]), nil
}

// Bytes returns a byte slice aliasing size bytes of physical memory starting
// at physAddr.
func Bytes(physAddr uintptr, size mm.Size) ([]byte, *kernel.Error) {
	ptr, err := View(physAddr, size, 1)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(ptr), size), nil
}
