// Package mmio maps arbitrary physical memory ranges, such as device
// register windows or firmware tables, into the kernel address space.
package mmio

import (
	"io"
	"sync/atomic"

	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/kfmt"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/vmm"
)

var (
	errInvalidSize    = &kernel.Error{Module: "mmio", Message: "physical range is empty or exceeds the address space"}
	errOutOfBounds    = &kernel.Error{Module: "mmio", Message: "register access lies outside of the mapped range"}
	errNegativeOffset = &kernel.Error{Module: "mmio", Message: "negative offset"}
	errHandleClosed   = &kernel.Error{Module: "mmio", Message: "handle has been closed"}

	// the following functions are mocked by tests.
	panicFn = kfmt.Panic
	viewFn  = vmm.View
)

// RegionAllocator reserves ranges of virtual address space.
type RegionAllocator interface {
	Allocate(size mm.Size) (uintptr, *kernel.Error)
	Free(size mm.Size, addr uintptr)
}

// Handle owns the mapping of a physical memory range. The mapping stays in
// place until Close is called, unless the handle is leaked.
type Handle struct {
	mapper  vmm.Mapper
	regions RegionAllocator

	// virtBase and mappedSize describe the page-aligned mapping.
	virtBase   uintptr
	mappedSize mm.Size

	// physAddr and size describe the range that was requested; offset is
	// the distance of physAddr from the start of its page.
	physAddr uintptr
	size     mm.Size
	offset   uintptr

	closed bool
	leaked bool
}

// Map reserves virtual address space from regions and maps the physical
// range [physAddr, physAddr+size) into it with the caching attributes of
// memType. The range is widened to page boundaries for mapping purposes but
// the returned handle only exposes the requested bytes.
//
// If any page cannot be mapped, the pages mapped so far are unmapped and
// the virtual range is released before the error is returned.
func Map(mapper vmm.Mapper, regions RegionAllocator, physAddr uintptr, size mm.Size, memType mm.MemoryType) (*Handle, *kernel.Error) {
	pageSize := uintptr(mapper.PageSize())
	end := physAddr + uintptr(size)
	if size == 0 || end < physAddr || end+pageSize-1 < end {
		panicFn(errInvalidSize)
		return nil, errInvalidSize
	}

	var (
		physBase   = physAddr &^ (pageSize - 1)
		mappedSize = mm.Size(((end + pageSize - 1) &^ (pageSize - 1)) - physBase)
	)

	virtBase, err := regions.Allocate(mappedSize)
	if err != nil {
		return nil, err
	}

	for off := uintptr(0); off < uintptr(mappedSize); off += pageSize {
		page, frame := mm.PageFromAddress(virtBase+off), mm.FrameFromAddress(physBase+off)
		if err = mapper.Map(page, frame, vmm.FlagRW, memType); err != nil {
			for undo := uintptr(0); undo < off; undo += pageSize {
				_ = mapper.Unmap(mm.PageFromAddress(virtBase + undo))
			}
			regions.Free(mappedSize, virtBase)
			return nil, err
		}
	}

	return &Handle{
		mapper:     mapper,
		regions:    regions,
		virtBase:   virtBase,
		mappedSize: mappedSize,
		physAddr:   physAddr,
		size:       size,
		offset:     physAddr - physBase,
	}, nil
}

// Len returns the size of the requested physical range.
func (h *Handle) Len() int {
	return int(h.size)
}

// Address returns the virtual address of the first requested byte.
func (h *Handle) Address() uintptr {
	return h.virtBase + h.offset
}

// PhysicalAddress returns the physical address the handle was created for.
func (h *Handle) PhysicalAddress() uintptr {
	return h.physAddr
}

// ReadAt implements io.ReaderAt.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	return h.copyAt(p, off, false)
}

// WriteAt implements io.WriterAt.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	return h.copyAt(p, off, true)
}

// copyAt transfers data between p and the mapped range one page at a time.
func (h *Handle) copyAt(p []byte, off int64, write bool) (int, error) {
	switch {
	case h.closed:
		return 0, errHandleClosed
	case off < 0:
		return 0, errNegativeOffset
	case off >= int64(h.size):
		return 0, io.EOF
	}

	want := len(p)
	if remaining := int64(h.size) - off; int64(want) > remaining {
		want = int(remaining)
	}

	var copied int
	for copied < want {
		virtAddr := h.Address() + uintptr(off) + uintptr(copied)
		chunk := int(uintptr(mm.PageSize) - vmm.PageOffset(virtAddr))
		if chunk > want-copied {
			chunk = want - copied
		}

		mem, err := viewFn(virtAddr, mm.Size(chunk), 1)
		if err != nil {
			return copied, err
		}

		window := unsafeBytes(mem, chunk)
		if write {
			copy(window, p[copied:copied+chunk])
		} else {
			copy(p[copied:copied+chunk], window)
		}
		copied += chunk
	}

	if copied < len(p) {
		return copied, io.EOF
	}

	return copied, nil
}

// Read32 performs a 32-bit load from the register at offset.
func (h *Handle) Read32(offset uintptr) uint32 {
	if ptr := h.register(offset, 4); ptr != nil {
		return atomic.LoadUint32((*uint32)(ptr))
	}
	return 0
}

// Write32 performs a 32-bit store to the register at offset.
func (h *Handle) Write32(offset uintptr, value uint32) {
	if ptr := h.register(offset, 4); ptr != nil {
		atomic.StoreUint32((*uint32)(ptr), value)
	}
}

// Read64 performs a 64-bit load from the register at offset.
func (h *Handle) Read64(offset uintptr) uint64 {
	if ptr := h.register(offset, 8); ptr != nil {
		return atomic.LoadUint64((*uint64)(ptr))
	}
	return 0
}

// Write64 performs a 64-bit store to the register at offset.
func (h *Handle) Write64(offset uintptr, value uint64) {
	if ptr := h.register(offset, 8); ptr != nil {
		atomic.StoreUint64((*uint64)(ptr), value)
	}
}

// Close unmaps every page of the handle and returns its virtual range.
// Calling Close more than once, or on a leaked handle, has no effect.
func (h *Handle) Close() error {
	if h.closed || h.leaked {
		return nil
	}
	h.closed = true

	pageSize := uintptr(h.mapper.PageSize())
	for off := uintptr(0); off < uintptr(h.mappedSize); off += pageSize {
		if err := h.mapper.Unmap(mm.PageFromAddress(h.virtBase + off)); err != nil {
			return err
		}
	}

	h.regions.Free(h.mappedSize, h.virtBase)
	return nil
}

// Leak gives up ownership of the mapping. The mapping is never removed and
// the returned virtual address of the first requested byte stays valid
// forever.
func (h *Handle) Leak() uintptr {
	h.leaked = true
	return h.Address()
}

// Leaked returns true if Leak has been called.
func (h *Handle) Leaked() bool {
	return h.leaked
}
