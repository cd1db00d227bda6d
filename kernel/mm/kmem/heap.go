package kmem

import (
	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/slab"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/vmm"
)

// Allocate returns the address of a kernel heap allocation of at least
// size bytes. Requests that round up to less than a page are served by the
// slab allocator; larger requests reserve a power-of-two range of heap address
// space and back each of the pages they need with a fresh frame. A failed
// allocation returns ErrHeapExhausted and consumes no memory.
func (s *Subsystem) Allocate(size mm.Size) (uintptr, *kernel.Error) {
	if !s.ready() {
		return 0, errNotInitialized
	}

	if size <= slab.MaxObjectSize {
		addr, err := s.slabs.Allocate(size)
		if err != nil {
			return 0, ErrHeapExhausted
		}
		return addr, nil
	}

	return s.allocatePages(size)
}

// Deallocate releases an allocation obtained from Allocate. The size must
// match the one passed to Allocate.
func (s *Subsystem) Deallocate(addr uintptr, size mm.Size) {
	if !s.ready() {
		return
	}

	if size <= slab.MaxObjectSize {
		s.slabs.Free(addr, size)
		return
	} else if size > s.cfg.HeapSize {
		panicFn(errInvalidSize)
		return
	}

	s.freePages(addr, size)
}

func (s *Subsystem) allocatePages(size mm.Size) (uintptr, *kernel.Error) {
	if size > s.cfg.HeapSize {
		return 0, ErrHeapExhausted
	}

	pages := size.Pages()
	if pages > s.tracker.FreeFrames() {
		return 0, ErrHeapExhausted
	}

	virtAddr, err := s.heapSpace.Allocate(mm.Size(pages) * mm.PageSize)
	if err != nil {
		return 0, ErrHeapExhausted
	}

	for i := uint64(0); i < pages; i++ {
		page := mm.PageFromAddress(virtAddr + uintptr(i)*uintptr(mm.PageSize))

		frame, err := s.tracker.AllocFrame()
		if err == nil {
			if err = s.pdt.Map(page, frame, vmm.FlagRW, mm.MemoryNormal); err != nil {
				s.tracker.FreeFrame(frame)
			}
		}

		if err != nil {
			s.unmapPages(virtAddr, i)
			s.heapSpace.Free(mm.Size(pages)*mm.PageSize, virtAddr)
			return 0, ErrHeapExhausted
		}
	}

	return virtAddr, nil
}

func (s *Subsystem) freePages(addr uintptr, size mm.Size) {
	pages := size.Pages()
	s.unmapPages(addr, pages)
	s.heapSpace.Free(mm.Size(pages)*mm.PageSize, addr)
}

// unmapPages unmaps count heap pages starting at virtAddr and returns their
// frames to the tracker.
func (s *Subsystem) unmapPages(virtAddr uintptr, count uint64) {
	for i := uint64(0); i < count; i++ {
		pageAddr := virtAddr + uintptr(i)*uintptr(mm.PageSize)

		physAddr, err := s.pdt.Translate(pageAddr)
		if err != nil {
			panicFn(err)
			return
		}

		if err = s.pdt.Unmap(mm.PageFromAddress(pageAddr)); err != nil {
			return
		}
		s.tracker.FreeFrame(mm.FrameFromAddress(physAddr))
	}
}

// slabSource backs slab blocks with single heap pages.
type slabSource struct {
	s *Subsystem
}

var _ slab.BlockSource = slabSource{}

func (src slabSource) AllocBlock() (uintptr, *kernel.Error) {
	return src.s.allocatePages(mm.PageSize)
}

func (src slabSource) FreeBlock(addr uintptr) {
	src.s.freePages(addr, mm.PageSize)
}
