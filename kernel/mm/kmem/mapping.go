package kmem

import (
	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/mmio"
)

// LeakedMapping records a physical memory mapping that was made permanent.
type LeakedMapping struct {
	VirtAddr uintptr
	PhysAddr uintptr
	Size     mm.Size
}

// MapPhysicalMemory maps the physical range [physAddr, physAddr+size) into
// the heap address space. The returned handle unmaps the range when closed.
func (s *Subsystem) MapPhysicalMemory(physAddr uintptr, size mm.Size, memType mm.MemoryType) (*mmio.Handle, *kernel.Error) {
	if !s.ready() {
		return nil, errNotInitialized
	}

	return mmio.Map(&s.pdt, s.heapSpace, physAddr, size, memType)
}

// LeakMapping makes the mapping owned by h permanent and returns the
// virtual address of its first byte.
func (s *Subsystem) LeakMapping(h *mmio.Handle) uintptr {
	virtAddr := h.Leak()
	s.leaked = append(s.leaked, LeakedMapping{
		VirtAddr: virtAddr,
		PhysAddr: h.PhysicalAddress(),
		Size:     mm.Size(h.Len()),
	})

	return virtAddr
}

// LeakedMappings returns the mappings made permanent with LeakMapping.
func (s *Subsystem) LeakedMappings() []LeakedMapping {
	return s.leaked
}
