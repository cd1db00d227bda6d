// Package kmem wires the memory management engines into the allocator
// subsystem used by the rest of the kernel.
//
// A Subsystem owns the physical frame tracker, the buddy allocators for the
// heap address space and the page table pool, the kernel page directory and
// the slab allocator. It must be created with New and initialized with Init
// before any allocation; it is never torn down. A Subsystem assumes a
// single active allocation context and is not safe for concurrent use.
package kmem

import (
	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/kfmt"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/buddy"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/pmm"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/slab"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/vmm"
)

var (
	// ErrHeapExhausted is returned when a heap allocation cannot be
	// satisfied. No memory is consumed by a failed allocation.
	ErrHeapExhausted = &kernel.Error{Module: "kmem", Message: "heap exhausted"}

	errInvalidConfig  = &kernel.Error{Module: "kmem", Message: "invalid memory layout"}
	errNotInitialized = &kernel.Error{Module: "kmem", Message: "memory subsystem used before Init"}
	errInvalidSize    = &kernel.Error{Module: "kmem", Message: "size exceeds the heap range"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Subsystem is the kernel memory allocator context.
type Subsystem struct {
	cfg Config

	tracker   *pmm.BitmapAllocator
	heapSpace *buddy.Allocator
	tablePool *buddy.Allocator
	pdt       vmm.PageDirectoryTable
	slabs     *slab.Allocator

	leaked      []LeakedMapping
	initialized bool
}

// New creates a memory subsystem for the supplied layout. All physical
// frames start out as used; the caller releases the available ones with
// SeedFromMemoryMap or MarkRangeFree.
func New(cfg Config) *Subsystem {
	if !cfg.validate() {
		panicFn(errInvalidConfig)
		return nil
	}

	s := &Subsystem{
		cfg:       cfg,
		tracker:   pmm.NewBitmapAllocator(cfg.PhysicalMemory),
		heapSpace: buddy.New(cfg.HeapSize, mm.PageShift, cfg.HeapEntries),
		tablePool: buddy.New(cfg.PhysicalMemory, mm.PageShift, cfg.PageTableEntries),
	}
	s.slabs = slab.New(slabSource{s})

	return s
}

// Init seeds the buddy allocators, builds the kernel page directory and
// activates it. The page table pool range is withdrawn from the frame
// tracker.
func (s *Subsystem) Init() *kernel.Error {
	if err := s.heapSpace.AddEntry(s.cfg.HeapSize, s.cfg.HeapBase); err != nil {
		return err
	}

	poolEnd := s.cfg.PageTablePoolBase + uintptr(s.cfg.PageTablePoolSize)
	s.tracker.MarkRangeUsed(s.cfg.PageTablePoolBase, poolEnd)
	if err := s.tablePool.AddRange(s.cfg.PageTablePoolBase, s.cfg.PageTablePoolSize); err != nil {
		return err
	}

	rootFrame, err := s.allocTableFrame()
	if err != nil {
		return err
	}

	if err = s.pdt.Init(rootFrame, s.cfg.Arch, s.allocTableFrame); err != nil {
		return err
	}
	s.pdt.Activate()
	s.initialized = true

	kfmt.Printf("[kmem] %s page tables active, root at 0x%x\n", s.cfg.Arch.Name, rootFrame.Address())
	kfmt.Printf("[kmem] heap: 0x%x - 0x%x, page table pool: 0x%x - 0x%x\n",
		s.cfg.HeapBase, s.cfg.HeapBase+uintptr(s.cfg.HeapSize-1),
		s.cfg.PageTablePoolBase, poolEnd,
	)
	kfmt.Printf("[kmem] free memory: %dKb\n", uint64(mm.Size(s.tracker.FreeFrames())*mm.PageSize/mm.Kb))

	return nil
}

// ready raises a fatal error if the subsystem has not been initialized.
func (s *Subsystem) ready() bool {
	if !s.initialized {
		panicFn(errNotInitialized)
		return false
	}

	return true
}

// Mapper returns the kernel page directory.
func (s *Subsystem) Mapper() vmm.Mapper {
	return &s.pdt
}

// MapPage maps a virtual page to a physical frame in the kernel page
// directory. Mapping a page twice is a fatal error.
func (s *Subsystem) MapPage(page mm.Page, frame mm.Frame, flags vmm.MapFlag, memType mm.MemoryType) *kernel.Error {
	if !s.ready() {
		return errNotInitialized
	}

	return s.pdt.Map(page, frame, flags, memType)
}

// UnmapPage removes the mapping of a virtual page. Unmapping a page that is
// not mapped is a fatal error.
func (s *Subsystem) UnmapPage(page mm.Page) *kernel.Error {
	if !s.ready() {
		return errNotInitialized
	}

	return s.pdt.Unmap(page)
}

// GetPhysicalAddress returns the physical address that virtAddr maps to.
// Looking up an unmapped address is a fatal error.
func (s *Subsystem) GetPhysicalAddress(virtAddr uintptr) uintptr {
	if !s.ready() {
		return 0
	}

	physAddr, err := s.pdt.Translate(virtAddr)
	if err != nil {
		panicFn(err)
		return 0
	}

	return physAddr
}

// MarkRangeFree releases the physical frames in [start, end).
func (s *Subsystem) MarkRangeFree(start, end uintptr) {
	s.tracker.MarkRangeFree(start, end)
}

// MarkRangeUsed withdraws the physical frames in [start, end).
func (s *Subsystem) MarkRangeUsed(start, end uintptr) {
	s.tracker.MarkRangeUsed(start, end)
}

// SeedFromMemoryMap releases the available regions of a firmware memory
// map, keeping the kernel image reserved.
func (s *Subsystem) SeedFromMemoryMap(regions []pmm.MemoryRegion, kernelStart, kernelEnd uintptr) {
	s.tracker.SeedFromMemoryMap(regions, kernelStart, kernelEnd)
}

// AllocateBlockAddress reserves a physical frame and returns its address.
func (s *Subsystem) AllocateBlockAddress() (uintptr, *kernel.Error) {
	frame, err := s.tracker.AllocFrame()
	if err != nil {
		return 0, err
	}

	return frame.Address(), nil
}

// FreeFrames returns the number of free physical frames.
func (s *Subsystem) FreeFrames() uint64 {
	return s.tracker.FreeFrames()
}
