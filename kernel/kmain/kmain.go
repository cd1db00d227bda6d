// Package kmain contains the kernel entrypoint that brings up the memory
// subsystem.
package kmain

import (
	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/kfmt"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/kmem"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/pmm"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/vmm"
)

// bootPattern is written to the scratch page allocated by the boot checks.
const bootPattern = uint64(0x6f736d69756d0a00)

var (
	errBootCheckFailed = &kernel.Error{Module: "kmain", Message: "heap memory does not retain written data"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Kmain initializes the memory subsystem described by cfg. The frames listed
// as available in memoryMap are handed to the frame allocator, except for
// the ones occupied by the kernel image in [kernelStart, kernelEnd).
//
// Before returning, Kmain exercises the page and object allocators. Any
// failure at this stage is unrecoverable.
func Kmain(cfg kmem.Config, memoryMap []pmm.MemoryRegion, kernelStart, kernelEnd uintptr) *kmem.Subsystem {
	kfmt.Printf("Starting osmium\n")

	mem := kmem.New(cfg)
	if mem == nil {
		return nil
	}

	mem.SeedFromMemoryMap(memoryMap, kernelStart, kernelEnd)

	var err *kernel.Error
	if err = mem.Init(); err != nil {
		panicFn(err)
		return nil
	} else if err = bootChecks(mem); err != nil {
		panicFn(err)
		return nil
	}

	kfmt.Printf("[kmain] memory subsystem ready\n")
	return mem
}

// bootChecks allocates and releases a heap page and a small object.
func bootChecks(mem *kmem.Subsystem) *kernel.Error {
	pageAddr, err := mem.Allocate(mm.PageSize)
	if err != nil {
		return err
	}

	ptr, err := vmm.View(pageAddr, 8, 8)
	if err != nil {
		return err
	}
	*(*uint64)(ptr) = bootPattern
	if *(*uint64)(ptr) != bootPattern {
		return errBootCheckFailed
	}
	mem.Deallocate(pageAddr, mm.PageSize)

	objAddr, err := mem.Allocate(64)
	if err != nil {
		return err
	}
	mem.Deallocate(objAddr, 64)

	return nil
}
