package main

import (
	"os"

	"github.com/Jett59/osmium-os-sub000/kernel/kfmt"
	"github.com/Jett59/osmium-os-sub000/kernel/kmain"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/kmem"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/physmem"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/pmm"
)

// Physical layout of the simulated machine.
const (
	kernelStart = uintptr(0x100000)
	kernelEnd   = uintptr(0x180000)
)

// main boots the memory subsystem on a simulated machine whose firmware
// memory map resembles the one reported by a PC BIOS.
func main() {
	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: os.Stdout, Prefix: []byte("[osmium] ")})

	cfg := kmem.DefaultConfig()
	physmem.Init(cfg.PhysicalMemory)

	memoryMap := []pmm.MemoryRegion{
		{PhysAddress: 0, Length: 0x9fc00, Type: pmm.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: pmm.MemReserved},
		{PhysAddress: 0xf0000, Length: 0x10000, Type: pmm.MemReserved},
		{PhysAddress: 0x100000, Length: uint64(cfg.PhysicalMemory - mm.Mb - 128*mm.Kb), Type: pmm.MemAvailable},
		{PhysAddress: uint64(cfg.PhysicalMemory - 128*mm.Kb), Length: uint64(128 * mm.Kb), Type: pmm.MemAcpiReclaimable},
	}

	if mem := kmain.Kmain(cfg, memoryMap, kernelStart, kernelEnd); mem != nil {
		kfmt.Printf("free memory: %dKb\n", uint64(mm.Size(mem.FreeFrames())*mm.PageSize/mm.Kb))
	}
}
