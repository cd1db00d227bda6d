package vmm

import (
	"testing"

	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/cpu"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/physmem"
)

var errTestOutOfFrames = &kernel.Error{Module: "test", Message: "out of frames"}

// frameSource hands out consecutive frames for page tables.
type frameSource struct {
	next, limit mm.Frame
	allocated   int
}

func (s *frameSource) alloc() (mm.Frame, *kernel.Error) {
	if s.limit != 0 && s.next >= s.limit {
		return mm.InvalidFrame, errTestOutOfFrames
	}

	frame := s.next
	s.next++
	s.allocated++
	return frame, nil
}

// setupMachine installs 4M of physical memory filled with junk, creates a
// root table for arch backed by frames starting at 0x100 and activates it.
func setupMachine(t *testing.T, arch *Arch) (*PageDirectoryTable, *frameSource) {
	origArch := mmuArch
	t.Cleanup(func() {
		cpu.Reset()
		mmuArch = origArch
	})

	physmem.Init(4 * mm.Mb)
	cpu.Reset()

	ram, _ := physmem.Bytes(0, physmem.Size())
	for i := range ram {
		ram[i] = 0xa5
	}

	src := &frameSource{next: 0x100}
	rootFrame, _ := src.alloc()

	var pdt PageDirectoryTable
	if err := pdt.Init(rootFrame, arch, src.alloc); err != nil {
		t.Fatal(err)
	}
	pdt.Activate()

	return &pdt, src
}

// capturePanics replaces panicFn and returns the reported errors.
func capturePanics(t *testing.T) *[]interface{} {
	var got []interface{}
	origPanicFn := panicFn
	panicFn = func(e interface{}) { got = append(got, e) }
	t.Cleanup(func() { panicFn = origPanicFn })
	return &got
}

var testArches = []*Arch{X86_64, AArch64}
