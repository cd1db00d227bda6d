package kmem

import (
	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/buddy"
)

// allocTableFrame hands out a frame for a page table. Frames come from the
// page table pool which is topped up with a frame from the tracker when it
// runs dry.
func (s *Subsystem) allocTableFrame() (mm.Frame, *kernel.Error) {
	addr, err := s.tablePool.Allocate(mm.PageSize)
	if err == buddy.ErrNoSpace {
		if err = s.growTablePool(); err != nil {
			return mm.InvalidFrame, err
		}
		addr, err = s.tablePool.Allocate(mm.PageSize)
	}

	if err != nil {
		return mm.InvalidFrame, err
	}

	return mm.FrameFromAddress(addr), nil
}

// growTablePool moves one frame from the tracker into the page table pool.
func (s *Subsystem) growTablePool() *kernel.Error {
	frame, err := s.tracker.AllocFrame()
	if err != nil {
		return err
	}

	if err = s.tablePool.AddEntry(mm.PageSize, frame.Address()); err != nil {
		s.tracker.FreeFrame(frame)
		return err
	}

	return nil
}
