package mmio

import (
	"unsafe"

	"github.com/Jett59/osmium-os-sub000/kernel/mm"
)

// register returns a pointer to a naturally aligned register of the given
// width. Out of range or misaligned accesses are fatal.
func (h *Handle) register(offset uintptr, width mm.Size) unsafe.Pointer {
	if h.closed || offset+uintptr(width) > uintptr(h.size) || offset+uintptr(width) < offset {
		panicFn(errOutOfBounds)
		return nil
	}

	ptr, err := viewFn(h.Address()+offset, width, width)
	if err != nil {
		panicFn(err)
		return nil
	}

	return ptr
}

func unsafeBytes(ptr unsafe.Pointer, size int) []byte {
	return unsafe.Slice((*byte)(ptr), size)
}
