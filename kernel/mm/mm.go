// Package mm contains the types shared by the memory management packages:
// sizes, physical frames, virtual pages and memory types.
package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for the supported architectures is defined as (1 << PointerShift).
	PointerShift = 3

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes. It doubles as the
	// block size used by the physical frame tracker and the slab allocator.
	PageSize = Size(1 << PageShift)
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	return uint64((s+PageSize-1)&^(PageSize-1)) >> PageShift
}

// PageAligned returns true if s is a multiple of PageSize.
func (s Size) PageAligned() bool {
	return s&(PageSize-1) == 0
}

// NextPowerOfTwo returns the smallest power of two that is >= s. A zero
// size rounds up to one byte.
func (s Size) NextPowerOfTwo() Size {
	if s <= 1 {
		return 1
	}

	s--
	s |= s >> 1
	s |= s >> 2
	s |= s >> 4
	s |= s >> 8
	s |= s >> 16
	s |= s >> 32
	return s + 1
}

// IsPowerOfTwo returns true if s is a non-zero power of two.
func (s Size) IsPowerOfTwo() bool {
	return s != 0 && s&(s-1) == 0
}

// MemoryType selects the caching attributes of a mapping.
type MemoryType uint8

const (
	// MemoryNormal is cacheable RAM.
	MemoryNormal MemoryType = iota

	// MemoryDevice is uncached memory with strict access ordering, used
	// for MMIO register windows.
	MemoryDevice
)

// String implements fmt.Stringer for MemoryType.
func (t MemoryType) String() string {
	switch t {
	case MemoryNormal:
		return "normal"
	case MemoryDevice:
		return "device"
	default:
		return "unknown"
	}
}
