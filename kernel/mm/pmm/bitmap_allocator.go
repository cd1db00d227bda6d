// Package pmm tracks the allocation state of physical memory frames.
package pmm

import (
	"math/bits"
	"sync/atomic"

	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/kfmt"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
)

var (
	// ErrOutOfMemory is returned by AllocFrame when no free frame exists.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	errAddrOutOfRange = &kernel.Error{Module: "pmm", Message: "physical address lies beyond the tracked range"}
	errInvalidRange   = &kernel.Error{Module: "pmm", Message: "range end precedes range start"}
	errDoubleFree     = &kernel.Error{Module: "pmm", Message: "attempted to free a frame that is not in use"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// BitmapAllocator implements a physical frame allocator that tracks the
// state of every frame below a fixed capacity using a flat bitmap. A set bit
// marks a free frame; bit i of word w corresponds to frame (w * 64 + i).
//
// Bitmap words are only ever updated with atomic read-modify-write
// operations. Allocation uses a compare-and-swap loop on the first non-empty
// word so that a frame released concurrently with an allocation on the same
// word is never lost.
type BitmapAllocator struct {
	// totalFrames tracks the number of frames covered by the bitmap.
	totalFrames uint64

	// freeBitmap tracks used/free frames.
	freeBitmap []uint64

	// scanHint is the index of the lowest bitmap word that may contain a
	// free frame. Words below the hint are known to be fully allocated.
	scanHint atomic.Uint64
}

// NewBitmapAllocator returns an allocator that tracks the physical range
// [0, capacity). All frames start out as used; the boot code is expected to
// release the available regions reported by the firmware memory map.
func NewBitmapAllocator(capacity mm.Size) *BitmapAllocator {
	frames := uint64(capacity >> mm.PageShift)
	alloc := &BitmapAllocator{
		totalFrames: frames,
		freeBitmap:  make([]uint64, (frames+63)>>6),
	}
	alloc.scanHint.Store(uint64(len(alloc.freeBitmap)))

	return alloc
}

// TotalFrames returns the number of frames tracked by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uint64 {
	return alloc.totalFrames
}

// FreeFrames returns the number of frames that are currently free.
func (alloc *BitmapAllocator) FreeFrames() uint64 {
	var count int
	for index := range alloc.freeBitmap {
		count += bits.OnesCount64(atomic.LoadUint64(&alloc.freeBitmap[index]))
	}

	return uint64(count)
}

// AllocFrame reserves the free frame with the lowest physical address. It
// returns ErrOutOfMemory if every tracked frame is in use.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	hint := alloc.scanHint.Load()
	for word := hint; word < uint64(len(alloc.freeBitmap)); word++ {
		for {
			cur := atomic.LoadUint64(&alloc.freeBitmap[word])
			if cur == 0 {
				break
			}

			lowest := cur & -cur
			if !atomic.CompareAndSwapUint64(&alloc.freeBitmap[word], cur, cur&^lowest) {
				// Word changed under us; reload and retry
				continue
			}

			// Every word in [hint, word) was found to be empty
			if word != hint {
				alloc.scanHint.CompareAndSwap(hint, word)
			}

			return mm.Frame(word<<6 + uint64(bits.TrailingZeros64(cur))), nil
		}
	}

	alloc.scanHint.CompareAndSwap(hint, uint64(len(alloc.freeBitmap)))
	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame releases a frame previously returned by AllocFrame. Releasing a
// frame that is already free is a fatal error.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) {
	if uint64(frame) >= alloc.totalFrames {
		panicFn(errAddrOutOfRange)
		return
	}

	word, mask := uint64(frame)>>6, uint64(1)<<(uint64(frame)&63)
	if old := atomic.OrUint64(&alloc.freeBitmap[word], mask); old&mask != 0 {
		panicFn(errDoubleFree)
		return
	}

	alloc.lowerHint(word)
}

// MarkFree flags the frame that contains physAddr as free.
func (alloc *BitmapAllocator) MarkFree(physAddr uintptr) {
	frame := uint64(physAddr >> mm.PageShift)
	alloc.markRange(frame, frame+1, true)
}

// MarkUsed flags the frame that contains physAddr as used.
func (alloc *BitmapAllocator) MarkUsed(physAddr uintptr) {
	frame := uint64(physAddr >> mm.PageShift)
	alloc.markRange(frame, frame+1, false)
}

// MarkRangeFree flags the frames in the physical range [start, end) as free.
// Frames that are only partially covered by the range are left untouched.
func (alloc *BitmapAllocator) MarkRangeFree(start, end uintptr) {
	if end < start {
		panicFn(errInvalidRange)
		return
	}

	pageSizeMinus1 := uint64(mm.PageSize - 1)
	first := (uint64(start) + pageSizeMinus1) >> mm.PageShift
	last := uint64(end) >> mm.PageShift
	if first < last {
		alloc.markRange(first, last, true)
	}
}

// MarkRangeUsed flags the frames in the physical range [start, end) as used.
// Frames that are only partially covered by the range are flagged as well.
func (alloc *BitmapAllocator) MarkRangeUsed(start, end uintptr) {
	if end < start {
		panicFn(errInvalidRange)
		return
	}

	pageSizeMinus1 := uint64(mm.PageSize - 1)
	first := uint64(start) >> mm.PageShift
	last := (uint64(end) + pageSizeMinus1) >> mm.PageShift
	if first < last {
		alloc.markRange(first, last, false)
	}
}

// markRange sets or clears the bits for frames [first, last) one bitmap
// word at a time.
func (alloc *BitmapAllocator) markRange(first, last uint64, free bool) {
	if last > alloc.totalFrames {
		panicFn(errAddrOutOfRange)
		return
	}

	for first < last {
		word, bit := first>>6, first&63
		count := 64 - bit
		if remaining := last - first; remaining < count {
			count = remaining
		}
		mask := (^uint64(0) >> (64 - count)) << bit

		if free {
			atomic.OrUint64(&alloc.freeBitmap[word], mask)
			alloc.lowerHint(word)
		} else {
			atomic.AndUint64(&alloc.freeBitmap[word], ^mask)
		}

		first += count
	}
}

// lowerHint moves the scan hint down to word if it currently points above it.
func (alloc *BitmapAllocator) lowerHint(word uint64) {
	for {
		cur := alloc.scanHint.Load()
		if word >= cur || alloc.scanHint.CompareAndSwap(cur, word) {
			return
		}
	}
}
