// Package slab serves small fixed-size objects out of page-sized blocks.
//
// Each block belongs to a single size class. Its leading slots hold a
// blockHead and the remaining slots are either handed out or linked into the
// block's chain of unused slots. Blocks that have both used and unused slots
// are kept in a per-class partial list; full blocks are in no list and empty
// blocks are returned to the BlockSource straight away.
package slab

import (
	"math/bits"
	"unsafe"

	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/kfmt"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/vmm"
)

const (
	// Sentinel terminates the chain of unused slots in a block.
	Sentinel = 0xffff

	// MinObjectSize is the size of the smallest size class.
	MinObjectSize = mm.Size(1) << minClassShift

	minClassShift = 4

	// MaxObjectSize is the size of the largest size class.
	MaxObjectSize = mm.PageSize / 2

	// NumClasses is the number of supported size classes: powers of two
	// from MinObjectSize up to half the block size.
	NumClasses = mm.PageShift - minClassShift

	blockHeadSize = mm.Size(unsafe.Sizeof(blockHead{}))
)

var (
	errInvalidSize = &kernel.Error{Module: "slab", Message: "object size must be smaller than the block size"}
	errBadPointer  = &kernel.Error{Module: "slab", Message: "freed pointer does not address an allocated slot"}

	// the following functions are mocked by tests.
	panicFn = kfmt.Panic
	viewFn  = vmm.View
)

// BlockSource supplies mapped, page-sized blocks of memory.
type BlockSource interface {
	// AllocBlock returns the virtual address of a new mapped block.
	AllocBlock() (uintptr, *kernel.Error)

	// FreeBlock releases a block returned by AllocBlock.
	FreeBlock(addr uintptr)
}

// blockHead is stored at the start of every block.
type blockHead struct {
	// next and prev link partial blocks of the same class. A zero value
	// means there is no neighbour.
	next, prev uint64

	// firstUnused is the index of the first unused slot or Sentinel.
	firstUnused uint16

	// allocated counts the slots that have been handed out.
	allocated uint16

	_ [4]byte
}

// Allocator is a slab allocator. It is not safe for concurrent use.
type Allocator struct {
	source BlockSource

	// partial holds the address of the first partial block per class.
	partial [NumClasses]uintptr
}

// New returns a slab allocator that obtains its blocks from source.
func New(source BlockSource) *Allocator {
	return &Allocator{source: source}
}

// classFor returns the size class for objects of the given size.
func classFor(size mm.Size) (int, bool) {
	if size > MaxObjectSize {
		return 0, false
	} else if size < MinObjectSize {
		size = MinObjectSize
	}

	size = size.NextPowerOfTwo()
	if size >= mm.PageSize {
		return 0, false
	}

	return bits.Len64(uint64(size)) - 1 - minClassShift, true
}

// slotSize returns the slot size of a class.
func slotSize(class int) mm.Size {
	return MinObjectSize << uint(class)
}

// headerSlots returns the number of leading slots occupied by the block
// head.
func headerSlots(class int) uint16 {
	size := slotSize(class)
	return uint16((blockHeadSize + size - 1) / size)
}

// Capacity returns the number of objects a block of the class that serves
// size holds.
func Capacity(size mm.Size) int {
	class, ok := classFor(size)
	if !ok {
		return 0
	}

	return int(mm.PageSize/slotSize(class)) - int(headerSlots(class))
}

// Allocate returns the address of an unused slot that holds size bytes.
// Sizes are rounded up to the next power of two; sizes of a block or more
// are rejected with a fatal error.
func (alloc *Allocator) Allocate(size mm.Size) (uintptr, *kernel.Error) {
	class, ok := classFor(size)
	if !ok {
		panicFn(errInvalidSize)
		return 0, errInvalidSize
	}

	block := alloc.partial[class]
	if block == 0 {
		var err *kernel.Error
		if block, err = alloc.newBlock(class); err != nil {
			return 0, err
		}
	}

	head := alloc.head(block)
	if head == nil {
		return 0, errBadPointer
	}

	slotAddr := block + uintptr(head.firstUnused)*uintptr(slotSize(class))
	next := alloc.slotLink(slotAddr)
	if next == nil {
		return 0, errBadPointer
	}

	head.firstUnused = *next
	head.allocated++

	if int(head.allocated) == Capacity(slotSize(class)) {
		alloc.unlink(class, block, head)
	}

	return slotAddr, nil
}

// Free returns the slot at addr, previously obtained from Allocate with the
// same size, to its block. Passing an address that does not point to the
// start of an allocated slot is a fatal error.
func (alloc *Allocator) Free(addr uintptr, size mm.Size) {
	class, ok := classFor(size)
	if !ok {
		panicFn(errInvalidSize)
		return
	}

	var (
		block     = addr &^ uintptr(mm.PageSize-1)
		slotBytes = uintptr(slotSize(class))
		offset    = addr - block
		slot      = uint16(offset / slotBytes)
	)

	if offset%slotBytes != 0 || slot < headerSlots(class) {
		panicFn(errBadPointer)
		return
	}

	head := alloc.head(block)
	if head == nil {
		return
	}

	if head.allocated == 0 || alloc.isUnused(block, class, head, slot) {
		panicFn(errBadPointer)
		return
	}

	link := alloc.slotLink(addr)
	if link == nil {
		return
	}

	wasFull := head.firstUnused == Sentinel
	*link = head.firstUnused
	head.firstUnused = slot
	head.allocated--

	switch {
	case head.allocated == 0:
		if !wasFull {
			alloc.unlink(class, block, head)
		}
		alloc.source.FreeBlock(block)
	case wasFull:
		alloc.push(class, block, head)
	}
}

// PartialBlocks returns the number of partial blocks in the class that
// serves size.
func (alloc *Allocator) PartialBlocks(size mm.Size) int {
	class, ok := classFor(size)
	if !ok {
		return 0
	}

	var count int
	for block := alloc.partial[class]; block != 0; {
		head := alloc.head(block)
		if head == nil {
			break
		}
		count++
		block = uintptr(head.next)
	}

	return count
}

// isUnused returns true if slot is linked in the unused chain of block. The
// walk is linear in the number of unused slots.
func (alloc *Allocator) isUnused(block uintptr, class int, head *blockHead, slot uint16) bool {
	for cur := head.firstUnused; cur != Sentinel; {
		if cur == slot {
			return true
		}

		link := alloc.slotLink(block + uintptr(cur)*uintptr(slotSize(class)))
		if link == nil {
			return false
		}
		cur = *link
	}

	return false
}

// newBlock obtains a block from the source, chains all of its slots into
// the unused list and adds it to the partial list of the class.
func (alloc *Allocator) newBlock(class int) (uintptr, *kernel.Error) {
	block, err := alloc.source.AllocBlock()
	if err != nil {
		return 0, err
	}

	head := alloc.head(block)
	if head == nil {
		return 0, errBadPointer
	}

	var (
		first = headerSlots(class)
		last  = uint16(mm.PageSize/slotSize(class)) - 1
	)

	for slot := first; slot <= last; slot++ {
		link := alloc.slotLink(block + uintptr(slot)*uintptr(slotSize(class)))
		if link == nil {
			return 0, errBadPointer
		}

		*link = slot + 1
		if slot == last {
			*link = Sentinel
		}
	}

	*head = blockHead{firstUnused: first}
	alloc.push(class, block, head)

	return block, nil
}

// push inserts a block at the front of the partial list of its class.
func (alloc *Allocator) push(class int, block uintptr, head *blockHead) {
	head.prev = 0
	head.next = uint64(alloc.partial[class])
	if head.next != 0 {
		if nextHead := alloc.head(uintptr(head.next)); nextHead != nil {
			nextHead.prev = uint64(block)
		}
	}
	alloc.partial[class] = block
}

// unlink removes a block from the partial list of its class.
func (alloc *Allocator) unlink(class int, block uintptr, head *blockHead) {
	if head.prev != 0 {
		if prevHead := alloc.head(uintptr(head.prev)); prevHead != nil {
			prevHead.next = head.next
		}
	} else if alloc.partial[class] == block {
		alloc.partial[class] = uintptr(head.next)
	}

	if head.next != 0 {
		if nextHead := alloc.head(uintptr(head.next)); nextHead != nil {
			nextHead.prev = head.prev
		}
	}

	head.next, head.prev = 0, 0
}

// head returns the block head stored at block.
func (alloc *Allocator) head(block uintptr) *blockHead {
	ptr, err := viewFn(block, blockHeadSize, 8)
	if err != nil {
		panicFn(err)
		return nil
	}

	return (*blockHead)(ptr)
}

// slotLink returns the unused-chain link stored in the slot at addr.
func (alloc *Allocator) slotLink(addr uintptr) *uint16 {
	ptr, err := viewFn(addr, 2, 2)
	if err != nil {
		panicFn(err)
		return nil
	}

	return (*uint16)(ptr)
}
