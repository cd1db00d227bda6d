// Package buddy implements a power-of-two region allocator over an abstract
// linear range. The kernel uses one instance to carve up the virtual heap and
// a second one to manage the pool of pages that back page tables.
//
// Regions are described by entries drawn from a fixed pool sized at
// construction; the allocator itself never allocates memory. Sizes are
// expressed in bytes and orders are relative to the minimum granule, so a
// region of order k spans (granule << k) bytes.
package buddy

import (
	"math/bits"

	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/kfmt"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
)

var (
	// ErrNoSpace is returned when no free region of sufficient order
	// exists or the entry pool cannot describe the required split.
	ErrNoSpace = &kernel.Error{Module: "buddy", Message: "no free region of the requested size"}

	errInvalidEntry  = &kernel.Error{Module: "buddy", Message: "region must be a granule-aligned power of two that fits the range"}
	errOverlap       = &kernel.Error{Module: "buddy", Message: "region overlaps a region that is already tracked"}
	errInvalidFree   = &kernel.Error{Module: "buddy", Message: "freed address is not an allocated region of that size"}
	errInvalidParams = &kernel.Error{Module: "buddy", Message: "invalid allocator parameters"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Allocator is a buddy allocator. It is not safe for concurrent use.
type Allocator struct {
	minOrder uint8
	maxOrder uint8

	entries     []entry
	unusedHead  entryID
	unusedCount int

	// freeLists holds the head of the free-leaf list for each order.
	freeLists []entryID

	roots entryID
}

// New creates an allocator for a range of totalSize bytes (rounded up to a
// power of two) with a minimum granule of (1 << minOrder) bytes. capacity
// bounds the number of entries, and therefore the number of simultaneously
// tracked regions.
func New(totalSize mm.Size, minOrder uint8, capacity int) *Allocator {
	if minOrder >= 64 || capacity <= 0 || capacity > 1<<31-1 || totalSize < mm.Size(1)<<minOrder {
		panicFn(errInvalidParams)
		return nil
	}

	topBits := uint8(bits.Len64(uint64(totalSize.NextPowerOfTwo())) - 1)
	alloc := &Allocator{
		minOrder:   minOrder,
		maxOrder:   topBits - minOrder,
		entries:    make([]entry, capacity),
		unusedHead: nilEntry,
		roots:      nilEntry,
	}

	alloc.freeLists = make([]entryID, alloc.maxOrder+1)
	for order := range alloc.freeLists {
		alloc.freeLists[order] = nilEntry
	}

	for id := capacity - 1; id >= 0; id-- {
		alloc.releaseUnused(entryID(id))
	}

	return alloc
}

// Granule returns the size of the smallest region the allocator hands out.
func (alloc *Allocator) Granule() mm.Size {
	return mm.Size(1) << alloc.minOrder
}

// MaxOrder returns the order of the largest possible region.
func (alloc *Allocator) MaxOrder() uint8 {
	return alloc.maxOrder
}

// sizeOf returns the size in bytes of a region of the given order.
func (alloc *Allocator) sizeOf(order uint8) mm.Size {
	return mm.Size(1) << (alloc.minOrder + order)
}

// orderFor returns the order of the smallest region that holds size bytes.
func (alloc *Allocator) orderFor(size mm.Size) (uint8, bool) {
	if size > alloc.sizeOf(alloc.maxOrder) {
		return 0, false
	} else if size < alloc.Granule() {
		size = alloc.Granule()
	}

	size = size.NextPowerOfTwo()
	order := bits.Len64(uint64(size)) - 1 - int(alloc.minOrder)
	if order > int(alloc.maxOrder) {
		return 0, false
	}

	return uint8(order), true
}

// AddEntry seeds a free top-level region of size bytes starting at base.
// The size must be a power of two no smaller than the granule and base must
// be aligned to it. The region must not overlap a region that is already
// tracked.
func (alloc *Allocator) AddEntry(size mm.Size, base uintptr) *kernel.Error {
	if !size.IsPowerOfTwo() || size < alloc.Granule() || base&uintptr(size-1) != 0 {
		panicFn(errInvalidEntry)
		return errInvalidEntry
	}

	order, ok := alloc.orderFor(size)
	if !ok {
		panicFn(errInvalidEntry)
		return errInvalidEntry
	}

	for root := alloc.roots; root != nilEntry; root = alloc.entries[root].nextRoot {
		r := &alloc.entries[root]
		if base < r.addr+uintptr(alloc.sizeOf(r.order)) && r.addr < base+uintptr(size) {
			panicFn(errOverlap)
			return errOverlap
		}
	}

	if alloc.unusedCount == 0 {
		return ErrNoSpace
	}

	id := alloc.takeUnused()
	alloc.setLeaf(id, base, order, nilEntry)
	alloc.entries[id].nextRoot = alloc.roots
	alloc.roots = id
	alloc.pushFree(id)

	return nil
}

// AddRange seeds the range [base, base+size) by decomposing it into the
// largest aligned power-of-two regions that fit. Both base and size must be
// multiples of the granule.
func (alloc *Allocator) AddRange(base uintptr, size mm.Size) *kernel.Error {
	granule := alloc.Granule()
	if base&uintptr(granule-1) != 0 || size&(granule-1) != 0 {
		panicFn(errInvalidEntry)
		return errInvalidEntry
	}

	maxSize := alloc.sizeOf(alloc.maxOrder)
	for size != 0 {
		chunk := maxSize
		if base != 0 {
			if align := mm.Size(base & -base); align < chunk {
				chunk = align
			}
		}
		for chunk > size {
			chunk >>= 1
		}

		if err := alloc.AddEntry(chunk, base); err != nil {
			return err
		}

		base += uintptr(chunk)
		size -= chunk
	}

	return nil
}

// Allocate reserves a region of at least size bytes and returns its base
// address. Requests are rounded up to a power of two no smaller than the
// granule. Larger free regions are split, always keeping the lower half.
// It returns ErrNoSpace without modifying any state if the request cannot
// be satisfied.
func (alloc *Allocator) Allocate(size mm.Size) (uintptr, *kernel.Error) {
	order, ok := alloc.orderFor(size)
	if !ok {
		return 0, ErrNoSpace
	}

	source := order
	for ; int(source) < len(alloc.freeLists); source++ {
		if alloc.freeLists[source] != nilEntry {
			break
		}
	}

	if int(source) == len(alloc.freeLists) {
		return 0, ErrNoSpace
	}

	// Each split consumes two entries for the new children
	if alloc.unusedCount < 2*int(source-order) {
		return 0, ErrNoSpace
	}

	id := alloc.freeLists[source]
	alloc.removeFree(id)

	for alloc.entries[id].order > order {
		id = alloc.split(id)
	}

	alloc.mustLeaf(id).free = false
	return alloc.entries[id].addr, nil
}

// split converts the free leaf id into a parent with two free children,
// queues the upper child on its free list and returns the lower child.
func (alloc *Allocator) split(id entryID) entryID {
	e := &alloc.entries[id]
	childOrder := e.order - 1

	lower, upper := alloc.takeUnused(), alloc.takeUnused()
	alloc.setLeaf(lower, e.addr, childOrder, id)
	alloc.setLeaf(upper, e.addr+uintptr(alloc.sizeOf(childOrder)), childOrder, id)

	e.kind = kindParent
	e.leaf = leafEntry{}
	e.parent = parentEntry{children: [2]entryID{lower, upper}}

	alloc.pushFree(upper)
	return lower
}

// Free releases a region previously returned by Allocate for the same size.
// The freed region is merged with its buddy for as long as the buddy is
// also free. Freeing anything else is a fatal error.
func (alloc *Allocator) Free(size mm.Size, addr uintptr) {
	order, ok := alloc.orderFor(size)
	if !ok {
		panicFn(errInvalidFree)
		return
	}

	id := alloc.lookup(addr, order)
	if id == nilEntry {
		panicFn(errInvalidFree)
		return
	}

	for up := alloc.entries[id].up; up != nilEntry; up = alloc.entries[id].up {
		parent, err := alloc.parentOf(up)
		if err != nil {
			panicFn(err)
			return
		}

		sibling := parent.children[0]
		if sibling == id {
			sibling = parent.children[1]
		}

		if siblingLeaf, err := alloc.leafOf(sibling); err != nil || !siblingLeaf.free {
			break
		}

		alloc.removeFree(sibling)
		alloc.releaseUnused(parent.children[0])
		alloc.releaseUnused(parent.children[1])

		p := alloc.entries[up]
		alloc.setLeaf(up, p.addr, p.order, p.up)
		alloc.entries[up].nextRoot = p.nextRoot
		id = up
	}

	alloc.pushFree(id)
}

// lookup descends from the top-level region containing addr to the leaf
// that starts at addr. It returns nilEntry unless that leaf is allocated and
// has the given order.
func (alloc *Allocator) lookup(addr uintptr, order uint8) entryID {
	id := alloc.roots
	for ; id != nilEntry; id = alloc.entries[id].nextRoot {
		r := &alloc.entries[id]
		if addr >= r.addr && addr-r.addr < uintptr(alloc.sizeOf(r.order)) {
			break
		}
	}

	for id != nilEntry && alloc.entries[id].kind == kindParent {
		children := alloc.entries[id].parent.children
		if addr >= alloc.entries[children[1]].addr {
			id = children[1]
		} else {
			id = children[0]
		}
	}

	if id == nilEntry {
		return nilEntry
	}

	e := &alloc.entries[id]
	if e.kind != kindLeaf || e.leaf.free || e.addr != addr || e.order != order {
		return nilEntry
	}

	return id
}

// FreeBlocks returns the number of free regions of the given order.
func (alloc *Allocator) FreeBlocks(order uint8) int {
	if int(order) >= len(alloc.freeLists) {
		return 0
	}

	var count int
	for id := alloc.freeLists[order]; id != nilEntry; id = alloc.entries[id].leaf.next {
		count++
	}

	return count
}

// FreeBytes returns the total size of all free regions.
func (alloc *Allocator) FreeBytes() mm.Size {
	var total mm.Size
	for order := range alloc.freeLists {
		total += mm.Size(alloc.FreeBlocks(uint8(order))) * alloc.sizeOf(uint8(order))
	}

	return total
}

// UnusedEntries returns the number of entries that are available for
// describing new regions.
func (alloc *Allocator) UnusedEntries() int {
	return alloc.unusedCount
}
