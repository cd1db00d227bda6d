package buddy

import "github.com/Jett59/osmium-os-sub000/kernel"

// entryID indexes an entry in the allocator's fixed entry pool.
type entryID int32

const nilEntry entryID = -1

// entryKind tags the payload that is live for an entry.
type entryKind uint8

const (
	kindUnused entryKind = iota
	kindParent
	kindLeaf
)

var errWrongVariant = &kernel.Error{Module: "buddy", Message: "entry accessed as the wrong variant"}

// unusedEntry links an entry into the pool of entries that describe no
// region.
type unusedEntry struct {
	next, prev entryID
}

// parentEntry describes a split region. Both children always exist and are
// siblings; children[0] covers the lower half.
type parentEntry struct {
	children [2]entryID
}

// leafEntry describes an unsplit region. Free leaves are linked into the
// free list for their order.
type leafEntry struct {
	free       bool
	next, prev entryID
}

// entry is a tagged union over the three entry variants. Only the payload
// selected by kind is meaningful; the variant accessors below enforce that.
type entry struct {
	kind  entryKind
	order uint8
	addr  uintptr

	// up points to the parent entry or is nilEntry for top-level regions.
	up entryID

	// nextRoot links top-level regions seeded with AddEntry.
	nextRoot entryID

	unused unusedEntry
	parent parentEntry
	leaf   leafEntry
}

func (alloc *Allocator) unusedOf(id entryID) (*unusedEntry, *kernel.Error) {
	e := &alloc.entries[id]
	if e.kind != kindUnused {
		return nil, errWrongVariant
	}
	return &e.unused, nil
}

func (alloc *Allocator) parentOf(id entryID) (*parentEntry, *kernel.Error) {
	e := &alloc.entries[id]
	if e.kind != kindParent {
		return nil, errWrongVariant
	}
	return &e.parent, nil
}

func (alloc *Allocator) leafOf(id entryID) (*leafEntry, *kernel.Error) {
	e := &alloc.entries[id]
	if e.kind != kindLeaf {
		return nil, errWrongVariant
	}
	return &e.leaf, nil
}

// mustLeaf returns the leaf payload of id; the caller guarantees the variant
// so a mismatch means the allocator state is corrupted.
func (alloc *Allocator) mustLeaf(id entryID) *leafEntry {
	leaf, err := alloc.leafOf(id)
	if err != nil {
		panicFn(err)
	}
	return leaf
}

func (alloc *Allocator) mustUnused(id entryID) *unusedEntry {
	unused, err := alloc.unusedOf(id)
	if err != nil {
		panicFn(err)
	}
	return unused
}

// setLeaf turns id into a free leaf that is not yet linked in a free list.
func (alloc *Allocator) setLeaf(id entryID, addr uintptr, order uint8, up entryID) {
	alloc.entries[id] = entry{
		kind:     kindLeaf,
		order:    order,
		addr:     addr,
		up:       up,
		nextRoot: nilEntry,
		leaf:     leafEntry{free: true, next: nilEntry, prev: nilEntry},
	}
}

// takeUnused removes an entry from the unused pool.
func (alloc *Allocator) takeUnused() entryID {
	id := alloc.unusedHead
	unused := alloc.mustUnused(id)

	alloc.unusedHead = unused.next
	if unused.next != nilEntry {
		alloc.mustUnused(unused.next).prev = nilEntry
	}
	alloc.unusedCount--

	return id
}

// releaseUnused returns an entry to the unused pool.
func (alloc *Allocator) releaseUnused(id entryID) {
	alloc.entries[id] = entry{
		kind:     kindUnused,
		up:       nilEntry,
		nextRoot: nilEntry,
		unused:   unusedEntry{next: alloc.unusedHead, prev: nilEntry},
	}

	if alloc.unusedHead != nilEntry {
		alloc.mustUnused(alloc.unusedHead).prev = id
	}
	alloc.unusedHead = id
	alloc.unusedCount++
}

// pushFree inserts a free leaf at the head of its order's free list.
func (alloc *Allocator) pushFree(id entryID) {
	order := alloc.entries[id].order
	leaf := alloc.mustLeaf(id)

	leaf.free = true
	leaf.prev = nilEntry
	leaf.next = alloc.freeLists[order]
	if leaf.next != nilEntry {
		alloc.mustLeaf(leaf.next).prev = id
	}
	alloc.freeLists[order] = id
}

// removeFree unlinks a free leaf from its order's free list.
func (alloc *Allocator) removeFree(id entryID) {
	order := alloc.entries[id].order
	leaf := alloc.mustLeaf(id)

	if leaf.prev != nilEntry {
		alloc.mustLeaf(leaf.prev).next = leaf.next
	} else {
		alloc.freeLists[order] = leaf.next
	}

	if leaf.next != nilEntry {
		alloc.mustLeaf(leaf.next).prev = leaf.prev
	}

	leaf.next, leaf.prev = nilEntry, nilEntry
}
