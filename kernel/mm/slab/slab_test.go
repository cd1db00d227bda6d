package slab

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/cpu"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/physmem"
)

var errTestNoBlocks = &kernel.Error{Module: "test", Message: "no blocks left"}

// blockPool hands out identity mapped blocks of the hosted physical memory.
type blockPool struct {
	free      []uintptr
	allocated map[uintptr]bool
	released  int
}

func newBlockPool(t *testing.T, count int) *blockPool {
	physmem.Init(mm.Size(count+16) * mm.PageSize)
	cpu.Reset()
	t.Cleanup(cpu.Reset)

	pool := &blockPool{allocated: make(map[uintptr]bool)}
	for i := count - 1; i >= 0; i-- {
		pool.free = append(pool.free, uintptr(16+i)*uintptr(mm.PageSize))
	}
	return pool
}

func (p *blockPool) AllocBlock() (uintptr, *kernel.Error) {
	if len(p.free) == 0 {
		return 0, errTestNoBlocks
	}

	addr := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.allocated[addr] = true
	return addr, nil
}

func (p *blockPool) FreeBlock(addr uintptr) {
	if !p.allocated[addr] {
		panic("block freed twice")
	}
	delete(p.allocated, addr)
	p.free = append(p.free, addr)
	p.released++
}

func capturePanics(t *testing.T) *[]interface{} {
	var got []interface{}
	orig := panicFn
	panicFn = func(e interface{}) { got = append(got, e) }
	t.Cleanup(func() { panicFn = orig })
	return &got
}

func TestClassFor(t *testing.T) {
	specs := []struct {
		size     mm.Size
		expClass int
		expOK    bool
	}{
		{0, 0, true},
		{1, 0, true},
		{16, 0, true},
		{17, 1, true},
		{100, 3, true},
		{2048, 7, true},
		{2049, 0, false},
		{4096, 0, false},
		{^mm.Size(0), 0, false},
	}

	for specIndex, spec := range specs {
		class, ok := classFor(spec.size)
		assert.Equal(t, spec.expOK, ok, "[spec %d]", specIndex)
		if ok {
			assert.Equal(t, spec.expClass, class, "[spec %d]", specIndex)
		}
	}
}

func TestCapacity(t *testing.T) {
	assert.Equal(t, mm.Size(24), blockHeadSize)
	assert.Equal(t, 254, Capacity(16))
	assert.Equal(t, 127, Capacity(32))
	assert.Equal(t, 63, Capacity(64))
	assert.Equal(t, 3, Capacity(1024))
	assert.Equal(t, 1, Capacity(2048))
	assert.Equal(t, 0, Capacity(4096))
}

func TestFreedSlotIsReused(t *testing.T) {
	pool := newBlockPool(t, 4)
	alloc := New(pool)

	first, err := alloc.Allocate(16)
	require.Nil(t, err)
	second, err := alloc.Allocate(16)
	require.Nil(t, err)
	require.NotEqual(t, first, second)

	alloc.Free(first, 16)

	third, err := alloc.Allocate(16)
	require.Nil(t, err)
	assert.Equal(t, first, third)
	assert.Len(t, pool.allocated, 1, "no new backing block may be claimed")
}

func TestSlotsSkipBlockHead(t *testing.T) {
	pool := newBlockPool(t, 4)
	alloc := New(pool)

	addr, err := alloc.Allocate(16)
	require.Nil(t, err)
	assert.Equal(t, uintptr(32), addr&uintptr(mm.PageSize-1))

	addr, err = alloc.Allocate(64)
	require.Nil(t, err)
	assert.Equal(t, uintptr(64), addr&uintptr(mm.PageSize-1))
}

func TestPartialListMembership(t *testing.T) {
	const size = mm.Size(1024)

	pool := newBlockPool(t, 4)
	alloc := New(pool)

	var slots []uintptr
	for i := 0; i < Capacity(size); i++ {
		addr, err := alloc.Allocate(size)
		require.Nil(t, err)
		slots = append(slots, addr)

		if i < Capacity(size)-1 {
			assert.Equal(t, 1, alloc.PartialBlocks(size), "block with %d slots in use must be partial", i+1)
		}
	}

	// A full block is in no list
	assert.Equal(t, 0, alloc.PartialBlocks(size))
	assert.Len(t, pool.allocated, 1)

	// The next allocation needs a second block
	extra, err := alloc.Allocate(size)
	require.Nil(t, err)
	assert.Len(t, pool.allocated, 2)
	assert.Equal(t, 1, alloc.PartialBlocks(size))

	// full -> partial re-inserts the first block
	alloc.Free(slots[0], size)
	assert.Equal(t, 2, alloc.PartialBlocks(size))

	// empty blocks go straight back to the source
	alloc.Free(extra, size)
	assert.Equal(t, 1, alloc.PartialBlocks(size))
	assert.Equal(t, 1, pool.released)

	for _, addr := range slots[1:] {
		alloc.Free(addr, size)
	}
	assert.Equal(t, 0, alloc.PartialBlocks(size))
	assert.Empty(t, pool.allocated)
	assert.Equal(t, 2, pool.released)
}

func TestSingleSlotClass(t *testing.T) {
	pool := newBlockPool(t, 4)
	alloc := New(pool)

	addr, err := alloc.Allocate(2048)
	require.Nil(t, err)
	assert.Equal(t, 0, alloc.PartialBlocks(2048))

	alloc.Free(addr, 2048)
	assert.Empty(t, pool.allocated)
}

func TestSlotExclusivity(t *testing.T) {
	type object struct {
		addr uintptr
		size mm.Size
		tag  byte
	}

	pool := newBlockPool(t, 256)
	alloc := New(pool)
	rng := rand.New(rand.NewSource(7))

	var live []object
	owner := make(map[uintptr]bool)
	for step := 0; step < 5000; step++ {
		if len(live) > 0 && rng.Intn(3) != 0 {
			index := rng.Intn(len(live))
			obj := live[index]

			// The contents must not have been touched by other objects
			data, _ := physmem.Bytes(obj.addr, obj.size)
			for _, b := range data {
				require.Equal(t, obj.tag, b, "object at 0x%x was overwritten", obj.addr)
			}

			alloc.Free(obj.addr, obj.size)
			delete(owner, obj.addr)
			live = append(live[:index], live[index+1:]...)
			continue
		}

		size := mm.Size(16) << uint(rng.Intn(NumClasses))
		addr, err := alloc.Allocate(size)
		require.Nil(t, err)
		require.False(t, owner[addr], "slot 0x%x handed out twice", addr)
		owner[addr] = true

		obj := object{addr: addr, size: size, tag: byte(step)}
		data, _ := physmem.Bytes(addr, size)
		for i := range data {
			data[i] = obj.tag
		}
		live = append(live, obj)
	}

	for _, obj := range live {
		alloc.Free(obj.addr, obj.size)
	}

	assert.Empty(t, pool.allocated)
	for size := MinObjectSize; size < mm.PageSize; size <<= 1 {
		assert.Equal(t, 0, alloc.PartialBlocks(size))
	}
}

func TestBlockSourceExhaustion(t *testing.T) {
	pool := newBlockPool(t, 1)
	alloc := New(pool)

	_, err := alloc.Allocate(2048)
	require.Nil(t, err)

	_, err = alloc.Allocate(2048)
	assert.Equal(t, errTestNoBlocks, err)
}

func TestFatalErrors(t *testing.T) {
	specs := []struct {
		descr  string
		fn     func(alloc *Allocator, obj uintptr)
		expErr *kernel.Error
	}{
		{"oversized allocation", func(a *Allocator, _ uintptr) { _, _ = a.Allocate(mm.PageSize) }, errInvalidSize},
		{"oversized free", func(a *Allocator, obj uintptr) { a.Free(obj, mm.PageSize) }, errInvalidSize},
		{"misaligned pointer", func(a *Allocator, obj uintptr) { a.Free(obj+8, 16) }, errBadPointer},
		{"block head", func(a *Allocator, obj uintptr) { a.Free(obj&^uintptr(mm.PageSize-1), 16) }, errBadPointer},
		{"unused slot", func(a *Allocator, obj uintptr) { a.Free(obj+32, 16) }, errBadPointer},
	}

	for specIndex, spec := range specs {
		pool := newBlockPool(t, 4)
		alloc := New(pool)
		panics := capturePanics(t)

		obj, err := alloc.Allocate(16)
		require.Nil(t, err)

		spec.fn(alloc, obj)
		require.Len(t, *panics, 1, "[spec %d] %s", specIndex, spec.descr)
		assert.Equal(t, spec.expErr, (*panics)[0], "[spec %d] %s", specIndex, spec.descr)

		// The allocator state is untouched
		assert.Equal(t, 1, alloc.PartialBlocks(16), "[spec %d] %s", specIndex, spec.descr)
		alloc.Free(obj, 16)
		assert.Empty(t, pool.allocated, "[spec %d] %s", specIndex, spec.descr)
	}
}
