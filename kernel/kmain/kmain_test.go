package kmain

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jett59/osmium-os-sub000/kernel/cpu"
	"github.com/Jett59/osmium-os-sub000/kernel/kfmt"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/kmem"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/physmem"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/pmm"
	"github.com/Jett59/osmium-os-sub000/kernel/mm/vmm"
)

func testConfig() kmem.Config {
	return kmem.Config{
		Arch:              vmm.NativeArch,
		PhysicalMemory:    4 * mm.Mb,
		HeapBase:          0xffff800000000000,
		HeapSize:          mm.Gb,
		PageTablePoolBase: 0x200000,
		PageTablePoolSize: 64 * mm.Kb,
		HeapEntries:       64,
		PageTableEntries:  64,
	}
}

func setup(t *testing.T) (*bytes.Buffer, *[]interface{}) {
	physmem.Init(4 * mm.Mb)
	cpu.Reset()
	t.Cleanup(cpu.Reset)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })

	var panics []interface{}
	origPanic := panicFn
	panicFn = func(e interface{}) { panics = append(panics, e) }
	t.Cleanup(func() { panicFn = origPanic })

	return &buf, &panics
}

func TestKmain(t *testing.T) {
	buf, panics := setup(t)

	memoryMap := []pmm.MemoryRegion{
		{PhysAddress: 0, Length: 0x9fc00, Type: pmm.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x60400, Type: pmm.MemReserved},
		{PhysAddress: 0x100000, Length: 0x300000, Type: pmm.MemAvailable},
	}

	mem := Kmain(testConfig(), memoryMap, 0x100000, 0x180000)
	require.NotNil(t, mem)
	assert.Empty(t, *panics)
	assert.True(t, cpu.PagingEnabled())

	// [0, 0x9f000) and [0x180000, 0x400000) minus the page table pool
	assert.Equal(t, uint64(159+640-16), mem.FreeFrames())

	out := buf.String()
	assert.Contains(t, out, "Starting osmium\n")
	assert.Contains(t, out, "[pmm] system memory map:\n")
	assert.Contains(t, out, "[kmain] memory subsystem ready\n")
}

func TestKmainOutOfMemory(t *testing.T) {
	buf, panics := setup(t)

	mem := Kmain(testConfig(), nil, 0x100000, 0x180000)
	assert.Nil(t, mem)
	assert.Equal(t, []interface{}{kmem.ErrHeapExhausted}, *panics)
	assert.NotContains(t, buf.String(), "ready")
}
