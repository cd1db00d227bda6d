package pmm

import (
	"sync"
	"testing"

	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
)

func mockPanic(t *testing.T) *interface{} {
	var got interface{}
	origPanicFn := panicFn
	panicFn = func(e interface{}) { got = e }
	t.Cleanup(func() { panicFn = origPanicFn })
	return &got
}

func TestNewBitmapAllocator(t *testing.T) {
	specs := []struct {
		capacity   mm.Size
		expFrames  uint64
		expBmpSize int
	}{
		{8 * mm.PageSize, 8, 1},
		{64 * mm.PageSize, 64, 1},
		{65 * mm.PageSize, 65, 2},
		{128*mm.PageSize + 100, 128, 2},
	}

	for specIndex, spec := range specs {
		alloc := NewBitmapAllocator(spec.capacity)
		if got := alloc.TotalFrames(); got != spec.expFrames {
			t.Errorf("[spec %d] expected total frames to be %d; got %d", specIndex, spec.expFrames, got)
		}

		if got := len(alloc.freeBitmap); got != spec.expBmpSize {
			t.Errorf("[spec %d] expected bitmap len to be %d; got %d", specIndex, spec.expBmpSize, got)
		}

		if got := alloc.FreeFrames(); got != 0 {
			t.Errorf("[spec %d] expected all frames to start as used; got %d free", specIndex, got)
		}
	}
}

func TestMarkRangeRounding(t *testing.T) {
	specs := []struct {
		start, end uintptr
		free       bool
		expFree    uint64
	}{
		// Inward rounding when releasing
		{0, 4 * uintptr(mm.PageSize), true, 4},
		{1, 4 * uintptr(mm.PageSize), true, 3},
		{1, 4*uintptr(mm.PageSize) - 1, true, 2},
		{1, 100, true, 0},
		// Outward rounding when reserving
		{uintptr(mm.PageSize) + 1, uintptr(mm.PageSize) + 2, false, 7},
		{uintptr(mm.PageSize) - 1, 2*uintptr(mm.PageSize) + 1, false, 5},
		{0, 0, false, 8},
	}

	for specIndex, spec := range specs {
		alloc := NewBitmapAllocator(8 * mm.PageSize)
		if !spec.free {
			alloc.MarkRangeFree(0, 8*uintptr(mm.PageSize))
			alloc.MarkRangeUsed(spec.start, spec.end)
		} else {
			alloc.MarkRangeFree(spec.start, spec.end)
		}

		if got := alloc.FreeFrames(); got != spec.expFree {
			t.Errorf("[spec %d] expected %d free frames; got %d", specIndex, spec.expFree, got)
		}
	}
}

func TestMarkRangeAcrossWords(t *testing.T) {
	alloc := NewBitmapAllocator(200 * mm.PageSize)
	alloc.MarkRangeFree(10*uintptr(mm.PageSize), 150*uintptr(mm.PageSize))

	if exp, got := uint64(140), alloc.FreeFrames(); got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}

	if exp, got := ^uint64(1<<10-1), alloc.freeBitmap[0]; got != exp {
		t.Errorf("expected word 0 to be %x; got %x", exp, got)
	}

	if exp, got := ^uint64(0), alloc.freeBitmap[1]; got != exp {
		t.Errorf("expected word 1 to be %x; got %x", exp, got)
	}

	if exp, got := uint64(1)<<22-1, alloc.freeBitmap[2]; got != exp {
		t.Errorf("expected word 2 to be %x; got %x", exp, got)
	}

	alloc.MarkRangeUsed(60*uintptr(mm.PageSize), 70*uintptr(mm.PageSize))
	if exp, got := uint64(130), alloc.FreeFrames(); got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}
}

func TestMarkSingleFrame(t *testing.T) {
	alloc := NewBitmapAllocator(8 * mm.PageSize)

	alloc.MarkFree(3*uintptr(mm.PageSize) + 17)
	if exp, got := uint64(1<<3), alloc.freeBitmap[0]; got != exp {
		t.Fatalf("expected bitmap to be %b; got %b", exp, got)
	}

	alloc.MarkUsed(3 * uintptr(mm.PageSize))
	if got := alloc.freeBitmap[0]; got != 0 {
		t.Fatalf("expected bitmap to be cleared; got %b", got)
	}
}

func TestAllocFrameLowestFirst(t *testing.T) {
	alloc := NewBitmapAllocator(256 * mm.PageSize)
	alloc.MarkRangeFree(130*uintptr(mm.PageSize), 133*uintptr(mm.PageSize))
	alloc.MarkFree(70 * uintptr(mm.PageSize))

	expFrames := []mm.Frame{70, 130, 131, 132}
	for index, exp := range expFrames {
		got, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", index, err)
		}

		if got != exp {
			t.Fatalf("[alloc %d] expected frame %d; got %d", index, exp, got)
		}
	}

	if got, err := alloc.AllocFrame(); err != ErrOutOfMemory || got != mm.InvalidFrame {
		t.Fatalf("expected ErrOutOfMemory and InvalidFrame; got %v, %d", err, got)
	}

	// Releasing a frame below the scan hint must make it allocatable again.
	alloc.FreeFrame(70)
	if got, err := alloc.AllocFrame(); err != nil || got != 70 {
		t.Fatalf("expected to reallocate frame 70; got %d, %v", got, err)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	alloc := NewBitmapAllocator(128 * mm.PageSize)
	alloc.MarkRangeFree(0, 128*uintptr(mm.PageSize))
	before := append([]uint64(nil), alloc.freeBitmap...)

	var frames []mm.Frame
	for i := 0; i < 128; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}
		frames = append(frames, frame)
	}

	if got := alloc.FreeFrames(); got != 0 {
		t.Fatalf("expected no free frames; got %d", got)
	}

	for _, frame := range frames {
		alloc.FreeFrame(frame)
	}

	for index := range before {
		if before[index] != alloc.freeBitmap[index] {
			t.Errorf("expected word %d to be %x after round-trip; got %x", index, before[index], alloc.freeBitmap[index])
		}
	}
}

func TestConcurrentAllocFree(t *testing.T) {
	const workers, perWorker = 8, 32

	alloc := NewBitmapAllocator(workers * perWorker * mm.PageSize)
	alloc.MarkRangeFree(0, uintptr(workers*perWorker*mm.PageSize))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[mm.Frame]bool)
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				frame, err := alloc.AllocFrame()
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}

				mu.Lock()
				if seen[frame] {
					t.Errorf("frame %d handed out twice", frame)
				}
				seen[frame] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if got := alloc.FreeFrames(); got != 0 {
		t.Fatalf("expected no free frames; got %d", got)
	}
}

func TestFatalErrors(t *testing.T) {
	specs := []struct {
		descr  string
		fn     func(*BitmapAllocator)
		expErr *kernel.Error
	}{
		{"double free", func(a *BitmapAllocator) { a.FreeFrame(2) }, errDoubleFree},
		{"free beyond capacity", func(a *BitmapAllocator) { a.FreeFrame(8) }, errAddrOutOfRange},
		{"mark beyond capacity", func(a *BitmapAllocator) { a.MarkUsed(8 * uintptr(mm.PageSize)) }, errAddrOutOfRange},
		{"range end beyond capacity", func(a *BitmapAllocator) { a.MarkRangeFree(0, 9*uintptr(mm.PageSize)) }, errAddrOutOfRange},
		{"inverted range", func(a *BitmapAllocator) { a.MarkRangeUsed(2, 1) }, errInvalidRange},
	}

	for specIndex, spec := range specs {
		got := mockPanic(t)

		alloc := NewBitmapAllocator(8 * mm.PageSize)
		alloc.MarkFree(2 * uintptr(mm.PageSize))
		spec.fn(alloc)

		if *got != spec.expErr {
			t.Errorf("[spec %d] %s: expected panic with %v; got %v", specIndex, spec.descr, spec.expErr, *got)
		}

		if exp, free := uint64(1), alloc.FreeFrames(); free != exp {
			t.Errorf("[spec %d] %s: expected allocator state to be untouched", specIndex, spec.descr)
		}
	}
}
