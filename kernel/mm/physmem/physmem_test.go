package physmem

import (
	"testing"

	"github.com/Jett59/osmium-os-sub000/kernel"
	"github.com/Jett59/osmium-os-sub000/kernel/mm"
)

func TestView(t *testing.T) {
	defer Init(0)

	if _, err := View(0, 8, 8); err != errNoMemory {
		t.Fatalf("expected errNoMemory before Init; got %v", err)
	}

	Init(3*mm.PageSize + 1)
	if exp, got := 4*mm.PageSize, Size(); got != exp {
		t.Fatalf("expected installed memory to be rounded up to %d; got %d", exp, got)
	}

	specs := []struct {
		addr   uintptr
		size   mm.Size
		align  mm.Size
		expErr *kernel.Error
	}{
		{0, 8, 8, nil},
		{0x3ff8, 8, 8, nil},
		{0x1004, 4, 4, nil},
		{0x1004, 8, 8, errMisaligned},
		{0x3ffc, 8, 4, errOutOfRange},
		{0x4000, 1, 1, errOutOfRange},
		{^uintptr(0), 8, 1, errOutOfRange},
		{0, 0, 1, errInvalidSize},
		{0, 8, 3, errInvalidSize},
	}

	for specIndex, spec := range specs {
		ptr, err := View(spec.addr, spec.size, spec.align)
		if spec.expErr == nil {
			if err != nil {
				t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			} else if ptr == nil {
				t.Errorf("[spec %d] expected a non-nil view", specIndex)
			}
			continue
		}

		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestBytesAliasMemory(t *testing.T) {
	defer Init(0)
	Init(mm.PageSize)

	first, err := Bytes(0x100, 16)
	if err != nil {
		t.Fatal(err)
	}

	for i := range first {
		first[i] = byte(i)
	}

	second, err := Bytes(0x108, 4)
	if err != nil {
		t.Fatal(err)
	}

	for i, b := range second {
		if exp := byte(8 + i); b != exp {
			t.Errorf("expected byte %d to be %d; got %d", i, exp, b)
		}
	}
}
