package hypervisor

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hvkit/go-hypervisor/internal/native"
)

func TestMemPermConstants(t *testing.T) {
	// Test that our MemPerm constants are correct
	if MemRead != 1<<0 {
		t.Errorf("MemRead = %d, want %d", MemRead, 1<<0)
	}
	if MemWrite != 1<<1 {
		t.Errorf("MemWrite = %d, want %d", MemWrite, 1<<1)
	}
	if MemExec != 1<<2 {
		t.Errorf("MemExec = %d, want %d", MemExec, 1<<2)
	}

	// Test combinations
	readWrite := MemRead | MemWrite
	if readWrite != 3 {
		t.Errorf("MemRead|MemWrite = %d, want 3", readWrite)
	}
	if MemRWX != 7 {
		t.Errorf("MemRWX = %d, want 7", MemRWX)
	}
	if got := (MemRead | MemExec).String(); got != "r-x" {
		t.Errorf("String() = %q, want r-x", got)
	}
}

func TestMemoryMapValidation(t *testing.T) {
	vm, fk := newFakeVM(t, native.ArchARM64)
	page := vm.PageSize()

	tests := []struct {
		name  string
		host  func() []byte
		gpa   uint64
		perms MemPerm
	}{
		{"empty host buffer", func() []byte { return nil }, 0x4000, MemRead},
		{"unaligned guest address", func() []byte { return alignedBuf(page, page) }, 0x4001, MemRead},
		{"unaligned host buffer size", func() []byte { return alignedBuf(page, page+1) }, 0, MemRead},
		{"length not a page multiple", func() []byte { return alignedBuf(page, page/2) }, 0, MemRead},
		{"unaligned host buffer address", func() []byte { return alignedBuf(page, 2*page+1)[1 : page+1] }, 0, MemRead},
		{"no permissions", func() []byte { return alignedBuf(page, page) }, 0, 0},
		{"unknown permission bits", func() []byte { return alignedBuf(page, page) }, 0, 1 << 5},
		{"range overflows", func() []byte { return alignedBuf(page, page) }, ^uint64(0) &^ (page - 1), MemRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := vm.Map(tt.host(), tt.gpa, tt.perms)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("Map() error = %v, want ErrInvalidArgument", err)
			}
			if n := len(vm.Regions()); n != 0 {
				t.Errorf("region set changed after rejected Map: %d regions", n)
			}
		})
	}

	if n := fk.Calls("Map"); n != 0 {
		t.Errorf("validation failures reached the framework %d times", n)
	}

	t.Run("nil VM", func(t *testing.T) {
		var nilVM *VM
		if err := nilVM.Map(alignedBuf(page, page), 0, MemRead); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Map() on nil VM = %v, want ErrInvalidState", err)
		}
	})
}

func TestMapUnmapRoundTrip(t *testing.T) {
	for _, a := range archs {
		t.Run(a.name, func(t *testing.T) {
			vm, fk := newFakeVM(t, a.arch)
			page := vm.PageSize()
			host := alignedBuf(page, 4*page)

			if err := vm.Map(host, 0x100000, MemRead|MemWrite); err != nil {
				t.Fatalf("Map() failed: %v", err)
			}
			r, ok := vm.Region(0x100000 + page)
			if !ok || r.GuestPhys != 0x100000 || r.Size != 4*page || r.Perms != MemRead|MemWrite {
				t.Fatalf("Region() = %+v, %v", r, ok)
			}
			if &r.Host()[0] != &host[0] {
				t.Error("region does not alias the host buffer")
			}

			if err := vm.Unmap(0x100000, 4*page); err != nil {
				t.Fatalf("Unmap() failed: %v", err)
			}
			if n := len(vm.Regions()); n != 0 {
				t.Errorf("%d regions left after unmap", n)
			}
			if fk.NumRegions() != 0 {
				t.Error("framework still has the region mapped")
			}

			// The same range can be mapped again.
			if err := vm.Map(host, 0x100000, MemRead); err != nil {
				t.Fatalf("re-Map() failed: %v", err)
			}
		})
	}
}

func TestMapOverlapRejected(t *testing.T) {
	vm, _ := newFakeVM(t, native.ArchX86_64)
	page := vm.PageSize()

	if err := vm.Map(alignedBuf(page, 2*page), 2*page, MemRead|MemExec); err != nil {
		t.Fatalf("Map() failed: %v", err)
	}

	overlaps := []struct {
		name string
		gpa  uint64
		size uint64
	}{
		{"identical", 2 * page, 2 * page},
		{"head", page, 2 * page},
		{"tail", 3 * page, 2 * page},
		{"inside", 3 * page, page},
		{"enclosing", 0, 8 * page},
	}
	for _, tt := range overlaps {
		t.Run(tt.name, func(t *testing.T) {
			err := vm.Map(alignedBuf(page, tt.size), tt.gpa, MemRead)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("overlapping Map() = %v, want ErrInvalidArgument", err)
			}
			r, ok := vm.Region(2 * page)
			if !ok || r.GuestPhys != 2*page || r.Size != 2*page || r.Perms != MemRead|MemExec {
				t.Errorf("original region disturbed: %+v, %v", r, ok)
			}
		})
	}

	// Adjacent regions are fine.
	if err := vm.Map(alignedBuf(page, page), 4*page, MemRead); err != nil {
		t.Errorf("adjacent Map() failed: %v", err)
	}
	if err := vm.Map(alignedBuf(page, page), page, MemRead); err != nil {
		t.Errorf("adjacent Map() failed: %v", err)
	}
	if n := len(vm.Regions()); n != 3 {
		t.Errorf("got %d regions, want 3", n)
	}
}

func TestUnmapMatching(t *testing.T) {
	vm, _ := newFakeVM(t, native.ArchX86_64)
	page := vm.PageSize()

	mapAt := func(gpa, size uint64) {
		t.Helper()
		if err := vm.Map(alignedBuf(page, size), gpa, MemRead); err != nil {
			t.Fatalf("Map(%#x) failed: %v", gpa, err)
		}
	}
	mapAt(0, 2*page)
	mapAt(4*page, page)
	mapAt(5*page, page)

	t.Run("nothing mapped", func(t *testing.T) {
		err := vm.Unmap(16*page, page)
		if !errors.Is(err, ErrInvalidArgument) || !errors.Is(err, ErrMemoryNotMapped) {
			t.Errorf("Unmap() of unmapped range = %v", err)
		}
	})

	t.Run("partial overlap", func(t *testing.T) {
		if err := vm.Unmap(page, page); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("partial Unmap() = %v, want ErrInvalidArgument", err)
		}
		if err := vm.Unmap(0, 3*page); err != nil {
			t.Errorf("Unmap() of a range containing a whole region failed: %v", err)
		}
	})

	t.Run("range spanning two regions", func(t *testing.T) {
		if err := vm.Unmap(4*page, 2*page); err != nil {
			t.Fatalf("Unmap() failed: %v", err)
		}
		if n := len(vm.Regions()); n != 0 {
			t.Errorf("%d regions left", n)
		}
	})

	t.Run("unaligned", func(t *testing.T) {
		if err := vm.Unmap(1, page); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("Unmap() = %v, want ErrInvalidArgument", err)
		}
	})
}

func TestProtect(t *testing.T) {
	vm, fk := newFakeVM(t, native.ArchARM64)
	page := vm.PageSize()

	if err := vm.Map(alignedBuf(page, page), 0, MemRead|MemWrite); err != nil {
		t.Fatalf("Map() failed: %v", err)
	}
	if err := vm.Protect(0, page, MemRead|MemExec); err != nil {
		t.Fatalf("Protect() failed: %v", err)
	}
	if r, _ := vm.Region(0); r.Perms != MemRead|MemExec {
		t.Errorf("Perms = %v, want r-x", r.Perms)
	}
	if _, perm, _ := fk.Mapped(0); perm != native.PermRead|native.PermExec {
		t.Errorf("framework perms = %#x", perm)
	}

	if err := vm.Protect(page, page, MemRead); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Protect() of unmapped range = %v", err)
	}
	if err := vm.Protect(0, page, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Protect() with no permissions = %v", err)
	}
}

func TestNativeMapFailureRecordsNothing(t *testing.T) {
	vm, fk := newFakeVM(t, native.ArchARM64)
	page := vm.PageSize()

	fk.FailNext("Map", native.NoResources)
	err := vm.Map(alignedBuf(page, page), 0, MemRead)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("Map() = %v, want ErrResourceExhausted", err)
	}
	if _, ok := vm.Region(0); ok {
		t.Error("failed Map() left a region behind")
	}

	fk.FailNext("Map", native.Error)
	err = vm.Map(alignedBuf(page, page), 0, MemRead)
	var he *HVError
	if !errors.As(err, &he) || he.Kind != KindNative || he.Code != HV_ERROR {
		t.Errorf("Map() = %v, want native HV_ERROR", err)
	}
}

func TestGuestMemoryAccess(t *testing.T) {
	vm, _ := newFakeVM(t, native.ArchX86_64)
	page := vm.PageSize()

	lo, hi := alignedBuf(page, page), alignedBuf(page, page)
	if err := vm.Map(lo, 0x10000, MemRead|MemWrite); err != nil {
		t.Fatalf("Map() failed: %v", err)
	}
	if err := vm.Map(hi, 0x10000+page, MemRead|MemWrite); err != nil {
		t.Fatalf("Map() failed: %v", err)
	}

	// A write straddling both regions lands in both host buffers.
	data := []byte("straddle")
	off := int64(0x10000 + page - 4)
	if n, err := vm.WriteAt(data, off); err != nil || n != len(data) {
		t.Fatalf("WriteAt() = %d, %v", n, err)
	}
	if !bytes.Equal(lo[page-4:], data[:4]) || !bytes.Equal(hi[:4], data[4:]) {
		t.Error("host buffers do not reflect the guest write")
	}

	got := make([]byte, len(data))
	if n, err := vm.ReadAt(got, off); err != nil || n != len(data) || !bytes.Equal(got, data) {
		t.Errorf("ReadAt() = %d, %q, %v", n, got, err)
	}

	n, err := vm.ReadAt(make([]byte, 8), int64(0x10000+2*page-4))
	if n != 4 || !errors.Is(err, ErrMemoryNotMapped) {
		t.Errorf("ReadAt() past the end = %d, %v", n, err)
	}
}

func TestAllocHostMemory(t *testing.T) {
	mem, err := AllocHostMemory(100)
	if err != nil {
		t.Fatalf("AllocHostMemory() failed: %v", err)
	}
	defer FreeHostMemory(mem)

	if len(mem) == 0 || len(mem)%4096 != 0 {
		t.Errorf("len = %d, want a page multiple", len(mem))
	}
	mem[0], mem[len(mem)-1] = 1, 2

	if _, err := AllocHostMemory(0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("AllocHostMemory(0) = %v", err)
	}
}
