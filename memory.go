package hypervisor

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/hvkit/go-hypervisor/internal/native"
)

// MemPerm represents guest memory permissions.
type MemPerm uint

const (
	MemRead  MemPerm = 1 << 0
	MemWrite MemPerm = 1 << 1
	MemExec  MemPerm = 1 << 2

	MemRWX = MemRead | MemWrite | MemExec
)

func (p MemPerm) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit MemPerm
		c   byte
	}{{MemRead, 'r'}, {MemWrite, 'w'}, {MemExec, 'x'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

func (p MemPerm) native() native.Perm {
	return native.Perm(p & MemRWX)
}

// Region is a guest-physical range backed by host memory.
type Region struct {
	GuestPhys uint64
	Size      uint64
	Perms     MemPerm
	host      []byte
}

// End returns the first guest-physical address past the region.
func (r Region) End() uint64 { return r.GuestPhys + r.Size }

// Contains reports whether gpa lies inside the region.
func (r Region) Contains(gpa uint64) bool { return gpa >= r.GuestPhys && gpa < r.End() }

// Host returns the host memory backing the region.
func (r Region) Host() []byte { return r.host }

// regionSet holds installed regions ordered by guest-physical base. Regions
// never overlap.
type regionSet struct {
	tree *btree.BTreeG[Region]
}

func newRegionSet() *regionSet {
	return &regionSet{tree: btree.NewG(8, func(a, b Region) bool {
		return a.GuestPhys < b.GuestPhys
	})}
}

// overlapping returns the installed regions intersecting [gpa, end).
func (s *regionSet) overlapping(gpa, end uint64) []Region {
	var out []Region
	s.tree.DescendLessOrEqual(Region{GuestPhys: gpa}, func(r Region) bool {
		if r.GuestPhys < gpa && r.End() > gpa {
			out = append(out, r)
		}
		return false
	})
	s.tree.AscendRange(Region{GuestPhys: gpa}, Region{GuestPhys: end}, func(r Region) bool {
		out = append(out, r)
		return true
	})
	return out
}

// covered returns the regions an Unmap or Protect of [gpa, gpa+size) acts on.
// Each intersecting region must lie entirely inside the range.
func (s *regionSet) covered(gpa, size uint64) ([]Region, error) {
	end := gpa + size
	regions := s.overlapping(gpa, end)
	if len(regions) == 0 {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrMemoryNotMapped, gpa, end)
	}
	for _, r := range regions {
		if r.GuestPhys < gpa || r.End() > end {
			return nil, newError(KindInvalidArgument,
				"range [%#x, %#x) partially overlaps region [%#x, %#x)", gpa, end, r.GuestPhys, r.End())
		}
	}
	return regions, nil
}

// find returns the region containing gpa.
func (s *regionSet) find(gpa uint64) (Region, bool) {
	var found Region
	var ok bool
	s.tree.DescendLessOrEqual(Region{GuestPhys: gpa}, func(r Region) bool {
		found, ok = r, r.Contains(gpa)
		return false
	})
	return found, ok
}

func (s *regionSet) all() []Region {
	out := make([]Region, 0, s.tree.Len())
	s.tree.Ascend(func(r Region) bool {
		out = append(out, r)
		return true
	})
	return out
}

func (s *regionSet) clear() { s.tree.Clear(false) }

// checkRange validates a guest range before any native call.
func (c *vmCore) checkRange(guestPhys, size uint64) error {
	if size == 0 {
		return newError(KindInvalidArgument, "empty range")
	}
	if guestPhys+size < guestPhys {
		return newError(KindInvalidArgument, "range [%#x, +%#x) overflows", guestPhys, size)
	}
	mask := c.pageSize - 1
	if guestPhys&mask != 0 || size&mask != 0 {
		recordSecurityError()
		return fmt.Errorf("%w: gpa=%#x size=%#x page=%#x", ErrInvalidAlignment, guestPhys, size, c.pageSize)
	}
	return nil
}

func checkPerms(perms MemPerm) error {
	if perms == 0 || perms&^MemRWX != 0 {
		return newError(KindInvalidArgument, "invalid memory permissions %#x", uint(perms))
	}
	return nil
}

// Map installs host as guest-physical memory at guestPhys. host must stay
// valid until the region is unmapped; the VM keeps a reference to it. The
// base address of host, its length and guestPhys must all be multiples of
// the page size, and the range may not overlap an installed region.
func (vm *VM) Map(host []byte, guestPhys uint64, perms MemPerm) error {
	if vm == nil || vm.closed.Load() {
		return ErrVMClosed
	}
	if len(host) == 0 {
		return newError(KindInvalidArgument, "host memory is empty")
	}
	if err := checkPerms(perms); err != nil {
		return err
	}
	c := vm.core
	size := uint64(len(host))
	if err := c.checkRange(guestPhys, size); err != nil {
		return err
	}
	hostAddr := uintptr(unsafe.Pointer(&host[0]))
	if uint64(hostAddr)&(c.pageSize-1) != 0 {
		recordSecurityError()
		return fmt.Errorf("%w: host address %#x", ErrInvalidAlignment, hostAddr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := vm.live(); err != nil {
		return err
	}
	if hit := c.regions.overlapping(guestPhys, guestPhys+size); len(hit) > 0 {
		return newError(KindInvalidArgument, "range [%#x, %#x) overlaps region [%#x, %#x)",
			guestPhys, guestPhys+size, hit[0].GuestPhys, hit[0].End())
	}

	if err := hvErr(c.hv.Map(host, guestPhys, perms.native())); err != nil {
		return fmt.Errorf("failed to map %#x: %w", guestPhys, err)
	}
	c.regions.tree.ReplaceOrInsert(Region{GuestPhys: guestPhys, Size: size, Perms: perms, host: host})

	recordMapOperation()
	logger().Debug("hv: mapped", "gpa", guestPhys, "size", size, "perms", perms)
	return nil
}

// Unmap removes every region inside [guestPhys, guestPhys+size). The range
// must match whole regions: unmapping part of a region, or a range with no
// region in it, fails with ErrInvalidArgument.
func (vm *VM) Unmap(guestPhys, size uint64) error {
	if vm == nil || vm.closed.Load() {
		return ErrVMClosed
	}
	c := vm.core
	if err := c.checkRange(guestPhys, size); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := vm.live(); err != nil {
		return err
	}
	regions, err := c.regions.covered(guestPhys, size)
	if err != nil {
		return err
	}
	for _, r := range regions {
		if err := hvErr(c.hv.Unmap(r.GuestPhys, r.Size)); err != nil {
			return fmt.Errorf("failed to unmap %#x: %w", r.GuestPhys, err)
		}
		c.regions.tree.Delete(r)
		recordUnmapOperation()
	}
	logger().Debug("hv: unmapped", "gpa", guestPhys, "size", size, "regions", len(regions))
	return nil
}

// Protect changes the permissions of every region inside
// [guestPhys, guestPhys+size), with the same matching rule as Unmap.
func (vm *VM) Protect(guestPhys, size uint64, perms MemPerm) error {
	if vm == nil || vm.closed.Load() {
		return ErrVMClosed
	}
	if err := checkPerms(perms); err != nil {
		return err
	}
	c := vm.core
	if err := c.checkRange(guestPhys, size); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := vm.live(); err != nil {
		return err
	}
	regions, err := c.regions.covered(guestPhys, size)
	if err != nil {
		return err
	}
	for _, r := range regions {
		if err := hvErr(c.hv.Protect(r.GuestPhys, r.Size, perms.native())); err != nil {
			return fmt.Errorf("failed to protect %#x: %w", r.GuestPhys, err)
		}
		r.Perms = perms
		c.regions.tree.ReplaceOrInsert(r)
		recordProtectOperation()
	}
	return nil
}

// Regions returns the installed regions in guest-physical order.
func (vm *VM) Regions() []Region {
	if vm == nil {
		return nil
	}
	vm.core.mu.RLock()
	defer vm.core.mu.RUnlock()
	return vm.core.regions.all()
}

// Region returns the installed region containing guestPhys.
func (vm *VM) Region(guestPhys uint64) (Region, bool) {
	if vm == nil {
		return Region{}, false
	}
	vm.core.mu.RLock()
	defer vm.core.mu.RUnlock()
	return vm.core.regions.find(guestPhys)
}

// ReadAt copies guest-physical memory starting at off into p. Reads may span
// adjacent regions; a gap fails with ErrMemoryNotMapped.
func (vm *VM) ReadAt(p []byte, off int64) (int, error) {
	return vm.access(p, off, false)
}

// WriteAt copies p into guest-physical memory starting at off.
func (vm *VM) WriteAt(p []byte, off int64) (int, error) {
	return vm.access(p, off, true)
}

func (vm *VM) access(p []byte, off int64, write bool) (int, error) {
	if vm == nil || vm.closed.Load() {
		return 0, ErrVMClosed
	}
	if off < 0 {
		return 0, newError(KindInvalidArgument, "negative offset %d", off)
	}
	c := vm.core
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, err := vm.live(); err != nil {
		return 0, err
	}

	n := 0
	for n < len(p) {
		addr := uint64(off) + uint64(n)
		r, ok := c.regions.find(addr)
		if !ok {
			return n, fmt.Errorf("%w: %#x", ErrMemoryNotMapped, addr)
		}
		mem := r.host[addr-r.GuestPhys:]
		if write {
			n += copy(mem, p[n:])
		} else {
			n += copy(p[n:], mem)
		}
	}
	return n, nil
}

// AllocHostMemory returns size bytes of page-aligned anonymous memory
// suitable for Map. size is rounded up to the host page size. Release it
// with FreeHostMemory after unmapping.
func AllocHostMemory(size int) ([]byte, error) {
	if size <= 0 {
		return nil, newError(KindInvalidArgument, "allocation size %d", size)
	}
	page := unix.Getpagesize()
	size = (size + page - 1) &^ (page - 1)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, &HVError{Kind: KindResourceExhausted, message: fmt.Sprintf("hv: mmap %d bytes: %v", size, err)}
	}
	return mem, nil
}

// FreeHostMemory releases memory from AllocHostMemory.
func FreeHostMemory(mem []byte) error {
	return unix.Munmap(mem)
}
