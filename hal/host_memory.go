package hal

import (
	"fmt"
	"sort"
	"sync"
)

// HostMemory is a first-fit allocator over a simulated physical range.
// Every region is backed by a fresh Go slice; only the addresses are simulated.
type HostMemory struct {
	mu    sync.Mutex
	base  uintptr
	limit uintptr
	next  uintptr
	holes []span // sorted by addr
	live  map[uintptr]int
	inUse int
	root  uintptr
}

type span struct {
	addr uintptr
	size int
}

// NewHostMemory returns a memory manager covering [base, base+size).
// The first page holds the kernel's top-level page table.
func NewHostMemory(base uintptr, size int) *HostMemory {
	base = alignUp(base, PageSize)
	m := &HostMemory{
		base:  base,
		limit: base + uintptr(size),
		next:  base,
		live:  make(map[uintptr]int),
	}
	m.root = m.next
	m.next += PageSize
	return m
}

func (m *HostMemory) AllocZeroed(size, align int) (Region, error) {
	if size <= 0 {
		return Region{}, fmt.Errorf("alloc %d bytes: invalid size", size)
	}
	if align <= 0 || align&(align-1) != 0 {
		return Region{}, fmt.Errorf("alloc align %d: not a power of two", align)
	}
	if align < PageSize {
		align = PageSize
	}
	size = int(alignUp(uintptr(size), PageSize))

	m.mu.Lock()
	defer m.mu.Unlock()

	addr, ok := m.takeHole(size, align)
	if !ok {
		a := alignUp(m.next, uintptr(align))
		if a+uintptr(size) > m.limit || a+uintptr(size) < a {
			return Region{}, fmt.Errorf("alloc %d bytes: %w", size, ErrOutOfMemory)
		}
		if a > m.next {
			m.addHole(span{addr: m.next, size: int(a - m.next)})
		}
		addr = a
		m.next = a + uintptr(size)
	}
	m.live[addr] = size
	m.inUse += size
	return Region{Addr: addr, Bytes: make([]byte, size)}, nil
}

func (m *HostMemory) takeHole(size, align int) (uintptr, bool) {
	for i, h := range m.holes {
		a := alignUp(h.addr, uintptr(align))
		end := h.addr + uintptr(h.size)
		if a+uintptr(size) > end {
			continue
		}
		m.holes = append(m.holes[:i], m.holes[i+1:]...)
		if a > h.addr {
			m.addHole(span{addr: h.addr, size: int(a - h.addr)})
		}
		if rest := end - (a + uintptr(size)); rest > 0 {
			m.addHole(span{addr: a + uintptr(size), size: int(rest)})
		}
		return a, true
	}
	return 0, false
}

func (m *HostMemory) addHole(s span) {
	i := sort.Search(len(m.holes), func(i int) bool { return m.holes[i].addr >= s.addr })
	m.holes = append(m.holes, span{})
	copy(m.holes[i+1:], m.holes[i:])
	m.holes[i] = s

	// Coalesce with neighbours.
	if i+1 < len(m.holes) && m.holes[i].addr+uintptr(m.holes[i].size) == m.holes[i+1].addr {
		m.holes[i].size += m.holes[i+1].size
		m.holes = append(m.holes[:i+1], m.holes[i+2:]...)
	}
	if i > 0 && m.holes[i-1].addr+uintptr(m.holes[i-1].size) == m.holes[i].addr {
		m.holes[i-1].size += m.holes[i].size
		m.holes = append(m.holes[:i], m.holes[i+1:]...)
	}
}

func (m *HostMemory) Free(r Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	size, ok := m.live[r.Addr]
	if !ok {
		return fmt.Errorf("free %#x: %w", r.Addr, ErrBadFree)
	}
	delete(m.live, r.Addr)
	m.inUse -= size
	m.addHole(span{addr: r.Addr, size: size})
	return nil
}

func (m *HostMemory) PageTableBase() uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root
}

// SwitchRoot makes root the current page-table base; later allocations record it.
func (m *HostMemory) SwitchRoot(root uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root = root
}

func (m *HostMemory) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
