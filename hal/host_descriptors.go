package hal

import "sync"

// HostDescriptors models one task state segment per core.
type HostDescriptors struct {
	mu   sync.Mutex
	rsp0 map[int]uintptr
}

// NewHostDescriptors returns an empty set of per-core task state segments.
func NewHostDescriptors() *HostDescriptors {
	return &HostDescriptors{rsp0: make(map[int]uintptr)}
}

func (d *HostDescriptors) SetPrivilegeStack(core int, top uintptr) {
	d.mu.Lock()
	d.rsp0[core] = top
	d.mu.Unlock()
}

func (d *HostDescriptors) PrivilegeStack(core int) uintptr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rsp0[core]
}
