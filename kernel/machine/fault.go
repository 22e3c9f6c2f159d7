package machine

import (
	"fmt"
	"runtime/debug"
)

// Fault describes an unrecoverable condition on a core: a precondition
// violation in kernel code or a panic escaping a task.
type Fault struct {
	Core  int
	Value any
	Stack []byte
}

func (f *Fault) Error() string {
	return fmt.Sprintf("machine: fault on core %d: %v", f.Core, f.Value)
}

func (f *Fault) Unwrap() error {
	if err, ok := f.Value.(error); ok {
		return err
	}
	return nil
}

// SetFaultHandler installs the handler run on the first fault.
// It runs on the faulting core's goroutine before the machine halts and must not panic.
func (m *Machine) SetFaultHandler(fn func(Fault)) {
	m.faultHandler.Store(fn)
}

// Fault returns the first fault raised, if any.
func (m *Machine) Fault() *Fault {
	return m.fault.Load()
}

func (m *Machine) raise(f Fault) {
	m.faultOnce.Do(func() {
		m.fault.Store(&f)
		if v := m.faultHandler.Load(); v != nil {
			if fn, ok := v.(func(Fault)); ok && fn != nil {
				fn(f)
			}
		}
	})
	m.Halt()
}

// catch turns a panic on x's thread of control into a fault. It must be deferred
// directly by the goroutine carrying x.
func (m *Machine) catch(x *Context) {
	r := recover()
	if r == nil {
		return
	}
	core := -1
	if c := x.core; c != nil {
		core = c.id
	}
	m.raise(Fault{Core: core, Value: r, Stack: debug.Stack()})
}
