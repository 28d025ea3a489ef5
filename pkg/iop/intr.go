package iop

import (
	"errors"
	"sync"
)

// NumIRQ is the number of interrupt lines of the dispatch table
const NumIRQ = 64

// IntrHandler handles an interrupt. The return value is ignored by the
// dispatcher, as on the real interrupt manager.
type IntrHandler func(arg any) int

// IntrEntry is one slot of the interrupt dispatch table
type IntrEntry struct {
	Handler IntrHandler
	Arg     any
}

// IntrRegistration is the argument of the RegisterIntrHandler export
type IntrRegistration struct {
	IRQ     int
	Mode    int
	Handler IntrHandler
	Arg     any
}

var ErrBadIRQ = errors.New("iop: invalid interrupt line")

// IntrTable is the interrupt manager's dispatch table. All accesses happen
// with interrupts suspended, modelled by a mutex.
type IntrTable struct {
	mu      sync.Mutex
	entries [NumIRQ]IntrEntry
}

// NewIntrTable returns an empty dispatch table
func NewIntrTable() *IntrTable {
	return &IntrTable{}
}

// Entry returns the current entry of irq
func (t *IntrTable) Entry(irq int) IntrEntry {
	if irq < 0 || irq >= NumIRQ {
		return IntrEntry{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[irq]
}

// Swap installs e on irq and returns the entry it replaced, in one
// interrupt-suspended section
func (t *IntrTable) Swap(irq int, e IntrEntry) IntrEntry {
	if irq < 0 || irq >= NumIRQ {
		return IntrEntry{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.entries[irq]
	t.entries[irq] = e
	return old
}

// Register installs a handler for irq; this is what the RegisterIntrHandler
// export does
func (t *IntrTable) Register(r *IntrRegistration) error {
	if r.IRQ < 0 || r.IRQ >= NumIRQ {
		return ErrBadIRQ
	}
	t.Swap(r.IRQ, IntrEntry{Handler: r.Handler, Arg: r.Arg})
	return nil
}

// Dispatch calls the handler installed on irq, if any. The handler runs
// outside the table lock so it may itself touch the table.
func (t *IntrTable) Dispatch(irq int) bool {
	e := t.Entry(irq)
	if e.Handler == nil {
		return false
	}
	e.Handler(e.Arg)
	return true
}
