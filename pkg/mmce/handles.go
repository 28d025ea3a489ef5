package mmce

import "math/bits"

// MaxHandles is the number of remote descriptors that can be open at once
const MaxHandles = 16

// handleTable is a fixed arena of remote descriptors with an occupancy bitmap
type handleTable struct {
	used uint16
	fd   [MaxHandles]int
}

// alloc reserves the first free slot. Its descriptor is -1 until set.
func (t *handleTable) alloc() (int, bool) {
	if t.used == 1<<MaxHandles-1 {
		return -1, false
	}
	slot := bits.TrailingZeros16(^t.used)
	t.used |= 1 << slot
	t.fd[slot] = -1
	return slot, true
}

func (t *handleTable) set(slot, fd int) {
	t.fd[slot] = fd
}

// get returns the descriptor in slot
func (t *handleTable) get(slot int) (int, bool) {
	if slot < 0 || slot >= MaxHandles || t.used&(1<<slot) == 0 {
		return -1, false
	}
	return t.fd[slot], true
}

func (t *handleTable) release(slot int) {
	if slot < 0 || slot >= MaxHandles {
		return
	}
	t.used &^= 1 << slot
	t.fd[slot] = -1
}

func (t *handleTable) count() int {
	return bits.OnesCount16(t.used)
}
