package sio2

import (
	"sync"
	"time"
)

// Event flag bits
const (
	EFComplete uint32 = 0x200 // set by the interrupt handler
	EFTimeout  uint32 = 0x400 // set by the alarm
)

// EventFlag is a set of bits a goroutine can block on until any of them is set
type EventFlag struct {
	mu   sync.Mutex
	cond *sync.Cond
	bits uint32
}

// NewEventFlag returns a cleared EventFlag
func NewEventFlag() *EventFlag {
	ef := &EventFlag{}
	ef.cond = sync.NewCond(&ef.mu)
	return ef
}

// Set ors bits into the flag and wakes up waiters. Safe to call from an
// interrupt handler or a timer.
func (ef *EventFlag) Set(bits uint32) {
	ef.mu.Lock()
	ef.bits |= bits
	ef.mu.Unlock()
	ef.cond.Broadcast()
}

// Clear clears bits
func (ef *EventFlag) Clear(bits uint32) {
	ef.mu.Lock()
	ef.bits &^= bits
	ef.mu.Unlock()
}

// Bits returns the current bits without blocking
func (ef *EventFlag) Bits() uint32 {
	ef.mu.Lock()
	defer ef.mu.Unlock()
	return ef.bits
}

// Wait blocks until any bit of mask is set and returns all set bits
func (ef *EventFlag) Wait(mask uint32) uint32 {
	ef.mu.Lock()
	defer ef.mu.Unlock()
	for ef.bits&mask == 0 {
		ef.cond.Wait()
	}
	return ef.bits
}

// alarm sets EFTimeout on ef after d unless cancelled first
type alarm struct {
	mu        sync.Mutex
	cancelled bool
	t         *time.Timer
}

func setAlarm(d time.Duration, ef *EventFlag) *alarm {
	a := &alarm{}
	a.t = time.AfterFunc(d, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.cancelled {
			ef.Set(EFTimeout)
		}
	})
	return a
}

// cancel stops the alarm. Once it returns the alarm will not touch the event
// flag anymore; a bit it set before is left for the caller to clear. A nil
// alarm (alarms disabled) is a no-op.
func (a *alarm) cancel() {
	if a == nil {
		return
	}
	a.t.Stop()
	a.mu.Lock()
	a.cancelled = true
	a.mu.Unlock()
}
