package sio2

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// MaxPIO is the largest tx or rx size of a single PIO exchange
const MaxPIO = 255

// Default timeouts
const (
	TimeoutPing    = 200 * time.Millisecond
	TimeoutCommand = 1 * time.Second
	TimeoutBulk    = 2 * time.Second
)

// Timeouts holds the alarm durations used by the engine and the protocols on top
type Timeouts struct {
	Ping    time.Duration
	Command time.Duration
	Bulk    time.Duration
}

// DefaultTimeouts returns the timeouts used by the original firmware drivers
func DefaultTimeouts() Timeouts {
	return Timeouts{Ping: TimeoutPing, Command: TimeoutCommand, Bulk: TimeoutBulk}
}

// Mode is the transfer mode of a Request
type Mode byte

const (
	ModePIO Mode = iota
	ModeDMA
	ModeMixed
)

func (m Mode) String() string {
	switch m {
	case ModePIO:
		return "pio"
	case ModeDMA:
		return "dma"
	case ModeMixed:
		return "mixed"
	}
	return "unknown"
}

// Request describes one exchange on the channel. For ModeDMA and ModeMixed
// only one of Tx and Rx is used; ModeDMA supports reads only.
type Request struct {
	Tx      []byte
	Rx      []byte
	Timeout time.Duration
	Mode    Mode
}

// Observer is notified about every completed or failed exchange
type Observer interface {
	Exchange(mode Mode, bytes int, d time.Duration, err error)
}

// Engine drives the SIO2 controller. Only one exchange may be pending at any
// time; callers serialize through the channel lock.
type Engine struct {
	hal HAL
	ctx *Context
	ef  *EventFlag

	Timeouts Timeouts
	Observer Observer
}

// NewEngine returns an Engine for hal using the settings in ctx
func NewEngine(hal HAL, ctx *Context) *Engine {
	return &Engine{
		hal:      hal,
		ctx:      ctx,
		ef:       NewEventFlag(),
		Timeouts: DefaultTimeouts(),
	}
}

// Context returns the channel settings of the engine
func (e *Engine) Context() *Context {
	return e.ctx
}

// IntrHandler returns the interrupt handler and its argument to install on
// IRQ while the engine owns the channel
func (e *Engine) IntrHandler() (func(arg any) int, any) {
	return intrHandler, e
}

func intrHandler(arg any) int {
	e := arg.(*Engine)
	e.hal.SetStat(StatAck)
	e.ef.Set(EFComplete)
	return 1
}

// Transfer executes req according to its mode
func (e *Engine) Transfer(req *Request) error {
	switch req.Mode {
	case ModeDMA:
		return e.RxDMA(req.Rx)
	case ModeMixed:
		if req.Tx != nil {
			return e.TxMixed(req.Tx)
		}
		return e.RxMixed(req.Rx)
	default:
		return e.PIO(req.Tx, req.Rx, req.Timeout)
	}
}

// wait blocks until the transfer completed or the alarm fired. A timeout
// resets the controller; both paths leave the event flag cleared.
func (e *Engine) wait(timeout time.Duration, useAlarm bool) error {
	var a *alarm
	if useAlarm {
		a = setAlarm(timeout, e.ef)
	}

	bits := e.ef.Wait(EFComplete | EFTimeout)
	if bits&EFTimeout != 0 {
		log.Errorf("Transfer timed out after %v, resetting SIO2", timeout)
		e.hal.SetCtrl(CtrlReset)
		e.ef.Clear(EFComplete | EFTimeout)
		return ErrTimeout
	}

	a.cancel()
	e.ef.Clear(EFComplete | EFTimeout)
	return nil
}

func (e *Engine) observe(mode Mode, n int, start time.Time, err error) {
	if e.Observer != nil {
		e.Observer.Exchange(mode, n, time.Since(start), err)
	}
}

// PIO exchanges len(tx) bytes out and len(rx) bytes in through the FIFOs as
// one transfer element
func (e *Engine) PIO(tx, rx []byte, timeout time.Duration) (err error) {
	if len(tx) > MaxPIO || len(rx) > MaxPIO {
		return ErrTooLarge
	}
	start := time.Now()
	defer func() { e.observe(ModePIO, len(tx)+len(rx), start, err) }()
	return e.pio(tx, rx, timeout)
}

// pio runs a PIO element without reporting it, for exchanges that are part
// of a larger transfer
func (e *Engine) pio(tx, rx []byte, timeout time.Duration) error {
	e.hal.SetCtrl(CtrlReset)
	e.hal.SetTransfer(0, NewDescriptor(e.ctx.Port(), len(tx), len(rx), false, false))
	e.hal.SetTransfer(1, 0)

	for _, b := range tx {
		e.hal.DataOut(b)
	}
	if len(tx) > 0 {
		log.Debugf("PIO tx='% x'", tx)
	}

	e.hal.SetCtrl(CtrlStart)
	if err := e.wait(timeout, true); err != nil {
		return err
	}

	for i := range rx {
		rx[i] = e.hal.DataIn()
	}
	if len(rx) > 0 {
		log.Debugf("PIO rx='% x'", rx)
	}
	return nil
}

// RxDMA reads len(buf) bytes, a multiple of BlockSize, in bursts of up to
// MaxTransfers DMA elements
func (e *Engine) RxDMA(buf []byte) (err error) {
	if len(buf)%BlockSize != 0 {
		return ErrInvalidSize
	}
	start := time.Now()
	defer func() { e.observe(ModeDMA, len(buf), start, err) }()

	elements := len(buf) / BlockSize
	done := 0
	element := NewDescriptor(e.ctx.Port(), 0, BlockSize, false, true)
	useAlarm := e.ctx.UseAlarm()

	for elements != 0 {
		e.hal.SetCtrl(CtrlReset)

		n := min(elements, MaxTransfers)
		for i := 0; i < n; i++ {
			e.hal.SetTransfer(i, element)
		}
		if n < MaxTransfers {
			e.hal.SetTransfer(n, 0)
		}

		e.hal.SliceDMA(DMASIO2Out, buf[done*BlockSize:(done+n)*BlockSize], BlockSize, n, DMAToMem)
		e.hal.StartDMA(DMASIO2Out)

		e.hal.SetCtrl(CtrlStart)
		if err = e.wait(e.Timeouts.Bulk, useAlarm); err != nil {
			return err
		}

		elements -= n
		done += n
	}
	return nil
}

// RxMixed reads len(buf) bytes: whole blocks by DMA, the remainder by PIO.
// Each burst queues up to MaxTransfers DMA elements and, once fewer than
// MaxTransfers are left, the PIO element. The PIO bytes are drained from the
// FIFO after the last burst.
func (e *Engine) RxMixed(buf []byte) (err error) {
	size := len(buf)
	start := time.Now()
	defer func() { e.observe(ModeMixed, size, start, err) }()

	elements := size / BlockSize
	pioSize := size - elements*BlockSize
	port := e.ctx.Port()
	useAlarm := e.ctx.UseAlarm()

	dmaElement := NewDescriptor(port, 0, BlockSize, false, true)
	pioElement := NewDescriptor(port, 0, pioSize, false, false)

	done := 0
	pioOffset := -1

	for done < size {
		e.hal.SetCtrl(CtrlReset)

		offset := done
		n := min(elements, MaxTransfers)
		for i := 0; i < n; i++ {
			e.hal.SetTransfer(i, dmaElement)
		}
		done += n * BlockSize

		if n < MaxTransfers {
			if pioSize != 0 {
				e.hal.SetTransfer(n, pioElement)
				pioOffset = done
				done += pioSize
				n++
			}
			if n < MaxTransfers {
				e.hal.SetTransfer(n, 0)
			}
		}

		dmaElements := min(elements, MaxTransfers)
		if dmaElements != 0 {
			e.hal.SliceDMA(DMASIO2Out, buf[offset:offset+dmaElements*BlockSize], BlockSize, dmaElements, DMAToMem)
			e.hal.StartDMA(DMASIO2Out)
		}

		e.hal.SetCtrl(CtrlStart)
		if err = e.wait(e.Timeouts.Bulk, useAlarm); err != nil {
			return err
		}

		elements -= dmaElements
	}

	if pioOffset >= 0 {
		for i := 0; i < pioSize; i++ {
			buf[pioOffset+i] = e.hal.DataIn()
		}
	}
	return nil
}

// Stage is the state of an outbound mixed transfer
type Stage byte

const (
	StageWaiting  Stage = iota // Poll the device for readiness with an empty exchange
	StageTransfer              // Push one DMA burst and/or the PIO remainder
)

func (s Stage) String() string {
	switch s {
	case StageWaiting:
		return "waiting"
	case StageTransfer:
		return "transfer"
	}
	return "unknown"
}

// TxMixed writes buf: whole blocks by DMA, the remainder by PIO. The
// controller cannot queue a readiness poll together with data, so waiting
// and transfer stages alternate until everything is sent, and a final
// waiting stage detects completion. An empty buf sends nothing.
func (e *Engine) TxMixed(buf []byte) (err error) {
	size := len(buf)
	if size == 0 {
		return nil
	}
	start := time.Now()
	defer func() { e.observe(ModeMixed, size, start, err) }()

	elements := size / BlockSize
	pioSize := size - elements*BlockSize
	port := e.ctx.Port()

	dmaElement := NewDescriptor(port, BlockSize, 0, true, false)
	pioElement := NewDescriptor(port, pioSize, 0, false, false)

	var ready [2]byte
	done := 0
	state, prevstate := StageWaiting, StageWaiting

	for {
		if prevstate != state {
			log.Debugf("Stage changed: %v --> %v (%d/%d bytes)", prevstate, state, done, size)
		}
		prevstate = state

		switch state {
		case StageWaiting:
			if err = e.pio(nil, ready[:], e.Timeouts.Bulk); err != nil {
				log.Errorf("Timed out waiting for ready after %d/%d bytes", done, size)
				return err
			}
			if done >= size {
				return nil
			}
			state = StageTransfer

		case StageTransfer:
			n := min(elements, MaxTransfers)
			if n != 0 {
				e.hal.SetCtrl(CtrlReset)
				for i := 0; i < n; i++ {
					e.hal.SetTransfer(i, dmaElement)
				}
				if n < MaxTransfers {
					e.hal.SetTransfer(n, 0)
				}

				e.hal.SliceDMA(DMASIO2In, buf[done:done+n*BlockSize], BlockSize, n, DMAFromMem)
				e.hal.StartDMA(DMASIO2In)
				done += n * BlockSize
				elements -= n

				e.hal.SetCtrl(CtrlStart)
				if err = e.wait(e.Timeouts.Bulk, true); err != nil {
					return err
				}
			}

			if n < MaxTransfers && pioSize != 0 {
				e.hal.SetCtrl(CtrlReset)
				e.hal.SetTransfer(0, pioElement)
				e.hal.SetTransfer(1, 0)
				for _, b := range buf[done : done+pioSize] {
					e.hal.DataOut(b)
				}
				done += pioSize
				pioSize = 0

				e.hal.SetCtrl(CtrlStart)
				if err = e.wait(e.Timeouts.Bulk, true); err != nil {
					return err
				}
			}
			state = StageWaiting
		}
	}
}
