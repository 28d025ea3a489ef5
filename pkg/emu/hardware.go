// Package emu emulates the pieces around the MMCE driver stack: the SIO2
// controller with its DMA channels, an MMCE card backed by an afero
// filesystem, and the host SIO2 driver the stack borrows the channel from.
package emu

import (
	"errors"
	"sync"

	"github.com/speters/mmced/pkg/iop"
	"github.com/speters/mmced/pkg/sio2"

	log "github.com/sirupsen/logrus"
)

// NumPorts is the number of SIO2 ports
const NumPorts = 4

// ErrNoDevice is returned by a port without an attached device
var ErrNoDevice = errors.New("emu: no device on port")

// Responder is a device attached to a port. Exchange is called once per
// transfer element with the bytes clocked out and returns the bytes clocked
// back in. An error means the device never acknowledged, so the controller
// does not raise its completion interrupt.
type Responder interface {
	Exchange(port int, tx []byte, rxSize int) ([]byte, error)
}

// ResponderFunc adapts a function to a Responder
type ResponderFunc func(port int, tx []byte, rxSize int) ([]byte, error)

func (f ResponderFunc) Exchange(port int, tx []byte, rxSize int) ([]byte, error) {
	return f(port, tx, rxSize)
}

// Burst records the descriptors executed by one start of the queue
type Burst struct {
	Descriptors []sio2.Descriptor
}

// DMAElements counts the DMA descriptors of the burst
func (b Burst) DMAElements() int {
	n := 0
	for _, d := range b.Descriptors {
		if d.TxDMA() || d.RxDMA() {
			n++
		}
	}
	return n
}

// PIOElements counts the PIO descriptors of the burst
func (b Burst) PIOElements() int {
	return len(b.Descriptors) - b.DMAElements()
}

type dmaSlice struct {
	buf   []byte
	off   int
	dir   sio2.DMADirection
	armed bool
}

// Hardware is an emulated SIO2 controller. Transfers run synchronously when
// the start bit is written, and completion is signalled on the interrupt
// table like the real controller does.
type Hardware struct {
	mu sync.Mutex

	intr *iop.IntrTable

	ctrl     uint32
	regs     [sio2.MaxTransfers]sio2.Descriptor
	portCtrl [NumPorts][2]uint32
	tx, rx   []byte
	dma      map[sio2.DMAChannel]*dmaSlice
	ports    [NumPorts]Responder

	drop          int
	acks          int
	portCtrlWrite int
	bursts        []Burst
}

// NewHardware returns a controller raising its interrupt on intr
func NewHardware(intr *iop.IntrTable) *Hardware {
	return &Hardware{
		intr: intr,
		dma:  make(map[sio2.DMAChannel]*dmaSlice),
	}
}

// Attach connects r to port
func (h *Hardware) Attach(port int, r Responder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ports[port] = r
}

// Drop makes the n-th queue start from now (1 being the next) complete
// without an interrupt, as if the device had not acknowledged
func (h *Hardware) Drop(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = n
}

// Bursts returns the queue starts recorded since the last ResetStats
func (h *Hardware) Bursts() []Burst {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Burst(nil), h.bursts...)
}

// PortCtrlWrites returns how many times port timings were programmed since
// the last ResetStats
func (h *Hardware) PortCtrlWrites() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.portCtrlWrite
}

// PortCtrl returns the timing registers of port
func (h *Hardware) PortCtrl(port int) (uint32, uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.portCtrl[port][0], h.portCtrl[port][1]
}

// Acks returns the number of interrupt acknowledges
func (h *Hardware) Acks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acks
}

// ResetStats clears the recorded bursts and counters
func (h *Hardware) ResetStats() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bursts = nil
	h.portCtrlWrite = 0
	h.acks = 0
}

func (h *Hardware) Ctrl() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctrl
}

func (h *Hardware) SetCtrl(v uint32) {
	h.mu.Lock()
	h.ctrl = v
	if v&sio2.CtrlResetFifos == sio2.CtrlResetFifos {
		h.tx, h.rx = nil, nil
		for ch := range h.dma {
			delete(h.dma, ch)
		}
	}
	if v&sio2.CtrlStartBit == 0 {
		h.mu.Unlock()
		return
	}
	// the start bit clears itself
	h.ctrl &^= sio2.CtrlStartBit
	complete := h.run()
	h.mu.Unlock()

	if complete && h.intr != nil {
		h.intr.Dispatch(sio2.IRQ)
	}
}

func (h *Hardware) SetStat(v uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v&sio2.StatAck != 0 {
		h.acks++
	}
}

func (h *Hardware) SetPortCtrl(port int, ctrl1, ctrl2 uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.portCtrl[port] = [2]uint32{ctrl1, ctrl2}
	h.portCtrlWrite++
}

func (h *Hardware) SetTransfer(n int, d sio2.Descriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.regs[n] = d
}

func (h *Hardware) DataOut(b byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tx = append(h.tx, b)
}

func (h *Hardware) DataIn() byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.rx) == 0 {
		return 0
	}
	b := h.rx[0]
	h.rx = h.rx[1:]
	return b
}

func (h *Hardware) SliceDMA(ch sio2.DMAChannel, buf []byte, blockSize, blocks int, dir sio2.DMADirection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dma[ch] = &dmaSlice{buf: buf[:blockSize*blocks], dir: dir}
}

func (h *Hardware) StartDMA(ch sio2.DMAChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.dma[ch]; ok {
		s.armed = true
	}
}

// run executes the queued descriptors. Called with h.mu held; it reports
// whether the completion interrupt is raised.
func (h *Hardware) run() bool {
	var burst Burst
	for i := 0; i < sio2.MaxTransfers; i++ {
		if h.regs[i] == 0 {
			break
		}
		burst.Descriptors = append(burst.Descriptors, h.regs[i])
	}
	h.bursts = append(h.bursts, burst)

	if h.drop > 0 {
		h.drop--
		if h.drop == 0 {
			log.Debugf("emu: dropping burst of %d elements", len(burst.Descriptors))
			return false
		}
	}

	for _, d := range burst.Descriptors {
		var tx []byte
		if d.TxDMA() {
			tx = h.dmaTake(sio2.DMASIO2In, d.TxSize())
		} else {
			n := min(d.TxSize(), len(h.tx))
			tx = append([]byte(nil), h.tx[:n]...)
			h.tx = h.tx[n:]
		}

		r := h.ports[d.Port()]
		if r == nil {
			log.Debugf("emu: %v on port %d", ErrNoDevice, d.Port())
			return false
		}
		rx, err := r.Exchange(d.Port(), tx, d.RxSize())
		if err != nil {
			log.Debugf("emu: port %d: %v", d.Port(), err)
			return false
		}

		in := make([]byte, d.RxSize())
		copy(in, rx)
		if d.RxDMA() {
			h.dmaPut(sio2.DMASIO2Out, in)
		} else {
			h.rx = append(h.rx, in...)
		}
	}
	return true
}

func (h *Hardware) dmaTake(ch sio2.DMAChannel, n int) []byte {
	s, ok := h.dma[ch]
	if !ok || !s.armed {
		return make([]byte, n)
	}
	out := make([]byte, n)
	s.off += copy(out, s.buf[s.off:])
	return out
}

func (h *Hardware) dmaPut(ch sio2.DMAChannel, b []byte) {
	s, ok := h.dma[ch]
	if !ok || !s.armed {
		return
	}
	s.off += copy(s.buf[s.off:], b)
}
