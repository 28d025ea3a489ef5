package emu

import (
	"errors"
	"sync"
	"time"

	"github.com/speters/mmced/pkg/iop"
	"github.com/speters/mmced/pkg/sio2"

	log "github.com/sirupsen/logrus"
)

// Export indices of the emulated sio2man
const (
	HostPadTransferInit = 23
	HostMcTransferInit  = 24
	HostTransferExport  = 25
	HostTransferReset   = 26
	HostTransfer2       = 51
	HostTransferReset2  = 52

	hostExports = 53
)

// Timings the host driver programs for its own devices
const (
	HostCtrl1 uint32 = 0xffc00505
	HostCtrl2 uint32 = 0x000201f4
)

var ErrHostTimeout = errors.New("emu: host transfer timed out")

// HostTransfer is the argument of the host's transfer export
type HostTransfer struct {
	Port   int
	Tx     []byte
	RxSize int
	Rx     []byte
}

// Host is an emulated sio2man: a library with the transfer entry points the
// arbiter hooks, and an interrupt handler of its own.
type Host struct {
	hw      *Hardware
	env     *iop.Env
	lib     *iop.Library
	done    chan struct{}
	timeout time.Duration

	mu        sync.Mutex
	inits     int
	transfers int
	resets    int
}

// NewHost returns a host driver of the given version for hw. It is not
// resident until Load is called.
func NewHost(env *iop.Env, hw *Hardware, version uint16) *Host {
	h := &Host{
		hw:      hw,
		env:     env,
		done:    make(chan struct{}, 1),
		timeout: time.Second,
	}

	exports := make([]iop.Func, hostExports)
	for _, i := range []int{23, 24, 46, 47, 48, 49, 50} {
		exports[i] = h.transferInit
	}
	exports[HostTransferExport] = h.transfer
	exports[HostTransferReset] = h.transferReset
	if version >= iop.Version(1, 2) && version < iop.Version(2, 0) {
		exports[49] = h.transfer
		exports[50] = h.transferReset
	} else {
		exports[HostTransfer2] = h.transfer
		exports[HostTransferReset2] = h.transferReset
	}
	h.lib = iop.NewLibrary("sio2man", version, exports)
	return h
}

// Library returns the export table of the host driver
func (h *Host) Library() *iop.Library {
	return h.lib
}

// Load registers the library with the loader and then the interrupt handler
// with the interrupt manager, as the real module does at start-up
func (h *Host) Load() error {
	if err := h.env.Load(h.lib); err != nil {
		return err
	}
	return h.RegisterIntr()
}

// RegisterIntr registers the host's interrupt handler
func (h *Host) RegisterIntr() error {
	return h.env.RegisterIntrHandler(sio2.IRQ, 1, hostIntrHandler, h)
}

func hostIntrHandler(arg any) int {
	h := arg.(*Host)
	h.hw.SetStat(sio2.StatAck)
	select {
	case h.done <- struct{}{}:
	default:
	}
	return 1
}

// Counts returns how often the original init, transfer and reset ran
func (h *Host) Counts() (inits, transfers, resets int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inits, h.transfers, h.resets
}

// Exchange runs one transfer sequence through the current export table, the
// way the pad and memory card libraries use sio2man
func (h *Host) Exchange(td *HostTransfer) error {
	if _, err := h.lib.Call(HostPadTransferInit, nil); err != nil {
		return err
	}
	res, err := h.lib.Call(HostTransferExport, td)
	h.lib.Call(HostTransferReset, nil)
	if err != nil {
		return err
	}
	if err, ok := res.(error); ok {
		return err
	}
	return nil
}

func (h *Host) transferInit(arg any) any {
	h.mu.Lock()
	h.inits++
	h.mu.Unlock()
	for port := 0; port < NumPorts; port++ {
		h.hw.SetPortCtrl(port, HostCtrl1, HostCtrl2)
	}
	return nil
}

func (h *Host) transfer(arg any) any {
	td, ok := arg.(*HostTransfer)
	if !ok {
		return nil
	}
	h.mu.Lock()
	h.transfers++
	h.mu.Unlock()

	select {
	case <-h.done:
	default:
	}

	h.hw.SetCtrl(sio2.CtrlReset)
	h.hw.SetTransfer(0, sio2.NewDescriptor(td.Port, len(td.Tx), td.RxSize, false, false))
	h.hw.SetTransfer(1, 0)
	for _, b := range td.Tx {
		h.hw.DataOut(b)
	}
	h.hw.SetCtrl(sio2.CtrlStart)

	select {
	case <-h.done:
	case <-time.After(h.timeout):
		log.Warnf("emu: host transfer on port %d timed out", td.Port)
		h.hw.SetCtrl(sio2.CtrlReset)
		return ErrHostTimeout
	}

	td.Rx = make([]byte, td.RxSize)
	for i := range td.Rx {
		td.Rx[i] = h.hw.DataIn()
	}
	return nil
}

func (h *Host) transferReset(arg any) any {
	h.mu.Lock()
	h.resets++
	h.mu.Unlock()
	h.hw.SetCtrl(sio2.CtrlReset)
	return nil
}
