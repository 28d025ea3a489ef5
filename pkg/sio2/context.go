package sio2

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Defaults for the port control registers
const (
	DefaultAckWaitCycles = 5
	MaxAckWaitCycles     = 15
	DefaultPort          = 2
)

// Context holds the channel settings used for every transfer. It is shared
// between the transfer engine and the arbiter and must only be changed while
// the channel is locked, or before any transfer is issued.
type Context struct {
	mu sync.Mutex

	port     int
	ctrl1    uint32
	ctrl2    uint32
	useAlarm bool

	// what was last written to the hardware
	progPort  int
	progCtrl1 uint32
	progCtrl2 uint32
	dirty     bool
}

// NewContext returns a Context with the default timings on DefaultPort
func NewContext() *Context {
	return &Context{
		port:     DefaultPort,
		ctrl1:    pctrl0(0x5, 0x0, 0x2, 0xff),
		ctrl2:    pctrl1(0xffff, DefaultAckWaitCycles, 0, 0),
		useAlarm: true,
		progPort: -1,
		dirty:    true,
	}
}

// SetPort selects the port used by subsequent transfers. No hardware is
// touched until the next lock.
func (c *Context) SetPort(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.port = port
}

// Port returns the currently selected port
func (c *Context) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// SetAckWaitCycles updates the wait cycles after ACK low in the second port
// control register
func (c *Context) SetAckWaitCycles(cycles int) {
	log.Debugf("setting ack wait cycles to %#x", cycles)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctrl2 = pctrl1(0xffff, uint32(cycles), 0, 0)
}

// AckWaitCycles returns the configured wait cycles after ACK low
func (c *Context) AckWaitCycles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WaitCycles(c.ctrl2)
}

// SetUseAlarm enables or disables timeout alarms for bulk DMA reads
func (c *Context) SetUseAlarm(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.useAlarm = v
}

// UseAlarm reports whether bulk DMA reads are guarded by an alarm
func (c *Context) UseAlarm() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useAlarm
}

// Invalidate forces the timing registers to be written on the next Program,
// e.g. after the host driver used the channel.
func (c *Context) Invalidate() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

// Program writes the port control registers to hal if they may differ from
// what the hardware holds. It reports whether registers were written.
func (c *Context) Program(hal HAL) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty && c.progPort == c.port && c.progCtrl1 == c.ctrl1 && c.progCtrl2 == c.ctrl2 {
		return false
	}
	hal.SetPortCtrl(c.port, c.ctrl1, c.ctrl2)
	c.progPort, c.progCtrl1, c.progCtrl2 = c.port, c.ctrl1, c.ctrl2
	c.dirty = false
	return true
}
