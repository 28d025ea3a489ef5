// Package mmce implements the MMCE command and filesystem protocols on top
// of the SIO2 transfer engine.
package mmce

import (
	"fmt"
	"time"

	"github.com/speters/mmced/pkg/sio2"

	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"
)

// Frame constants
const (
	ID         byte = 0x8b // first byte of every request
	Reserved   byte = 0xff
	ReplyConst byte = 0xaa // second byte of a valid reply

	BadFd      = 0xff // returned by open/dopen on failure
	ReservedFd = 250  // descriptors from here on are pseudo handles

	MaxGameID  = 249
	MaxName    = 254
	SectorSize = 2048
)

// Locker hands out exclusive use of the channel
type Locker interface {
	Lock() error
	Unlock()
}

// Device runs commands on the port currently selected in the engine's
// context
type Device struct {
	eng  *sio2.Engine
	lock Locker
}

// NewDevice returns a Device using eng, serialized through lock
func NewDevice(eng *sio2.Engine, lock Locker) *Device {
	return &Device{eng: eng, lock: lock}
}

// Engine returns the transfer engine of the device
func (o *Device) Engine() *sio2.Engine {
	return o.eng
}

// Port returns the selected port
func (o *Device) Port() int {
	return o.eng.Context().Port()
}

func (o *Device) setPort(port int) {
	o.eng.Context().SetPort(port)
}

type timeoutClass byte

const (
	timeoutPing timeoutClass = iota
	timeoutCommand
	timeoutBulk
)

func (o *Device) timeout(c timeoutClass) time.Duration {
	t := o.eng.Timeouts
	switch c {
	case timeoutPing:
		return t.Ping
	case timeoutBulk:
		return t.Bulk
	}
	return t.Command
}

func newID() string {
	return uuid.NewV4().String()
}

func (o *Device) logger(op string) *log.Entry {
	return log.WithFields(log.Fields{"op": op, "port": o.Port(), "id": newID()})
}

// frame is a single packet request/response pair
type frame struct {
	op      string
	cmd     byte
	txLen   int
	rxLen   int
	timeout timeoutClass
}

func (f frame) request(txLen int, payload ...byte) []byte {
	tx := make([]byte, txLen)
	tx[0], tx[1], tx[2] = ID, f.cmd, Reserved
	copy(tx[3:], payload)
	return tx
}

// call sends f under the channel lock and validates the reply constant
func (o *Device) call(f frame, payload ...byte) ([]byte, error) {
	return o.callTx(f, f.request(f.txLen, payload...))
}

func (o *Device) callTx(f frame, tx []byte) ([]byte, error) {
	l := o.logger(f.op)
	rx := make([]byte, f.rxLen)

	if err := o.lock.Lock(); err != nil {
		return nil, fmt.Errorf("%s: %w", f.op, err)
	}
	err := o.eng.PIO(tx, rx, o.timeout(f.timeout))
	o.lock.Unlock()

	if err != nil {
		return nil, ioError(l, f.op, err)
	}
	if rx[1] != ReplyConst {
		return nil, ioError(l, f.op, protocolError("reply %#02x, expected %#02x", rx[1], ReplyConst))
	}
	return rx, nil
}
