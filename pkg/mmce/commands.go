package mmce

import (
	"bytes"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Command opcodes. The settings never leave the host.
const (
	CmdPing              byte = 0x01
	CmdGetStatus         byte = 0x02
	CmdGetCard           byte = 0x03
	CmdSetCard           byte = 0x04
	CmdGetChannel        byte = 0x05
	CmdSetChannel        byte = 0x06
	CmdGetGameID         byte = 0x07
	CmdSetGameID         byte = 0x08
	CmdReset             byte = 0x09
	SettingAckWaitCycles byte = 0x0a
	SettingUseAlarms     byte = 0x0b
)

var commands = map[byte]frame{
	CmdPing:       {op: "ping", cmd: CmdPing, txLen: 7, rxLen: 7, timeout: timeoutPing},
	CmdGetStatus:  {op: "get status", cmd: CmdGetStatus, txLen: 3, rxLen: 6},
	CmdGetCard:    {op: "get card", cmd: CmdGetCard, txLen: 3, rxLen: 6},
	CmdSetCard:    {op: "set card", cmd: CmdSetCard, txLen: 8, rxLen: 2},
	CmdGetChannel: {op: "get channel", cmd: CmdGetChannel, txLen: 3, rxLen: 6},
	CmdSetChannel: {op: "set channel", cmd: CmdSetChannel, txLen: 7, rxLen: 2},
	CmdGetGameID:  {op: "get gameid", cmd: CmdGetGameID, txLen: 3, rxLen: 255},
	CmdSetGameID:  {op: "set gameid", cmd: CmdSetGameID, rxLen: 2},
	CmdReset:      {op: "reset", cmd: CmdReset, txLen: 5, rxLen: 5},
}

// CardType selects between regular and boot cards
type CardType byte

const (
	CardRegular CardType = 0
	CardBoot    CardType = 1
)

// SelectMode tells how a card or channel number is applied
type SelectMode byte

const (
	SelectNum  SelectMode = 0
	SelectNext SelectMode = 1
	SelectPrev SelectMode = 2
)

var productNames = []string{"Unknown", "SD2PSX", "MemCard PRO2", "PicoMemcard+", "PicoMemcardZero"}

// Identity is the answer to a ping
type Identity struct {
	Protocol byte `json:"protocol"`
	Product  byte `json:"product"`
	Revision byte `json:"revision"`
}

// ProductName returns the name of the product ID
func (i Identity) ProductName() string {
	if int(i.Product) < len(productNames) {
		return productNames[i.Product]
	}
	return fmt.Sprintf("Unknown (%d)", i.Product)
}

// Packed returns the identity as protocol<<16 | product<<8 | revision
func (i Identity) Packed() uint32 {
	return uint32(i.Protocol)<<16 | uint32(i.Product)<<8 | uint32(i.Revision)
}

// Ping identifies the device
func (o *Device) Ping() (Identity, error) {
	rx, err := o.call(commands[CmdPing], 0, 0, 0, 0)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Protocol: rx[3], Product: rx[4], Revision: rx[5]}, nil
}

func (o *Device) get16(cmd byte) (uint16, error) {
	rx, err := o.call(commands[cmd])
	if err != nil {
		return 0, err
	}
	return uint16(rx[3])<<8 | uint16(rx[4]), nil
}

// Status returns the device status word
func (o *Device) Status() (uint16, error) {
	return o.get16(CmdGetStatus)
}

// Card returns the active card number
func (o *Device) Card() (uint16, error) {
	return o.get16(CmdGetCard)
}

// SetCard selects the active card
func (o *Device) SetCard(t CardType, mode SelectMode, num uint16) error {
	_, err := o.call(commands[CmdSetCard], byte(t), byte(mode), byte(num>>8), byte(num))
	return err
}

// Channel returns the active channel of the card
func (o *Device) Channel() (uint16, error) {
	return o.get16(CmdGetChannel)
}

// SetChannel selects the active channel
func (o *Device) SetChannel(mode SelectMode, num uint16) error {
	_, err := o.call(commands[CmdSetChannel], byte(mode), byte(num>>8), byte(num))
	return err
}

// GameID returns the game ID the device has been told about
func (o *Device) GameID() (string, error) {
	rx, err := o.call(commands[CmdGetGameID])
	if err != nil {
		return "", err
	}
	s := rx[4:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s), nil
}

// SetGameID tells the device which game is running
func (o *Device) SetGameID(id string) error {
	f := commands[CmdSetGameID]
	if len(id) > MaxGameID {
		return fmt.Errorf("%s: %w", f.op, ErrNameTooLong)
	}
	n := len(id) + 1
	payload := append([]byte{byte(n)}, id...)
	_, err := o.callTx(f, f.request(n+5, append(payload, 0)...))
	return err
}

// Reset resets the device's filesystem state
func (o *Device) Reset() error {
	_, err := o.call(commands[CmdReset])
	return err
}

// SetAckWaitCycles tunes the wait after /ACK for subsequent transfers
func (o *Device) SetAckWaitCycles(cycles int) error {
	if cycles < 0 || cycles > 15 {
		return fmt.Errorf("ack wait cycles %d: %w", cycles, ErrInvalidArgument)
	}
	o.eng.Context().SetAckWaitCycles(cycles)
	return nil
}

// SetUseAlarms enables timeouts on bulk reads
func (o *Device) SetUseAlarms(v bool) {
	o.eng.Context().SetUseAlarm(v)
}

// probeAttempts is how often Probe pings before giving up
const probeAttempts = 6

// Probe looks for a device on the current port and resets its filesystem
// state when one answers
func (o *Device) Probe() (Identity, error) {
	var id Identity
	var err error
	for i := 0; i < probeAttempts; i++ {
		if id, err = o.Ping(); err == nil {
			break
		}
	}
	if err != nil {
		log.Infof("No card in port %d", o.Port())
		return Identity{}, err
	}

	log.WithFields(log.Fields{
		"port":     o.Port(),
		"product":  id.ProductName(),
		"revision": id.Revision,
		"protocol": id.Protocol,
	}).Info("Found card")

	if err := o.Reset(); err != nil {
		log.Warnf("Resetting card in port %d failed: %v", o.Port(), err)
	}
	return id, nil
}
