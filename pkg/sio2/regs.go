package sio2

// IRQ is the interrupt line of the SIO2 controller
const IRQ = 17

// Control register values
const (
	CtrlStart      uint32 = 0x3a1 // Start queued transfers, interrupts enabled
	CtrlReset      uint32 = 0x3ac // Reset state and FIFO pointers, interrupts enabled
	CtrlResetFifos uint32 = 0x00c // Reset bits, or'ed into the host's saved value on unlock

	// CtrlStartBit is set in a control write that starts the transfer queue
	CtrlStartBit uint32 = 0x001
)

// StatAck acknowledges a pending SIO2 interrupt
const StatAck uint32 = 0x3

// MaxTransfers is the number of transfer descriptor registers
const MaxTransfers = 16

// BlockSize is the size of one DMA element
const BlockSize = 256

// DMAChannel selects an IOP DMA channel attached to SIO2
type DMAChannel byte

// DMA channels, named from the controller's point of view
const (
	DMASIO2In  DMAChannel = 11 // memory -> SIO2 (tx)
	DMASIO2Out DMAChannel = 12 // SIO2 -> memory (rx)
)

// DMADirection is the direction of a DMA slice
type DMADirection byte

const (
	DMAToMem   DMADirection = 0
	DMAFromMem DMADirection = 1
)

// Transfer descriptor fields
const (
	trPortMask   uint32 = 0x3
	trPause      uint32 = 1 << 2
	trTxDMA      uint32 = 1 << 4
	trRxDMA      uint32 = 1 << 5
	trNormal     uint32 = 1 << 6
	trSpecial    uint32 = 1 << 7
	trTxSizeOff         = 8
	trRxSizeOff         = 18
	trSizeMask   uint32 = 0x1ff
	trBaudDiv    uint32 = 1 << 28
	trWaitAckFor uint32 = 1 << 30
)

// Descriptor is the value of one transfer descriptor register
type Descriptor uint32

// NewDescriptor builds a normal transfer descriptor for port
func NewDescriptor(port int, txSize, rxSize int, txDMA, rxDMA bool) Descriptor {
	d := uint32(port)&trPortMask | trNormal
	if txDMA {
		d |= trTxDMA
	}
	if rxDMA {
		d |= trRxDMA
	}
	d |= (uint32(txSize) & trSizeMask) << trTxSizeOff
	d |= (uint32(rxSize) & trSizeMask) << trRxSizeOff
	return Descriptor(d)
}

func (d Descriptor) Port() int { return int(uint32(d) & trPortMask) }
func (d Descriptor) TxSize() int { return int((uint32(d) >> trTxSizeOff) & trSizeMask) }
func (d Descriptor) RxSize() int { return int((uint32(d) >> trRxSizeOff) & trSizeMask) }
func (d Descriptor) TxDMA() bool { return uint32(d)&trTxDMA != 0 }
func (d Descriptor) RxDMA() bool { return uint32(d)&trRxDMA != 0 }
func (d Descriptor) IsNormal() bool { return uint32(d)&trNormal != 0 }

// Port control register 1 (PCTRL0) fields
func pctrl0(attLowPer, attMinHighPer, baud0Div, baud1Div uint32) uint32 {
	return (attLowPer & 0xff) |
		(attMinHighPer&0xff)<<8 |
		(baud0Div&0xff)<<16 |
		(baud1Div&0xff)<<24
}

// Port control register 2 (PCTRL1) fields
func pctrl1(ackTimeout, waitCyclesAfterAck, unk24, spiDiff uint32) uint32 {
	return (ackTimeout & 0xffff) |
		(waitCyclesAfterAck&0xf)<<16 |
		(unk24&0x1)<<24 |
		(spiDiff&0x1)<<25
}

// WaitCycles extracts the wait-cycles-after-ack field of a PCTRL1 value
func WaitCycles(ctrl2 uint32) int {
	return int((ctrl2 >> 16) & 0xf)
}
