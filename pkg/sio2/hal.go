package sio2

// HAL is the register level view of the SIO2 controller and its DMA channels.
//
// Completion is not reported through the HAL: the controller raises IRQ on
// the interrupt dispatch table, whose entry is owned by whoever holds the
// channel (see package hook).
type HAL interface {
	// Ctrl reads the control register
	Ctrl() uint32
	// SetCtrl writes the control register. Writing a value with CtrlStartBit
	// starts the queued transfers.
	SetCtrl(v uint32)
	// SetStat writes the status register, used to acknowledge interrupts
	SetStat(v uint32)

	// SetPortCtrl programs the timing registers of port
	SetPortCtrl(port int, ctrl1, ctrl2 uint32)

	// SetTransfer writes transfer descriptor register n (0..15)
	SetTransfer(n int, d Descriptor)

	// DataOut pushes one byte into the tx FIFO
	DataOut(b byte)
	// DataIn pops one byte from the rx FIFO
	DataIn() byte

	// SliceDMA prepares a DMA transfer of blocks * blockSize bytes between
	// buf and the controller
	SliceDMA(ch DMAChannel, buf []byte, blockSize, blocks int, dir DMADirection)
	// StartDMA arms a previously prepared DMA channel
	StartDMA(ch DMAChannel)
}
