package sio2

import "errors"

var (
	// ErrTimeout is returned when neither the completion interrupt nor any
	// other signal arrived before the alarm fired. The controller has been
	// reset when it is returned.
	ErrTimeout = errors.New("sio2: transfer timed out")

	// ErrTooLarge is returned for PIO exchanges exceeding MaxPIO bytes
	ErrTooLarge = errors.New("sio2: PIO transfer too large")

	// ErrInvalidSize is returned for DMA reads that are not a multiple of BlockSize
	ErrInvalidSize = errors.New("sio2: size is not a multiple of the DMA block size")
)
