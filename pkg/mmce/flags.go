package mmce

import "os"

// Open flags as understood by the file-I/O dispatcher
const (
	ORdOnly = 0x0001
	OWrOnly = 0x0002
	ORdWr   = 0x0003
	OAppend = 0x0100
	OCreat  = 0x0200
	OTrunc  = 0x0400
	OExcl   = 0x0800
)

// PackFlags folds dispatcher open flags into the single flags byte of the
// open request: access mode minus one in bits 0-1, append in bit 3 and
// create, truncate and exclusive in bits 5-7.
func PackFlags(flags int) byte {
	p := byte((flags & 3) - 1)
	p |= byte((flags & OAppend) >> 5)
	p |= byte((flags & (OCreat | OTrunc | OExcl)) >> 4)
	return p
}

// FlagsFromOS converts os.O_* flags to dispatcher flags
func FlagsFromOS(flag int) int {
	var f int
	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		f = OWrOnly
	case os.O_RDWR:
		f = ORdWr
	default:
		f = ORdOnly
	}
	if flag&os.O_APPEND != 0 {
		f |= OAppend
	}
	if flag&os.O_CREATE != 0 {
		f |= OCreat
	}
	if flag&os.O_TRUNC != 0 {
		f |= OTrunc
	}
	if flag&os.O_EXCL != 0 {
		f |= OExcl
	}
	return f
}
