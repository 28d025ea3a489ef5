package mmce

import (
	"os"
	"time"
)

// Mode bits of Stat.Mode
const (
	ModeTypeMask = 0xf000
	ModeLink     = 0x4000
	ModeFile     = 0x2000
	ModeDir      = 0x1000
	ModePerm     = 0x01ff
)

// statBlockLen is the size of the stat packet of dread; getstat adds a
// status byte
const statBlockLen = 0x2a

// Stat is the iomanX style stat block reported by dread and getstat
type Stat struct {
	Mode   uint32    `json:"mode"`
	Attr   uint32    `json:"attr"`
	Size   uint64    `json:"size"`
	Ctime  time.Time `json:"ctime"`
	Atime  time.Time `json:"atime"`
	Mtime  time.Time `json:"mtime"`
	HiSize uint32    `json:"-"`
}

// IsDir reports whether the entry is a directory
func (s Stat) IsDir() bool {
	return s.Mode&ModeTypeMask == ModeDir
}

// FileMode converts Mode to an os.FileMode
func (s Stat) FileMode() os.FileMode {
	m := os.FileMode(s.Mode & ModePerm)
	if s.IsDir() {
		m |= os.ModeDir
	}
	return m
}

// DirEntry is one entry returned by Dir.Read
type DirEntry struct {
	Name string `json:"name"`
	Stat
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func be64(b []byte) uint64 {
	return uint64(be32(b))<<32 | uint64(be32(b[4:]))
}

func be24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func putBE32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
}

func putBE64(b []byte, v uint64) {
	putBE32(b, uint32(v>>32))
	putBE32(b[4:], uint32(v))
}

func putBE24(b []byte, v uint32) {
	b[0], b[1], b[2] = byte(v>>16), byte(v>>8), byte(v)
}

// decodeTime decodes {reserved, sec, min, hour, day, month, year LE16}
func decodeTime(b []byte) time.Time {
	year := int(b[6]) | int(b[7])<<8
	if year == 0 && b[5] == 0 && b[4] == 0 {
		return time.Time{}
	}
	return time.Date(year, time.Month(b[5]), int(b[4]), int(b[3]), int(b[2]), int(b[1]), 0, time.UTC)
}

// decodeStat decodes bytes 1..40 of a stat packet
func decodeStat(b []byte) Stat {
	s := Stat{
		Mode:   be32(b[1:]),
		Attr:   be32(b[5:]),
		Ctime:  decodeTime(b[13:21]),
		Atime:  decodeTime(b[21:29]),
		Mtime:  decodeTime(b[29:37]),
		HiSize: be32(b[37:]),
	}
	s.Size = uint64(s.HiSize)<<32 | uint64(be32(b[9:]))
	return s
}
