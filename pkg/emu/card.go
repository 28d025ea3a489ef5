package emu

import (
	"errors"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Wire constants as seen from the device side
const (
	cardID       = 0x8b
	replyConst   = 0xaa
	badFd        = 0xff
	maxFd        = 250
	sectorSize   = 2048
	statBlockLen = 42
)

// Product IDs reported by ping
const (
	ProductUnknown byte = iota
	ProductSD2PSX
	ProductMCP2
	ProductPMCPlus
	ProductPMCZero
)

// iomanX mode bits used in stat blocks
const (
	modeDir  = 0x1000
	modeFile = 0x2000
)

var errUnknownCommand = errors.New("emu: unknown command")

// step consumes one exchange of a multi-packet operation
type step func(tx []byte, rxSize int) []byte

type dirStream struct {
	entries []os.FileInfo
	next    int
}

// Card is an emulated MMCE device. Its filesystem is an afero.Fs, so tests
// run on a MemMapFs and the daemon can serve a host directory.
type Card struct {
	mu sync.Mutex

	fs afero.Fs

	Protocol byte
	Product  byte
	Revision byte

	status   uint16
	card     uint16
	cardType byte
	channel  uint16
	gameID   string

	files   map[byte]afero.File
	dirs    map[byte]*dirStream
	pending step
	sink    bool

	badReply   bool
	forceCount int64
	exchanges  int
	silent     bool
}

// NewCard returns a card serving fs
func NewCard(fs afero.Fs) *Card {
	return &Card{
		fs:         fs,
		Protocol:   1,
		Product:    ProductSD2PSX,
		Revision:   1,
		card:       1,
		channel:    1,
		files:      make(map[byte]afero.File),
		dirs:       make(map[byte]*dirStream),
		forceCount: -1,
	}
}

// SetBadReply makes every reply carry a wrong reply constant
func (c *Card) SetBadReply(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.badReply = v
}

// ForceCount makes the next read or write trailer report n bytes
func (c *Card) ForceCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forceCount = int64(n)
}

// SetSilent makes the card stop acknowledging
func (c *Card) SetSilent(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silent = v
}

// Exchanges returns the number of exchanges the card took part in
func (c *Card) Exchanges() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchanges
}

// OpenFiles returns the number of open file and directory descriptors
func (c *Card) OpenFiles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files) + len(c.dirs)
}

// Selection returns the active card type, card number and channel
func (c *Card) Selection() (byte, uint16, uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cardType, c.card, c.channel
}

// Exchange implements Responder
func (c *Card) Exchange(port int, tx []byte, rxSize int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.silent {
		return nil, errors.New("emu: card not responding")
	}
	c.exchanges++

	// a header while a path or trailer is expected means the host gave up
	// on the previous operation
	if c.pending != nil && (c.sink || len(tx) < 3 || tx[0] != cardID) {
		s := c.pending
		c.pending, c.sink = nil, false
		return c.pad(s(tx, rxSize), rxSize), nil
	}
	c.pending, c.sink = nil, false

	if len(tx) < 3 || tx[0] != cardID {
		log.Debugf("emu: ignoring tx='% x'", tx)
		return make([]byte, rxSize), nil
	}

	hdr := make([]byte, max(len(tx), 16))
	copy(hdr, tx)
	rx, err := c.command(hdr, rxSize)
	if err != nil {
		log.Debugf("emu: %v %#02x", err, tx[1])
		return make([]byte, rxSize), nil
	}
	return c.pad(rx, rxSize), nil
}

func (c *Card) pad(rx []byte, rxSize int) []byte {
	out := make([]byte, rxSize)
	copy(out, rx)
	return out
}

func (c *Card) reply(rxSize int) []byte {
	rx := make([]byte, max(rxSize, 64))
	rx[0] = 0xff
	rx[1] = replyConst
	if c.badReply {
		rx[1] = 0x55
	}
	return rx
}

func (c *Card) command(tx []byte, rxSize int) ([]byte, error) {
	rx := c.reply(rxSize)

	switch tx[1] {
	case 0x01: // ping
		rx[3], rx[4], rx[5] = c.Protocol, c.Product, c.Revision
	case 0x02:
		put16(rx[3:], c.status)
	case 0x03:
		put16(rx[3:], c.card)
	case 0x04:
		c.cardType = tx[3]
		c.card = selectNum(c.card, tx[4], get16(tx[5:]))
	case 0x05:
		put16(rx[3:], c.channel)
	case 0x06:
		c.channel = selectNum(c.channel, tx[3], get16(tx[4:]))
	case 0x07:
		copy(rx[4:], c.gameID)
	case 0x08:
		n := int(tx[3])
		if n > 0 && 4+n <= len(tx) {
			c.gameID = strings.TrimRight(string(tx[4:4+n]), "\x00")
		}
	case 0x09:
		c.closeAll()

	case 0x40:
		return rx, c.open(tx)
	case 0x41:
		c.closeFile(tx[3], rx, false)
	case 0x42:
		c.read(tx, rx)
	case 0x43:
		c.write(tx, rx)
	case 0x44:
		c.seek(tx, rx, false)
	case 0x53:
		c.seek(tx, rx, true)
	case 0x46, 0x47, 0x48:
		c.pathOp(tx[1])
	case 0x49:
		c.dopen()
	case 0x4a:
		c.closeFile(tx[3], rx, true)
	case 0x4b:
		c.dread(tx, rx)
	case 0x4c:
		c.getstat()
	case 0x58:
		c.readSector(tx, rx)
	default:
		return nil, errUnknownCommand
	}
	return rx, nil
}

func selectNum(cur uint16, mode byte, num uint16) uint16 {
	switch mode {
	case 1:
		return cur + 1
	case 2:
		if cur > 1 {
			return cur - 1
		}
		return cur
	}
	return num
}

func (c *Card) closeAll() {
	for fd, f := range c.files {
		f.Close()
		delete(c.files, fd)
	}
	for fd := range c.dirs {
		delete(c.dirs, fd)
	}
	c.pending = nil
}

func (c *Card) allocFd() (byte, bool) {
	for fd := 0; fd < maxFd; fd++ {
		_, f := c.files[byte(fd)]
		_, d := c.dirs[byte(fd)]
		if !f && !d {
			return byte(fd), true
		}
	}
	return badFd, false
}

// name expects the NUL terminated path packet and then runs done on it
func (c *Card) name(done func(name string) step) step {
	return func(tx []byte, rxSize int) []byte {
		n := string(tx)
		if i := strings.IndexByte(n, 0); i >= 0 {
			n = n[:i]
		}
		c.pending = done(cleanPath(n))
		return nil
	}
}

func cleanPath(n string) string {
	return path.Clean("/" + strings.TrimPrefix(n, "/"))
}

func unpackFlags(p byte) int {
	var flags int
	switch p & 3 {
	case 0:
		flags = os.O_RDONLY
	case 1:
		flags = os.O_WRONLY
	default:
		flags = os.O_RDWR
	}
	if p&0x08 != 0 {
		flags |= os.O_APPEND
	}
	if p&0x20 != 0 {
		flags |= os.O_CREATE
	}
	if p&0x40 != 0 {
		flags |= os.O_TRUNC
	}
	if p&0x80 != 0 {
		flags |= os.O_EXCL
	}
	return flags
}

func (c *Card) open(tx []byte) error {
	if len(tx) < 5 {
		return errUnknownCommand
	}
	flags := unpackFlags(tx[3])
	c.pending = c.name(func(name string) step {
		return func(tx []byte, rxSize int) []byte {
			rx := []byte{0xff, badFd, 0}
			fd, ok := c.allocFd()
			if !ok {
				return rx
			}
			f, err := c.fs.OpenFile(name, flags, 0666)
			if err != nil {
				log.Debugf("emu: open %s: %v", name, err)
				return rx
			}
			c.files[fd] = f
			rx[1] = fd
			return rx
		}
	})
	return nil
}

func (c *Card) closeFile(fd byte, rx []byte, dir bool) {
	if dir {
		if _, ok := c.dirs[fd]; !ok {
			rx[4] = 1
			return
		}
		delete(c.dirs, fd)
		return
	}
	f, ok := c.files[fd]
	if !ok {
		rx[4] = 1
		return
	}
	f.Close()
	delete(c.files, fd)
}

func (c *Card) takeCount(n int64) int64 {
	if c.forceCount >= 0 {
		n = c.forceCount
		c.forceCount = -1
	}
	return n
}

func (c *Card) read(tx, rx []byte) {
	fd := tx[4]
	size := int(get32(tx[5:]))
	f, ok := c.files[fd]
	if !ok {
		rx[9] = 1
		return
	}

	data := make([]byte, size)
	n, err := io.ReadFull(f, data)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		log.Debugf("emu: read: %v", err)
	}
	count := c.takeCount(int64(n))

	trailer := func(tx []byte, rxSize int) []byte {
		out := make([]byte, 6)
		put32(out[1:], uint32(count))
		return out
	}
	c.pending = c.bulkOut(data, trailer)
}

// bulkOut serves data in exchanges of whatever size the host clocks in and
// then runs next
func (c *Card) bulkOut(data []byte, next step) step {
	if len(data) == 0 {
		return next
	}
	return func(tx []byte, rxSize int) []byte {
		n := min(rxSize, len(data))
		chunk := data[:n]
		c.pending = c.bulkOut(data[n:], next)
		return chunk
	}
}

func (c *Card) write(tx, rx []byte) {
	fd := tx[4]
	size := int(get32(tx[5:]))
	f, ok := c.files[fd]
	if !ok {
		rx[9] = 1
		return
	}

	var data []byte
	var collect step
	collect = func(tx []byte, rxSize int) []byte {
		switch {
		case len(tx) > 0:
			data = append(data, tx...)
			c.pending, c.sink = collect, true
			return nil
		case rxSize == 2:
			// readiness probe
			c.pending, c.sink = collect, true
			return nil
		}
		n, err := f.Write(data)
		if err != nil {
			log.Debugf("emu: write: %v", err)
		}
		out := make([]byte, 6)
		put32(out[1:], uint32(c.takeCount(int64(n))))
		return out
	}
	c.pending, c.sink = collect, true
	log.Debugf("emu: writing %d bytes to fd %d", size, fd)
}

func (c *Card) seek(tx, rx []byte, wide bool) {
	fd := tx[3]
	var offset int64
	var whence int
	if wide {
		offset = int64(get64(tx[4:]))
		whence = int(tx[12])
	} else {
		offset = int64(int32(get32(tx[4:])))
		whence = int(tx[8])
	}

	pos := int64(-1)
	if f, ok := c.files[fd]; ok {
		if p, err := f.Seek(offset, whence); err == nil {
			pos = p
		}
	}
	if wide {
		put64(rx[13:], uint64(pos))
	} else {
		put32(rx[9:], uint32(pos))
	}
}

func (c *Card) pathOp(op byte) {
	c.pending = c.name(func(name string) step {
		return func(tx []byte, rxSize int) []byte {
			var err error
			switch op {
			case 0x46:
				err = c.fs.Remove(name)
			case 0x47:
				err = c.fs.Mkdir(name, 0777)
			case 0x48:
				var fi os.FileInfo
				if fi, err = c.fs.Stat(name); err == nil && !fi.IsDir() {
					err = errors.New("not a directory")
				}
				if err == nil {
					err = c.fs.Remove(name)
				}
			}
			rx := []byte{0xff, 0, 0}
			if err != nil {
				log.Debugf("emu: %#02x %s: %v", op, name, err)
				rx[1] = 1
			}
			return rx
		}
	})
}

func (c *Card) dopen() {
	c.pending = c.name(func(name string) step {
		return func(tx []byte, rxSize int) []byte {
			rx := []byte{0xff, badFd, 0}
			fd, ok := c.allocFd()
			if !ok {
				return rx
			}
			entries, err := afero.ReadDir(c.fs, name)
			if err != nil {
				log.Debugf("emu: dopen %s: %v", name, err)
				return rx
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
			c.dirs[fd] = &dirStream{entries: entries}
			rx[1] = fd
			return rx
		}
	})
}

func (c *Card) dread(tx, rx []byte) {
	d, ok := c.dirs[tx[3]]
	if !ok || d.next >= len(d.entries) {
		rx[4] = 1
		return
	}
	fi := d.entries[d.next]
	d.next++

	name := append([]byte(fi.Name()), 0)
	c.pending = func(tx []byte, rxSize int) []byte {
		c.pending = func(tx []byte, rxSize int) []byte {
			c.pending = func(tx []byte, rxSize int) []byte {
				return []byte{0xff, 1, 0}
			}
			return name
		}
		return statBlock(fi, byte(len(name)))
	}
}

func (c *Card) getstat() {
	c.pending = c.name(func(name string) step {
		return func(tx []byte, rxSize int) []byte {
			fi, err := c.fs.Stat(name)
			if err != nil {
				out := make([]byte, statBlockLen+1)
				out[41] = 1
				return out
			}
			return append(statBlock(fi, 0), 0)
		}
	})
}

func (c *Card) readSector(tx, rx []byte) {
	fd := tx[3]
	sector := get24(tx[4:])
	count := get24(tx[7:])
	f, ok := c.files[fd]
	if !ok {
		rx[9] = 1
		return
	}

	data := make([]byte, int(count)*sectorSize)
	n, err := f.ReadAt(data, int64(sector)*sectorSize)
	if err != nil && err != io.EOF {
		log.Debugf("emu: read sector: %v", err)
	}
	sectors := uint32((n + sectorSize - 1) / sectorSize)

	trailer := func(tx []byte, rxSize int) []byte {
		out := make([]byte, 5)
		put24(out[1:], sectors)
		return out
	}
	c.pending = c.bulkOut(data, trailer)
}

// statBlock encodes fi the way dread and getstat report it. last goes into
// byte 41.
func statBlock(fi os.FileInfo, last byte) []byte {
	b := make([]byte, statBlockLen)
	mode := uint32(modeFile)
	if fi.IsDir() {
		mode = modeDir
	}
	mode |= uint32(fi.Mode().Perm())
	put32(b[1:], mode)
	put32(b[5:], 0)
	size := uint64(fi.Size())
	put32(b[9:], uint32(size))
	t := timestamp(fi.ModTime())
	copy(b[13:], t[:])
	copy(b[21:], t[:])
	copy(b[29:], t[:])
	put32(b[37:], uint32(size>>32))
	b[41] = last
	return b
}

func timestamp(t time.Time) [8]byte {
	var ts [8]byte
	ts[1] = byte(t.Second())
	ts[2] = byte(t.Minute())
	ts[3] = byte(t.Hour())
	ts[4] = byte(t.Day())
	ts[5] = byte(t.Month())
	ts[6] = byte(t.Year())
	ts[7] = byte(t.Year() >> 8)
	return ts
}

func get16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

func get24(b []byte) uint32 { return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]) }

func get32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func get64(b []byte) uint64 { return uint64(get32(b))<<32 | uint64(get32(b[4:])) }

func put16(b []byte, v uint16) { b[0], b[1] = byte(v>>8), byte(v) }

func put24(b []byte, v uint32) { b[0], b[1], b[2] = byte(v>>16), byte(v>>8), byte(v) }

func put32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
}

func put64(b []byte, v uint64) {
	put32(b, uint32(v>>32))
	put32(b[4:], uint32(v))
}
