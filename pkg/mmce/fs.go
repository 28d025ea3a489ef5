package mmce

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/speters/mmced/pkg/sio2"

	log "github.com/sirupsen/logrus"
)

// Filesystem opcodes
const (
	CmdFsOpen       byte = 0x40
	CmdFsClose      byte = 0x41
	CmdFsRead       byte = 0x42
	CmdFsWrite      byte = 0x43
	CmdFsLseek      byte = 0x44
	CmdFsIoctl      byte = 0x45
	CmdFsRemove     byte = 0x46
	CmdFsMkdir      byte = 0x47
	CmdFsRmdir      byte = 0x48
	CmdFsDopen      byte = 0x49
	CmdFsDclose     byte = 0x4a
	CmdFsDread      byte = 0x4b
	CmdFsGetstat    byte = 0x4c
	CmdFsChstat     byte = 0x4d
	CmdFsLseek64    byte = 0x53
	CmdFsReadSector byte = 0x58
)

// IoctlGetFd is the ioctl2 request returning the remote descriptor
const IoctlGetFd = 0x80

// Header packets of the filesystem operations
var fsFrames = map[byte]frame{
	CmdFsOpen:       {op: "open", cmd: CmdFsOpen, txLen: 5, rxLen: 2},
	CmdFsClose:      {op: "close", cmd: CmdFsClose, txLen: 4, rxLen: 6},
	CmdFsRead:       {op: "read", cmd: CmdFsRead, txLen: 10, rxLen: 10, timeout: timeoutBulk},
	CmdFsWrite:      {op: "write", cmd: CmdFsWrite, txLen: 10, rxLen: 10},
	CmdFsLseek:      {op: "lseek", cmd: CmdFsLseek, txLen: 9, rxLen: 14},
	CmdFsRemove:     {op: "remove", cmd: CmdFsRemove, txLen: 4, rxLen: 2},
	CmdFsMkdir:      {op: "mkdir", cmd: CmdFsMkdir, txLen: 4, rxLen: 2},
	CmdFsRmdir:      {op: "rmdir", cmd: CmdFsRmdir, txLen: 4, rxLen: 2},
	CmdFsDopen:      {op: "dopen", cmd: CmdFsDopen, txLen: 4, rxLen: 2},
	CmdFsDclose:     {op: "dclose", cmd: CmdFsDclose, txLen: 4, rxLen: 6},
	CmdFsDread:      {op: "dread", cmd: CmdFsDread, txLen: 5, rxLen: 5},
	CmdFsGetstat:    {op: "getstat", cmd: CmdFsGetstat, txLen: 4, rxLen: 4},
	CmdFsLseek64:    {op: "lseek64", cmd: CmdFsLseek64, txLen: 13, rxLen: 22},
	CmdFsReadSector: {op: "read sector", cmd: CmdFsReadSector, txLen: 11, rxLen: 11, timeout: timeoutBulk},
}

// PortForUnit maps a logical unit to its SIO2 port
func PortForUnit(unit int) int {
	if unit == 1 {
		return 3
	}
	return 2
}

type unitCache struct {
	unit int
	port int
}

// FS is the filesystem protocol client. All operations are serialized; each
// one holds the channel for its whole packet sequence.
type FS struct {
	mu      sync.Mutex
	dev     *Device
	handles handleTable
	unit    unitCache
}

// NewFS returns a filesystem client on dev
func NewFS(dev *Device) *FS {
	return &FS{dev: dev, unit: unitCache{unit: -1, port: dev.Port()}}
}

// Device returns the command interface the filesystem runs on
func (fs *FS) Device() *Device {
	return fs.dev
}

// OpenHandles returns the number of occupied handle slots
func (fs *FS) OpenHandles() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.handles.count()
}

// Unit returns the cached unit and its port. The unit is -1 before the
// first operation.
func (fs *FS) Unit() (unit, port int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.unit.unit, fs.unit.port
}

// selectUnit switches the port if unit differs from the cached one. Called
// with fs.mu held.
func (fs *FS) selectUnit(unit int) {
	if unit == fs.unit.unit {
		return
	}
	port := PortForUnit(unit)
	log.Debugf("Unit changed, unit: %d port: %d", unit, port)
	fs.unit = unitCache{unit: unit, port: port}
	fs.dev.setPort(port)
}

func (fs *FS) restoreUnit(prev unitCache) {
	fs.unit = prev
	fs.dev.setPort(prev.port)
}

// WithUnit runs fn with the port of unit selected. If fn fails the previous
// unit is restored.
func (fs *FS) WithUnit(unit int, fn func(d *Device) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	prev := fs.unit
	fs.selectUnit(unit)
	if err := fn(fs.dev); err != nil {
		fs.restoreUnit(prev)
		return err
	}
	return nil
}

// Probe looks for a card on unit
func (fs *FS) Probe(unit int) (id Identity, err error) {
	err = fs.WithUnit(unit, func(d *Device) error {
		id, err = d.Probe()
		return err
	})
	return id, err
}

type opStage byte

const (
	stageHeader opStage = iota
	stagePath
	stageBulk
	stageTrailer
	stageDone
	stageFailed
)

func (s opStage) String() string {
	switch s {
	case stageHeader:
		return "SEND_HEADER"
	case stagePath:
		return "SEND_PATH"
	case stageBulk:
		return "BULK_DATA"
	case stageTrailer:
		return "RECV_TRAILER"
	case stageDone:
		return "DONE"
	case stageFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// operation is one logical filesystem operation in flight
type operation struct {
	fs     *FS
	name   string
	log    *log.Entry
	prev   unitCache
	stage  opStage
	locked bool
}

// begin starts an operation on unit. Called with fs.mu held.
func (fs *FS) begin(name string, unit int) *operation {
	op := &operation{fs: fs, name: name, prev: fs.unit}
	fs.selectUnit(unit)
	op.log = log.WithFields(log.Fields{"op": name, "unit": unit, "id": newID()})
	return op
}

func (op *operation) enter(s opStage) {
	if op.stage != s {
		op.log.Debugf("Stage changed: %v --> %v", op.stage, s)
	}
	op.stage = s
}

func (op *operation) lock() error {
	if err := op.fs.dev.lock.Lock(); err != nil {
		return err
	}
	op.locked = true
	return nil
}

func (op *operation) unlock() {
	if op.locked {
		op.fs.dev.lock.Unlock()
		op.locked = false
	}
}

// end releases the channel and reports the outcome. A failed operation
// leaves the unit cache as it was before.
func (op *operation) end(err error) error {
	op.unlock()
	if err == nil {
		op.enter(stageDone)
		return nil
	}

	op.enter(stageFailed)
	op.fs.restoreUnit(op.prev)
	if errors.Is(err, sio2.ErrTimeout) || errors.Is(err, ErrProtocol) {
		return ioError(op.log, op.name, err)
	}
	op.log.WithError(err).Debugf("%s failed", op.name)
	return fmt.Errorf("%s: %w", op.name, err)
}

func (op *operation) pio(s opStage, tx, rx []byte, t timeoutClass) error {
	op.enter(s)
	return op.fs.dev.eng.PIO(tx, rx, op.fs.dev.timeout(t))
}

// header sends the first packet and validates the reply constant
func (op *operation) header(f frame, tx []byte) ([]byte, error) {
	rx := make([]byte, f.rxLen)
	if err := op.pio(stageHeader, tx, rx, f.timeout); err != nil {
		return nil, err
	}
	if rx[1] != ReplyConst {
		return nil, protocolError("reply %#02x, expected %#02x", rx[1], ReplyConst)
	}
	return rx, nil
}

func (op *operation) path(name string) error {
	return op.pio(stagePath, append([]byte(name), 0), nil, timeoutCommand)
}

func (op *operation) trailer(n int) ([]byte, error) {
	rx := make([]byte, n)
	return rx, op.pio(stageTrailer, nil, rx, timeoutCommand)
}

// open runs the header, path and descriptor packets shared by open and dopen
func (op *operation) open(f frame, name string, payload ...byte) (int, error) {
	if err := op.lock(); err != nil {
		return -1, err
	}
	if _, err := op.header(f, f.request(f.txLen, payload...)); err != nil {
		return -1, err
	}
	if err := op.path(name); err != nil {
		return -1, err
	}
	rx, err := op.trailer(3)
	if err != nil {
		return -1, err
	}
	if rx[1] == BadFd {
		return -1, protocolError("got bad fd %#02x", rx[1])
	}
	return int(rx[1]), nil
}

// handle is the common part of File and Dir
type handle struct {
	fs     *FS
	unit   int
	slot   int
	name   string
	closed bool
}

// fd returns the remote descriptor. Called with fs.mu held.
func (h *handle) fd() (int, error) {
	if h.closed {
		return -1, ErrBadHandle
	}
	fd, ok := h.fs.handles.get(h.slot)
	if !ok {
		return -1, ErrBadHandle
	}
	return fd, nil
}

// Name returns the path the handle was opened with
func (h *handle) Name() string {
	return h.name
}

// Unit returns the logical unit of the handle
func (h *handle) Unit() int {
	return h.unit
}

func (h *handle) close(f frame) error {
	fs := h.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()

	op := fs.begin(f.op, h.unit)
	fd, err := h.fd()
	if err != nil {
		return op.end(err)
	}
	if fd >= ReservedFd {
		op.log.Debugf("Releasing reserved fd %d", fd)
		fs.handles.release(h.slot)
		h.closed = true
		return op.end(nil)
	}

	if err := op.lock(); err != nil {
		return op.end(err)
	}
	rx, err := op.header(f, f.request(f.txLen, byte(fd)))
	if err != nil {
		return op.end(err)
	}
	if rx[4] != 0 {
		return op.end(protocolError("%s fd %d returned %d", f.op, fd, rx[4]))
	}

	fs.handles.release(h.slot)
	h.closed = true
	return op.end(nil)
}

// open allocates a slot and runs the open or dopen sequence
func (fs *FS) open(f frame, unit int, name string, payload ...byte) (*handle, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	op := fs.begin(f.op, unit)
	if len(name) > MaxName {
		return nil, op.end(ErrNameTooLong)
	}
	slot, ok := fs.handles.alloc()
	if !ok {
		return nil, op.end(ErrNoHandles)
	}

	fd, err := op.open(f, name, payload...)
	if err != nil {
		fs.handles.release(slot)
		return nil, op.end(err)
	}
	fs.handles.set(slot, fd)
	op.log.Debugf("Opened %s as fd %d in slot %d", name, fd, slot)
	return &handle{fs: fs, unit: unit, slot: slot, name: name}, op.end(nil)
}

// File is an open remote file
type File struct {
	handle
}

// Open opens name on unit. flags are dispatcher flags (ORdOnly, OCreat...);
// use FlagsFromOS to convert os.O_* flags.
func (fs *FS) Open(unit int, name string, flags int) (*File, error) {
	h, err := fs.open(fsFrames[CmdFsOpen], unit, name, PackFlags(flags), 0xff)
	if err != nil {
		return nil, err
	}
	return &File{handle: *h}, nil
}

// Close closes the remote file. Descriptors from ReservedFd on are released
// without talking to the device.
func (f *File) Close() error {
	return f.close(fsFrames[CmdFsClose])
}

// Read reads up to len(p) bytes. A device reporting more bytes than asked
// for is clamped to len(p); fewer bytes are returned as is.
func (f *File) Read(p []byte) (int, error) {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()

	op := fs.begin("read", f.unit)
	fd, err := f.fd()
	if err != nil {
		return 0, op.end(err)
	}
	n, err := op.read(fd, p)
	if err := op.end(err); err != nil {
		return 0, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (op *operation) read(fd int, p []byte) (int, error) {
	f := fsFrames[CmdFsRead]
	size := len(p)

	tx := f.request(f.txLen, 0, byte(fd), 0, 0, 0, 0, 0xff)
	putBE32(tx[5:], uint32(size))

	if err := op.lock(); err != nil {
		return 0, err
	}
	rx, err := op.header(f, tx)
	if err != nil {
		return 0, err
	}
	if rx[9] != 0 {
		return 0, protocolError("read fd %d returned %d", fd, rx[9])
	}

	op.enter(stageBulk)
	if err := op.fs.dev.eng.RxMixed(p); err != nil {
		return 0, err
	}

	rx, err = op.trailer(6)
	if err != nil {
		return 0, err
	}

	n := int(be32(rx[1:]))
	if n != size {
		op.log.Warnf("bytes read: %d, expected: %d", n, size)
		if n > size {
			n = size
		}
	}
	return n, nil
}

// Write writes p and returns the byte count reported by the device. The
// count is passed through unchecked, even when it exceeds len(p).
func (f *File) Write(p []byte) (int, error) {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()

	op := fs.begin("write", f.unit)
	fd, err := f.fd()
	if err != nil {
		return 0, op.end(err)
	}
	n, err := op.write(fd, p)
	if err := op.end(err); err != nil {
		return 0, err
	}
	return n, nil
}

func (op *operation) write(fd int, p []byte) (int, error) {
	f := fsFrames[CmdFsWrite]
	size := len(p)

	tx := f.request(f.txLen, 0, byte(fd), 0, 0, 0, 0, 0xff)
	putBE32(tx[5:], uint32(size))

	if err := op.lock(); err != nil {
		return 0, err
	}
	rx, err := op.header(f, tx)
	if err != nil {
		return 0, err
	}
	if rx[9] != 0 {
		return 0, protocolError("write fd %d returned %d", fd, rx[9])
	}

	op.enter(stageBulk)
	if err := op.fs.dev.eng.TxMixed(p); err != nil {
		return 0, err
	}

	rx, err = op.trailer(6)
	if err != nil {
		return 0, err
	}

	n := int(be32(rx[1:]))
	if n != size {
		op.log.Warnf("bytes written: %d, expected: %d", n, size)
	}
	return n, nil
}

// Seek moves the file position using the 64-bit seek request. whence takes
// the io.Seek* values.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()

	op := fs.begin("lseek64", f.unit)
	fd, err := f.fd()
	if err != nil {
		return -1, op.end(err)
	}
	pos, err := op.seek64(fd, offset, whence)
	return pos, op.end(err)
}

func (op *operation) seek64(fd int, offset int64, whence int) (int64, error) {
	f := fsFrames[CmdFsLseek64]
	tx := f.request(f.txLen, byte(fd))
	putBE64(tx[4:], uint64(offset))
	tx[12] = byte(whence)

	if err := op.lock(); err != nil {
		return -1, err
	}
	rx, err := op.header(f, tx)
	if err != nil {
		return -1, err
	}
	pos := int64(be64(rx[13:]))
	if pos < 0 {
		return -1, protocolError("lseek64 fd %d returned %d", fd, pos)
	}
	return pos, nil
}

// Seek32 moves the file position using the 32-bit seek request
func (f *File) Seek32(offset int32, whence int) (int32, error) {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()

	op := fs.begin("lseek", f.unit)
	fd, err := f.fd()
	if err != nil {
		return -1, op.end(err)
	}

	fr := fsFrames[CmdFsLseek]
	tx := fr.request(fr.txLen, byte(fd))
	putBE32(tx[4:], uint32(offset))
	tx[8] = byte(whence)

	if err := op.lock(); err != nil {
		return -1, op.end(err)
	}
	rx, err := op.header(fr, tx)
	if err != nil {
		return -1, op.end(err)
	}
	pos := int32(be32(rx[9:]))
	if pos < 0 {
		return -1, op.end(protocolError("lseek fd %d returned %d", fd, pos))
	}
	op.log.Debugf("position %d", pos)
	return pos, op.end(nil)
}

// Size returns the size of the file. The file position is left at the end.
func (f *File) Size() (int64, error) {
	return f.Seek(0, io.SeekEnd)
}

// Ioctl is accepted and ignored
func (f *File) Ioctl(cmd int) error {
	return nil
}

// Ioctl2 handles extended requests; IoctlGetFd returns the remote descriptor
func (f *File) Ioctl2(cmd int) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	switch cmd {
	case IoctlGetFd:
		return f.fd()
	}
	return 0, fmt.Errorf("ioctl2 %#x: %w", cmd, ErrNotSupported)
}

// ReadSector reads count 2048 byte sectors starting at sector into buf and
// returns the number of sectors the device reports
func (f *File) ReadSector(sector, count uint32, buf []byte) (int, error) {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()

	op := fs.begin("read sector", f.unit)
	if sector > 0xffffff || count > 0xffffff || len(buf) < int(count)*SectorSize {
		return 0, op.end(ErrInvalidArgument)
	}
	fd, err := f.fd()
	if err != nil {
		return 0, op.end(err)
	}
	n, err := op.readSector(fd, sector, count, buf[:int(count)*SectorSize])
	return n, op.end(err)
}

func (op *operation) readSector(fd int, sector, count uint32, buf []byte) (int, error) {
	f := fsFrames[CmdFsReadSector]
	tx := f.request(f.txLen, byte(fd))
	putBE24(tx[4:], sector)
	putBE24(tx[7:], count)
	tx[10] = 0xff

	if err := op.lock(); err != nil {
		return 0, err
	}
	rx, err := op.header(f, tx)
	if err != nil {
		return 0, err
	}
	if rx[9] != 0 {
		return 0, protocolError("read sector fd %d returned %d", fd, rx[9])
	}

	op.enter(stageBulk)
	if err := op.fs.dev.eng.RxDMA(buf); err != nil {
		return 0, err
	}

	rx, err = op.trailer(5)
	if err != nil {
		return 0, err
	}
	n := be24(rx[1:])
	if n != count {
		op.log.Warnf("sectors read: %d, expected: %d", n, count)
	}
	return int(n), nil
}

func (fs *FS) pathOp(cmd byte, unit int, name string) error {
	f := fsFrames[cmd]

	fs.mu.Lock()
	defer fs.mu.Unlock()

	op := fs.begin(f.op, unit)
	if len(name) > MaxName {
		return op.end(ErrNameTooLong)
	}
	if err := op.lock(); err != nil {
		return op.end(err)
	}
	if _, err := op.header(f, f.request(f.txLen, 0xff)); err != nil {
		return op.end(err)
	}
	if err := op.path(name); err != nil {
		return op.end(err)
	}
	rx, err := op.trailer(3)
	if err != nil {
		return op.end(err)
	}
	if rx[1] != 0 {
		return op.end(protocolError("%s %s returned %d", f.op, name, rx[1]))
	}
	return op.end(nil)
}

// Remove removes the file name on unit
func (fs *FS) Remove(unit int, name string) error {
	return fs.pathOp(CmdFsRemove, unit, name)
}

// Mkdir creates the directory name on unit
func (fs *FS) Mkdir(unit int, name string) error {
	return fs.pathOp(CmdFsMkdir, unit, name)
}

// Rmdir removes the directory name on unit
func (fs *FS) Rmdir(unit int, name string) error {
	return fs.pathOp(CmdFsRmdir, unit, name)
}

// Chstat is not supported by the devices
func (fs *FS) Chstat(unit int, name string, st Stat) error {
	return fmt.Errorf("chstat: %w", ErrNotSupported)
}

// Stat returns the stat block of name on unit
func (fs *FS) Stat(unit int, name string) (Stat, error) {
	f := fsFrames[CmdFsGetstat]

	fs.mu.Lock()
	defer fs.mu.Unlock()

	op := fs.begin(f.op, unit)
	if len(name) > MaxName {
		return Stat{}, op.end(ErrNameTooLong)
	}
	if err := op.lock(); err != nil {
		return Stat{}, op.end(err)
	}
	if _, err := op.header(f, f.request(f.txLen, 0xff)); err != nil {
		return Stat{}, op.end(err)
	}
	if err := op.path(name); err != nil {
		return Stat{}, op.end(err)
	}
	rx, err := op.trailer(statBlockLen + 1)
	if err != nil {
		return Stat{}, op.end(err)
	}
	if rx[statBlockLen-1] != 0 {
		return Stat{}, op.end(protocolError("getstat %s returned %d", name, rx[statBlockLen-1]))
	}
	return decodeStat(rx), op.end(nil)
}

// Dir is an open remote directory stream
type Dir struct {
	handle
}

// Dopen opens the directory name on unit
func (fs *FS) Dopen(unit int, name string) (*Dir, error) {
	h, err := fs.open(fsFrames[CmdFsDopen], unit, name, 0xff)
	if err != nil {
		return nil, err
	}
	return &Dir{handle: *h}, nil
}

// Close closes the directory stream
func (d *Dir) Close() error {
	return d.close(fsFrames[CmdFsDclose])
}

// Read returns the next entry, or io.EOF once the stream is exhausted
func (d *Dir) Read() (DirEntry, error) {
	fs := d.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()

	op := fs.begin("dread", d.unit)
	fd, err := d.fd()
	if err != nil {
		return DirEntry{}, op.end(err)
	}
	e, err := op.dread(fd)
	if err == io.EOF {
		op.end(nil)
		return DirEntry{}, io.EOF
	}
	return e, op.end(err)
}

func (op *operation) dread(fd int) (DirEntry, error) {
	f := fsFrames[CmdFsDread]

	if err := op.lock(); err != nil {
		return DirEntry{}, err
	}
	rx, err := op.header(f, f.request(f.txLen, byte(fd), 0xff))
	if err != nil {
		return DirEntry{}, err
	}
	if rx[4] != 0 {
		return DirEntry{}, io.EOF
	}

	st := make([]byte, statBlockLen)
	if err := op.pio(stageBulk, nil, st, timeoutCommand); err != nil {
		return DirEntry{}, err
	}
	name := make([]byte, st[statBlockLen-1])
	if err := op.pio(stageBulk, nil, name, timeoutCommand); err != nil {
		return DirEntry{}, err
	}
	rx, err = op.trailer(3)
	if err != nil {
		return DirEntry{}, err
	}
	op.log.Debugf("dread fd %d: iterator %d", fd, rx[1])

	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return DirEntry{Name: string(name), Stat: decodeStat(st)}, nil
}

// ReadAll reads the remaining entries of the stream
func (d *Dir) ReadAll() ([]DirEntry, error) {
	var entries []DirEntry
	for {
		e, err := d.Read()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
}
