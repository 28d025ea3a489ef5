package mmce

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackFlags(t *testing.T) {
	tests := []struct {
		flags int
		want  byte
	}{
		{ORdOnly, 0x00},
		{OWrOnly, 0x01},
		{ORdWr, 0x02},
		{OWrOnly | OAppend, 0x09},
		{OWrOnly | OCreat | OTrunc, 0x61},
		{ORdWr | OCreat | OExcl, 0xa2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%#x", tt.flags), func(t *testing.T) {
			assert.Equal(t, tt.want, PackFlags(tt.flags))
		})
	}
}

func TestHandleTable(t *testing.T) {
	var tbl handleTable
	for i := 0; i < MaxHandles; i++ {
		slot, ok := tbl.alloc()
		require.True(t, ok)
		assert.Equal(t, i, slot)
		tbl.set(slot, 100+i)
	}
	_, ok := tbl.alloc()
	assert.False(t, ok)
	assert.Equal(t, MaxHandles, tbl.count())

	tbl.release(7)
	_, ok = tbl.get(7)
	assert.False(t, ok)
	slot, ok := tbl.alloc()
	require.True(t, ok)
	assert.Equal(t, 7, slot)

	fd, ok := tbl.get(8)
	assert.True(t, ok)
	assert.Equal(t, 108, fd)
	_, ok = tbl.get(MaxHandles)
	assert.False(t, ok)
}

func TestReadWrite(t *testing.T) {
	r := newRig(t)
	data := pattern(5000)

	f, err := r.fs.Open(0, "/save.bin", FlagsFromOS(os.O_WRONLY|os.O_CREATE|os.O_TRUNC))
	require.NoError(t, err)
	n, err := f.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	require.NoError(t, f.Close())

	got, err := afero.ReadFile(r.mfs, "/save.bin")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	f, err = r.fs.Open(0, "/save.bin", ORdOnly)
	require.NoError(t, err)
	defer f.Close()

	size, err := f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)

	pos, err := f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Zero(t, pos)

	all, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, data, all)

	pos32, err := f.Seek32(-100, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int32(4900), pos32)
	tail := make([]byte, 200)
	n, err = f.Read(tail)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[4900:], tail[:n])

	_, err = f.Read(tail)
	assert.Equal(t, io.EOF, err)
}

func TestReadCount(t *testing.T) {
	tests := []struct {
		name     string
		reported int
		want     int
	}{
		{"over-reported", 1200, 1000},
		{"under-reported", 800, 800},
		{"exact", 1000, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := test.NewGlobal()
			defer logs.Reset()

			r := newRig(t)
			r.seed(t, "/f", pattern(2000))
			f, err := r.fs.Open(0, "/f", ORdOnly)
			require.NoError(t, err)

			r.card.ForceCount(tt.reported)
			n, err := f.Read(make([]byte, 1000))
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)

			warned := false
			for _, e := range logs.AllEntries() {
				if e.Level == log.WarnLevel {
					warned = true
				}
			}
			assert.Equal(t, tt.reported != 1000, warned)
		})
	}
}

func TestWriteCountNotClamped(t *testing.T) {
	r := newRig(t)
	f, err := r.fs.Open(0, "/w", OWrOnly|OCreat)
	require.NoError(t, err)

	r.card.ForceCount(150)
	n, err := f.Write(make([]byte, 100))
	require.NoError(t, err)
	assert.Equal(t, 150, n)

	r.card.ForceCount(40)
	n, err = f.Write(make([]byte, 100))
	require.NoError(t, err)
	assert.Equal(t, 40, n)
}

func TestMixedBoundaries(t *testing.T) {
	header, trailer := [2]int{0, 1}, [2]int{0, 1}
	probe := [2]int{0, 1}

	tests := []struct {
		name  string
		size  int
		read  [][2]int
		write [][2]int
	}{
		{"one block", 256,
			[][2]int{header, {1, 0}, trailer},
			[][2]int{header, probe, {1, 0}, probe, trailer}},
		{"block and remainder", 300,
			[][2]int{header, {1, 1}, trailer},
			[][2]int{header, probe, {1, 0}, {0, 1}, probe, trailer}},
		{"empty", 0,
			[][2]int{header, trailer},
			[][2]int{header, trailer}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			data := pattern(tt.size)
			r.seed(t, "/f", data)
			f, err := r.fs.Open(0, "/f", ORdWr)
			require.NoError(t, err)

			buf := make([]byte, tt.size)
			r.hw.ResetStats()
			n, err := f.Read(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.size, n)
			assert.Equal(t, data, buf)
			assert.Equal(t, tt.read, shape(r.hw.Bursts()))

			_, err = f.Seek(0, io.SeekStart)
			require.NoError(t, err)
			r.hw.ResetStats()
			n, err = f.Write(data)
			require.NoError(t, err)
			assert.Equal(t, tt.size, n)
			assert.Equal(t, tt.write, shape(r.hw.Bursts()))
		})
	}
}

func TestHandleLimit(t *testing.T) {
	r := newRig(t)
	files := make([]*File, MaxHandles)
	for i := range files {
		name := fmt.Sprintf("/f%02d", i)
		r.seed(t, name, []byte(name))
		f, err := r.fs.Open(0, name, ORdOnly)
		require.NoError(t, err)
		files[i] = f
	}
	assert.Equal(t, MaxHandles, r.fs.OpenHandles())

	r.seed(t, "/extra", nil)
	before := r.card.Exchanges()
	_, err := r.fs.Open(0, "/extra", ORdOnly)
	assert.ErrorIs(t, err, ErrNoHandles)
	assert.Equal(t, MaxHandles, r.fs.OpenHandles())
	assert.Equal(t, before, r.card.Exchanges())

	require.NoError(t, files[5].Close())
	assert.Equal(t, MaxHandles-1, r.fs.OpenHandles())

	f, err := r.fs.Open(0, "/extra", ORdOnly)
	require.NoError(t, err)
	assert.Equal(t, files[5].slot, f.slot)
	assert.Equal(t, MaxHandles, r.fs.OpenHandles())

	// the stale handle must not reach the new file
	_, err = files[5].Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrBadHandle)
	assert.ErrorIs(t, files[5].Close(), ErrBadHandle)
}

func TestTimeoutMidSequence(t *testing.T) {
	tests := []struct {
		name   string
		packet int
	}{
		{"header", 1},
		{"name", 2},
		{"trailer", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			r.seed(t, "/a", []byte("abc"))

			// settle on unit 0 first
			_, err := r.fs.Stat(0, "/a")
			require.NoError(t, err)
			unit, port := r.fs.Unit()

			r.hw.Drop(tt.packet)
			_, err = r.fs.Open(0, "/a", ORdOnly)
			assert.ErrorIs(t, err, ErrIO)
			assert.Zero(t, r.fs.OpenHandles())
			u, p := r.fs.Unit()
			assert.Equal(t, unit, u)
			assert.Equal(t, port, p)

			// the channel is free again and the device resyncs on the next header
			f, err := r.fs.Open(0, "/a", ORdOnly)
			require.NoError(t, err)
			buf := make([]byte, 3)
			_, err = f.Read(buf)
			require.NoError(t, err)
			assert.Equal(t, "abc", string(buf))
		})
	}
}

func TestFailedUnitSwitchRollsBack(t *testing.T) {
	r := newRig(t)
	r.seed(t, "/a", nil)

	unit, port := r.fs.Unit()
	assert.Equal(t, -1, unit)

	// no device behind unit 1
	_, err := r.fs.Stat(1, "/a")
	assert.ErrorIs(t, err, ErrIO)
	u, p := r.fs.Unit()
	assert.Equal(t, unit, u)
	assert.Equal(t, port, p)
	assert.Equal(t, port, r.dev.Port())

	_, err = r.fs.Stat(0, "/a")
	require.NoError(t, err)
	u, p = r.fs.Unit()
	assert.Equal(t, 0, u)
	assert.Equal(t, PortForUnit(0), p)
}

func TestTimingsPerUnit(t *testing.T) {
	r := newRig(t, withUnit1)
	r.seed(t, "/a", []byte("a"))
	require.NoError(t, afero.WriteFile(r.mfs1, "/b", []byte("b"), 0644))

	_, err := r.fs.Stat(0, "/a")
	require.NoError(t, err)
	r.hw.ResetStats()

	_, err = r.fs.Stat(0, "/a")
	require.NoError(t, err)
	f, err := r.fs.Open(0, "/a", ORdOnly)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Zero(t, r.hw.PortCtrlWrites())

	_, err = r.fs.Stat(1, "/b")
	require.NoError(t, err)
	assert.Equal(t, 1, r.hw.PortCtrlWrites())
	_, err = r.fs.Stat(1, "/b")
	require.NoError(t, err)
	assert.Equal(t, 1, r.hw.PortCtrlWrites())

	u, p := r.fs.Unit()
	assert.Equal(t, 1, u)
	assert.Equal(t, PortForUnit(1), p)
}

func TestDirectories(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.fs.Mkdir(0, "/BASLUS-21050"))
	r.seed(t, "/BASLUS-21050/icon.sys", pattern(964))
	r.seed(t, "/BASLUS-21050/data", pattern(10))

	d, err := r.fs.Dopen(0, "/BASLUS-21050")
	require.NoError(t, err)
	entries, err := d.ReadAll()
	require.NoError(t, err)
	require.NoError(t, d.Close())
	assert.Zero(t, r.fs.OpenHandles())
	assert.Zero(t, r.card.OpenFiles())

	require.Len(t, entries, 2)
	assert.Equal(t, "data", entries[0].Name)
	assert.Equal(t, uint64(10), entries[0].Size)
	assert.Equal(t, "icon.sys", entries[1].Name)
	assert.Equal(t, uint64(964), entries[1].Size)
	assert.False(t, entries[1].IsDir())
	assert.Equal(t, ModeFile, int(entries[1].Mode&ModeTypeMask))

	st, err := r.fs.Stat(0, "/BASLUS-21050")
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	_, err = r.fs.Stat(0, "/missing")
	assert.ErrorIs(t, err, ErrIO)

	require.NoError(t, r.fs.Remove(0, "/BASLUS-21050/icon.sys"))
	require.NoError(t, r.fs.Remove(0, "/BASLUS-21050/data"))
	assert.ErrorIs(t, r.fs.Remove(0, "/BASLUS-21050/data"), ErrIO)
	require.NoError(t, r.fs.Rmdir(0, "/BASLUS-21050"))

	exists, err := afero.DirExists(r.mfs, "/BASLUS-21050")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = r.fs.Dopen(0, "/BASLUS-21050")
	assert.ErrorIs(t, err, ErrIO)
	assert.Zero(t, r.fs.OpenHandles())
}

func TestReadSector(t *testing.T) {
	r := newRig(t)
	data := pattern(4 * SectorSize)
	r.seed(t, "/game.iso", data)

	f, err := r.fs.Open(0, "/game.iso", ORdOnly)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 2*SectorSize)
	r.hw.ResetStats()
	n, err := f.ReadSector(1, 2, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, data[SectorSize:3*SectorSize], buf)
	assert.Equal(t, [][2]int{{0, 1}, {16, 0}, {0, 1}}, shape(r.hw.Bursts()))

	_, err = f.ReadSector(0, 3, buf)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCloseReservedFd(t *testing.T) {
	r := newRig(t)

	r.fs.mu.Lock()
	slot, ok := r.fs.handles.alloc()
	r.fs.handles.set(slot, ReservedFd+1)
	r.fs.mu.Unlock()
	require.True(t, ok)

	f := &File{handle: handle{fs: r.fs, unit: 0, slot: slot}}
	before := r.card.Exchanges()
	require.NoError(t, f.Close())
	assert.Equal(t, before, r.card.Exchanges())
	assert.Zero(t, r.fs.OpenHandles())
}

func TestStaleRemoteHandle(t *testing.T) {
	r := newRig(t)
	r.seed(t, "/a", []byte("abc"))
	f, err := r.fs.Open(0, "/a", ORdOnly)
	require.NoError(t, err)

	fd, err := f.Ioctl2(IoctlGetFd)
	require.NoError(t, err)
	assert.Zero(t, fd)
	_, err = f.Ioctl2(0x81)
	assert.ErrorIs(t, err, ErrNotSupported)
	assert.NoError(t, f.Ioctl(1))

	// the device forgets every descriptor on reset
	require.NoError(t, r.dev.Reset())

	_, err = f.Seek(0, io.SeekStart)
	assert.ErrorIs(t, err, ErrIO)
	_, err = f.Read(make([]byte, 3))
	assert.ErrorIs(t, err, ErrIO)

	// a failed close keeps the slot
	assert.ErrorIs(t, f.Close(), ErrIO)
	assert.Equal(t, 1, r.fs.OpenHandles())
}

func TestNameTooLong(t *testing.T) {
	r := newRig(t)
	name := "/" + strings.Repeat("x", MaxName)

	_, err := r.fs.Open(0, name, ORdOnly)
	assert.ErrorIs(t, err, ErrNameTooLong)
	assert.ErrorIs(t, r.fs.Mkdir(0, name), ErrNameTooLong)
	_, err = r.fs.Stat(0, name)
	assert.ErrorIs(t, err, ErrNameTooLong)
	assert.Zero(t, r.fs.OpenHandles())
	assert.Zero(t, r.card.Exchanges())
}

func TestChstat(t *testing.T) {
	r := newRig(t)
	assert.ErrorIs(t, r.fs.Chstat(0, "/a", Stat{}), ErrNotSupported)
}

func TestConcurrentCallers(t *testing.T) {
	r := newRig(t)
	for i := 0; i < 4; i++ {
		r.seed(t, fmt.Sprintf("/c%d", i), pattern(700+i))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := r.fs.Open(0, fmt.Sprintf("/c%d", i), ORdOnly)
			if err != nil {
				errs <- err
				return
			}
			defer f.Close()
			got, err := io.ReadAll(f)
			if err != nil {
				errs <- err
				return
			}
			if len(got) != 700+i {
				errs <- errors.New("short read")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Zero(t, r.fs.OpenHandles())
}
