package mmce

import (
	"testing"
	"time"

	"github.com/speters/mmced/pkg/emu"
	"github.com/speters/mmced/pkg/iop"
	"github.com/speters/mmced/pkg/sio2"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

var testTimeouts = sio2.Timeouts{
	Ping:    20 * time.Millisecond,
	Command: 50 * time.Millisecond,
	Bulk:    100 * time.Millisecond,
}

type rig struct {
	env  *iop.Env
	hw   *emu.Hardware
	drv  *Driver
	fs   *FS
	dev  *Device
	card *emu.Card
	mfs  afero.Fs

	// second card on unit 1, nil unless requested
	card1 *emu.Card
	mfs1  afero.Fs
}

type rigOption func(r *rig, opts *Options)

func withUnit1(r *rig, opts *Options) {
	r.mfs1 = afero.NewMemMapFs()
	r.card1 = emu.NewCard(r.mfs1)
	r.hw.Attach(PortForUnit(1), r.card1)
}

func withProbe(r *rig, opts *Options) {
	opts.Probe = true
}

func newRig(t *testing.T, options ...rigOption) *rig {
	t.Helper()

	env := iop.NewEnv()
	hw := emu.NewHardware(env.Intr)
	mfs := afero.NewMemMapFs()
	card := emu.NewCard(mfs)
	hw.Attach(PortForUnit(0), card)

	r := &rig{env: env, hw: hw, card: card, mfs: mfs}

	opts := DefaultOptions()
	opts.Timeouts = testTimeouts
	opts.Probe = false
	for _, o := range options {
		o(r, &opts)
	}

	drv, err := Open(env, hw, opts)
	require.NoError(t, err)
	t.Cleanup(func() { drv.Close() })

	r.drv, r.fs, r.dev = drv, drv.FS, drv.Device
	return r
}

func (r *rig) seed(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(r.mfs, name, data, 0644))
}

// shape returns DMA and PIO element counts per burst
func shape(bursts []emu.Burst) [][2]int {
	out := [][2]int{}
	for _, b := range bursts {
		out = append(out, [2]int{b.DMAElements(), b.PIOElements()})
	}
	return out
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*13 + i>>8)
	}
	return b
}
