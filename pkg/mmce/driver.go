package mmce

import (
	"github.com/speters/mmced/pkg/hook"
	"github.com/speters/mmced/pkg/iop"
	"github.com/speters/mmced/pkg/sio2"

	log "github.com/sirupsen/logrus"
)

// NumUnits is the number of logical units, one per MMCE capable port
const NumUnits = 2

// Options configures a Driver
type Options struct {
	Timeouts      sio2.Timeouts
	AckWaitCycles int
	UseAlarm      bool
	Observer      sio2.Observer

	// Probe pings every unit on Open
	Probe bool
}

// DefaultOptions returns the settings the drivers start with
func DefaultOptions() Options {
	return Options{
		Timeouts:      sio2.DefaultTimeouts(),
		AckWaitCycles: sio2.DefaultAckWaitCycles,
		UseAlarm:      true,
		Probe:         true,
	}
}

// Driver is the assembled stack: transfer engine, arbitration with the host
// driver, command interface and filesystem client
type Driver struct {
	Engine  *sio2.Engine
	Arbiter *hook.Arbiter
	Device  *Device
	FS      *FS

	// Cards holds the identity of every unit that answered the probe
	Cards map[int]Identity
}

// Open installs the arbiter in env and sets up the stack on hal
func Open(env *iop.Env, hal sio2.HAL, opts Options) (*Driver, error) {
	ctx := sio2.NewContext()
	ctx.SetUseAlarm(opts.UseAlarm)
	ctx.SetAckWaitCycles(opts.AckWaitCycles)

	eng := sio2.NewEngine(hal, ctx)
	eng.Timeouts = opts.Timeouts
	eng.Observer = opts.Observer

	arb := hook.New(env, hal, eng)
	if err := arb.Init(); err != nil {
		return nil, err
	}

	dev := NewDevice(eng, arb)
	o := &Driver{
		Engine:  eng,
		Arbiter: arb,
		Device:  dev,
		FS:      NewFS(dev),
		Cards:   make(map[int]Identity),
	}

	if opts.Probe {
		for unit := 0; unit < NumUnits; unit++ {
			id, err := o.FS.Probe(unit)
			if err != nil {
				continue
			}
			o.Cards[unit] = id
		}
		log.Infof("Probed %d unit(s), %d card(s) found", NumUnits, len(o.Cards))
	}
	return o, nil
}

// Close removes the hooks from the host driver
func (o *Driver) Close() error {
	o.Arbiter.Deinit()
	return nil
}
