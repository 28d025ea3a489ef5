package hook

import (
	"context"
	"fmt"
	"sync"

	"github.com/speters/mmced/pkg/iop"
	"github.com/speters/mmced/pkg/sio2"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// HostName is the library name of the host SIO2 driver
const HostName = "sio2man"

// sio2man export indices
const (
	exportPadTransferInit  = 23
	exportMcTransferInit   = 24
	exportTransfer         = 25
	exportTransferReset    = 26
	exportPadTransferInit2 = 46
	exportMcTransferInit2  = 47
	exportMtapTransferInit = 48
	exportRmTransferInit   = 49
	exportUnkTransferInit  = 50
	exportTransfer2        = 51
	exportTransferReset2   = 52
)

type hookedExport struct {
	index int
	orig  iop.Func
}

// Arbiter borrows the SIO2 channel from the host driver. It wraps the host's
// transfer entry points so that host transfers and our own exclude each
// other, and swaps the channel's interrupt handler while we own it.
type Arbiter struct {
	env     *iop.Env
	hal     sio2.HAL
	ctx     *sio2.Context
	handler iop.IntrEntry

	mu    sync.Mutex
	state State

	initSema *semaphore.Weighted
	xferSema *semaphore.Weighted

	hostVersion  uint16
	hostExports  []hookedExport
	host         iop.IntrEntry
	hostCaptured bool

	origRegisterLibrary iop.Func
	origRegisterIntr    iop.Func

	owned     bool
	savedCtrl uint32
}

// New returns an uninstalled Arbiter lending the channel to eng
func New(env *iop.Env, hal sio2.HAL, eng *sio2.Engine) *Arbiter {
	h, arg := eng.IntrHandler()
	return &Arbiter{
		env:     env,
		hal:     hal,
		ctx:     eng.Context(),
		handler: iop.IntrEntry{Handler: h, Arg: arg},
	}
}

// State returns the current arbitration state
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Arbiter) setState(s State) {
	if a.state != s {
		log.Debugf("State changed: %v --> %v", a.state, s)
	}
	a.state = s
}

// SetPort selects the port for subsequent transfers
func (a *Arbiter) SetPort(port int) {
	a.ctx.SetPort(port)
}

// Port returns the selected port
func (a *Arbiter) Port() int {
	return a.ctx.Port()
}

// Init installs the hooks. If the host driver is already resident it is
// hooked right away, otherwise the loader and the interrupt manager are
// hooked to catch it when it arrives.
func (a *Arbiter) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Uninstalled {
		log.Warnf("Arbiter already initialized (%v)", a.state)
		return nil
	}
	if a.env == nil || a.env.Intr == nil {
		return ErrNoIntrTable
	}

	a.initSema = semaphore.NewWeighted(1)
	a.xferSema = semaphore.NewWeighted(1)

	if lib := a.env.Registry.Get(HostName); lib != nil {
		a.host = a.env.Intr.Entry(sio2.IRQ)
		a.hostCaptured = true
		log.Debugf("Got %s interrupt handler", HostName)

		if err := a.hookHost(lib); err != nil {
			a.initSema, a.xferSema = nil, nil
			a.host, a.hostCaptured = iop.IntrEntry{}, false
			return err
		}
		a.setState(Active)
		return nil
	}

	loadcore := a.env.Registry.Get(iop.LoadcoreName)
	intrman := a.env.Registry.Get(iop.IntrmanName)
	if loadcore == nil || intrman == nil {
		a.initSema, a.xferSema = nil, nil
		return ErrHostMissing
	}

	origLib := loadcore.Export(iop.ExportRegisterLibraryEntries)
	if _, err := loadcore.Hook(iop.ExportRegisterLibraryEntries, func(arg any) any {
		return a.registerLibraryEntries(origLib, arg)
	}); err != nil {
		a.initSema, a.xferSema = nil, nil
		return err
	}
	a.origRegisterLibrary = origLib

	origIntr := intrman.Export(iop.ExportRegisterIntrHandler)
	if _, err := intrman.Hook(iop.ExportRegisterIntrHandler, func(arg any) any {
		return a.registerIntrHandler(origIntr, arg)
	}); err != nil {
		loadcore.Hook(iop.ExportRegisterLibraryEntries, origLib)
		a.origRegisterLibrary = nil
		a.initSema, a.xferSema = nil, nil
		return err
	}
	a.origRegisterIntr = origIntr

	a.setState(WaitingForHost)
	return nil
}

// Deinit restores every hooked entry point and drops the semaphores
func (a *Arbiter) Deinit() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == Uninstalled {
		log.Warnf("Arbiter not initialized")
		return
	}

	if lib := a.env.Registry.Get(HostName); lib != nil {
		a.unhookHost(lib)
	}
	if a.origRegisterLibrary != nil {
		if lib := a.env.Registry.Get(iop.LoadcoreName); lib != nil {
			lib.Hook(iop.ExportRegisterLibraryEntries, a.origRegisterLibrary)
		}
		a.origRegisterLibrary = nil
	}
	if a.origRegisterIntr != nil {
		if lib := a.env.Registry.Get(iop.IntrmanName); lib != nil {
			lib.Hook(iop.ExportRegisterIntrHandler, a.origRegisterIntr)
		}
		a.origRegisterIntr = nil
	}

	a.initSema, a.xferSema = nil, nil
	a.host, a.hostCaptured = iop.IntrEntry{}, false
	a.setState(Uninstalled)
}

// Lock takes the channel from the host driver. It blocks while a host
// transfer sequence is in progress.
func (a *Arbiter) Lock() error {
	a.mu.Lock()
	if a.state == Uninstalled {
		a.mu.Unlock()
		return ErrNotInstalled
	}
	initSema, xferSema := a.initSema, a.xferSema
	a.mu.Unlock()

	initSema.Acquire(context.Background(), 1)
	xferSema.Acquire(context.Background(), 1)

	a.mu.Lock()
	a.owned = true
	a.savedCtrl = a.hal.Ctrl()
	a.env.Intr.Swap(sio2.IRQ, a.handler)
	a.mu.Unlock()

	if a.ctx.Program(a.hal) {
		log.Debugf("Programmed timings for port %d", a.ctx.Port())
	}
	return nil
}

// Unlock hands the channel back to the host driver
func (a *Arbiter) Unlock() {
	a.mu.Lock()
	a.env.Intr.Swap(sio2.IRQ, a.host)
	a.owned = false
	saved := a.savedCtrl
	initSema, xferSema := a.initSema, a.xferSema
	a.mu.Unlock()

	a.hal.SetCtrl(saved | sio2.CtrlResetFifos)

	if xferSema != nil {
		xferSema.Release(1)
	}
	if initSema != nil {
		initSema.Release(1)
	}
}

// hookHost wraps the transfer entry points of the host library. Called with
// a.mu held.
func (a *Arbiter) hookHost(lib *iop.Library) error {
	if a.hostVersion != 0 {
		log.Warnf("Trying to hook %s version %#x while version %#x already hooked", HostName, lib.Version, a.hostVersion)
		return nil
	}
	if lib.Version <= iop.Version(1, 1) {
		log.Errorf("%s version %#x not supported", HostName, lib.Version)
		return ErrUnsupportedHost
	}
	if lib.NumExports() <= exportTransferReset2 {
		return fmt.Errorf("%s has %d exports: %w", HostName, lib.NumExports(), iop.ErrNoExport)
	}

	log.Infof("Installing %s hooks for version %#x", HostName, lib.Version)

	inits := []int{exportPadTransferInit, exportMcTransferInit, exportPadTransferInit2, exportMcTransferInit2, exportMtapTransferInit}
	transfers := []int{exportTransfer}
	resets := []int{exportTransferReset}
	if lib.Version >= iop.Version(1, 2) && lib.Version < iop.Version(2, 0) {
		// v1.x keeps transfer and reset at 49 and 50
		transfers = append(transfers, exportRmTransferInit)
		resets = append(resets, exportUnkTransferInit)
	} else {
		inits = append(inits, exportRmTransferInit, exportUnkTransferInit)
		transfers = append(transfers, exportTransfer2)
		resets = append(resets, exportTransferReset2)
	}

	padInit := lib.Export(exportPadTransferInit)
	reset := lib.Export(exportTransferReset)

	// hold the host driver while its table is rewritten
	if padInit != nil {
		padInit(nil)
	}

	initSema, xferSema := a.initSema, a.xferSema
	hook := func(i int, wrap func(iop.Func) iop.Func) {
		orig := lib.Export(i)
		lib.Hook(i, wrap(orig))
		a.hostExports = append(a.hostExports, hookedExport{index: i, orig: orig})
	}
	for _, i := range inits {
		hook(i, func(orig iop.Func) iop.Func { return a.wrapInit(initSema, orig) })
	}
	for _, i := range transfers {
		hook(i, func(orig iop.Func) iop.Func { return wrapTransfer(xferSema, orig) })
	}
	for _, i := range resets {
		hook(i, func(orig iop.Func) iop.Func { return wrapReset(initSema, orig) })
	}

	if reset != nil {
		reset(nil)
	}

	a.hostVersion = lib.Version
	return nil
}

// unhookHost restores the original entries. Called with a.mu held.
func (a *Arbiter) unhookHost(lib *iop.Library) {
	if a.hostVersion == 0 {
		log.Warnf("Trying to unhook %s while not hooked", HostName)
		return
	}
	for _, h := range a.hostExports {
		lib.Hook(h.index, h.orig)
	}
	a.hostExports = nil
	a.hostVersion = 0
}

func (a *Arbiter) wrapInit(sema *semaphore.Weighted, orig iop.Func) iop.Func {
	return func(arg any) any {
		sema.Acquire(context.Background(), 1)
		// the host reprograms the port registers
		a.ctx.Invalidate()
		return call(orig, arg)
	}
}

func wrapTransfer(sema *semaphore.Weighted, orig iop.Func) iop.Func {
	return func(arg any) any {
		sema.Acquire(context.Background(), 1)
		defer sema.Release(1)
		return call(orig, arg)
	}
}

func wrapReset(sema *semaphore.Weighted, orig iop.Func) iop.Func {
	return func(arg any) any {
		res := call(orig, arg)
		sema.Release(1)
		return res
	}
}

func call(f iop.Func, arg any) any {
	if f == nil {
		return nil
	}
	return f(arg)
}

func (a *Arbiter) registerLibraryEntries(orig iop.Func, arg any) any {
	if lib, ok := arg.(*iop.Library); ok && lib.Name == HostName {
		a.mu.Lock()
		if err := a.hookHost(lib); err == nil && a.state == WaitingForHost {
			a.setState(Active)
		}
		a.mu.Unlock()
	}
	return call(orig, arg)
}

func (a *Arbiter) registerIntrHandler(orig iop.Func, arg any) any {
	if r, ok := arg.(*iop.IntrRegistration); ok && r.IRQ == sio2.IRQ {
		a.mu.Lock()
		// only the first foreign handler is the host's
		if !a.hostCaptured && r.Arg != a.handler.Arg {
			log.Debugf("Got %s interrupt handler", HostName)
			a.host = iop.IntrEntry{Handler: r.Handler, Arg: r.Arg}
			a.hostCaptured = true
			if a.state == WaitingForHost {
				a.setState(Active)
			}
		}
		owned := a.owned
		a.mu.Unlock()

		if owned {
			// installed by Unlock
			return nil
		}
	}
	return call(orig, arg)
}
