package iop

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Library names and export indices of the resident modules
const (
	LoadcoreName = "loadcore"
	IntrmanName  = "intrman"

	ExportRegisterLibraryEntries = 6
	ExportRegisterIntrHandler    = 4
)

// Func is the calling convention of every export entry. Hooks replace
// entries with wrappers of the same type.
type Func func(arg any) any

// Version encodes a module version as major.minor
func Version(major, minor int) uint16 {
	return uint16(major)<<8 | uint16(minor&0xff)
}

// Library is a registered export table
type Library struct {
	Name    string
	Version uint16

	mu      sync.Mutex
	exports []Func
}

var (
	ErrNoExport        = errors.New("iop: no such export")
	ErrLibraryExists   = errors.New("iop: library already registered")
	ErrLibraryNotFound = errors.New("iop: library not found")
)

// NewLibrary returns a library whose export table holds exports
func NewLibrary(name string, version uint16, exports []Func) *Library {
	return &Library{Name: name, Version: version, exports: exports}
}

// NumExports returns the size of the export table
func (l *Library) NumExports() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.exports)
}

// Export returns export entry i or nil
func (l *Library) Export(i int) Func {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.exports) {
		return nil
	}
	return l.exports[i]
}

// Hook replaces export entry i with f and returns the previous entry
func (l *Library) Hook(i int, f Func) (Func, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.exports) {
		return nil, fmt.Errorf("%s export %d: %w", l.Name, i, ErrNoExport)
	}
	old := l.exports[i]
	l.exports[i] = f
	return old, nil
}

// Call invokes export entry i through the current table
func (l *Library) Call(i int, arg any) (any, error) {
	f := l.Export(i)
	if f == nil {
		return nil, fmt.Errorf("%s export %d: %w", l.Name, i, ErrNoExport)
	}
	return f(arg), nil
}

// Registry is the loader's list of resident libraries
type Registry struct {
	mu   sync.Mutex
	libs map[string]*Library
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{libs: make(map[string]*Library)}
}

// Get returns the library registered as name, or nil
func (r *Registry) Get(name string) *Library {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.libs[name]
}

// Add registers lib directly, bypassing the RegisterLibraryEntries export
func (r *Registry) Add(lib *Library) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.libs[lib.Name]; ok {
		return fmt.Errorf("%s: %w", lib.Name, ErrLibraryExists)
	}
	r.libs[lib.Name] = lib
	log.Debugf("Registered library %s v%d.%d", lib.Name, lib.Version>>8, lib.Version&0xff)
	return nil
}

// Remove unregisters name
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.libs, name)
}

// Env is the resident part of the host: the loader with its registry and the
// interrupt manager with its dispatch table
type Env struct {
	Registry *Registry
	Intr     *IntrTable
}

// NewEnv returns an environment with loadcore and intrman registered
func NewEnv() *Env {
	env := &Env{Registry: NewRegistry(), Intr: NewIntrTable()}

	loadcore := make([]Func, 7)
	loadcore[ExportRegisterLibraryEntries] = func(arg any) any {
		return env.Registry.Add(arg.(*Library))
	}
	intrman := make([]Func, 5)
	intrman[ExportRegisterIntrHandler] = func(arg any) any {
		return env.Intr.Register(arg.(*IntrRegistration))
	}

	env.Registry.Add(NewLibrary(LoadcoreName, Version(1, 1), loadcore))
	env.Registry.Add(NewLibrary(IntrmanName, Version(1, 2), intrman))
	return env
}

// Load registers lib through loadcore's RegisterLibraryEntries export, so
// that hooks on it see the new library
func (env *Env) Load(lib *Library) error {
	loadcore := env.Registry.Get(LoadcoreName)
	if loadcore == nil {
		return fmt.Errorf("%s: %w", LoadcoreName, ErrLibraryNotFound)
	}
	res, err := loadcore.Call(ExportRegisterLibraryEntries, lib)
	if err != nil {
		return err
	}
	if err, ok := res.(error); ok {
		return err
	}
	return nil
}

// RegisterIntrHandler registers a handler through intrman's export
func (env *Env) RegisterIntrHandler(irq, mode int, h IntrHandler, arg any) error {
	intrman := env.Registry.Get(IntrmanName)
	if intrman == nil {
		return fmt.Errorf("%s: %w", IntrmanName, ErrLibraryNotFound)
	}
	res, err := intrman.Call(ExportRegisterIntrHandler, &IntrRegistration{IRQ: irq, Mode: mode, Handler: h, Arg: arg})
	if err != nil {
		return err
	}
	if err, ok := res.(error); ok {
		return err
	}
	return nil
}
