package hook

import "errors"

// State of the arbiter
type State byte

const (
	Uninstalled State = iota
	WaitingForHost
	Active
)

func (s State) String() string {
	switch s {
	case Uninstalled:
		return "uninstalled"
	case WaitingForHost:
		return "waiting for host"
	case Active:
		return "active"
	}
	return "unknown"
}

var (
	ErrNotInstalled    = errors.New("hook: arbiter not installed")
	ErrNoIntrTable     = errors.New("hook: interrupt table internals not available")
	ErrHostMissing     = errors.New("hook: loader or interrupt manager not found")
	ErrUnsupportedHost = errors.New("hook: unsupported sio2man version")
)
