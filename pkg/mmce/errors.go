package mmce

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrIO is the single failure reported for anything that went wrong on
	// the wire: a timeout, a bad reply constant or a non-zero device status
	ErrIO = errors.New("mmce: I/O error")

	// ErrProtocol is logged as the cause of ErrIO for malformed or negative
	// replies. It is never returned.
	ErrProtocol = errors.New("mmce: protocol error")

	ErrNoHandles       = errors.New("mmce: no free file handles")
	ErrBadHandle       = errors.New("mmce: bad file handle")
	ErrNameTooLong     = errors.New("mmce: name too long")
	ErrNotSupported    = errors.New("mmce: operation not supported")
	ErrInvalidArgument = errors.New("mmce: invalid argument")
)

// ioError logs cause and returns ErrIO tagged with op
func ioError(l *log.Entry, op string, cause error) error {
	l.WithError(cause).Errorf("%s failed", op)
	return fmt.Errorf("%s: %w", op, ErrIO)
}

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
