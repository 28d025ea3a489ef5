// Package link connects the emulated SIO2 controller to a real memory card
// through a bridge: a microcontroller wired to a card port, reached via a
// serial line or a TCP socket.
package link

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// DefaultTimeout is the time a bridge gets to answer one exchange
const DefaultTimeout = 500 * time.Millisecond

const serialBaud = 921600

var (
	ErrNotConnected = errors.New("link: not connected")
	ErrTimeout      = errors.New("link: bridge timed out")
	ErrBadFrame     = errors.New("link: malformed bridge frame")
	ErrNoAck        = errors.New("link: no acknowledge from card")
)

// Device is the connection to a bridge. It implements the responder
// interface of the emulated controller, so every exchange the controller
// runs on the attached port is forwarded to the card behind the bridge.
type Device struct {
	conn io.ReadWriteCloser
	r    *bufio.Reader
	lock sync.Mutex

	link      string
	connected bool
	done      chan struct{}

	Timeout time.Duration

	in      chan []byte
	pending []byte
	seq     byte
}

// NewDevice is the factory method to create a new Device
func NewDevice() *Device {
	return &Device{Timeout: DefaultTimeout}
}

// Connect attaches to the bridge via serial device or a tcp socket
func (o *Device) Connect(link string) error {
	u, err := url.Parse(link)
	if err != nil {
		return err
	}

	var conn io.ReadWriteCloser
	switch u.Scheme {
	case "socket", "tcp":
		c, err := net.Dial("tcp", u.Host)
		if err != nil {
			return err
		}
		c.(*net.TCPConn).SetKeepAlive(true)
		c.(*net.TCPConn).SetKeepAlivePeriod(30 * time.Second)
		conn = c
	case "file", "":
		conn, err = serial.OpenPort(&serial.Config{Name: u.Path, Baud: serialBaud, Size: 8, Parity: serial.ParityNone, StopBits: serial.Stop1})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("Can not find a valid connection string in \"%v\"", link)
	}

	o.Attach(conn)
	o.lock.Lock()
	o.link = link
	o.lock.Unlock()
	log.Infof("Connected to bridge at %s", link)
	return nil
}

// Attach uses an already established connection
func (o *Device) Attach(conn io.ReadWriteCloser) {
	o.lock.Lock()
	defer o.lock.Unlock()

	o.conn = conn
	o.r = bufio.NewReader(conn)
	o.in = make(chan []byte, 16)
	o.pending = nil
	o.done = make(chan struct{})
	o.connected = true

	go o.reader(conn, o.r, o.in, o.done)
}

// Done returns a channel that is closed when the current connection is
// closed or lost
func (o *Device) Done() <-chan struct{} {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.done
}

// Close closes the underlying connection
func (o *Device) Close() error {
	o.lock.Lock()
	defer o.lock.Unlock()

	if !o.connected {
		return io.ErrClosedPipe
	}
	o.connected = false
	close(o.done)
	return o.conn.Close()
}

// Reconnect closes and reopens the link given to Connect
func (o *Device) Reconnect() error {
	o.Close()
	o.lock.Lock()
	link := o.link
	o.lock.Unlock()
	return o.Connect(link)
}

// reader feeds received chunks to in until conn fails or done is closed,
// then marks the device disconnected so Done fires
func (o *Device) reader(conn io.ReadWriteCloser, r *bufio.Reader, in chan<- []byte, done <-chan struct{}) {
	b := make([]byte, 512)
	for {
		n, err := r.Read(b)
		if n > 0 {
			select {
			case in <- append([]byte(nil), b[:n]...):
			case <-done:
				log.Debugf("Bridge reader exiting: link closed")
				close(in)
				return
			}
		}
		if err != nil {
			log.Debugf("Bridge reader exiting: %v", err)
			close(in)
			o.lost(conn, err)
			return
		}
	}
}

func (o *Device) lost(conn io.ReadWriteCloser, err error) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.conn != conn || !o.connected {
		return
	}
	log.Warnf("Lost connection to bridge: %v", err)
	o.connected = false
	close(o.done)
	conn.Close()
}

// Connected reports whether the link is up
func (o *Device) Connected() bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.connected
}

// waitforbytes makes sure at least n bytes are pending, without consuming
// them, before the deadline
func (o *Device) waitforbytes(n int, deadline <-chan time.Time) error {
	for len(o.pending) < n {
		select {
		case b, ok := <-o.in:
			if !ok {
				return io.EOF
			}
			o.pending = append(o.pending, b...)
		case <-deadline:
			return fmt.Errorf("%w after receiving %d bytes, expected %d", ErrTimeout, len(o.pending), n)
		}
	}
	return nil
}

// readFrame returns the next complete response frame. A frame that does not
// arrive in time stays pending so its late bytes are skipped as a whole.
func (o *Device) readFrame(deadline <-chan time.Time) (seq, status byte, rx []byte, err error) {
	if err = o.waitforbytes(respHeaderLen, deadline); err != nil {
		return
	}
	if o.pending[0] != respMagic {
		err = fmt.Errorf("%w: got %#02x", ErrBadFrame, o.pending[0])
		// no way to find the next frame boundary
		o.pending = nil
		return
	}
	n := respHeaderLen + (int(o.pending[3])<<8 | int(o.pending[4]))
	if err = o.waitforbytes(n, deadline); err != nil {
		return
	}
	seq, status = o.pending[1], o.pending[2]
	rx = append([]byte(nil), o.pending[respHeaderLen:n]...)
	o.pending = o.pending[n:]
	return
}

// Exchange sends tx to port and returns rxSize bytes clocked in from the
// card. Replies to earlier exchanges that timed out are discarded.
func (o *Device) Exchange(port int, tx []byte, rxSize int) ([]byte, error) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if !o.connected {
		return nil, ErrNotConnected
	}

	o.seq++
	req, err := encodeRequest(o.seq, port, tx, rxSize)
	if err != nil {
		return nil, err
	}
	if _, err := o.conn.Write(req); err != nil {
		return nil, err
	}
	log.Debugf("Write b='%# x'", req)

	deadline := time.After(o.Timeout)
	for {
		seq, status, rx, err := o.readFrame(deadline)
		if err != nil {
			return nil, err
		}
		if seq != o.seq {
			log.Debugf("Dropping late reply %d, waiting for %d", seq, o.seq)
			continue
		}
		if status != statusOK {
			return nil, fmt.Errorf("port %d: %w", port, ErrNoAck)
		}
		if len(rx) != rxSize {
			return nil, fmt.Errorf("%w: %d bytes, expected %d", ErrBadFrame, len(rx), rxSize)
		}
		log.Debugf("Read b='%# x'", rx)
		return rx, nil
	}
}
