package link

import (
	"errors"
	"fmt"
	"io"

	"github.com/speters/mmced/pkg/emu"

	log "github.com/sirupsen/logrus"
)

// Bridge frames. A request is
//
//	0x5a seq port txLen(BE16) rxLen(BE16) tx...
//
// and is answered by
//
//	0xa5 seq status rxLen(BE16) rx...
//
// where seq echoes the request and rxLen is 0 unless status is 0.
const (
	reqMagic  byte = 0x5a
	respMagic byte = 0xa5

	reqHeaderLen  = 7
	respHeaderLen = 5

	statusOK    byte = 0
	statusNoAck byte = 1

	maxFrame = 0xffff
)

func encodeRequest(seq byte, port int, tx []byte, rxSize int) ([]byte, error) {
	if len(tx) > maxFrame || rxSize > maxFrame || rxSize < 0 {
		return nil, fmt.Errorf("%w: tx %d rx %d", ErrBadFrame, len(tx), rxSize)
	}
	b := make([]byte, reqHeaderLen, reqHeaderLen+len(tx))
	b[0] = reqMagic
	b[1] = seq
	b[2] = byte(port)
	b[3], b[4] = byte(len(tx)>>8), byte(len(tx))
	b[5], b[6] = byte(rxSize>>8), byte(rxSize)
	return append(b, tx...), nil
}

func encodeResponse(seq, status byte, rx []byte) []byte {
	b := make([]byte, respHeaderLen, respHeaderLen+len(rx))
	b[0] = respMagic
	b[1] = seq
	b[2] = status
	b[3], b[4] = byte(len(rx)>>8), byte(len(rx))
	return append(b, rx...)
}

// Serve answers bridge requests read from conn with r until conn fails. It
// is the far end of Device: mmced bridge runs it to offer an emulated card
// over TCP.
func Serve(conn io.ReadWriter, r emu.Responder) error {
	hdr := make([]byte, reqHeaderLen)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if hdr[0] != reqMagic {
			return fmt.Errorf("%w: got %#02x", ErrBadFrame, hdr[0])
		}
		seq, port := hdr[1], int(hdr[2])
		txLen := int(hdr[3])<<8 | int(hdr[4])
		rxLen := int(hdr[5])<<8 | int(hdr[6])

		tx := make([]byte, txLen)
		if _, err := io.ReadFull(conn, tx); err != nil {
			return err
		}

		var resp []byte
		rx, err := r.Exchange(port, tx, rxLen)
		if err != nil {
			log.Debugf("Bridge exchange on port %d: %v", port, err)
			resp = encodeResponse(seq, statusNoAck, nil)
		} else {
			out := make([]byte, rxLen)
			copy(out, rx)
			resp = encodeResponse(seq, statusOK, out)
		}
		if _, err := conn.Write(resp); err != nil {
			return err
		}
	}
}
