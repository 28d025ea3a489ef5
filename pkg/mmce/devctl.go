package mmce

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

func argU32(arg []byte) (uint32, error) {
	if len(arg) < 4 {
		return 0, ErrInvalidArgument
	}
	return binary.LittleEndian.Uint32(arg), nil
}

// Devctl runs a device command on unit in the style of the file-I/O
// dispatcher: integer arguments are little endian words in arg, string
// results are copied NUL terminated into buf. The result is the command's
// integer answer, zero for commands without one.
func (fs *FS) Devctl(unit int, cmd byte, arg, buf []byte) (res int, err error) {
	err = fs.WithUnit(unit, func(d *Device) error {
		switch cmd {
		case CmdPing:
			id, err := d.Ping()
			res = int(id.Packed())
			return err

		case CmdGetStatus, CmdGetCard, CmdGetChannel:
			v, err := d.get16(cmd)
			res = int(v)
			return err

		case CmdSetCard:
			a, err := argU32(arg)
			if err != nil {
				return err
			}
			return d.SetCard(CardType(a>>24), SelectMode(a>>16), uint16(a))

		case CmdSetChannel:
			a, err := argU32(arg)
			if err != nil {
				return err
			}
			return d.SetChannel(SelectMode(a>>16), uint16(a))

		case CmdGetGameID:
			id, err := d.GameID()
			if err != nil {
				return err
			}
			if len(buf) < len(id)+1 {
				return ErrInvalidArgument
			}
			copy(buf, id)
			buf[len(id)] = 0
			return nil

		case CmdSetGameID:
			id := arg
			if i := bytes.IndexByte(id, 0); i >= 0 {
				id = id[:i]
			}
			return d.SetGameID(string(id))

		case CmdReset:
			return d.Reset()

		case SettingAckWaitCycles:
			a, err := argU32(arg)
			if err != nil {
				return err
			}
			return d.SetAckWaitCycles(int(a))

		case SettingUseAlarms:
			a, err := argU32(arg)
			if err != nil {
				return err
			}
			d.SetUseAlarms(a != 0)
			return nil
		}
		return fmt.Errorf("devctl %#02x: %w", cmd, ErrNotSupported)
	})
	return res, err
}
