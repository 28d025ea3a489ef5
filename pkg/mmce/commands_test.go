package mmce

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/speters/mmced/pkg/emu"
	"github.com/speters/mmced/pkg/hook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPing(t *testing.T) {
	r := newRig(t)
	r.card.Product = emu.ProductMCP2
	r.card.Revision = 3

	id, err := r.dev.Ping()
	require.NoError(t, err)
	assert.Equal(t, Identity{Protocol: 1, Product: emu.ProductMCP2, Revision: 3}, id)
	assert.Equal(t, "MemCard PRO2", id.ProductName())
	assert.Equal(t, uint32(0x010203), id.Packed())
	assert.Equal(t, "Unknown (9)", Identity{Product: 9}.ProductName())
}

func TestBadReplyConstant(t *testing.T) {
	r := newRig(t)
	r.seed(t, "/a", []byte("data"))
	f, err := r.fs.Open(0, "/a", ORdOnly)
	require.NoError(t, err)

	r.card.SetBadReply(true)

	tests := []struct {
		name string
		run  func() error
	}{
		{"ping", func() error { _, err := r.dev.Ping(); return err }},
		{"status", func() error { _, err := r.dev.Status(); return err }},
		{"get card", func() error { _, err := r.dev.Card(); return err }},
		{"set card", func() error { return r.dev.SetCard(CardRegular, SelectNum, 1) }},
		{"get channel", func() error { _, err := r.dev.Channel(); return err }},
		{"set channel", func() error { return r.dev.SetChannel(SelectNext, 0) }},
		{"get gameid", func() error { _, err := r.dev.GameID(); return err }},
		{"set gameid", func() error { return r.dev.SetGameID("SLES_000.00") }},
		{"reset", func() error { return r.dev.Reset() }},
		{"open", func() error { _, err := r.fs.Open(0, "/a", ORdOnly); return err }},
		{"read", func() error { _, err := f.Read(make([]byte, 4)); return err }},
		{"write", func() error { _, err := f.Write([]byte("x")); return err }},
		{"lseek64", func() error { _, err := f.Seek(0, 0); return err }},
		{"getstat", func() error { _, err := r.fs.Stat(0, "/a"); return err }},
		{"mkdir", func() error { return r.fs.Mkdir(0, "/d") }},
		{"dopen", func() error { _, err := r.fs.Dopen(0, "/"); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			assert.ErrorIs(t, err, ErrIO)
			assert.False(t, errors.Is(err, ErrProtocol), "protocol errors must not leak")
		})
	}
	assert.Equal(t, 1, r.fs.OpenHandles())
}

func TestCardSelection(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.dev.SetCard(CardBoot, SelectNum, 5))
	num, err := r.dev.Card()
	require.NoError(t, err)
	assert.Equal(t, uint16(5), num)
	cardType, card, _ := r.card.Selection()
	assert.Equal(t, byte(CardBoot), cardType)
	assert.Equal(t, uint16(5), card)

	require.NoError(t, r.dev.SetCard(CardRegular, SelectNext, 0))
	num, err = r.dev.Card()
	require.NoError(t, err)
	assert.Equal(t, uint16(6), num)

	require.NoError(t, r.dev.SetChannel(SelectNum, 4))
	require.NoError(t, r.dev.SetChannel(SelectPrev, 0))
	ch, err := r.dev.Channel()
	require.NoError(t, err)
	assert.Equal(t, uint16(3), ch)
}

func TestGameID(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.dev.SetGameID("SLUS_203.12"))
	id, err := r.dev.GameID()
	require.NoError(t, err)
	assert.Equal(t, "SLUS_203.12", id)

	long := make([]byte, MaxGameID+1)
	for i := range long {
		long[i] = 'A'
	}
	assert.ErrorIs(t, r.dev.SetGameID(string(long)), ErrNameTooLong)
	assert.NoError(t, r.dev.SetGameID(string(long[:MaxGameID])))
}

func TestLocalSettings(t *testing.T) {
	r := newRig(t)
	before := r.card.Exchanges()

	require.NoError(t, r.dev.SetAckWaitCycles(9))
	assert.Equal(t, 9, r.drv.Engine.Context().AckWaitCycles())
	assert.ErrorIs(t, r.dev.SetAckWaitCycles(16), ErrInvalidArgument)

	r.dev.SetUseAlarms(false)
	assert.False(t, r.drv.Engine.Context().UseAlarm())

	assert.Equal(t, before, r.card.Exchanges(), "settings must not reach the device")
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestDevctl(t *testing.T) {
	r := newRig(t)

	res, err := r.fs.Devctl(0, CmdPing, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0x010101, res)

	_, err = r.fs.Devctl(0, CmdSetCard, le32(1<<24|uint32(SelectNum)<<16|7), nil)
	require.NoError(t, err)
	res, err = r.fs.Devctl(0, CmdGetCard, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, res)
	cardType, _, _ := r.card.Selection()
	assert.Equal(t, byte(1), cardType)

	_, err = r.fs.Devctl(0, CmdSetChannel, le32(uint32(SelectNum)<<16|2), nil)
	require.NoError(t, err)
	res, err = r.fs.Devctl(0, CmdGetChannel, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res)

	_, err = r.fs.Devctl(0, CmdSetGameID, []byte("SCES_500.51\x00junk"), nil)
	require.NoError(t, err)
	buf := make([]byte, 64)
	_, err = r.fs.Devctl(0, CmdGetGameID, nil, buf)
	require.NoError(t, err)
	assert.Equal(t, "SCES_500.51\x00", string(buf[:12]))
	_, err = r.fs.Devctl(0, CmdGetGameID, nil, make([]byte, 4))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = r.fs.Devctl(0, SettingAckWaitCycles, le32(3), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, r.drv.Engine.Context().AckWaitCycles())

	_, err = r.fs.Devctl(0, SettingUseAlarms, le32(0), nil)
	require.NoError(t, err)
	assert.False(t, r.drv.Engine.Context().UseAlarm())

	_, err = r.fs.Devctl(0, SettingAckWaitCycles, []byte{1}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = r.fs.Devctl(0, 0x77, nil, nil)
	assert.ErrorIs(t, err, ErrNotSupported)

	_, err = r.fs.Devctl(0, CmdReset, nil, nil)
	assert.NoError(t, err)
}

func TestProbe(t *testing.T) {
	r := newRig(t, withProbe)
	require.Contains(t, r.drv.Cards, 0)
	assert.Equal(t, emu.ProductSD2PSX, r.drv.Cards[0].Product)
	assert.NotContains(t, r.drv.Cards, 1)
}

func TestNotInstalled(t *testing.T) {
	r := newRig(t)
	r.drv.Close()

	_, err := r.dev.Ping()
	assert.ErrorIs(t, err, hook.ErrNotInstalled)
	_, err = r.fs.Open(0, "/a", ORdOnly)
	assert.ErrorIs(t, err, hook.ErrNotInstalled)
	assert.Zero(t, r.fs.OpenHandles())
}
