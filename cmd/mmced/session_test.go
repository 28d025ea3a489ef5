package main

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/speters/mmced/pkg/mmce"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelection(t *testing.T) {
	tests := []struct {
		arg  string
		mode mmce.SelectMode
		num  uint16
		ok   bool
	}{
		{"7", mmce.SelectNum, 7, true},
		{"0x10", mmce.SelectNum, 16, true},
		{"next", mmce.SelectNext, 0, true},
		{"PREV", mmce.SelectPrev, 0, true},
		{"70000", 0, 0, false},
		{"up", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			mode, num, err := selection(tt.arg)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mode, mode)
			assert.Equal(t, tt.num, num)
		})
	}
}

func TestEmuDir(t *testing.T) {
	tests := map[string]string{
		"emu:///srv/mmce": "/srv/mmce",
		"emu://.":         ".",
		"emu://cards/a":   "cards/a",
		"emu://":          ".",
	}
	for link, want := range tests {
		u, err := url.Parse(link)
		require.NoError(t, err)
		assert.Equal(t, want, emuDir(u), link)
	}
}

func TestScript(t *testing.T) {
	st, mfs, _ := testStack(t)
	s := &session{fs: st.drv.FS}

	local := filepath.Join(t.TempDir(), "up.bin")
	require.NoError(t, os.WriteFile(local, []byte("uploaded"), 0644))
	back := filepath.Join(t.TempDir(), "down.bin")

	script := strings.Join([]string{
		"# comment",
		"mkdir /DATA",
		"put " + local + " /DATA/up.bin",
		"get /DATA/up.bin " + back,
		"gameid SCUS_971.13",
		"gameid",
		"card 4",
		"card",
		"unit",
		"ls /DATA",
		"exit",
		"rm /DATA/up.bin",
	}, "\n")

	var out strings.Builder
	require.NoError(t, s.script(strings.NewReader(script), &out))

	b, err := afero.ReadFile(mfs, "/DATA/up.bin")
	require.NoError(t, err)
	assert.Equal(t, "uploaded", string(b), "commands after exit must not run")
	b, err = os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, "uploaded", string(b))

	o := out.String()
	assert.Contains(t, o, "8 bytes written")
	assert.Contains(t, o, "SCUS_971.13\n")
	assert.Contains(t, o, "4\n")
	assert.Contains(t, o, "unit 0\n")
	assert.Contains(t, o, "up.bin")
}

func TestScriptStopsOnError(t *testing.T) {
	st, _, _ := testStack(t)
	s := &session{fs: st.drv.FS}

	var out strings.Builder
	err := s.script(strings.NewReader("cat /nope\nping\n"), &out)
	assert.ErrorIs(t, err, mmce.ErrIO)
	assert.Empty(t, out.String())

	assert.Error(t, s.exec(&out, []string{"frobnicate"}))
	assert.Error(t, s.exec(&out, []string{"put", "only-one"}))
}
