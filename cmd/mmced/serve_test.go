package main

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/speters/mmced/pkg/config"
	"github.com/speters/mmced/pkg/emu"
	"github.com/speters/mmced/pkg/link"
	"github.com/speters/mmced/pkg/mmce"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStack(t *testing.T) (*stack, afero.Fs, *emu.Card) {
	t.Helper()
	mfs := afero.NewMemMapFs()
	card := emu.NewCard(mfs)
	cfg := config.Default()
	cfg.Units = []int{0}

	st, err := newStack(cfg, card, false)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st, mfs, card
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, string, http.Header) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b), resp.Header
}

func TestAPIDevice(t *testing.T) {
	st, _, card := testStack(t)
	srv := httptest.NewServer(newRouter(st))
	defer srv.Close()

	code, body, hdr := do(t, srv, "GET", "/unit/0/ping", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.NotEmpty(t, hdr.Get("X-Request-Id"))
	var id identity
	require.NoError(t, json.Unmarshal([]byte(body), &id))
	assert.Equal(t, "SD2PSX", id.Product)

	code, body, _ = do(t, srv, "POST", "/unit/0/card", `{"type": 1, "num": 12}`)
	require.Equal(t, http.StatusOK, code, body)
	cardType, num, _ := card.Selection()
	assert.Equal(t, byte(1), cardType)
	assert.Equal(t, uint16(12), num)

	code, body, _ = do(t, srv, "GET", "/unit/0/card", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"card": 12}`, body)

	code, _, _ = do(t, srv, "POST", "/unit/0/channel", `{"mode": "next"}`)
	require.Equal(t, http.StatusOK, code)
	code, body, _ = do(t, srv, "GET", "/unit/0/channel", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"channel": 2}`, body)

	code, _, _ = do(t, srv, "POST", "/unit/0/channel", `{"mode": "sideways"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _, _ = do(t, srv, "POST", "/unit/0/gameid", `{"gameid": "SLUS_209.46"}`)
	require.Equal(t, http.StatusOK, code)
	code, body, _ = do(t, srv, "GET", "/unit/0/gameid", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"gameid": "SLUS_209.46"}`, body)

	code, _, _ = do(t, srv, "POST", "/unit/0/reset", "")
	assert.Equal(t, http.StatusOK, code)

	code, _, _ = do(t, srv, "GET", "/unit/1/ping", "")
	assert.Equal(t, http.StatusNotFound, code, "unit 1 is not configured")
}

func TestAPIFiles(t *testing.T) {
	st, mfs, _ := testStack(t)
	srv := httptest.NewServer(newRouter(st))
	defer srv.Close()

	require.NoError(t, mfs.MkdirAll("/SAVES", 0755))
	require.NoError(t, afero.WriteFile(mfs, "/SAVES/a.bin", []byte("abc"), 0644))

	code, body, _ := do(t, srv, "PUT", "/unit/0/fs/SAVES/b.bin", "hello world")
	require.Equal(t, http.StatusOK, code, body)
	assert.JSONEq(t, `{"written": 11}`, body)
	b, err := afero.ReadFile(mfs, "/SAVES/b.bin")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(b))

	code, body, _ = do(t, srv, "GET", "/unit/0/fs/SAVES/b.bin", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello world", body)

	code, body, _ = do(t, srv, "GET", "/unit/0/fs/SAVES", "")
	require.Equal(t, http.StatusOK, code, body)
	var entries []mmce.DirEntry
	require.NoError(t, json.Unmarshal([]byte(body), &entries))
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "a.bin")
	assert.Contains(t, names, "b.bin")

	code, _, _ = do(t, srv, "DELETE", "/unit/0/fs/SAVES/a.bin", "")
	require.Equal(t, http.StatusOK, code)
	_, err = mfs.Stat("/SAVES/a.bin")
	assert.Error(t, err)

	code, _, _ = do(t, srv, "GET", "/unit/0/fs/missing", "")
	assert.Equal(t, http.StatusBadGateway, code)

	assert.Zero(t, st.drv.FS.OpenHandles())
}

func TestAPIVersionAndMetrics(t *testing.T) {
	st, _, _ := testStack(t)
	srv := httptest.NewServer(newRouter(st))
	defer srv.Close()

	code, body, _ := do(t, srv, "GET", "/version", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"version": "unspecified", "build_date": "unknown"}`, body)

	do(t, srv, "GET", "/unit/0/ping", "")
	code, body, _ = do(t, srv, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `mmced_sio2_exchanges_total{mode="pio",result="ok"}`)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusOf(mmce.ErrNameTooLong))
	assert.Equal(t, http.StatusNotImplemented, statusOf(mmce.ErrNotSupported))
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(mmce.ErrNoHandles))
	assert.Equal(t, http.StatusBadGateway, statusOf(mmce.ErrIO))
	assert.Equal(t, http.StatusInternalServerError, statusOf(io.ErrUnexpectedEOF))
}

func TestBridgeLink(t *testing.T) {
	mfs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mfs, "/remote.txt", []byte("over tcp"), 0644))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go serveBridge(l, emu.NewCard(mfs))

	cfg := config.Default()
	cfg.Link = "tcp://" + l.Addr().String()
	cfg.Units = []int{0}
	st, err := openStack(cfg, false)
	require.NoError(t, err)
	defer st.Close()
	require.NotNil(t, st.bridge)

	var out strings.Builder
	s := &session{fs: st.drv.FS}
	require.NoError(t, s.exec(&out, []string{"cat", "/remote.txt"}))
	assert.Equal(t, "over tcp", out.String())
}

func TestBridgeReconnect(t *testing.T) {
	mfs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mfs, "/again.txt", []byte("back"), 0644))
	card := emu.NewCard(mfs)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	conns := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			conns <- c
			go link.Serve(c, card)
		}
	}()

	cfg := config.Default()
	cfg.Link = "tcp://" + l.Addr().String()
	cfg.Units = []int{0}
	st, err := openStack(cfg, false)
	require.NoError(t, err)
	defer st.Close()

	stop := make(chan struct{})
	defer close(stop)
	go reconnect(st, 10*time.Millisecond, stop)

	first := <-conns
	first.Close()

	select {
	case c := <-conns:
		defer c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("bridge not dialed again")
	}
	require.Eventually(t, st.bridge.Connected, time.Second, 10*time.Millisecond)

	var out strings.Builder
	s := &session{fs: st.drv.FS}
	require.NoError(t, s.exec(&out, []string{"cat", "/again.txt"}))
	assert.Equal(t, "back", out.String())
}
