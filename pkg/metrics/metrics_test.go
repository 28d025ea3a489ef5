package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speters/mmced/pkg/sio2"
)

func TestExchange(t *testing.T) {
	o := New()

	o.Exchange(sio2.ModePIO, 10, time.Millisecond, nil)
	o.Exchange(sio2.ModePIO, 12, time.Millisecond, nil)
	o.Exchange(sio2.ModeMixed, 300, 5*time.Millisecond, nil)
	o.Exchange(sio2.ModeDMA, 256, 2*time.Second, fmt.Errorf("bulk: %w", sio2.ErrTimeout))
	o.Exchange(sio2.ModePIO, 4, 0, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(o.exchanges.WithLabelValues("pio", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.exchanges.WithLabelValues("pio", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.exchanges.WithLabelValues("dma", "timeout")))
	assert.Equal(t, 22.0, testutil.ToFloat64(o.bytes.WithLabelValues("pio")))
	assert.Equal(t, 300.0, testutil.ToFloat64(o.bytes.WithLabelValues("mixed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(o.bytes.WithLabelValues("dma")), "failed exchanges move no bytes")
}

func TestHandler(t *testing.T) {
	o := New()
	o.SetCards(2)
	o.Exchange(sio2.ModePIO, 8, time.Millisecond, nil)

	srv := httptest.NewServer(o.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	body := string(b)
	assert.True(t, strings.Contains(body, `mmced_sio2_exchanges_total{mode="pio",result="ok"} 1`))
	assert.True(t, strings.Contains(body, "mmced_cards_present 2"))
	assert.True(t, strings.Contains(body, "mmced_sio2_exchange_duration_seconds_bucket"))
}
