// Package metrics exports transfer statistics of the SIO2 engine to
// Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/speters/mmced/pkg/sio2"
)

const namespace = "mmced"

// Collector is a sio2.Observer that counts exchanges by mode and result
type Collector struct {
	reg *prometheus.Registry

	exchanges *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	units     prometheus.Gauge
}

// New registers the transfer metrics in a fresh registry
func New() *Collector {
	o := &Collector{
		reg: prometheus.NewRegistry(),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sio2",
			Name:      "exchanges_total",
			Help:      "SIO2 exchanges by transfer mode and result.",
		}, []string{"mode", "result"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sio2",
			Name:      "bytes_total",
			Help:      "Bytes moved by successful exchanges.",
		}, []string{"mode"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sio2",
			Name:      "exchange_duration_seconds",
			Help:      "Duration of SIO2 exchanges.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"mode"}),
		units: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cards_present",
			Help:      "Units that answered the last probe.",
		}),
	}
	o.reg.MustRegister(o.exchanges, o.bytes, o.duration, o.units,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return o
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, sio2.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// Exchange implements sio2.Observer
func (o *Collector) Exchange(mode sio2.Mode, bytes int, d time.Duration, err error) {
	m := mode.String()
	o.exchanges.WithLabelValues(m, result(err)).Inc()
	o.duration.WithLabelValues(m).Observe(d.Seconds())
	if err == nil {
		o.bytes.WithLabelValues(m).Add(float64(bytes))
	}
}

// SetCards records the number of cards found by the probe
func (o *Collector) SetCards(n int) {
	o.units.Set(float64(n))
}

// Registry returns the registry holding the metrics
func (o *Collector) Registry() *prometheus.Registry {
	return o.reg
}

// Handler serves the metrics in the Prometheus exposition format
func (o *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(o.reg, promhttp.HandlerOpts{})
}
