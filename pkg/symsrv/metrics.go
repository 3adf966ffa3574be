package symsrv

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/symres/pkg/util"
)

const (
	statusSuccess = "success"

	statusErrorPrefix = "error:"

	statusErrorNotFound    = statusErrorPrefix + "not_found"
	statusErrorClientError = statusErrorPrefix + "client_error"
	statusErrorServerError = statusErrorPrefix + "server_error"
	statusErrorCanceled    = statusErrorPrefix + "canceled"
	statusErrorTimeout     = statusErrorPrefix + "timeout"
	statusErrorOther       = statusErrorPrefix + "other"
)

type metrics struct {
	registerer prometheus.Registerer

	requestDuration   *prometheus.HistogramVec
	fileSize          prometheus.Histogram
	notFoundCacheHits prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		registerer: reg,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symres_symsrv_request_duration_seconds",
			Help:    "Time spent fetching debug files from the symbol server by status",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		fileSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "symres_symsrv_debug_file_size_bytes",
			Help: "Size of debug files fetched from the symbol server",
			// 64KB to 4GB
			Buckets: prometheus.ExponentialBuckets(64*1024, 4, 9),
		}),
		notFoundCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symres_symsrv_not_found_cache_hits_total",
			Help: "Number of fetches answered by the negative cache",
		}),
	}

	if reg != nil {
		m.register()
	}
	return m
}

func (m *metrics) register() {
	if m.registerer == nil {
		return
	}
	collectors := []prometheus.Collector{
		m.requestDuration,
		m.fileSize,
		m.notFoundCacheHits,
	}
	for _, collector := range collectors {
		util.RegisterOrGet(m.registerer, collector)
	}
}
