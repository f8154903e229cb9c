package memmod

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	ModulesLoaded   prometheus.Counter
	LoadFailures    *prometheus.CounterVec
	SymbolsResolved *prometheus.CounterVec
	BytesUsed       *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ModulesLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dlflash_modules_loaded_total",
			Help: "Total number of modules linked and committed to a module chain",
		}),
		LoadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlflash_load_failures_total",
			Help: "Total number of module loads aborted before commit",
		}, []string{"kind"}),
		SymbolsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlflash_symbols_resolved_total",
			Help: "Total number of undefined module symbols bound while linking",
		}, []string{"provider"}),
		BytesUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dlflash_bytes_used",
			Help: "Bytes consumed by committed modules",
		}, []string{"device", "region"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ModulesLoaded,
			m.LoadFailures,
			m.SymbolsResolved,
			m.BytesUsed,
		)
	}

	return m
}
