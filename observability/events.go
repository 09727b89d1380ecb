package observability

import (
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"vaultlend/core/events"
)

// Stable amounts carry 18 decimals and are reported in whole units.
const stableUnit = 1e18

type eventMetrics struct {
	emitted *prometheus.CounterVec
	volume  *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the registry counting lending events. It satisfies
// events.Emitter so it can be attached to the event bus as a sink.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of lending events segmented by type.",
			}, []string{"type"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "stable_volume",
				Help:      "Stable currency moved by loans in whole units, segmented by flow.",
			}, []string{"flow"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.volume)
	})
	return eventRegistry
}

// Emit implements events.Emitter.
func (m *eventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	flat := events.Flatten(evt)
	eventType := strings.TrimSpace(flat.Type)
	if eventType == "" {
		eventType = "unknown"
	}
	m.emitted.WithLabelValues(eventType).Inc()
	switch eventType {
	case events.TypeLoanCreated:
		m.addVolume("disbursed", flat.Attribute("principal"))
	case events.TypeLoanRepaid:
		m.addVolume("repaid_principal", flat.Attribute("principal"))
		m.addVolume("repaid_interest", flat.Attribute("interest"))
	}
}

func (m *eventMetrics) addVolume(flow, raw string) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() <= 0 {
		return
	}
	m.volume.WithLabelValues(flow).Add(bigToFloat(amount) / stableUnit)
}
