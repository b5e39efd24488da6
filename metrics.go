package rdsmq

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics are always recorded; they are only exported when a
// Registerer is supplied via WithMetrics.
type metrics struct {
	enqueued        *prometheus.CounterVec
	promoted        *prometheus.CounterVec
	consumed        *prometheus.CounterVec
	unresolved      *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	monitorDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdsmq",
			Name:      "enqueued_total",
			Help:      "Message ids admitted to a pending queue.",
		}, []string{"queue"}),
		promoted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdsmq",
			Name:      "promoted_total",
			Help:      "Message ids moved from a pending queue to its ready list.",
		}, []string{"queue", "list"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdsmq",
			Name:      "consumed_total",
			Help:      "Ids drained from a ready list.",
		}, []string{"list"}),
		unresolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdsmq",
			Name:      "unresolved_total",
			Help:      "Drained ids whose body was missing from the message pool.",
		}, []string{"list"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdsmq",
			Name:      "store_errors_total",
			Help:      "Backing-store primitive failures by operation.",
		}, []string{"op"}),
		monitorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rdsmq",
			Name:      "monitor_duration_seconds",
			Help:      "Duration of one reaper tick across all routes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.enqueued, err = register(reg, m.enqueued); err != nil {
		return nil, err
	}
	if m.promoted, err = register(reg, m.promoted); err != nil {
		return nil, err
	}
	if m.consumed, err = register(reg, m.consumed); err != nil {
		return nil, err
	}
	if m.unresolved, err = register(reg, m.unresolved); err != nil {
		return nil, err
	}
	if m.storeErrors, err = register(reg, m.storeErrors); err != nil {
		return nil, err
	}
	if m.monitorDuration, err = register(reg, m.monitorDuration); err != nil {
		return nil, err
	}
	return m, nil
}

// register reuses an identical collector already on reg, so two engines
// sharing a registry report into the same series.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
