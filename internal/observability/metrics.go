package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tutorbot/internal/eventbus"
	"tutorbot/internal/pending"
	"tutorbot/internal/storage"
)

const namespace = "tutorbot"

// Metrics holds the collectors the pipeline reports into. Each instance owns
// its registry so tests never touch the global default.
type Metrics struct {
	Registry *prometheus.Registry

	Online   prometheus.Gauge
	Attempts *prometheus.CounterVec
	Results  *prometheus.CounterVec
	Pending  *prometheus.GaugeVec
	Flushed  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connectivity_online",
			Help:      "1 while the last reachability probe succeeded.",
		}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_attempts_total",
			Help:      "Send attempts by channel and attempt outcome.",
		}, []string{"channel", "outcome"}),
		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_results_total",
			Help:      "Final send results by channel and reason.",
		}, []string{"channel", "reason"}),
		Pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_records",
			Help:      "Queued notifications per channel at the last count.",
		}, []string{"channel"}),
		Flushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_flushed_total",
			Help:      "Pending records handled by flushes, by channel and result.",
		}, []string{"channel", "result"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Online, m.Attempts, m.Results, m.Pending, m.Flushed,
	)
	return m
}

// CountFunc returns the number of queued records of a channel.
type CountFunc func(ctx context.Context, channel string) (int, error)

// Observe follows pending-queue events on bus until ctx ends, keeping the
// Pending gauge and Flushed counters current. count may be nil.
func (m *Metrics) Observe(ctx context.Context, bus eventbus.Bus, count CountFunc) {
	m.Follow(bus, count)(ctx)
}

// Follow subscribes right away and returns the loop applying the events, so
// nothing published between the two calls is missed.
func (m *Metrics) Follow(bus eventbus.Bus, count CountFunc) func(ctx context.Context) {
	ch, unsubscribe := bus.Subscribe(64, eventbus.TypePendingDeferred, eventbus.TypePendingFlushed)
	return func(ctx context.Context) {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				m.apply(ctx, e, count)
			}
		}
	}
}

func (m *Metrics) apply(ctx context.Context, e eventbus.Event, count CountFunc) {
	var channel string
	switch v := e.Data.(type) {
	case storage.PendingRecord:
		channel = v.Channel
	case pending.FlushResult:
		channel = v.Channel
		m.Flushed.WithLabelValues(channel, "delivered").Add(float64(v.Delivered))
		m.Flushed.WithLabelValues(channel, "failed").Add(float64(v.Failed))
	default:
		return
	}
	if count == nil || channel == "" {
		return
	}
	if n, err := count(ctx, channel); err == nil {
		m.Pending.WithLabelValues(channel).Set(float64(n))
	}
}
