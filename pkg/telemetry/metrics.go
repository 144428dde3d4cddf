package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weir-sfu/weir/pkg/events"
)

// Metrics is the Prometheus surface of the SFU. It owns its registry so
// that several instances can coexist in one process, which the tests rely
// on. Gauges track live resources; the event observer keeps them current.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	ConferencesActive  prometheus.Gauge
	ParticipantsActive prometheus.Gauge
	ProducersActive    *prometheus.GaugeVec
	ConsumersActive    prometheus.Gauge

	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	BroadcastsTotal   *prometheus.CounterVec
	BroadcastsDropped prometheus.Counter
	EventsTotal       *prometheus.CounterVec
	WorkerDeathsTotal prometheus.Counter
	ErrorsTotal       prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "weir_sessions_active",
			Help: "Signaling sessions currently connected",
		}),
		ConferencesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "weir_conferences_active",
			Help: "Conferences currently alive",
		}),
		ParticipantsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "weir_participants_active",
			Help: "Participants currently joined across all conferences",
		}),
		ProducersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "weir_producers_active",
			Help: "Producers currently open, by media kind",
		}, []string{"kind"}),
		ConsumersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "weir_consumers_active",
			Help: "Consumers currently open",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weir_requests_total",
			Help: "Signaling requests handled, by type and ack status",
		}, []string{"type", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weir_request_duration_seconds",
			Help:    "Signaling request handling time, by type",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		BroadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weir_broadcasts_total",
			Help: "Broadcast frames fanned out to conference rooms, by event",
		}, []string{"event"}),
		BroadcastsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "weir_broadcasts_dropped_total",
			Help: "Broadcast frames dropped because a session writer was full",
		}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weir_events_total",
			Help: "Observability events published on the internal bus, by type",
		}, []string{"type"}),
		WorkerDeathsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "weir_worker_deaths_total",
			Help: "Engine worker processes lost",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "weir_errors_total",
			Help: "Server-side errors reported on the event bus",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe subscribes to the event bus and keeps the gauges current until
// ctx is cancelled. Delivery is lossy under pressure by design, so gauge
// values are a close approximation, never a source of truth.
func (m *Metrics) Observe(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(ctx, 1024)

	go func() {
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				m.apply(ev)
			}
		}
	}()
}

func (m *Metrics) apply(ev events.Event) {
	m.EventsTotal.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case events.ClientConnected:
		m.SessionsActive.Inc()
	case events.ClientDisconnected:
		m.SessionsActive.Dec()
	case events.ConferenceCreated:
		m.ConferencesActive.Inc()
	case events.ConferenceDestroyed:
		m.ConferencesActive.Dec()
	case events.ParticipantJoined:
		m.ParticipantsActive.Inc()
	case events.ParticipantLeft:
		m.ParticipantsActive.Dec()
	case events.ProducerCreated:
		m.ProducersActive.WithLabelValues(string(ev.Kind)).Inc()
	case events.ProducerClosed:
		m.ProducersActive.WithLabelValues(string(ev.Kind)).Dec()
	case events.ConsumerCreated:
		m.ConsumersActive.Inc()
	case events.ConsumerClosed:
		m.ConsumersActive.Dec()
	case events.WorkerDied:
		m.WorkerDeathsTotal.Inc()
	case events.ServerError:
		m.ErrorsTotal.Inc()
	}
}
