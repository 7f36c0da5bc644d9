package monitoring

import (
	"context"
	"time"

	"castrelay/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StatsSource is polled for room gauges.
type StatsSource interface {
	Stats() domain.RegistryStats
}

type PrometheusCollector struct {
	// Counters
	connectionsTotal    prometheus.Counter
	messagesReceived    *prometheus.CounterVec
	messagesDelivered   *prometheus.CounterVec
	messagesDropped     *prometheus.CounterVec
	broadcasterRejected prometheus.Counter

	// Gauges
	connectionsOpen   prometheus.Gauge
	roomsTotal        prometheus.Gauge
	roomsActive       prometheus.Gauge
	broadcastersTotal prometheus.Gauge
	viewersTotal      prometheus.Gauge

	// Histograms
	dispatchDuration *prometheus.HistogramVec
	recipientsPerMsg prometheus.Histogram
}

// NewPrometheusCollector registers the signaling metrics with reg. A nil reg
// uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "castrelay_connections_total",
			Help: "Total number of signaling connections accepted",
		}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castrelay_messages_received_total",
			Help: "Inbound signaling messages by event type",
		}, []string{"type"}),

		messagesDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castrelay_messages_delivered_total",
			Help: "Outbound frames enqueued by event type",
		}, []string{"type"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castrelay_messages_dropped_total",
			Help: "Messages dropped by event type and reason",
		}, []string{"type", "reason"}),

		broadcasterRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "castrelay_broadcaster_rejected_total",
			Help: "Streamer announcements rejected because the room already had a broadcaster",
		}),

		connectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castrelay_connections_open",
			Help: "Currently open signaling connections",
		}),

		roomsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castrelay_rooms",
			Help: "Rooms currently known to the registry",
		}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castrelay_rooms_active",
			Help: "Rooms with a broadcaster",
		}),

		broadcastersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castrelay_broadcasters",
			Help: "Connected broadcasters",
		}),

		viewersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castrelay_viewers",
			Help: "Connected viewers",
		}),

		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "castrelay_dispatch_duration_seconds",
			Help:    "Time spent handling one inbound message",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"type"}),

		recipientsPerMsg: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "castrelay_message_recipients",
			Help:    "Recipients per routed message",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsTotal.Inc()
	p.connectionsOpen.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.connectionsOpen.Dec()
}

func (p *PrometheusCollector) MessageReceived(eventType string) {
	p.messagesReceived.WithLabelValues(eventType).Inc()
}

func (p *PrometheusCollector) MessageDelivered(eventType string, recipients int) {
	if recipients <= 0 {
		return
	}
	p.messagesDelivered.WithLabelValues(eventType).Add(float64(recipients))
	p.recipientsPerMsg.Observe(float64(recipients))
}

func (p *PrometheusCollector) MessageDropped(eventType, reason string) {
	p.messagesDropped.WithLabelValues(eventType, reason).Inc()
}

func (p *PrometheusCollector) DispatchDuration(eventType string, d time.Duration) {
	p.dispatchDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

func (p *PrometheusCollector) BroadcasterRejected() {
	p.broadcasterRejected.Inc()
}

func (p *PrometheusCollector) UpdateRegistryStats(stats domain.RegistryStats) {
	p.roomsTotal.Set(float64(stats.Rooms))
	p.roomsActive.Set(float64(stats.ActiveRooms))
	p.broadcastersTotal.Set(float64(stats.Broadcasters))
	p.viewersTotal.Set(float64(stats.Viewers))
}

// Run refreshes the registry gauges every interval until ctx is done.
func (p *PrometheusCollector) Run(ctx context.Context, source StatsSource, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.UpdateRegistryStats(source.Stats())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.UpdateRegistryStats(source.Stats())
		}
	}
}
