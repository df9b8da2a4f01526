// Package metrics — счётчики Prometheus для каналов, трекеров и пакетной обработки.
// Все методы безопасны для nil-получателя: при выключенных метриках компоненты
// получают nil и ничего не пишут.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "session_web"

// Metrics агрегирует коллекторы сервиса в собственном реестре.
type Metrics struct {
	registry *prometheus.Registry

	channelsOpen     prometheus.Gauge
	deliveryFailures prometheus.Counter
	eventsQueued     *prometheus.CounterVec
	trackersActive   prometheus.Gauge
	batchItems       *prometheus.CounterVec
}

// New создаёт реестр и регистрирует в нём все коллекторы.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		channelsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_channels_open",
			Help:      "Number of admitted WebSocket channels.",
		}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_delivery_failures_total",
			Help:      "Channels dropped because an event could not be delivered.",
		}),
		eventsQueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_events_queued_total",
			Help:      "Events queued for delivery, by event type.",
		}, []string{"type"}),
		trackersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trackers_active",
			Help:      "Progress trackers currently registered.",
		}),
		batchItems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Processed batch items, by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}
}

// Handler отдаёт метрики реестра в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ChannelOpened фиксирует допуск канала.
func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.channelsOpen.Inc()
}

// ChannelClosed фиксирует удаление канала.
func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.channelsOpen.Dec()
}

// DeliveryFailed фиксирует канал, отброшенный из-за ошибки доставки.
func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

// EventQueued фиксирует событие, поставленное в очередь канала.
func (m *Metrics) EventQueued(kind string) {
	if m == nil {
		return
	}
	m.eventsQueued.WithLabelValues(kind).Inc()
}

// TrackerAdded / TrackerRemoved ведут число активных трекеров.
func (m *Metrics) TrackerAdded() {
	if m == nil {
		return
	}
	m.trackersActive.Inc()
}

func (m *Metrics) TrackerRemoved() {
	if m == nil {
		return
	}
	m.trackersActive.Dec()
}

// BatchItem фиксирует обработанный элемент пакета.
func (m *Metrics) BatchItem(operation, outcome string) {
	if m == nil {
		return
	}
	m.batchItems.WithLabelValues(operation, outcome).Inc()
}
