package promclient

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/logger"
)

const namespace = "cryptostream"

// Metrics observes connections and subscriptions. It implements both
// conn.Observer and router.Observer.
type Metrics struct {
	registry *prometheus.Registry

	OpenOrderBooks   *prometheus.GaugeVec
	Subscriptions    *prometheus.GaugeVec
	Connections      *prometheus.GaugeVec
	Reconnects       *prometheus.CounterVec
	OrderBookSyncs   *prometheus.CounterVec
	OrderBookDesyncs *prometheus.CounterVec
	DeliveryDrops    *prometheus.CounterVec
	ParseErrors      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OpenOrderBooks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_order_books",
			Help:      "Order books currently maintained per exchange.",
		}, []string{"exchange"}),
		Subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Open exchange subscriptions.",
		}, []string{"exchange", "channel"}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Open websocket connections.",
		}, []string{"exchange"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts.",
		}, []string{"exchange"}),
		OrderBookSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_book_syncs_total",
			Help:      "Order books that reached the synced state.",
		}, []string{"exchange"}),
		OrderBookDesyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_book_desyncs_total",
			Help:      "Order books invalidated, by reason.",
		}, []string{"exchange", "reason"}),
		DeliveryDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_dropped_total",
			Help:      "Values discarded because a consumer queue was full.",
		}, []string{"exchange", "channel"}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Inbound frames that could not be decoded.",
		}, []string{"exchange"}),
	}

	m.registry.MustRegister(
		m.OpenOrderBooks,
		m.Subscriptions,
		m.Connections,
		m.Reconnects,
		m.OrderBookSyncs,
		m.OrderBookDesyncs,
		m.DeliveryDrops,
		m.ParseErrors,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) ConnectionOpened(exchange string) { m.Connections.WithLabelValues(exchange).Inc() }
func (m *Metrics) ConnectionClosed(exchange string) { m.Connections.WithLabelValues(exchange).Dec() }
func (m *Metrics) Reconnect(exchange string)        { m.Reconnects.WithLabelValues(exchange).Inc() }

func (m *Metrics) SubscriptionOpened(key domain.SubscriptionKey) {
	m.Subscriptions.WithLabelValues(key.Exchange, string(key.Channel)).Inc()
	if key.Channel == domain.ChannelOrderBook {
		m.OpenOrderBooks.WithLabelValues(key.Exchange).Inc()
	}
}

func (m *Metrics) SubscriptionClosed(key domain.SubscriptionKey) {
	m.Subscriptions.WithLabelValues(key.Exchange, string(key.Channel)).Dec()
	if key.Channel == domain.ChannelOrderBook {
		m.OpenOrderBooks.WithLabelValues(key.Exchange).Dec()
	}
}

func (m *Metrics) OrderBookSynced(exchange string) {
	m.OrderBookSyncs.WithLabelValues(exchange).Inc()
}

func (m *Metrics) OrderBookDesynced(exchange, reason string) {
	m.OrderBookDesyncs.WithLabelValues(exchange, reason).Inc()
}

func (m *Metrics) DeliveryDropped(exchange string, channel domain.Channel) {
	m.DeliveryDrops.WithLabelValues(exchange, string(channel)).Inc()
}

func (m *Metrics) ParseError(exchange string) {
	m.ParseErrors.WithLabelValues(exchange).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartPromClientServer serves /metrics on addr until ctx is cancelled.
func StartPromClientServer(ctx context.Context, addr string, m *Metrics) error {
	log := logger.GetLogger().WithComponent("promclient")

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithFields(logger.Fields{"addr": addr}).Info("prometheus server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
