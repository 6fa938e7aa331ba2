package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"tagtrader/internal/types"
)

const namespace = "tagtrader"

// Metrics exports controller events and the published status to Prometheus.
// It keeps its own registry so tests and multiple instances do not collide.
type Metrics struct {
	registry *prometheus.Registry

	orders      *prometheus.CounterVec
	stopMoves   prometheus.Counter
	closed      *prometheus.CounterVec
	venueErrors *prometheus.CounterVec

	venueDown     prometheus.Gauge
	inTrade       prometheus.Gauge
	unrealizedPnL prometheus.Gauge
	score         prometheus.Gauge
	trades        prometheus.Gauge
	balance       prometheus.Gauge
	ticks         prometheus.Gauge
}

// New registers the controller metrics, labelled with the tag and symbol
func New(tag int64, symbol string) *Metrics {
	labels := prometheus.Labels{
		"tag":    strconv.FormatInt(tag, 10),
		"symbol": symbol,
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "orders_submitted_total",
			Help:        "Orders accepted by the venue.",
			ConstLabels: labels,
		}, []string{"side"}),
		stopMoves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "stop_moves_total",
			Help:        "Trailing stop modifications accepted by the venue.",
			ConstLabels: labels,
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "trades_closed_total",
			Help:        "Closed trades, by whether they scored.",
			ConstLabels: labels,
		}, []string{"scored"}),
		venueErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "venue_errors_total",
			Help:        "Failed venue calls, by operation.",
			ConstLabels: labels,
		}, []string{"op"}),
		venueDown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "venue_degraded",
			Help:        "1 from a failed venue call until a tick completes cleanly.",
			ConstLabels: labels,
		}),
		inTrade: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "in_trade",
			Help:        "1 while the controller's position is open.",
			ConstLabels: labels,
		}),
		unrealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "unrealized_pnl",
			Help:        "Open profit of the controller's position.",
			ConstLabels: labels,
		}),
		score: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "score_points",
			Help:        "Closed trades that did not reduce the balance.",
			ConstLabels: labels,
		}),
		trades: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "closed_trades",
			Help:        "Closed trades since start.",
			ConstLabels: labels,
		}),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "account_balance",
			Help:        "Balance recorded on the last tick.",
			ConstLabels: labels,
		}),
		ticks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "ticks",
			Help:        "Controller ticks since start.",
			ConstLabels: labels,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.orders, m.stopMoves, m.closed, m.venueErrors,
		m.venueDown, m.inTrade, m.unrealizedPnL, m.score, m.trades, m.balance, m.ticks,
	)

	return m
}

// Registry returns the registry holding the controller metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderSubmitted(req types.OrderRequest, handle types.Handle) {
	m.orders.WithLabelValues(req.Side.String()).Inc()
}

func (m *Metrics) StopMoved(pos types.Position, from, to decimal.Decimal) {
	m.stopMoves.Inc()
}

func (m *Metrics) TradeClosed(trade types.ClosedTrade) {
	m.closed.WithLabelValues(strconv.FormatBool(trade.Scored)).Inc()
}

func (m *Metrics) VenueFailed(err *types.VenueError) {
	m.venueErrors.WithLabelValues(err.Op).Inc()
	m.venueDown.Set(1)
}

func (m *Metrics) VenueRecovered() {
	m.venueDown.Set(0)
}

// ObserveStatus updates the gauges from a published status
func (m *Metrics) ObserveStatus(status types.Status) {
	if status.InTrade {
		m.inTrade.Set(1)
	} else {
		m.inTrade.Set(0)
	}

	m.unrealizedPnL.Set(status.Position.UnrealizedPnL.InexactFloat64())
	m.score.Set(float64(status.ScorePoints))
	m.trades.Set(float64(status.ClosedTradeCount))
	m.ticks.Set(float64(status.Ticks))

	if b, err := decimal.NewFromString(status.Balance); err == nil {
		m.balance.Set(b.InexactFloat64())
	}
}
