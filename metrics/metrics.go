// Package metrics holds the Prometheus collectors the engine updates:
//
//	intraday_orders_total{strategy,mode}     orders placed (mode: paper|live)
//	intraday_guard_rejections_total{code}    entry guard rejections by code
//	intraday_exits_total{rule}               positions closed by exit rule
//	intraday_open_positions                  open position count
//	intraday_portfolio_pnl                   unrealized portfolio PnL
//	intraday_realized_pnl                    realized PnL for the day
//	intraday_global_tsl_active               1 while the global trailing stop is armed
//	intraday_broker_errors_total{op}         failed gateway calls
//	intraday_scan_duration_seconds           scan cycle latency
//	intraday_sink_failures_total{sink}       reporting sink delivery failures
//	intraday_ticks_dropped_total             ticks dropped on a full feed buffer
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	orders       *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	exits        *prometheus.CounterVec
	open         prometheus.Gauge
	portfolioPnL prometheus.Gauge
	realizedPnL  prometheus.Gauge
	gtslActive   prometheus.Gauge
	brokerErrors *prometheus.CounterVec
	scanDuration prometheus.Histogram
	sinkFailures *prometheus.CounterVec
	ticksDropped prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "intraday_orders_total", Help: "Orders placed"},
			[]string{"strategy", "mode"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "intraday_guard_rejections_total", Help: "Entry guard rejections by code"},
			[]string{"code"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "intraday_exits_total", Help: "Positions closed by exit rule"},
			[]string{"rule"},
		),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intraday_open_positions", Help: "Open positions",
		}),
		portfolioPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intraday_portfolio_pnl", Help: "Unrealized portfolio PnL in rupees",
		}),
		realizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intraday_realized_pnl", Help: "Realized PnL for the trading day in rupees",
		}),
		gtslActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intraday_global_tsl_active", Help: "1 while the global trailing stop is active",
		}),
		brokerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "intraday_broker_errors_total", Help: "Failed broker gateway calls"},
			[]string{"op"},
		),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intraday_scan_duration_seconds",
			Help:    "Time spent in one scan cycle",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		sinkFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "intraday_sink_failures_total", Help: "Reporting sink delivery failures"},
			[]string{"sink"},
		),
		ticksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intraday_ticks_dropped_total", Help: "Ticks dropped because the feed buffer was full",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.orders, m.rejections, m.exits, m.open, m.portfolioPnL, m.realizedPnL,
			m.gtslActive, m.brokerErrors, m.scanDuration, m.sinkFailures, m.ticksDropped,
		)
	}
	return m
}

func (m *Metrics) OrderPlaced(strategy string, dryRun bool) {
	if m == nil {
		return
	}
	mode := "live"
	if dryRun {
		mode = "paper"
	}
	m.orders.WithLabelValues(strategy, mode).Inc()
}

func (m *Metrics) GuardRejected(code string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(code).Inc()
}

func (m *Metrics) ExitFired(rule string) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(rule).Inc()
}

// Portfolio sets the position and PnL gauges in one call.
func (m *Metrics) Portfolio(open int, unrealized, realized float64, gtslActive bool) {
	if m == nil {
		return
	}
	m.open.Set(float64(open))
	m.portfolioPnL.Set(unrealized)
	m.realizedPnL.Set(realized)
	if gtslActive {
		m.gtslActive.Set(1)
	} else {
		m.gtslActive.Set(0)
	}
}

func (m *Metrics) BrokerError(op string) {
	if m == nil {
		return
	}
	m.brokerErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveScan(d time.Duration) {
	if m == nil {
		return
	}
	m.scanDuration.Observe(d.Seconds())
}

func (m *Metrics) SinkFailed(sink string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) TickDropped() {
	if m == nil {
		return
	}
	m.ticksDropped.Inc()
}
