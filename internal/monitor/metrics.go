package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Signals submitted, by admission result"},
		[]string{"result"},
	)
	SequencesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sequences_total", Help: "Finished martingale sequences, by outcome"},
		[]string{"outcome"},
	)
	TradesPlacedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trades_placed_total", Help: "Broker placements, by martingale level"},
		[]string{"level"},
	)
	ResultWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "result_wait_seconds",
		Help:    "Time spent waiting for a trade result",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	})
	DailyPnL = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pnl_daily", Help: "Daily profit and loss"})
	LifetimePnL = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pnl_lifetime", Help: "Lifetime profit and loss"})
	Balance = prometheus.NewGauge(prometheus.GaugeOpts{Name: "account_balance", Help: "Last broker balance"})
	IntakeBacklog = prometheus.NewGauge(prometheus.GaugeOpts{Name: "intake_backlog", Help: "Signals waiting for admission"})
)

func init() {
	prometheus.MustRegister(
		SignalsTotal, SequencesTotal, TradesPlacedTotal, ResultWaitSeconds,
		DailyPnL, LifetimePnL, Balance, IntakeBacklog,
	)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveSignal(result string) {
	SignalsTotal.WithLabelValues(result).Inc()
}

func ObserveSequence(outcome string) {
	SequencesTotal.WithLabelValues(outcome).Inc()
}

func ObservePlacement(level int) {
	TradesPlacedTotal.WithLabelValues(strconv.Itoa(level)).Inc()
}

func ObserveResultWait(d time.Duration) {
	ResultWaitSeconds.Observe(d.Seconds())
}

// SetLedger publishes the ledger figures as gauges.
func SetLedger(balance, daily, lifetime float64) {
	Balance.Set(balance)
	DailyPnL.Set(daily)
	LifetimePnL.Set(lifetime)
}
