package metrics

import (
	"fmt"
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ProcessingMetrics struct {
	sourceBlockGauge     prometheus.Gauge
	processedBlockGauge  prometheus.Gauge
	scannedWindowCounter prometheus.Counter
	eventCounter         prometheus.Counter
	fundingTxCounter     prometheus.Counter
	fundedWeiCounter     prometheus.Counter
	cycleErrorCounter    prometheus.Counter
}

func NewProcessingMetrics(namespace string) *ProcessingMetrics {
	m := ProcessingMetrics{
		// metrics for comparison to the chain head
		sourceBlockGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_source_block", namespace),
			Help: "The latest block height reported by the chain",
		}),
		processedBlockGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_processed_block", namespace),
			Help: "The last block of the most recent fully reconciled scan window",
		}),
		// metrics for reconciliation progress
		scannedWindowCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_scanned_window_count", namespace),
			Help: "The total number of block windows scanned for race events",
		}),
		eventCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_processed_event_count", namespace),
			Help: "The total number of race events processed",
		}),
		fundingTxCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_funding_tx_count", namespace),
			Help: "The total number of confirmed funding transactions",
		}),
		fundedWeiCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_funded_wei_total", namespace),
			Help: "The total amount of referral rewards funded, in wei",
		}),
		cycleErrorCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_cycle_error_count", namespace),
			Help: "The total number of failed reconciliation cycles",
		}),
	}
	return &m
}

func (m *ProcessingMetrics) SetSourceBlock(block uint64) {
	m.sourceBlockGauge.Set(float64(block))
}

func (m *ProcessingMetrics) SetProcessedBlock(block uint64) {
	m.processedBlockGauge.Set(float64(block))
}

func (m *ProcessingMetrics) IncScannedWindows() {
	m.scannedWindowCounter.Inc()
}

func (m *ProcessingMetrics) AddProcessedEvents(count int) {
	m.eventCounter.Add(float64(count))
}

func (m *ProcessingMetrics) IncFundingTransactions() {
	m.fundingTxCounter.Inc()
}

func (m *ProcessingMetrics) AddFundedWei(amount *big.Int) {
	value, _ := new(big.Float).SetInt(amount).Float64()
	m.fundedWeiCounter.Add(value)
}

func (m *ProcessingMetrics) IncCycleErrors() {
	m.cycleErrorCounter.Inc()
}
