package core

// metrics.go – prometheus gauges the metrics component scrapes. A small
// sampler refreshes them from the store so scrapes stay cheap.

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

var (
	pendingMessagesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aleph_pending_messages_total",
		Help: "Messages waiting in the pending queue.",
	})
	pendingTxsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aleph_pending_txs_total",
		Help: "Chain transactions waiting for fan-out.",
	})
	messagesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aleph_messages_total",
		Help: "Confirmed messages.",
	})
	committedHeightGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aleph_last_committed_height",
		Help: "Last committed indexer height per chain.",
	}, []string{"chain"})
)

func init() {
	prometheus.MustRegister(pendingMessagesGauge, pendingTxsGauge, messagesGauge, committedHeightGauge)
}

// MetricsSampler refreshes the gauges from the store.
type MetricsSampler struct {
	store    *Store
	interval time.Duration
	logger   *log.Logger
}

// NewMetricsSampler wires the sampler (default 15 s refresh).
func NewMetricsSampler(store *Store, interval time.Duration, lg *log.Logger) *MetricsSampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsSampler{store: store, interval: interval, logger: lg}
}

// Run refreshes until ctx is cancelled.
func (m *MetricsSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *MetricsSampler) sample(ctx context.Context) {
	if n, err := m.store.PendingMessageCount(ctx); err == nil {
		pendingMessagesGauge.Set(float64(n))
	}
	if n, err := m.store.PendingTxCount(ctx); err == nil {
		pendingTxsGauge.Set(float64(n))
	}
	if n, err := m.store.MessageCount(ctx); err == nil {
		messagesGauge.Set(float64(n))
	}
	heights, err := m.store.CursorHeights(ctx)
	if err != nil {
		m.logger.Debugf("metrics: cursor heights: %v", err)
		return
	}
	for chain, height := range heights {
		committedHeightGauge.WithLabelValues(string(chain)).Set(float64(height))
	}
}
