package api

import (
	"context"
	"net/http"

	"github.com/VictoriaMetrics/metrics"

	"github.com/hyperengineering/relay/internal/types"
)

// registerMetrics wires the operational metrics: lifecycle counters fed by
// the event bus and gauges sampled at scrape time.
func (h *Handler) registerMetrics() {
	syncCompleted := metrics.GetOrCreateCounter("relay_sync_completed_total")
	syncErrors := metrics.GetOrCreateCounter("relay_sync_errors_total")
	syncQueued := metrics.GetOrCreateCounter("relay_sync_queued_total")
	queueOverflows := metrics.GetOrCreateCounter("relay_queue_overflow_total")

	h.manager.Events().Subscribe(func(e types.Event) {
		switch e.Kind {
		case types.EventSyncComplete:
			syncCompleted.Inc()
		case types.EventSyncError:
			syncErrors.Inc()
		case types.EventSyncQueued:
			syncQueued.Inc()
		case types.EventQueueOverflow:
			queueOverflows.Inc()
		}
	})

	metrics.GetOrCreateGauge("relay_queue_depth", func() float64 {
		depth, err := h.queue.Depth(context.Background())
		if err != nil {
			return 0
		}
		return float64(depth)
	})
	metrics.GetOrCreateGauge("relay_storage_bytes", func() float64 {
		usage, err := h.rows.UsageBytes(context.Background())
		if err != nil {
			return 0
		}
		return float64(usage)
	})
	metrics.GetOrCreateGauge("relay_online", func() float64 {
		if h.manager.Online() {
			return 1
		}
		return 0
	})
}

// Metrics serves the Prometheus text exposition.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics.WritePrometheus(w, true)
}
