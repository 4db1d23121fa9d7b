// Package metrics registers the Prometheus instrumentation for the pipeline:
//
//	feedhub_records_seen_total
//	feedhub_records_dropped_total
//	feedhub_reconnects_total
//	feedhub_flush_failures_total
//	feedhub_flushed_records_total
//	feedhub_whale_events_total
//	feedhub_pending_queue_depth
//	feedhub_buffer_size
//
// plus the go_* and process_* collectors. The /metrics exposition endpoint is
// mounted by the API server.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	once           sync.Once
	recordsSeen    prometheus.Counter
	recordsDropped *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	flushFailures  prometheus.Counter
	flushedRecords prometheus.Counter
	whaleEvents    prometheus.Counter

	// Mirrors of the counters kept for the CloudWatch publisher; the
	// Prometheus client offers no cheap read-back path.
	seenCount    atomic.Int64
	droppedCount atomic.Int64
	whaleCount   atomic.Int64
	failureCount atomic.Int64

	samplerMu     sync.Mutex
	queueSampler  func() int
	bufferSampler func() int
)

// Drop reasons for feedhub_records_dropped_total.
const (
	DropReasonValidation = "validation"
	DropReasonProtocol   = "protocol"
)

// Reconnect triggers for feedhub_reconnects_total.
const (
	ReconnectTriggerClose = "close"
	ReconnectTriggerStale = "stale"
	ReconnectTriggerAdmin = "admin"
)

func Init() {
	once.Do(func() {
		recordsSeen = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedhub_records_seen_total",
			Help: "Number of canonical records accepted into the history buffer",
		})
		recordsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedhub_records_dropped_total",
			Help: "Number of upstream events rejected before the buffer",
		}, []string{"reason"})
		reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedhub_reconnects_total",
			Help: "Number of reconnect attempts by trigger",
		}, []string{"trigger"})
		flushFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedhub_flush_failures_total",
			Help: "Number of failed durable batch writes",
		})
		flushedRecords = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedhub_flushed_records_total",
			Help: "Number of records handed to the durable store",
		})
		whaleEvents = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedhub_whale_events_total",
			Help: "Number of records above the whale notional threshold",
		})

		queueDepth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "feedhub_pending_queue_depth",
			Help: "Records waiting for durable persistence",
		}, func() float64 { return float64(sampleQueueDepth()) })
		bufferSize := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "feedhub_buffer_size",
			Help: "Records currently held in the history buffer",
		}, func() float64 { return float64(sampleBufferSize()) })

		_ = prometheus.Register(recordsSeen)
		_ = prometheus.Register(recordsDropped)
		_ = prometheus.Register(reconnects)
		_ = prometheus.Register(flushFailures)
		_ = prometheus.Register(flushedRecords)
		_ = prometheus.Register(whaleEvents)
		_ = prometheus.Register(queueDepth)
		_ = prometheus.Register(bufferSize)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// SetQueueDepthSampler wires the pending write queue into the depth gauge.
func SetQueueDepthSampler(sampler func() int) {
	samplerMu.Lock()
	queueSampler = sampler
	samplerMu.Unlock()
}

// SetBufferSizeSampler wires the history buffer into the size gauge.
func SetBufferSizeSampler(sampler func() int) {
	samplerMu.Lock()
	bufferSampler = sampler
	samplerMu.Unlock()
}

func sampleQueueDepth() int {
	samplerMu.Lock()
	sampler := queueSampler
	samplerMu.Unlock()
	if sampler == nil {
		return 0
	}
	return sampler()
}

func sampleBufferSize() int {
	samplerMu.Lock()
	sampler := bufferSampler
	samplerMu.Unlock()
	if sampler == nil {
		return 0
	}
	return sampler()
}

// IncrementRecordsSeen counts records accepted into the buffer.
func IncrementRecordsSeen(n int) {
	if recordsSeen != nil && n > 0 {
		recordsSeen.Add(float64(n))
	}
	seenCount.Add(int64(n))
}

// IncrementDropped counts one rejected upstream event.
func IncrementDropped(reason string) {
	if recordsDropped != nil {
		recordsDropped.WithLabelValues(reason).Inc()
	}
	droppedCount.Add(1)
}

// IncrementReconnect counts one reconnect attempt.
func IncrementReconnect(trigger string) {
	if reconnects != nil {
		reconnects.WithLabelValues(trigger).Inc()
	}
}

// IncrementFlushFailure counts one failed durable batch write.
func IncrementFlushFailure() {
	if flushFailures != nil {
		flushFailures.Inc()
	}
	failureCount.Add(1)
}

// IncrementFlushedRecords counts records handed to the durable store.
func IncrementFlushedRecords(n int) {
	if flushedRecords != nil && n > 0 {
		flushedRecords.Add(float64(n))
	}
}

// IncrementWhaleEvents counts one record above the whale threshold.
func IncrementWhaleEvents() {
	if whaleEvents != nil {
		whaleEvents.Inc()
	}
	whaleCount.Add(1)
}
