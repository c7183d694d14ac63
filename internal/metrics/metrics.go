package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects crypto engine performance metrics for Prometheus
// exposition.
type Metrics struct {
	// Event counters
	eventsEncrypted atomic.Int64
	eventsDecrypted atomic.Int64
	decryptFailures atomic.Int64

	// Session lifecycle counters
	sessionsRotated  atomic.Int64
	sessionsDiscarded atomic.Int64
	keySharesSent    atomic.Int64
	keyShareFailures atomic.Int64

	// Replay / queue counters
	replaysDetected   atomic.Int64
	eventsQueued      atomic.Int64
	eventsDrained     atomic.Int64
	eventsQueueDropped atomic.Int64

	// Key request bookkeeping
	keyRequestsReceived atomic.Int64

	// Gauges
	pendingQueueSize atomic.Int64
	oneTimeKeyPoolSize atomic.Int64

	// Latency histograms (manual implementation, no external deps)
	claimLatency  *histogram
	shareLatency  *histogram

	// Per-decrypt-error-code counters
	decryptFailuresByCode sync.Map // map[string]*atomic.Int64

	startTime time.Time
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:    time.Now(),
		claimLatency: newHistogram(defaultBuckets),
		shareLatency: newHistogram(defaultBuckets),
	}
}

// --- Counter increments ---

func (m *Metrics) IncrEventsEncrypted()     { m.eventsEncrypted.Add(1) }
func (m *Metrics) IncrEventsDecrypted()     { m.eventsDecrypted.Add(1) }
func (m *Metrics) IncrDecryptFailures()     { m.decryptFailures.Add(1) }
func (m *Metrics) IncrSessionsRotated()     { m.sessionsRotated.Add(1) }
func (m *Metrics) IncrSessionsDiscarded()   { m.sessionsDiscarded.Add(1) }
func (m *Metrics) IncrKeySharesSent()       { m.keySharesSent.Add(1) }
func (m *Metrics) IncrKeyShareFailures()    { m.keyShareFailures.Add(1) }
func (m *Metrics) IncrReplaysDetected()     { m.replaysDetected.Add(1) }
func (m *Metrics) IncrEventsQueued()        { m.eventsQueued.Add(1) }
func (m *Metrics) IncrEventsDrained()       { m.eventsDrained.Add(1) }
func (m *Metrics) IncrEventsQueueDropped()  { m.eventsQueueDropped.Add(1) }
func (m *Metrics) IncrKeyRequestsReceived() { m.keyRequestsReceived.Add(1) }

// IncrDecryptFailuresByCode increments the counter for a specific
// crypto.DecryptionError code label (e.g. "UNKNOWN_SESSION", "REPLAY").
func (m *Metrics) IncrDecryptFailuresByCode(code string) {
	val, _ := m.decryptFailuresByCode.LoadOrStore(code, &atomic.Int64{})
	val.(*atomic.Int64).Add(1)
}

// --- Gauge setters ---

func (m *Metrics) SetPendingQueueSize(n int64)   { m.pendingQueueSize.Store(n) }
func (m *Metrics) SetOneTimeKeyPoolSize(n int64) { m.oneTimeKeyPoolSize.Store(n) }

// --- Latency observations ---

// ObserveClaimLatency records the time taken by a one-time-key claim RPC.
func (m *Metrics) ObserveClaimLatency(d time.Duration) {
	m.claimLatency.observe(d.Seconds())
}

// ObserveShareLatency records the time taken by a full key-share round
// (claim + olm wrap + to-device send).
func (m *Metrics) ObserveShareLatency(d time.Duration) {
	m.shareLatency.observe(d.Seconds())
}

// --- Health ---

// HealthStatus returns a structured health status.
func (m *Metrics) HealthStatus() map[string]interface{} {
	return map[string]interface{}{
		"uptime_secs": time.Since(m.startTime).Seconds(),
		"events": map[string]int64{
			"encrypted":        m.eventsEncrypted.Load(),
			"decrypted":        m.eventsDecrypted.Load(),
			"decrypt_failures": m.decryptFailures.Load(),
		},
		"sessions": map[string]int64{
			"rotated":   m.sessionsRotated.Load(),
			"discarded": m.sessionsDiscarded.Load(),
		},
		"shares": map[string]int64{
			"sent":     m.keySharesSent.Load(),
			"failures": m.keyShareFailures.Load(),
		},
		"pending_queue_size": m.pendingQueueSize.Load(),
		"replays_detected":   m.replaysDetected.Load(),
	}
}

// --- Prometheus exposition ---

// Handler returns an HTTP handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.writeMetrics(w)
	})
}

func (m *Metrics) writeMetrics(w http.ResponseWriter) {
	uptime := time.Since(m.startTime).Seconds()

	writeGauge(w, "crypto_engine_uptime_seconds", "Engine uptime in seconds", uptime)

	// Event counters
	writeCounter(w, "crypto_engine_events_encrypted_total", "Total room events encrypted", float64(m.eventsEncrypted.Load()))
	writeCounter(w, "crypto_engine_events_decrypted_total", "Total room events decrypted", float64(m.eventsDecrypted.Load()))
	writeCounter(w, "crypto_engine_decrypt_failures_total", "Total decrypt attempts that failed", float64(m.decryptFailures.Load()))

	// Session lifecycle counters
	writeCounter(w, "crypto_engine_sessions_rotated_total", "Total outbound megolm session rotations", float64(m.sessionsRotated.Load()))
	writeCounter(w, "crypto_engine_sessions_discarded_total", "Total outbound megolm sessions discarded on membership change", float64(m.sessionsDiscarded.Load()))
	writeCounter(w, "crypto_engine_key_shares_sent_total", "Total m.room_key shares delivered", float64(m.keySharesSent.Load()))
	writeCounter(w, "crypto_engine_key_share_failures_total", "Total key share rounds that failed", float64(m.keyShareFailures.Load()))

	// Replay / queue counters
	writeCounter(w, "crypto_engine_replays_detected_total", "Total replayed megolm message indices detected", float64(m.replaysDetected.Load()))
	writeCounter(w, "crypto_engine_events_queued_total", "Total events queued awaiting their megolm key", float64(m.eventsQueued.Load()))
	writeCounter(w, "crypto_engine_events_drained_total", "Total queued events successfully decrypted after key install", float64(m.eventsDrained.Load()))
	writeCounter(w, "crypto_engine_events_queue_dropped_total", "Total queued events dropped for exceeding the per-session queue cap", float64(m.eventsQueueDropped.Load()))
	writeCounter(w, "crypto_engine_key_requests_received_total", "Total m.room_key_request payloads received", float64(m.keyRequestsReceived.Load()))

	// Gauges
	writeGauge(w, "crypto_engine_pending_queue_size", "Current total pending-event queue size across all sessions", float64(m.pendingQueueSize.Load()))
	writeGauge(w, "crypto_engine_one_time_key_pool_size", "Current unclaimed one-time-key pool size", float64(m.oneTimeKeyPoolSize.Load()))

	// Latency histograms
	m.claimLatency.writePrometheus(w, "crypto_engine_otk_claim_latency_seconds", "One-time-key claim RPC latency")
	m.shareLatency.writePrometheus(w, "crypto_engine_key_share_latency_seconds", "Full key-share round latency")

	// Per-code decrypt failure counters
	var codeKeys []string
	m.decryptFailuresByCode.Range(func(key, _ interface{}) bool {
		codeKeys = append(codeKeys, key.(string))
		return true
	})
	sort.Strings(codeKeys)

	if len(codeKeys) > 0 {
		fmt.Fprintf(w, "# HELP crypto_engine_decrypt_failures_by_code_total Decrypt failures by DecryptionError code\n")
		fmt.Fprintf(w, "# TYPE crypto_engine_decrypt_failures_by_code_total counter\n")
		for _, code := range codeKeys {
			val, _ := m.decryptFailuresByCode.Load(code)
			count := val.(*atomic.Int64).Load()
			fmt.Fprintf(w, "crypto_engine_decrypt_failures_by_code_total{code=%q} %d\n", code, count)
		}
		fmt.Fprintln(w)
	}
}

// --- Helpers ---

func writeCounter(w http.ResponseWriter, name, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %g\n\n", name, value)
}

func writeGauge(w http.ResponseWriter, name, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	fmt.Fprintf(w, "%s %g\n\n", name, value)
}

// --- Histogram (lightweight, no external deps) ---

// Default latency buckets in seconds: 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s
var defaultBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64 // counts[i] = observations <= buckets[i]
	total   uint64
	sum     float64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.total++
	h.sum += value

	for i, b := range h.buckets {
		if value <= b {
			h.counts[i]++
		}
	}
}

func (h *histogram) writePrometheus(w http.ResponseWriter, name, help string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)

	for i, b := range h.buckets {
		label := fmt.Sprintf("%g", b)
		fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", name, label, h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", name, h.total)
	fmt.Fprintf(w, "%s_sum %s\n", name, formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count %d\n\n", name, h.total)
}

func formatFloat(f float64) string {
	if f == 0 {
		return "0"
	}
	if f == math.Trunc(f) {
		return fmt.Sprintf("%.1f", f)
	}
	return fmt.Sprintf("%g", f)
}
