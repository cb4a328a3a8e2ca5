package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var (
	documentsIngestedTotal atomic.Uint64
	uploadsCompletedTotal  atomic.Uint64
	uploadsFailedTotal     atomic.Uint64

	extractionStartedTotal   atomic.Uint64
	extractionCompletedTotal atomic.Uint64
	extractionFailedTotal    atomic.Uint64
	extractionCancelledTotal atomic.Uint64

	aiBatchesTotal          atomic.Uint64
	aiBatchesMalformedTotal atomic.Uint64
	poolRejectedTotal       atomic.Uint64

	extractionDuration = newHistogram([]float64{1000, 5000, 15000, 30000, 60000, 120000, 300000, 600000})
	uploadDuration     = newHistogram([]float64{50, 100, 250, 500, 1000, 2500, 5000, 15000})
)

// IncDocumentsIngested adds n accepted documents.
func IncDocumentsIngested(n int) {
	if n > 0 {
		documentsIngestedTotal.Add(uint64(n))
	}
}

func IncUploadCompleted() { uploadsCompletedTotal.Add(1) }
func IncUploadFailed()    { uploadsFailedTotal.Add(1) }

func IncExtractionStarted()   { extractionStartedTotal.Add(1) }
func IncExtractionCompleted() { extractionCompletedTotal.Add(1) }
func IncExtractionFailed()    { extractionFailedTotal.Add(1) }
func IncExtractionCancelled() { extractionCancelledTotal.Add(1) }

// IncAIBatch counts one page batch sent to the model; malformed marks a
// response that had to be recorded as a degraded finding.
func IncAIBatch(malformed bool) {
	aiBatchesTotal.Add(1)
	if malformed {
		aiBatchesMalformedTotal.Add(1)
	}
}

// IncPoolRejected counts work refused because the worker pool was saturated.
func IncPoolRejected() { poolRejectedTotal.Add(1) }

// ObserveExtractionDurationMs records an extraction duration in milliseconds.
func ObserveExtractionDurationMs(value float64) {
	extractionDuration.Observe(clampNonNegative(value))
}

// ObserveUploadDurationMs records an upload duration in milliseconds.
func ObserveUploadDurationMs(value float64) {
	uploadDuration.Observe(clampNonNegative(value))
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "documents_ingested_total", "Total documents accepted for ingestion", documentsIngestedTotal.Load())
	writeCounter(&buf, "uploads_completed_total", "Total uploads stored", uploadsCompletedTotal.Load())
	writeCounter(&buf, "uploads_failed_total", "Total uploads failed", uploadsFailedTotal.Load())
	writeCounter(&buf, "extraction_started_total", "Total extractions started", extractionStartedTotal.Load())
	writeCounter(&buf, "extraction_completed_total", "Total extractions completed", extractionCompletedTotal.Load())
	writeCounter(&buf, "extraction_failed_total", "Total extractions failed", extractionFailedTotal.Load())
	writeCounter(&buf, "extraction_cancelled_total", "Total extractions cancelled", extractionCancelledTotal.Load())
	writeCounter(&buf, "ai_batches_total", "Total page batches sent for inference", aiBatchesTotal.Load())
	writeCounter(&buf, "ai_batches_malformed_total", "Total page batches with unparseable output", aiBatchesMalformedTotal.Load())
	writeCounter(&buf, "worker_pool_rejected_total", "Total submissions refused by a saturated pool", poolRejectedTotal.Load())
	writeHistogram(&buf, "extraction_duration_ms", "Extraction duration in milliseconds", extractionDuration.Snapshot())
	writeHistogram(&buf, "upload_duration_ms", "Upload duration in milliseconds", uploadDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe adds value to the first bucket whose bound covers it.
func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			return
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
