// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to the ingestion path.
//
// When defining new operations or metrics, these are helpful values to track:
//   - things coming into or out of the system: rows, flushes, payload bytes.
//   - the success or error status of any of the above.
//   - the distribution of payload sizes.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowCount counts rows terminated with At/AtNow across all senders.
	RowCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qdb_rows_total",
			Help: "Number of rows written to sender buffers.",
		},
	)

	// FlushCount counts buffer flushes, labelled by what triggered them.
	//
	// Example usage:
	//   metrics.FlushCount.WithLabelValues("rows").Inc()
	FlushCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qdb_flush_total",
			Help: "Number of buffer flushes.",
		}, []string{"trigger"})

	// BytesSent counts payload bytes handed to a transport.
	BytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qdb_sent_bytes_total",
			Help: "Total payload bytes handed to transports.",
		},
	)

	// PayloadSizeHistogram tracks the distribution of flushed payload sizes.
	PayloadSizeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "qdb_flush_payload_bytes",
			Help: "Flushed payload size distribution (bytes).",
			Buckets: []float64{
				64, 128, 256, 512,
				1024, 2048, 4096, 8192, 16384, 32768, 65536,
				131072, 262144, 524288, 1048576, 4194304, 16777216, 67108864,
			},
		},
	)

	// RetryCount counts HTTP send retries.
	RetryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qdb_http_retry_total",
			Help: "Number of retried HTTP send attempts.",
		},
	)

	// ErrorCount measures the number of errors.
	//
	// Provides metrics:
	//   qdb_error_total
	// Example usage:
	//   metrics.ErrorCount.With(prometheus.Labels{"type": "send"}).Inc()
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qdb_error_total",
			Help: "The total number of errors encountered.",
		}, []string{"type"})
)

// init() prints a log message to let the user know that the package has
// been loaded and the metrics registered.  The metrics are auto-registered,
// which means they are registered as soon as this package is loaded, and
// the exact time this occurs (and whether this occurs at all in a given
// context) can be opaque.
func init() {
	log.Println("Prometheus metrics in qdb-client.metrics are registered.")
}
