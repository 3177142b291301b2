// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction label values.
const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

var (
	// TransportBytesTotal counts raw bytes moved over device connections
	TransportBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ostrace_transport_bytes_total",
			Help: "Total number of bytes transferred over device connections",
		},
		[]string{"direction"},
	)

	// TransportFramesTotal counts length-prefixed frames
	TransportFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ostrace_transport_frames_total",
			Help: "Total number of length-prefixed frames transferred",
		},
		[]string{"direction"},
	)

	// SecureUpgradesTotal counts TLS upgrades by result
	SecureUpgradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ostrace_secure_upgrades_total",
			Help: "Total number of in-place TLS upgrades",
		},
		[]string{"result"},
	)

	// RecordsDecodedTotal counts syslog records decoded by level
	RecordsDecodedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ostrace_records_decoded_total",
			Help: "Total number of syslog records decoded",
		},
		[]string{"level"},
	)

	// RecordErrorsTotal counts records that failed to decode
	RecordErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ostrace_record_errors_total",
			Help: "Total number of syslog records that failed to decode",
		},
	)

	// ArchiveChunksTotal counts archive chunks received
	ArchiveChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ostrace_archive_chunks_total",
			Help: "Total number of log archive chunks received",
		},
	)

	// ArchiveBytesTotal counts archive payload bytes received
	ArchiveBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ostrace_archive_bytes_total",
			Help: "Total number of log archive bytes received",
		},
	)

	// SinkWritesTotal counts record deliveries per sink and result
	SinkWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ostrace_sink_writes_total",
			Help: "Total number of records written to sinks",
		},
		[]string{"sink", "result"},
	)
)
