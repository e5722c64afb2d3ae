// Package metrics holds the process-global Prometheus instruments. The
// connection layer feeds the network counters; the orchestrator feeds the
// transfer outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NetIn counts every byte successfully read from any peer or hub
	// socket.
	NetIn = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "godc",
		Name:      "network_in_bytes_total",
		Help:      "Total bytes received over all connections.",
	})

	// NetOut counts every byte successfully written to any peer or hub
	// socket.
	NetOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "godc",
		Name:      "network_out_bytes_total",
		Help:      "Total bytes sent over all connections.",
	})

	// DownloadsFinished counts downloads moved to their destination.
	DownloadsFinished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "godc",
		Name:      "downloads_finished_total",
		Help:      "Downloads fully received, verified and moved into place.",
	})

	// HashMismatches counts TTH block verification failures.
	HashMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "godc",
		Name:      "hash_mismatches_total",
		Help:      "Received blocks whose Tiger tree hash did not verify.",
	})
)
