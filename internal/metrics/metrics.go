// Package metrics collects and exposes Prometheus metrics for the archiving
// sweep: cumulative file and byte counters, job outcome counters, and a gauge
// per workflow state showing how many jobs sit in each directory.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aherbert/omero-archiving/pkg/types"
)

// Collector holds the sweep's Prometheus metrics.
type Collector struct {
	filesArchived prometheus.Counter
	filesFailed   prometheus.Counter
	bytesArchived prometheus.Counter

	jobsFinished prometheus.Counter
	jobsError    prometheus.Counter

	jobsByState *prometheus.GaugeVec

	replicationFiles *prometheus.GaugeVec
	replicationBytes *prometheus.GaugeVec
}

// NewCollector creates the metrics and registers them with reg, or the
// default registry when reg is nil.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		filesArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_files_archived_total",
			Help: "Total number of files verified and replaced by archive links",
		}),
		filesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_files_failed_total",
			Help: "Total number of file transfers that ended in error",
		}),
		bytesArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_bytes_archived_total",
			Help: "Total bytes of source data archived",
		}),
		jobsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_jobs_finished_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsError: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_jobs_error_total",
			Help: "Total number of jobs moved to the error state",
		}),
		jobsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "archiver_jobs",
			Help: "Current number of job files in each workflow directory",
		}, []string{"state"}),
		replicationFiles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "archiver_replication_files",
			Help: "Pending files per appliance replication state",
		}, []string{"state"}),
		replicationBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "archiver_replication_bytes",
			Help: "Pending bytes per appliance replication state",
		}, []string{"state"}),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(c.filesArchived)
	reg.MustRegister(c.filesFailed)
	reg.MustRegister(c.bytesArchived)
	reg.MustRegister(c.jobsFinished)
	reg.MustRegister(c.jobsError)
	reg.MustRegister(c.jobsByState)
	reg.MustRegister(c.replicationFiles)
	reg.MustRegister(c.replicationBytes)

	return c
}

// RecordFileArchived counts one verified transfer and its size.
func (c *Collector) RecordFileArchived(bytes int64) {
	c.filesArchived.Inc()
	if bytes > 0 {
		c.bytesArchived.Add(float64(bytes))
	}
}

// RecordFileFailed counts one failed transfer.
func (c *Collector) RecordFileFailed() {
	c.filesFailed.Inc()
}

// RecordJobFinished counts one job completing.
func (c *Collector) RecordJobFinished() {
	c.jobsFinished.Inc()
}

// RecordJobError counts one job entering the error state.
func (c *Collector) RecordJobError() {
	c.jobsError.Inc()
}

// SetJobCount reports how many jobs sit in a workflow directory.
func (c *Collector) SetJobCount(state types.Status, n int) {
	c.jobsByState.WithLabelValues(string(state)).Set(float64(n))
}

// ResetReplication clears the per-state replication gauges before a sweep
// publishes a fresh tally, so states with no remaining files drop to absent.
func (c *Collector) ResetReplication() {
	c.replicationFiles.Reset()
	c.replicationBytes.Reset()
}

// SetReplication reports the pending files and bytes in one replication state.
func (c *Collector) SetReplication(state string, files int, bytes int64) {
	c.replicationFiles.WithLabelValues(state).Set(float64(files))
	c.replicationBytes.WithLabelValues(state).Set(float64(bytes))
}

// StartServer exposes /metrics on the given port. It blocks, so callers run
// it in a goroutine alongside the sweep.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
