package metrics

import (
	"time"

	"github.com/cuemby/joblet/pkg/domain"
)

// JobLister is satisfied by the job state machine; kept as a narrow
// interface here so this package never imports pkg/jobstate directly.
type JobLister interface {
	ListJobs() []*domain.Job
}

// WorkflowLister is satisfied by the workflow resolver.
type WorkflowLister interface {
	ListWorkflows() []*domain.Workflow
}

// LedgerSnapshotter is satisfied by the resource ledger.
type LedgerSnapshotter interface {
	ReservedCores() int
	ReservedMemoryBytes() int64
	ReservedGPUCount() int
}

// Collector periodically samples gauges from the running engine's
// in-memory state. Counters are not sampled here; the ones that are
// updated at all (see the package doc) are updated by their owning
// components.
type Collector struct {
	jobs      JobLister
	workflows WorkflowLister
	ledger    LedgerSnapshotter
	stopCh    chan struct{}
}

// NewCollector creates a metrics collector sampling the given sources.
func NewCollector(jobs JobLister, workflows WorkflowLister, ledger LedgerSnapshotter) *Collector {
	return &Collector{
		jobs:      jobs,
		workflows: workflows,
		ledger:    ledger,
		stopCh:    make(chan struct{}),
	}
}

// Start begins periodic collection on its own goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectJobMetrics()
	c.collectWorkflowMetrics()
	c.collectLedgerMetrics()
}

func (c *Collector) collectJobMetrics() {
	if c.jobs == nil {
		return
	}
	counts := make(map[domain.JobStatus]int)
	for _, j := range c.jobs.ListJobs() {
		counts[j.Status]++
	}
	for _, status := range []domain.JobStatus{
		domain.JobQueued, domain.JobScheduled, domain.JobInitializing,
		domain.JobRunning, domain.JobCompleted, domain.JobFailed, domain.JobStopped,
	} {
		JobsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectWorkflowMetrics() {
	if c.workflows == nil {
		return
	}
	counts := make(map[domain.WorkflowStatus]int)
	for _, w := range c.workflows.ListWorkflows() {
		counts[w.Status]++
	}
	for _, status := range []domain.WorkflowStatus{
		domain.WorkflowRunning, domain.WorkflowFailed, domain.WorkflowCompleted,
	} {
		WorkflowsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectLedgerMetrics() {
	if c.ledger == nil {
		return
	}
	ReservedCores.Set(float64(c.ledger.ReservedCores()))
	ReservedMemoryBytes.Set(float64(c.ledger.ReservedMemoryBytes()))
	ReservedGPUs.Set(float64(c.ledger.ReservedGPUCount()))
}
