/*
Package metrics provides Prometheus metrics collection and exposition for
jobletd.

Gauges that reflect point-in-time engine state (job counts by status,
reserved cores/memory/GPUs, workflow counts by status) are refreshed by a
Collector polling the job state machine, workflow resolver and resource
ledger every 15s. API request counts and latency, sandbox build failures,
workflow step retries and open stream subscribers are updated directly by
their owning component at the point the event occurs. The other counters,
histograms and gauges in metrics.go (jobs submitted and completed, job
duration, scheduling latency, worker slots in use, reservations denied,
sandbox build duration, log records appended, log bus overflows and
subscribers) are registered but not updated anywhere in this module.

health.go additionally provides health, readiness and liveness HTTP
handlers backed by a small in-memory per-component health registry,
independent of Prometheus - these are probes, not metrics. pkg/api serves
the first two at /healthz and /readyz; the liveness handler is not
routed.
*/
package metrics
