// Package workflow implements the Workflow Resolver (C8): parses a
// workflow YAML template, validates it, topologically sorts its steps,
// creates one Job per step with dependencies translated to job UUIDs,
// and submits them to the Scheduler in an order that respects the DAG.
//
// Grounded on spec §4.8's algorithm description and §6's workflow YAML
// format; the topological sort and retry/timeout bookkeeping are built
// from scratch since no pack example carries an equivalent DAG resolver.
package workflow

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/domain"
	"github.com/cuemby/joblet/pkg/log"
	"github.com/cuemby/joblet/pkg/metrics"
)

// retryMinGap is the minimum wall-clock gap spec §4.8 point 6 requires
// between a step's FAILED transition and its next retry attempt's
// submission.
const retryMinGap = 1 * time.Second

// VolumeChecker reports whether a named volume already exists.
type VolumeChecker interface {
	Exists(name string) bool
}

// JobSubmitter accepts a newly constructed job for scheduling. Satisfied
// by pkg/scheduler.Scheduler.
type JobSubmitter interface {
	Submit(job *domain.Job) error
}

// WorkflowStore persists workflow entities. Satisfied by
// pkg/storage.JobFiles.
type WorkflowStore interface {
	WriteWorkflow(wf *domain.Workflow) error
}

// JobReader looks up a single job's current state. Satisfied by
// pkg/jobstate.Machine.
type JobReader interface {
	Get(jobID string) (*domain.Job, error)
}

// Resolver parses, validates and submits workflow templates, and -
// registered as a jobstate.Observer - retries failed steps and recomputes
// workflow status as their jobs transition.
type Resolver struct {
	submitter JobSubmitter
	volumes   VolumeChecker
	store     WorkflowStore
	jobs      JobReader
	logger    zerolog.Logger

	mu        sync.Mutex
	workflows map[string]*domain.Workflow // in-memory, by workflow ID; evicted once terminal
}

// New creates a Resolver.
func New(submitter JobSubmitter, volumes VolumeChecker, store WorkflowStore, jobs JobReader) *Resolver {
	return &Resolver{
		submitter: submitter,
		volumes:   volumes,
		store:     store,
		jobs:      jobs,
		workflows: make(map[string]*domain.Workflow),
		logger:    log.WithComponent("workflow"),
	}
}

// ParseTemplate decodes a workflow YAML document.
func ParseTemplate(data []byte) (*domain.Template, error) {
	var tpl domain.Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, apierr.Wrap(apierr.InvalidRequest, err, "parse workflow yaml")
	}
	for name, step := range tpl.Jobs {
		step.Name = name
		tpl.Jobs[name] = step
	}
	return &tpl, nil
}

// Submit validates tpl, creates its workflow entity and one Job per step
// (dependencies translated to job UUIDs), and submits every step's job to
// the scheduler in topological order. Children remain QUEUED-blocked
// (displayed as WAITING) until their dependencies resolve.
func (r *Resolver) Submit(tpl *domain.Template) (*domain.Workflow, error) {
	order, err := topoSort(tpl)
	if err != nil {
		return nil, err
	}

	if missing := r.missingVolumes(tpl); len(missing) > 0 {
		return nil, apierr.New(apierr.MissingVolumes, "workflow %q references undeclared volumes: %v", tpl.Name, missing)
	}

	wf := &domain.Workflow{
		ID:         uuid.New().String(),
		Name:       tpl.Name,
		Template:   *tpl,
		StepJobIDs: make(map[string]string, len(tpl.Jobs)),
		Status:     domain.WorkflowRunning,
		CreatedAt:  time.Now(),
	}
	for _, name := range order {
		wf.StepJobIDs[name] = uuid.New().String()
	}

	r.mu.Lock()
	r.workflows[wf.ID] = wf
	r.mu.Unlock()

	for _, name := range order {
		step := tpl.Jobs[name]
		job := r.buildJob(wf, step, wf.StepJobIDs[name], 0)
		wf.JobIDs = append(wf.JobIDs, job.ID)
		if err := r.submitter.Submit(job); err != nil {
			return nil, fmt.Errorf("submit step %s: %w", name, err)
		}
	}

	r.persist(wf)
	return wf, nil
}

// buildJob constructs the Job for one attempt at step: id and attempt are
// supplied by the caller so the same builder serves both a step's first
// submission (attempt 0, from Submit) and a retried one (attempt N, from
// submitRetry).
func (r *Resolver) buildJob(wf *domain.Workflow, step domain.StepSpec, id string, attempt int) *domain.Job {
	var command string
	var args []string
	if len(step.Command) > 0 {
		command = step.Command[0]
		args = step.Command[1:]
	}

	deps := make([]domain.Dependency, 0, len(step.DependsOn))
	for _, raw := range step.DependsOn {
		depName, cond := splitDependency(raw)
		deps = append(deps, domain.Dependency{JobID: wf.StepJobIDs[depName], Condition: cond})
	}

	return &domain.Job{
		ID:           id,
		Command:      command,
		Args:         args,
		RuntimeName:  step.Runtime,
		WorkDir:      step.WorkDir,
		Resources:    step.Resources,
		EnvVars:      step.EnvVars,
		Volumes:      step.Volumes,
		Network:      step.Network,
		Dependencies: deps,
		WorkflowID:   wf.ID,
		StepName:     step.Name,
		Attempt:      attempt,
		MaxRetries:   step.Retries,
		Timeout:      step.Timeout,
	}
}

// splitDependency splits a dependsOn entry of the form "step" or
// "step:CONDITION" (spec §4.8/§6) into the referenced step name and the
// condition that satisfies it; a bare name defaults to DependCompleted.
func splitDependency(spec string) (name string, cond domain.DependencyCondition) {
	if idx := strings.LastIndex(spec, ":"); idx >= 0 {
		return spec[:idx], domain.DependencyCondition(spec[idx+1:])
	}
	return spec, domain.DependCompleted
}

func validCondition(cond domain.DependencyCondition) bool {
	switch cond {
	case domain.DependAny, domain.DependCompleted, domain.DependFailed:
		return true
	default:
		return false
	}
}

// OnTransition satisfies jobstate.Observer. A FAILED step with retries
// remaining is resubmitted as a new attempt instead of settling the
// workflow's status; every other terminal transition triggers a
// recompute of its workflow's derived status.
func (r *Resolver) OnTransition(job *domain.Job, from, to domain.JobStatus) {
	if job.WorkflowID == "" {
		return
	}
	if to == domain.JobFailed && r.retryStep(job) {
		return
	}
	if to.IsTerminal() {
		r.recompute(job.WorkflowID)
	}
}

// retryStep resubmits job's step as a new attempt if it has retries left,
// after the minimum gap spec §4.8 requires. Returns false (no retry
// scheduled) if the step is out of retries or its workflow is no longer
// tracked.
func (r *Resolver) retryStep(job *domain.Job) bool {
	if job.Attempt >= job.MaxRetries {
		return false
	}

	r.mu.Lock()
	wf, ok := r.workflows[job.WorkflowID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	step, ok := wf.Template.Jobs[job.StepName]
	if !ok {
		return false
	}

	attempt := job.Attempt
	time.AfterFunc(retryMinGap, func() { r.submitRetry(wf, step, attempt) })
	return true
}

func (r *Resolver) submitRetry(wf *domain.Workflow, step domain.StepSpec, failedAttempt int) {
	next := r.buildJob(wf, step, uuid.New().String(), failedAttempt+1)

	r.mu.Lock()
	wf.StepJobIDs[step.Name] = next.ID
	wf.JobIDs = append(wf.JobIDs, next.ID)
	r.mu.Unlock()

	if err := r.submitter.Submit(next); err != nil {
		r.logger.Error().Err(err).Str("workflow_id", wf.ID).Str("step", step.Name).Msg("submit retry failed")
		return
	}
	metrics.WorkflowStepRetriesTotal.Inc()
	r.persist(wf)
}

// recompute derives workflowID's Status from its steps' current job (spec
// §3/§4.8: "recomputed on any child transition"): COMPLETED once every
// step's current attempt reached COMPLETED, FAILED if any reached
// FAILED/STOPPED, otherwise left RUNNING until every step is terminal.
// Once the workflow settles into a terminal status its in-memory entry is
// evicted; a settled workflow can never need a retry or another
// recompute.
func (r *Resolver) recompute(workflowID string) {
	r.mu.Lock()
	wf, ok := r.workflows[workflowID]
	r.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	stepJobIDs := make([]string, 0, len(wf.StepJobIDs))
	for _, id := range wf.StepJobIDs {
		stepJobIDs = append(stepJobIDs, id)
	}
	r.mu.Unlock()

	status := domain.WorkflowCompleted
	for _, id := range stepJobIDs {
		job, err := r.jobs.Get(id)
		if err != nil {
			return
		}
		switch job.Status {
		case domain.JobCompleted:
			continue
		case domain.JobFailed, domain.JobStopped:
			status = domain.WorkflowFailed
		default:
			return // still in flight; workflow stays RUNNING
		}
	}

	r.mu.Lock()
	wf.Status = status
	if status != domain.WorkflowRunning {
		delete(r.workflows, workflowID)
	}
	r.mu.Unlock()
	r.persist(wf)
}

func (r *Resolver) persist(wf *domain.Workflow) {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	cp := *wf
	r.mu.Unlock()
	if err := r.store.WriteWorkflow(&cp); err != nil {
		r.logger.Error().Err(err).Str("workflow_id", wf.ID).Msg("persist workflow failed")
	}
}

func (r *Resolver) missingVolumes(tpl *domain.Template) []string {
	if r.volumes == nil {
		return nil
	}
	seen := make(map[string]bool)
	var missing []string
	for _, step := range tpl.Jobs {
		for _, v := range step.Volumes {
			if seen[v] || r.volumes.Exists(v) {
				continue
			}
			seen[v] = true
			missing = append(missing, v)
		}
	}
	sort.Strings(missing)
	return missing
}

// topoSort returns tpl's step names in a dependency-respecting order via
// Kahn's algorithm, or CycleDetected if the graph has one.
func topoSort(tpl *domain.Template) ([]string, error) {
	indegree := make(map[string]int, len(tpl.Jobs))
	adj := make(map[string][]string, len(tpl.Jobs))
	for name := range tpl.Jobs {
		indegree[name] = 0
	}
	for name, step := range tpl.Jobs {
		for _, raw := range step.DependsOn {
			dep, cond := splitDependency(raw)
			if !validCondition(cond) {
				return nil, apierr.New(apierr.InvalidRequest, "step %q has dependency %q with unknown condition %q", name, dep, cond)
			}
			if _, ok := tpl.Jobs[dep]; !ok {
				return nil, apierr.New(apierr.InvalidRequest, "step %q depends on unknown step %q", name, dep)
			}
			adj[dep] = append(adj[dep], name)
			indegree[name]++
		}
	}

	var queue, order []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		next := append([]string(nil), adj[n]...)
		sort.Strings(next)
		for _, m := range next {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
				sort.Strings(queue)
			}
		}
	}

	if len(order) != len(tpl.Jobs) {
		return nil, apierr.New(apierr.CycleDetected, "workflow %q contains a dependency cycle", tpl.Name)
	}
	return order, nil
}
