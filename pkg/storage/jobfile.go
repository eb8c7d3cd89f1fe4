package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/joblet/pkg/domain"
)

// JobFiles writes and reads the jobs/<id>.json and workflows/<id>.json
// records the persisted-state layout specifies. Jobs are written on each
// terminal transition, not on every mutation - these files are a
// best-effort snapshot of observable state, not a write-ahead log.
type JobFiles struct {
	jobsDir      string
	workflowsDir string
}

// NewJobFiles creates the jobs/ and workflows/ directories under stateDir
// if they do not already exist.
func NewJobFiles(stateDir string) (*JobFiles, error) {
	jf := &JobFiles{
		jobsDir:      filepath.Join(stateDir, "jobs"),
		workflowsDir: filepath.Join(stateDir, "workflows"),
	}
	for _, dir := range []string{jf.jobsDir, jf.workflowsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", dir, err)
		}
	}
	return jf, nil
}

// WriteJob writes job's current state to jobs/<id>.json, overwriting any
// previous snapshot. Secret env var values are never part of domain.Job,
// so there is nothing to scrub here.
func (jf *JobFiles) WriteJob(job *domain.Job) error {
	return writeJSONAtomic(jf.jobPath(job.ID), job)
}

// ReadJob reads a job snapshot back, for best-effort recovery of
// observable state across a restart.
func (jf *JobFiles) ReadJob(jobID string) (*domain.Job, error) {
	var job domain.Job
	if err := readJSON(jf.jobPath(jobID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobIDs returns the IDs of every job with a persisted snapshot.
func (jf *JobFiles) ListJobIDs() ([]string, error) {
	return listJSONIDs(jf.jobsDir)
}

// DeleteJob removes a job's persisted snapshot.
func (jf *JobFiles) DeleteJob(jobID string) error {
	err := os.Remove(jf.jobPath(jobID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (jf *JobFiles) jobPath(jobID string) string {
	return filepath.Join(jf.jobsDir, jobID+".json")
}

// WriteWorkflow writes a workflow's current state to workflows/<id>.json.
func (jf *JobFiles) WriteWorkflow(wf *domain.Workflow) error {
	return writeJSONAtomic(jf.workflowPath(wf.ID), wf)
}

// ReadWorkflow reads a workflow snapshot back.
func (jf *JobFiles) ReadWorkflow(workflowID string) (*domain.Workflow, error) {
	var wf domain.Workflow
	if err := readJSON(jf.workflowPath(workflowID), &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ListWorkflowIDs returns the IDs of every workflow with a persisted
// snapshot.
func (jf *JobFiles) ListWorkflowIDs() ([]string, error) {
	return listJSONIDs(jf.workflowsDir)
}

// ListWorkflows reads back every persisted workflow snapshot, for
// pkg/metrics.Collector's periodic workflow-status tally. Satisfies
// pkg/metrics.WorkflowLister.
func (jf *JobFiles) ListWorkflows() []*domain.Workflow {
	ids, err := jf.ListWorkflowIDs()
	if err != nil {
		return nil
	}
	out := make([]*domain.Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := jf.ReadWorkflow(id)
		if err != nil {
			continue
		}
		out = append(out, wf)
	}
	return out
}

func (jf *JobFiles) workflowPath(workflowID string) string {
	return filepath.Join(jf.workflowsDir, workflowID+".json")
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func listJSONIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if ext := filepath.Ext(name); ext == ".json" {
			ids = append(ids, name[:len(name)-len(ext)])
		}
	}
	return ids, nil
}
