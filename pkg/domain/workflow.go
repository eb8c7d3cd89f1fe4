package domain

import "time"

// WorkflowStatus is derived from the status of a workflow's child jobs; it
// is never set directly.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
)

// StepSpec is one node of a workflow's DAG, as parsed from the template's
// YAML jobs map.
type StepSpec struct {
	Name       string            `yaml:"-"`
	Command    []string          `yaml:"command"`
	DependsOn  []string          `yaml:"dependsOn,omitempty"`
	Uploads    StepUploads       `yaml:"uploads,omitempty"`
	Resources  ResourceRequest   `yaml:"resources,omitempty"`
	Runtime    string            `yaml:"runtime,omitempty"`
	Volumes    []string          `yaml:"volumes,omitempty"`
	Network    string            `yaml:"network,omitempty"`
	EnvVars    map[string]string `yaml:"envVars,omitempty"`
	WorkDir    string            `yaml:"workdir,omitempty"`
	Retries    int               `yaml:"retries,omitempty"`
	Timeout    time.Duration     `yaml:"timeout,omitempty"`
}

// StepUploads lists file and directory blobs a step wants staged into its
// sandbox.
type StepUploads struct {
	Files       []string `yaml:"files,omitempty"`
	Directories []string `yaml:"directories,omitempty"`
}

// Template is the parsed form of a workflow YAML document.
type Template struct {
	Version     string              `yaml:"version"`
	Name        string              `yaml:"name"`
	Description string              `yaml:"description,omitempty"`
	Jobs        map[string]StepSpec `yaml:"jobs"`
}

// Workflow is a submitted DAG of jobs, one entity per SubmitWorkflow call.
type Workflow struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Template  Template       `json:"-"`
	JobIDs    []string       `json:"jobIds"`
	// StepJobIDs maps each template step name to the job UUID created for
	// it, so a step's dependsOn names can be translated to job IDs and a
	// retry's new attempt can be looked up by step name.
	StepJobIDs map[string]string `json:"stepJobIds"`
	Status     WorkflowStatus    `json:"status"`
	CreatedAt  time.Time         `json:"createdAt"`
}
