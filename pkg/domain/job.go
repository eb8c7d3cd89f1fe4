// Package domain holds the data model shared by every joblet component:
// jobs, workflows, runtime manifests, volumes, networks, reservations and
// log records. Types here carry JSON tags for persistence/API payloads and
// YAML tags where a type is also read from workflow/runtime manifests.
package domain

import "time"

// JobStatus is a job's position in the state machine described by the
// job state machine package. Only the transitions it implements are legal;
// this type is just the label.
type JobStatus string

const (
	JobQueued       JobStatus = "QUEUED"
	JobScheduled    JobStatus = "SCHEDULED"
	JobInitializing JobStatus = "INITIALIZING"
	JobRunning      JobStatus = "RUNNING"
	JobCompleted    JobStatus = "COMPLETED"
	JobFailed       JobStatus = "FAILED"
	JobStopped      JobStatus = "STOPPED"
)

// IsTerminal reports whether status is one that will never transition again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobStopped:
		return true
	default:
		return false
	}
}

// Waiting reports whether status is QUEUED and should be displayed as the
// WAITING alias, i.e. the job is blocked on unresolved dependencies. The
// state machine itself only stores QUEUED; callers supply the dependency
// context to decide whether to show WAITING.
func (s JobStatus) Waiting(hasUnresolvedDeps bool) bool {
	return s == JobQueued && hasUnresolvedDeps
}

// ResourceRequest is the resource envelope a job asks the ledger to reserve.
type ResourceRequest struct {
	MaxCPUPercent int    `json:"maxCpuPercent,omitempty" yaml:"maxCpu,omitempty"`
	CPUCoresMask  string `json:"cpuCoresMask,omitempty" yaml:"cpuCores,omitempty"`
	MaxMemoryByte int64  `json:"maxMemoryBytes,omitempty" yaml:"maxMemory,omitempty"`
	MaxIOBPS      int64  `json:"maxIoBps,omitempty" yaml:"maxIobps,omitempty"`
	GPUCount      int    `json:"gpuCount,omitempty" yaml:"gpuCount,omitempty"`
	GPUMemoryMB   int64  `json:"gpuMemoryMb,omitempty" yaml:"gpuMemoryMb,omitempty"`
}

// UploadRef points to a file or directory blob staged for bind-mount into
// the sandbox's /work/uploads or /work/uploaddirs.
type UploadRef struct {
	Name      string `json:"name"`
	SourcePath string `json:"sourcePath"`
	IsDir     bool   `json:"isDir"`
	SizeBytes int64  `json:"sizeBytes"`
}

// DependencyCondition is the terminal state a dependency must reach for the
// dependent job to become eligible.
type DependencyCondition string

const (
	// DependAny is the default: satisfied only by COMPLETED, identical to
	// DependCompleted. Kept distinct so callers can tell "unspecified" from
	// "explicitly requested COMPLETED" when rendering workflow YAML back out.
	DependAny       DependencyCondition = ""
	DependCompleted DependencyCondition = "COMPLETED"
	DependFailed    DependencyCondition = "FAILED"
)

// Satisfies reports whether a dependency that reached terminal state s
// satisfies this condition. STOPPED satisfies neither condition.
func (c DependencyCondition) Satisfies(s JobStatus) bool {
	switch c {
	case DependAny, DependCompleted:
		return s == JobCompleted
	case DependFailed:
		return s == JobFailed
	default:
		return false
	}
}

// Dependency names a job this job must wait on, and the terminal state that
// satisfies the wait.
type Dependency struct {
	JobID     string              `json:"jobId"`
	Condition DependencyCondition `json:"condition,omitempty"`
}

// Job is the unit of execution: one sandboxed command run.
type Job struct {
	ID       string `json:"id"`
	Sequence uint64 `json:"sequence"`

	Command    string   `json:"command"`
	Args       []string `json:"args"`
	RuntimeName string  `json:"runtimeName"`
	WorkDir    string   `json:"workDir,omitempty"`

	Resources ResourceRequest `json:"resources"`

	EnvVars       map[string]string `json:"envVars,omitempty"`
	SecretEnvVars []string          `json:"secretEnvVars,omitempty"` // names only; values live in the vault
	Volumes       []string          `json:"volumes,omitempty"`
	Network       string            `json:"network,omitempty"`

	Uploads []UploadRef `json:"uploads,omitempty"`

	ScheduleTime *time.Time   `json:"scheduleTime,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	WorkflowID   string       `json:"workflowId,omitempty"`
	StepName     string       `json:"stepName,omitempty"`
	Attempt      int          `json:"attempt,omitempty"`
	MaxRetries   int          `json:"maxRetries,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`

	Status JobStatus `json:"status"`
	Reason string    `json:"reason,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`

	NodeID string `json:"nodeId"`

	// RuntimeBuildTarget, when non-empty, names the runtime this job installs
	// via the runtime's shell install script. Such jobs run as an ordinary
	// sandboxed job but get asymmetric cleanup on stop/delete: the produced
	// filesystem tree must survive the job's own teardown so it can be
	// registered as a runtime.
	RuntimeBuildTarget string `json:"runtimeBuildTarget,omitempty"`
}

// IsRuntimeBuild reports whether this job is the meta-job that runs a
// runtime's install script rather than user-supplied work.
func (j *Job) IsRuntimeBuild() bool {
	return j.RuntimeBuildTarget != ""
}
