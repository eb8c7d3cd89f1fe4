package supervisor

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/joblet/pkg/domain"
	"github.com/cuemby/joblet/pkg/sandbox"
)

type recordingSink struct {
	writes []string
}

func (r *recordingSink) Write(jobID string, channel domain.LogChannel, message string) {
	r.writes = append(r.writes, string(channel)+":"+message)
}

func TestSpawnMissingBinaryFails(t *testing.T) {
	sink := &recordingSink{}
	sup := New(sink, 0, nil)

	spec := &sandbox.LaunchSpec{JobID: "j1", Path: "/no/such/binary-xyz", Env: []string{}}
	_, err := sup.Spawn(spec)
	assert.Error(t, err)
}

func TestExitResultFromErrorNilState(t *testing.T) {
	cmd := exec.Command("/bin/true")
	result := exitResultFromError(cmd, nil)
	assert.Equal(t, -1, result.ExitCode)
}
