package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/joblet/pkg/domain"
)

type fakeSecrets struct {
	vals map[string]map[string]string
}

func (f *fakeSecrets) Get(jobID string) (map[string]string, error) {
	return f.vals[jobID], nil
}

func TestDeriveEnvironmentPrecedence(t *testing.T) {
	b := &Builder{secrets: &fakeSecrets{vals: map[string]map[string]string{
		"j1": {"API_KEY": "secret-value", "UNUSED": "x"},
	}}}

	job := &domain.Job{
		ID:            "j1",
		EnvVars:       map[string]string{"PATH": "/usr/bin", "API_KEY": "overridden-by-job"},
		SecretEnvVars: []string{"API_KEY"},
	}
	manifest := &domain.RuntimeManifest{Environment: map[string]string{"PATH": "/bin", "HOME": "/root"}}

	env, err := b.deriveEnvironment(job, manifest)
	require.NoError(t, err)

	m := toMap(env)
	assert.Equal(t, "/usr/bin", m["PATH"], "job env overrides manifest default")
	assert.Equal(t, "secret-value", m["API_KEY"], "secret overrides job-supplied plaintext")
	assert.Equal(t, "/root", m["HOME"])
	_, unused := m["UNUSED"]
	assert.False(t, unused, "only names listed in SecretEnvVars are pulled from the vault")
}

func TestMaskToCPUSetString(t *testing.T) {
	assert.Equal(t, "0-3,5", maskToCPUSetString(0b101111))
	assert.Equal(t, "", maskToCPUSetString(0))
	assert.Equal(t, "2", maskToCPUSetString(0b100))
}

func toMap(env []string) map[string]string {
	m := make(map[string]string)
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}
