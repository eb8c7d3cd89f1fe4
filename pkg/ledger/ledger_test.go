package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/domain"
)

func TestReserveReleaseRestoresIdentity(t *testing.T) {
	l := New(Totals{CPUCores: 4, MemoryBytes: 8 << 30, GPUCount: 2})
	before := l.Snapshot()

	r, err := l.Reserve("job-1", domain.ResourceRequest{MaxCPUPercent: 100, MaxMemoryByte: 1 << 30, GPUCount: 1})
	require.NoError(t, err)
	assert.NotZero(t, r.CoresMask)

	l.Release("job-1")
	after := l.Snapshot()
	assert.Equal(t, before.FreeCores, after.FreeCores)
	assert.Equal(t, before.FreeMemory, after.FreeMemory)
	assert.Equal(t, before.FreeGPUs, after.FreeGPUs)
}

func TestReserveInsufficientMemory(t *testing.T) {
	l := New(Totals{CPUCores: 4, MemoryBytes: 1 << 20})
	_, err := l.Reserve("job-1", domain.ResourceRequest{MaxMemoryByte: 2 << 20})
	require.Error(t, err)
	assert.Equal(t, apierr.Insufficient, apierr.CodeOf(err))
}

func TestReserveExplicitMaskExactOrFail(t *testing.T) {
	l := New(Totals{CPUCores: 4, MemoryBytes: 1 << 30})

	_, err := l.Reserve("job-1", domain.ResourceRequest{CPUCoresMask: "0-1"})
	require.NoError(t, err)

	_, err = l.Reserve("job-2", domain.ResourceRequest{CPUCoresMask: "1-2"})
	require.Error(t, err, "core 1 already reserved")
	assert.Equal(t, apierr.Insufficient, apierr.CodeOf(err))
}

func TestReserveGPUFirstFit(t *testing.T) {
	l := New(Totals{CPUCores: 4, MemoryBytes: 1 << 30, GPUCount: 2})

	r1, err := l.Reserve("job-1", domain.ResourceRequest{GPUCount: 1})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, r1.GPUIndices)

	r2, err := l.Reserve("job-2", domain.ResourceRequest{GPUCount: 1})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, r2.GPUIndices)

	_, err = l.Reserve("job-3", domain.ResourceRequest{GPUCount: 1})
	require.Error(t, err)
	assert.Equal(t, apierr.Insufficient, apierr.CodeOf(err))
}

func TestReleaseIdempotent(t *testing.T) {
	l := New(Totals{CPUCores: 2, MemoryBytes: 1 << 20})
	l.Release("never-reserved")
	l.Release("never-reserved")
}

func TestParseCoreMask(t *testing.T) {
	mask, err := ParseCoreMask("0-3,5")
	require.NoError(t, err)
	assert.Equal(t, uint64(0b101111), mask)

	_, err = ParseCoreMask("")
	require.Error(t, err)
}

func TestReservationsSumNeverExceedsTotals(t *testing.T) {
	l := New(Totals{CPUCores: 2, MemoryBytes: 100})

	_, err := l.Reserve("a", domain.ResourceRequest{MaxMemoryByte: 60})
	require.NoError(t, err)
	_, err = l.Reserve("b", domain.ResourceRequest{MaxMemoryByte: 60})
	require.Error(t, err)
	assert.Equal(t, apierr.Insufficient, apierr.CodeOf(err))
}
