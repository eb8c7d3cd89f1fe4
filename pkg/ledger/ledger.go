// Package ledger implements the Resource Ledger: in-memory accounting of
// CPU cores, memory, GPUs, discovered from the host at startup, atomically
// reserved and released per job.
package ledger

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/domain"
	"github.com/cuemby/joblet/pkg/log"
)

// Totals is the host capacity discovered at startup.
type Totals struct {
	CPUCores    int
	MemoryBytes int64
	GPUCount    int
}

// Snapshot is a copy-on-read view for observability: totals, free
// capacity, and the active reservation set. Safe to read without holding
// the ledger's lock.
type Snapshot struct {
	Totals       Totals
	FreeCores    int
	FreeMemory   int64
	FreeGPUs     int
	Reservations map[string]domain.Reservation
}

// Ledger is the single source of truth for resource admission. All
// mutation is serialized through one mutex; reads take a consistent copy.
type Ledger struct {
	mu           sync.Mutex
	totals       Totals
	coresInUse   uint64 // bitmask, bit i set means core i reserved
	memoryInUse  int64
	gpusInUse    uint64 // bitmask
	reservations map[string]domain.Reservation
	logger       zerolog.Logger
}

// New creates a Ledger with the given discovered host totals.
func New(totals Totals) *Ledger {
	return &Ledger{
		totals:       totals,
		reservations: make(map[string]domain.Reservation),
		logger:       log.WithComponent("ledger"),
	}
}

// Reserve atomically admits a resource request for jobID, or fails with
// Insufficient if any dimension cannot be satisfied. Core selection
// chooses the lowest-numbered free cores of the requested count unless a
// specific mask is given, in which case it must match exactly. GPU
// selection is first-fit by index.
func (l *Ledger) Reserve(jobID string, req domain.ResourceRequest) (domain.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.reservations[jobID]; exists {
		return domain.Reservation{}, apierr.New(apierr.Internal, "job %s already has a reservation", jobID)
	}

	coreCount := coresNeeded(req)
	coreMask, err := l.selectCores(req.CPUCoresMask, coreCount)
	if err != nil {
		return domain.Reservation{}, err
	}

	if l.memoryInUse+req.MaxMemoryByte > l.totals.MemoryBytes {
		return domain.Reservation{}, apierr.New(apierr.Insufficient, "insufficient memory: want %d, free %d", req.MaxMemoryByte, l.totals.MemoryBytes-l.memoryInUse)
	}

	gpuIndices, err := l.selectGPUs(req.GPUCount)
	if err != nil {
		return domain.Reservation{}, err
	}

	l.coresInUse |= coreMask
	l.memoryInUse += req.MaxMemoryByte
	for _, idx := range gpuIndices {
		l.gpusInUse |= 1 << uint(idx)
	}

	r := domain.Reservation{
		JobID:       jobID,
		CoresMask:   coreMask,
		MemoryBytes: req.MaxMemoryByte,
		GPUIndices:  gpuIndices,
	}
	l.reservations[jobID] = r
	l.logger.Debug().Str("job_id", jobID).Int("cores", bits.OnesCount64(coreMask)).Int64("memory_bytes", req.MaxMemoryByte).Msg("reserved")
	return r, nil
}

// Release frees jobID's reservation. Idempotent: releasing an unknown or
// already-released job-id is a no-op.
func (l *Ledger) Release(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[jobID]
	if !ok {
		return
	}
	l.coresInUse &^= r.CoresMask
	l.memoryInUse -= r.MemoryBytes
	for _, idx := range r.GPUIndices {
		l.gpusInUse &^= 1 << uint(idx)
	}
	delete(l.reservations, jobID)
	l.logger.Debug().Str("job_id", jobID).Msg("released")
}

// Snapshot returns a copy-on-read view of current totals, free capacity
// and active reservations.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	reservations := make(map[string]domain.Reservation, len(l.reservations))
	for k, v := range l.reservations {
		reservations[k] = v
	}

	return Snapshot{
		Totals:       l.totals,
		FreeCores:    l.totals.CPUCores - bits.OnesCount64(l.coresInUse),
		FreeMemory:   l.totals.MemoryBytes - l.memoryInUse,
		FreeGPUs:     l.totals.GPUCount - bits.OnesCount64(l.gpusInUse),
		Reservations: reservations,
	}
}

// ReservedCores, ReservedMemoryBytes and ReservedGPUCount satisfy
// pkg/metrics.LedgerSnapshotter.
func (l *Ledger) ReservedCores() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return bits.OnesCount64(l.coresInUse)
}

func (l *Ledger) ReservedMemoryBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.memoryInUse
}

func (l *Ledger) ReservedGPUCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return bits.OnesCount64(l.gpusInUse)
}

func coresNeeded(req domain.ResourceRequest) int {
	if req.CPUCoresMask != "" {
		mask, err := ParseCoreMask(req.CPUCoresMask)
		if err == nil {
			return bits.OnesCount64(mask)
		}
	}
	if req.MaxCPUPercent <= 0 {
		return 1
	}
	cores := (req.MaxCPUPercent + 99) / 100
	if cores < 1 {
		cores = 1
	}
	return cores
}

// selectCores must be called with l.mu held.
func (l *Ledger) selectCores(maskStr string, count int) (uint64, error) {
	if maskStr != "" {
		mask, err := ParseCoreMask(maskStr)
		if err != nil {
			return 0, apierr.Wrap(apierr.InvalidRequest, err, "invalid cpu core mask %q", maskStr)
		}
		if mask&l.coresInUse != 0 {
			return 0, apierr.New(apierr.Insufficient, "requested cores %q are partially reserved", maskStr)
		}
		if highestBit(mask) >= l.totals.CPUCores {
			return 0, apierr.New(apierr.Insufficient, "requested cores %q exceed host capacity %d", maskStr, l.totals.CPUCores)
		}
		return mask, nil
	}

	var mask uint64
	found := 0
	for i := 0; i < l.totals.CPUCores && found < count; i++ {
		if l.coresInUse&(1<<uint(i)) == 0 {
			mask |= 1 << uint(i)
			found++
		}
	}
	if found < count {
		return 0, apierr.New(apierr.Insufficient, "insufficient cpu cores: want %d, free %d", count, l.totals.CPUCores-bits.OnesCount64(l.coresInUse))
	}
	return mask, nil
}

// selectGPUs must be called with l.mu held.
func (l *Ledger) selectGPUs(count int) ([]int, error) {
	if count <= 0 {
		return nil, nil
	}
	indices := make([]int, 0, count)
	for i := 0; i < l.totals.GPUCount && len(indices) < count; i++ {
		if l.gpusInUse&(1<<uint(i)) == 0 {
			indices = append(indices, i)
		}
	}
	if len(indices) < count {
		return nil, apierr.New(apierr.Insufficient, "insufficient gpus: want %d, free %d", count, l.totals.GPUCount-bits.OnesCount64(l.gpusInUse))
	}
	return indices, nil
}

func highestBit(mask uint64) int {
	if mask == 0 {
		return -1
	}
	return bits.Len64(mask) - 1
}

// ParseCoreMask parses a core mask string like "0-3,5" into a bitmask.
func ParseCoreMask(s string) (uint64, error) {
	var mask uint64
	for _, part := range strings.Split(s, ",") {
		lo, hi, err := parseRange(part)
		if err != nil {
			return 0, err
		}
		for i := lo; i <= hi; i++ {
			if i >= 64 {
				return 0, fmt.Errorf("core index %d out of range", i)
			}
			mask |= 1 << uint(i)
		}
	}
	if mask == 0 {
		return 0, fmt.Errorf("empty core mask %q", s)
	}
	return mask, nil
}

func parseRange(part string) (int, int, error) {
	if lo, hi, ok := strings.Cut(part, "-"); ok {
		loN, err := strconv.Atoi(lo)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid core number %q", lo)
		}
		hiN, err := strconv.Atoi(hi)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid core number %q", hi)
		}
		if loN > hiN {
			return 0, 0, fmt.Errorf("invalid range %q", part)
		}
		return loN, hiN, nil
	}
	n, err := strconv.Atoi(part)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid core number %q", part)
	}
	return n, n, nil
}
