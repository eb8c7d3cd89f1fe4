package sandbox

import (
	"path/filepath"
	"strconv"
	"strings"

	cgroup2 "github.com/containerd/cgroups/v2/cgroup2"

	"github.com/cuemby/joblet/pkg/domain"
)

// setupCgroup creates job's leaf cgroup under b.cgroupBaseDir and writes
// its resource controller limits: cpu weight, cpuset and memory.max. No
// io.max is written and no device allowlist is set for GPU jobs. The
// cgroup is deleted on unwind.
func (b *Builder) setupCgroup(job *domain.Job, reservation domain.Reservation, spec *LaunchSpec) error {
	leaf := filepath.Join("joblet.slice", "job-"+job.ID+".scope")

	res := toCgroupResources(job.Resources, reservation)

	mgr, err := cgroup2.NewManager(b.cgroupBaseDir, "/"+leaf, res)
	if err != nil {
		return err
	}

	spec.CgroupPath = filepath.Join(b.cgroupBaseDir, leaf)
	spec.cleanup = append(spec.cleanup, func() {
		_ = mgr.Delete()
	})
	return nil
}

// toCgroupResources translates a resource request plus its committed
// ledger reservation into the cgroup2 controller settings: CPU weight
// from MaxCPUPercent, the exact reserved core set as cpuset, and
// memory.max from MaxMemoryByte. MaxIOBPS is not translated: the job's IO
// is not throttled.
func toCgroupResources(req domain.ResourceRequest, reservation domain.Reservation) *cgroup2.Resources {
	res := &cgroup2.Resources{}

	if req.MaxCPUPercent > 0 {
		weight := uint64(req.MaxCPUPercent) * 10000 / 100
		if weight < 1 {
			weight = 1
		}
		res.CPU = &cgroup2.CPU{Weight: &weight}
	}

	if reservation.CoresMask != 0 {
		cpus := maskToCPUSetString(reservation.CoresMask)
		if res.CPU == nil {
			res.CPU = &cgroup2.CPU{}
		}
		res.CPU.Cpus = cpus
	}

	if req.MaxMemoryByte > 0 {
		max := req.MaxMemoryByte
		res.Memory = &cgroup2.Memory{Max: &max}
	}

	if req.MaxIOBPS > 0 {
		// No io.max entry is produced: that needs a block device
		// major:minor, which nothing in the sandbox resolves.
		_ = req.MaxIOBPS
	}

	return res
}

func maskToCPUSetString(mask uint64) string {
	var cpus []int
	for i := 0; i < 64; i++ {
		if mask&(1<<uint(i)) != 0 {
			cpus = append(cpus, i)
		}
	}
	return intsToRangeList(cpus)
}

func intsToRangeList(cpus []int) string {
	if len(cpus) == 0 {
		return ""
	}
	var parts []string
	start, prev := cpus[0], cpus[0]
	flush := func(end int) {
		if start == end {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, strconv.Itoa(start)+"-"+strconv.Itoa(end))
		}
	}
	for _, c := range cpus[1:] {
		if c == prev+1 {
			prev = c
			continue
		}
		flush(prev)
		start, prev = c, c
	}
	flush(prev)
	return strings.Join(parts, ",")
}
