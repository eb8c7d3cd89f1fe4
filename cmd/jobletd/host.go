package main

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/cuemby/joblet/pkg/config"
	"github.com/cuemby/joblet/pkg/ledger"
	"github.com/cuemby/joblet/pkg/log"
)

// discoverTotals reads the host capacity the Resource Ledger accounts
// against: logical CPU count, total memory from /proc/meminfo, and GPU
// count from the configured CUDA device glob when GPU accounting is
// enabled.
func discoverTotals(cfg *config.Config) ledger.Totals {
	totals := ledger.Totals{
		CPUCores:    runtime.NumCPU(),
		MemoryBytes: readMemTotal(),
	}
	if cfg.GPU.Enabled {
		totals.GPUCount = countGPUDevices(cfg.GPU.CUDAPaths)
	}
	return totals
}

func readMemTotal() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		log.WithComponent("jobletd").Warn().Err(err).Msg("read /proc/meminfo failed, defaulting to 0")
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

func countGPUDevices(paths []string) int {
	count := 0
	for _, pattern := range paths {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		count += len(matches)
	}
	return count
}
