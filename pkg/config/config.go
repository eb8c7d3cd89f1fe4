// Package config loads jobletd's runtime configuration: a YAML file
// overridden by a small set of JOBLET_* environment variables, validated
// before the engine wires up any component.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/joblet/pkg/log"
)

// Config is the full set of tunables jobletd reads at startup.
type Config struct {
	Version string `yaml:"version"`

	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	State      StateConfig      `yaml:"state"`
	Joblet     JobletConfig     `yaml:"joblet"`
	Cgroup     CgroupConfig     `yaml:"cgroup"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
	Network    NetworkConfig    `yaml:"network"`
	Buffers    BuffersConfig    `yaml:"buffers"`
	Volumes    VolumesConfig    `yaml:"volumes"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	GPU        GPUConfig        `yaml:"gpu"`
}

// ServerConfig controls the API surface's listen address and TLS.
type ServerConfig struct {
	Address     string        `yaml:"address"`
	Port        int           `yaml:"port"`
	TLSCertFile string        `yaml:"tlsCertFile"`
	TLSKeyFile  string        `yaml:"tlsKeyFile"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LoggingConfig controls pkg/log.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"jsonOutput"`
}

// StateConfig locates the on-disk persisted state layout.
type StateConfig struct {
	Dir string `yaml:"dir"`
}

// JobletConfig holds scheduling and resource-request bounds.
type JobletConfig struct {
	MaxConcurrentJobs int           `yaml:"maxConcurrentJobs"`
	JobTimeout        time.Duration `yaml:"jobTimeout"`
	StopGracePeriod   time.Duration `yaml:"stopGracePeriod"`
	ValidateCommands  bool          `yaml:"validateCommands"`

	MinCPUPercent int   `yaml:"minCpuPercent"`
	MaxCPUPercent int   `yaml:"maxCpuPercent"`
	MinMemoryByte int64 `yaml:"minMemoryBytes"`
	MaxMemoryByte int64 `yaml:"maxMemoryBytes"`
	MinIOBPS      int64 `yaml:"minIoBps"`
	MaxIOBPS      int64 `yaml:"maxIoBps"`

	LogRingSize int `yaml:"logRingSize"`
}

// CgroupConfig locates the cgroup v2 slice jobletd manages leaves under.
type CgroupConfig struct {
	BaseDir         string        `yaml:"baseDir"`
	CleanupTimeout  time.Duration `yaml:"cleanupTimeout"`
	EnableControllers []string    `yaml:"enableControllers"`
}

// FilesystemConfig locates sandbox working directories.
type FilesystemConfig struct {
	WorkspaceDir string   `yaml:"workspaceDir"`
	AllowedMounts []string `yaml:"allowedMounts"`
}

// NetworkConfig describes the built-in and pre-declared networks.
type NetworkConfig struct {
	StateDir    string                     `yaml:"stateDir"`
	Networks    map[string]NetworkDefinition `yaml:"networks"`
}

// NetworkDefinition is one named network's CIDR.
type NetworkDefinition struct {
	CIDR string `yaml:"cidr"`
}

// BuffersConfig controls the log bus's ring size and durable persistence.
type BuffersConfig struct {
	RingSize       int                 `yaml:"ringSize"`
	LogPersistence LogPersistenceConfig `yaml:"logPersistence"`
}

// LogPersistenceConfig controls append-only log file flushing.
type LogPersistenceConfig struct {
	FlushInterval time.Duration `yaml:"flushInterval"`
}

// VolumesConfig locates volume storage.
type VolumesConfig struct {
	BasePath              string `yaml:"basePath"`
	DefaultDiskQuotaBytes int64  `yaml:"defaultDiskQuotaBytes"`
}

// RuntimeConfig locates installed runtime trees.
type RuntimeConfig struct {
	BasePath    string   `yaml:"basePath"`
	CommonPaths []string `yaml:"commonPaths"`
}

// GPUConfig controls whether GPU reservation bookkeeping is active.
type GPUConfig struct {
	Enabled   bool     `yaml:"enabled"`
	CUDAPaths []string `yaml:"cudaPaths"`
}

// DefaultConfig is the configuration used when no file is found and no
// environment override is set.
var DefaultConfig = Config{
	Version: "1.0",
	Server: ServerConfig{
		Address: "0.0.0.0",
		Port:    7070,
		Timeout: 30 * time.Second,
	},
	Logging: LoggingConfig{
		Level:      "info",
		JSONOutput: true,
	},
	State: StateConfig{
		Dir: "/var/lib/joblet",
	},
	Joblet: JobletConfig{
		MaxConcurrentJobs: runtime.NumCPU(),
		JobTimeout:        1 * time.Hour,
		StopGracePeriod:   10 * time.Second,
		ValidateCommands:  true,
		MinCPUPercent:     1,
		MaxCPUPercent:     100,
		MinMemoryByte:     4 * 1024 * 1024,
		MaxMemoryByte:     64 * 1024 * 1024 * 1024,
		MinIOBPS:          0,
		MaxIOBPS:          1024 * 1024 * 1024,
		LogRingSize:       4096,
	},
	Cgroup: CgroupConfig{
		BaseDir:           "/sys/fs/cgroup/joblet.slice/joblet.service",
		CleanupTimeout:    5 * time.Second,
		EnableControllers: []string{"cpu", "memory", "io", "pids"},
	},
	Filesystem: FilesystemConfig{
		WorkspaceDir: "/var/lib/joblet/workspaces",
	},
	Network: NetworkConfig{
		StateDir: "/var/lib/joblet/network",
		Networks: map[string]NetworkDefinition{
			"bridge": {CIDR: "172.20.0.0/16"},
		},
	},
	Buffers: BuffersConfig{
		RingSize: 4096,
		LogPersistence: LogPersistenceConfig{
			FlushInterval: 250 * time.Millisecond,
		},
	},
	Volumes: VolumesConfig{
		BasePath:              "/var/lib/joblet/volumes",
		DefaultDiskQuotaBytes: 10 * 1024 * 1024 * 1024,
	},
	Runtime: RuntimeConfig{
		BasePath: "/var/lib/joblet/runtimes",
	},
	GPU: GPUConfig{
		Enabled: false,
	},
}

var configSearchPaths = []string{
	"/etc/joblet/config.yml",
	"/etc/joblet/config.yaml",
	"./config.yml",
}

// Load locates, parses and validates the configuration, applying
// environment variable overrides last. Search order: JOBLET_CONFIG_PATH,
// then the fixed search paths, falling back to DefaultConfig if none
// exist.
func Load() (*Config, error) {
	cfg := DefaultConfig

	path := os.Getenv("JOBLET_CONFIG_PATH")
	candidates := configSearchPaths
	if path != "" {
		candidates = append([]string{path}, candidates...)
	}

	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", candidate, err)
		}
		log.Info(fmt.Sprintf("loaded config from %s", candidate))
		break
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("JOBLET_STATE_DIR"); v != "" {
		cfg.State.Dir = v
	}
	if v := os.Getenv("JOBLET_LISTEN_ADDR"); v != "" {
		host, port, ok := splitHostPort(v)
		if ok {
			cfg.Server.Address = host
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("JOBLET_TLS_CERT"); v != "" {
		cfg.Server.TLSCertFile = v
	}
	if v := os.Getenv("JOBLET_TLS_KEY"); v != "" {
		cfg.Server.TLSKeyFile = v
	}
	if v := os.Getenv("JOBLET_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("JOBLET_WORKERS"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.Joblet.MaxConcurrentJobs = n
		}
	}
}

func splitHostPort(addr string) (string, int, bool) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, false
	}
	port, err := parsePositiveInt(addr[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return addr[:idx], port, true
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return n, nil
}

// Validate checks internal consistency of the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log level %q", c.Logging.Level)
	}
	if !filepath.IsAbs(c.State.Dir) {
		return fmt.Errorf("config: state dir must be absolute, got %q", c.State.Dir)
	}
	if !filepath.IsAbs(c.Cgroup.BaseDir) {
		return fmt.Errorf("config: cgroup base dir must be absolute, got %q", c.Cgroup.BaseDir)
	}
	if c.Joblet.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("config: maxConcurrentJobs must be positive, got %d", c.Joblet.MaxConcurrentJobs)
	}
	if c.Joblet.MinCPUPercent > c.Joblet.MaxCPUPercent {
		return fmt.Errorf("config: minCpuPercent exceeds maxCpuPercent")
	}
	if c.Joblet.MinMemoryByte > c.Joblet.MaxMemoryByte {
		return fmt.Errorf("config: minMemoryBytes exceeds maxMemoryBytes")
	}
	return nil
}

// GetServerAddress returns the host:port the API surface should listen on.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

// JobStateDir, JobLogDir, WorkflowStateDir and RuntimeDir implement the
// persisted-state layout under State.Dir.
func (c *Config) JobStateDir() string      { return filepath.Join(c.State.Dir, "jobs") }
func (c *Config) JobLogDir() string        { return filepath.Join(c.State.Dir, "logs") }
func (c *Config) WorkflowStateDir() string { return filepath.Join(c.State.Dir, "workflows") }
func (c *Config) RuntimeDir() string       { return filepath.Join(c.State.Dir, "runtimes") }
func (c *Config) VolumeDir() string        { return filepath.Join(c.State.Dir, "volumes") }

// GetCgroupPath returns the cgroup v2 path for a job's leaf.
func (c *Config) GetCgroupPath(jobID string) string {
	return filepath.Join(c.Cgroup.BaseDir, fmt.Sprintf("job-%s", jobID))
}
