// Command jobletd runs the Joblet engine: the job state machine, resource
// ledger, sandbox builder, process supervisor, log bus, scheduler,
// workflow resolver and API surface, all in a single process on a single
// host.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/joblet/pkg/api"
	"github.com/cuemby/joblet/pkg/config"
	"github.com/cuemby/joblet/pkg/jobstate"
	"github.com/cuemby/joblet/pkg/ledger"
	"github.com/cuemby/joblet/pkg/log"
	"github.com/cuemby/joblet/pkg/logbus"
	"github.com/cuemby/joblet/pkg/metrics"
	"github.com/cuemby/joblet/pkg/network"
	"github.com/cuemby/joblet/pkg/platform"
	"github.com/cuemby/joblet/pkg/registry"
	"github.com/cuemby/joblet/pkg/sandbox"
	"github.com/cuemby/joblet/pkg/scheduler"
	"github.com/cuemby/joblet/pkg/storage"
	"github.com/cuemby/joblet/pkg/supervisor"
	"github.com/cuemby/joblet/pkg/vault"
	"github.com/cuemby/joblet/pkg/volume"
	"github.com/cuemby/joblet/pkg/workflow"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "jobletd",
	Short:   "jobletd runs a single-node sandboxed job orchestration engine",
	Version: Version,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine and its API surface",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSONOutput,
	})
	metrics.SetVersion(Version)

	for _, dir := range []string{cfg.State.Dir, cfg.Volumes.BasePath, cfg.Runtime.BasePath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	catalog, err := storage.OpenCatalog(cfg.State.Dir)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer catalog.Close()

	jobFiles, err := storage.NewJobFiles(cfg.State.Dir)
	if err != nil {
		return fmt.Errorf("open job files: %w", err)
	}

	v, err := vault.New()
	if err != nil {
		return fmt.Errorf("create vault: %w", err)
	}

	logs := logbus.New(cfg.JobLogDir(), cfg.Buffers.RingSize, cfg.Buffers.LogPersistence.FlushInterval)
	logs.Start()
	defer logs.Stop()

	led := ledger.New(discoverTotals(cfg))
	metrics.RegisterComponent("ledger", true, "ready")

	vols := volume.NewManager(cfg.Volumes.BasePath)
	nets, err := network.New(catalog)
	if err != nil {
		return fmt.Errorf("create network manager: %w", err)
	}
	for name, def := range cfg.Network.Networks {
		if _, err := nets.Create(name, def.CIDR); err != nil {
			log.WithComponent("jobletd").Warn().Err(err).Str("network", name).Msg("pre-declared network setup failed")
		}
	}

	builder := sandbox.New(cfg.Cgroup.BaseDir, cfg.Filesystem.WorkspaceDir, vols, nets, v, platform.OS{})
	sup := supervisor.New(logs, cfg.Joblet.StopGracePeriod, platform.OS{})

	// machine is created before the components that observe its
	// transitions (the Scheduler, the runtime Installer, the workflow
	// Resolver) since each needs a *Machine reference of its own;
	// AddObserver wires them in once built, breaking the construction cycle.
	machine := jobstate.New(jobFiles)

	reg, err := registry.New(catalog, machine)
	if err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}
	metrics.RegisterComponent("registry", true, "restored")
	installer := registry.NewInstaller(reg)

	sched := scheduler.New(machine, led, reg, builder, sup, logs, cfg.Joblet.MaxConcurrentJobs)
	machine.AddObserver(sched)
	machine.AddObserver(installer)

	resolver := workflow.New(sched, vols, jobFiles, machine)
	machine.AddObserver(resolver)

	collector := metrics.NewCollector(machine, jobFiles, led)
	collector.Start()
	defer collector.Stop()

	sched.Start()
	defer sched.Stop()

	srv := api.New(cfg.GetServerAddress(), api.Deps{
		Machine:   machine,
		Scheduler: sched,
		Registry:  reg,
		Installer: installer,
		Volumes:   vols,
		Networks:  nets,
		Resolver:  resolver,
		Workflows: jobFiles,
		Ledger:    led,
		Logs:      logs,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	metrics.RegisterComponent("api", true, "serving")
	log.Info(fmt.Sprintf("jobletd listening on %s", cfg.GetServerAddress()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
