// Package api implements the API Surface (C9): HTTP routing for the RPC
// table in spec §6, WebSocket log/metric streaming, and an
// authorization checkpoint in front of every mutating call.
//
// HTTP routing is grounded in the gorilla/mux idiom used across the pack;
// WebSocket streaming is grounded in
// jontk-slurm-client/pkg/streaming/websocket.go's WebSocketServer shape
// (upgrade, per-connection goroutine, JSON stream messages, 30s ping
// keepalive).
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cuemby/joblet/pkg/domain"
	"github.com/cuemby/joblet/pkg/jobstate"
	"github.com/cuemby/joblet/pkg/ledger"
	"github.com/cuemby/joblet/pkg/log"
	"github.com/cuemby/joblet/pkg/logbus"
	"github.com/cuemby/joblet/pkg/metrics"
	"github.com/cuemby/joblet/pkg/network"
	"github.com/cuemby/joblet/pkg/registry"
	"github.com/cuemby/joblet/pkg/scheduler"
	"github.com/cuemby/joblet/pkg/volume"
	"github.com/cuemby/joblet/pkg/workflow"
)

// WorkflowReader reads back a persisted workflow by ID. Satisfied by
// pkg/storage.JobFiles.
type WorkflowReader interface {
	ReadWorkflow(id string) (*domain.Workflow, error)
}

// Server wires every RPC handler onto a gorilla/mux router.
type Server struct {
	router    *mux.Router
	httpSrv   *http.Server
	auth      Authenticator
	machine   *jobstate.Machine
	sched     *scheduler.Scheduler
	registry  *registry.Registry
	installer *registry.Installer
	volumes   *volume.Manager
	networks  *network.Manager
	resolver  *workflow.Resolver
	workflows WorkflowReader
	ledger    *ledger.Ledger
	logs      *logbus.Bus
	logger    zerolog.Logger
}

// Deps bundles every collaborator the API surface dispatches to.
type Deps struct {
	Auth      Authenticator
	Machine   *jobstate.Machine
	Scheduler *scheduler.Scheduler
	Registry  *registry.Registry
	Installer *registry.Installer
	Volumes   *volume.Manager
	Networks  *network.Manager
	Resolver  *workflow.Resolver
	Workflows WorkflowReader
	Ledger    *ledger.Ledger
	Logs      *logbus.Bus
}

// New builds a Server with every route registered.
func New(addr string, deps Deps) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		auth:      deps.Auth,
		machine:   deps.Machine,
		sched:     deps.Scheduler,
		registry:  deps.Registry,
		installer: deps.Installer,
		volumes:   deps.Volumes,
		networks:  deps.Networks,
		resolver:  deps.Resolver,
		workflows: deps.Workflows,
		ledger:    deps.Ledger,
		logs:      deps.Logs,
		logger:    log.WithComponent("api"),
	}
	s.routes()
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           requestMetrics(s.router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.router

	r.HandleFunc("/v1/jobs", s.requireCapability(CapWrite, s.handleSubmitJob)).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs", s.requireCapability(CapRead, s.handleListJobs)).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs", s.requireCapability(CapWrite, s.handleDeleteAllJobs)).Methods(http.MethodDelete)
	r.HandleFunc("/v1/jobs/{id}", s.requireCapability(CapRead, s.handleGetJob)).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{id}/stop", s.requireCapability(CapWrite, s.handleStopJob)).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{id}", s.requireCapability(CapWrite, s.handleDeleteJob)).Methods(http.MethodDelete)
	r.HandleFunc("/v1/jobs/{id}/logs", s.requireCapability(CapRead, s.handleStreamLogs))

	r.HandleFunc("/v1/runtimes", s.requireCapability(CapRead, s.handleListRuntimes)).Methods(http.MethodGet)
	r.HandleFunc("/v1/runtimes", s.requireCapability(CapAdmin, s.handleInstallRuntime)).Methods(http.MethodPost)
	r.HandleFunc("/v1/runtimes/{name}", s.requireCapability(CapAdmin, s.handleRemoveRuntime)).Methods(http.MethodDelete)

	r.HandleFunc("/v1/volumes", s.requireCapability(CapWrite, s.handleCreateVolume)).Methods(http.MethodPost)
	r.HandleFunc("/v1/volumes/{name}", s.requireCapability(CapWrite, s.handleDeleteVolume)).Methods(http.MethodDelete)
	r.HandleFunc("/v1/networks", s.requireCapability(CapAdmin, s.handleCreateNetwork)).Methods(http.MethodPost)

	r.HandleFunc("/v1/workflows", s.requireCapability(CapWrite, s.handleSubmitWorkflow)).Methods(http.MethodPost)
	r.HandleFunc("/v1/workflows/{id}", s.requireCapability(CapRead, s.handleGetWorkflow)).Methods(http.MethodGet)

	r.HandleFunc("/v1/stream/metrics", s.requireCapability(CapRead, s.handleStreamMetrics))

	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/healthz", metrics.HealthHandler())
	r.HandleFunc("/readyz", metrics.ReadyHandler())
}

// ListenAndServe starts the HTTP server; it blocks until Shutdown is
// called or the listener fails.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("api listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	writeJSON(w, status, body)
}
