package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/joblet/pkg/domain"
	"github.com/cuemby/joblet/pkg/jobstate"
	"github.com/cuemby/joblet/pkg/ledger"
	"github.com/cuemby/joblet/pkg/logbus"
	"github.com/cuemby/joblet/pkg/registry"
	"github.com/cuemby/joblet/pkg/scheduler"
	"github.com/cuemby/joblet/pkg/storage"
	"github.com/cuemby/joblet/pkg/volume"
	"github.com/cuemby/joblet/pkg/workflow"
)

type fakeVolumeChecker struct{}

func (fakeVolumeChecker) Exists(string) bool { return true }

func newTestServer(t *testing.T) *Server {
	t.Helper()

	catalog, err := storage.OpenCatalog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	files, err := storage.NewJobFiles(t.TempDir())
	require.NoError(t, err)

	machine := jobstate.New(files)
	led := ledger.New(ledger.Totals{CPUCores: 4, MemoryBytes: 1 << 30})
	reg, err := registry.New(catalog, machine)
	require.NoError(t, err)
	installer := registry.NewInstaller(reg)

	logs := logbus.New(t.TempDir(), 64, 0)

	sched := scheduler.New(machine, led, reg, nil, nil, logs, 1)

	vols := volume.NewManager(t.TempDir())
	resolver := workflow.New(sched, fakeVolumeChecker{}, files, machine)

	return New(":0", Deps{
		Machine:   machine,
		Scheduler: sched,
		Registry:  reg,
		Installer: installer,
		Volumes:   vols,
		Resolver:  resolver,
		Workflows: files,
		Ledger:    led,
		Logs:      logs,
	})
}

func doRequest(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAndGetJob(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/v1/jobs", submitJobRequest{Command: "echo", Args: []string{"hi"}})
	require.Equal(t, http.StatusCreated, rec.Code)

	var job domain.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, domain.JobQueued, job.Status)

	rec = doRequest(s, http.MethodGet, "/v1/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitJobMissingCommandRejected(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/v1/jobs", submitJobRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "InvalidRequest", body.Code)
}

func TestGetJobNotFoundMapsTo404(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/v1/jobs/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopAndDeleteQueuedJob(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/v1/jobs", submitJobRequest{Command: "echo"})
	var job domain.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))

	rec = doRequest(s, http.MethodPost, "/v1/jobs/"+job.ID+"/stop", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(s, http.MethodDelete, "/v1/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestListRuntimesEmpty(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/v1/runtimes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestCreateAndDeleteVolume(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/v1/volumes", map[string]any{"name": "cache", "size": "10MB"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(s, http.MethodDelete, "/v1/volumes/cache", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSubmitAndGetWorkflow(t *testing.T) {
	s := newTestServer(t)

	yamlDoc := "version: \"1\"\nname: pipeline\njobs:\n  build:\n    command: [\"make\"]\n"
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows", bytes.NewBufferString(yamlDoc))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var wf domain.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))

	rec = doRequest(s, http.MethodGet, "/v1/workflows/"+wf.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireCapabilityRejectsInsufficientAndUnknownTokens(t *testing.T) {
	s := newTestServer(t)
	s.auth = NewStaticTokenAuthenticator(map[string]Principal{
		"read-token": {Name: "viewer", Capability: CapRead},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(`{"command":"echo"}`))
	req.Header.Set("Authorization", "Bearer read-token")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStreamLogsRelaysWrittenRecords(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/v1/jobs", submitJobRequest{Command: "echo"})
	var job domain.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))

	httpSrv := httptest.NewServer(s.router)
	defer httpSrv.Close()
	wsURL := "ws" + httpSrv.URL[len("http"):] + "/v1/jobs/" + job.ID + "/logs"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The server subscribes just after completing the handshake; give that
	// goroutine a moment to register before writing.
	time.Sleep(50 * time.Millisecond)
	s.logs.Write(job.ID, domain.ChannelStdout, "hello")

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg streamMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.NotNil(t, msg.Record)
	assert.Equal(t, "hello", string(msg.Record.Message))
}
