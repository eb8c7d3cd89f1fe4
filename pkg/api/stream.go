package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/cuemby/joblet/pkg/domain"
	"github.com/cuemby/joblet/pkg/ledger"
	"github.com/cuemby/joblet/pkg/metrics"
)

// Grounded on jontk-slurm-client/pkg/streaming/websocket.go's
// WebSocketServer shape: an Upgrader, one goroutine per connection relaying
// typed JSON messages, and a keepalive ping ticker that also detects a dead
// peer.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	streamPingInterval = 30 * time.Second
	streamDrainGrace   = 5 * time.Second
)

// streamMessage is one frame of a log or metrics stream.
type streamMessage struct {
	Type    string          `json:"type"` // "log", "metrics", "closed", "error"
	Record  *domain.LogRecord `json:"record,omitempty"`
	Metrics *streamMetrics    `json:"metrics,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type streamMetrics struct {
	Ledger ledger.Snapshot `json:"ledger"`
	Jobs   map[string]int  `json:"jobsByStatus"`
}

// handleStreamLogs upgrades to a WebSocket and relays a job's log records
// from fromSequence onward (spec §6: "streams until the client disconnects
// or the job reaches a terminal state, in which case the server keeps the
// connection open for a further five seconds to drain any buffered lines
// before closing"). A client disconnecting never affects the job itself.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	fromSequence := int64(-1)
	if v := r.URL.Query().Get("fromSequence"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			fromSequence = n
		}
	}

	if _, err := s.machine.Get(jobID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("log stream upgrade failed")
		return
	}
	defer conn.Close()
	metrics.StreamSubscribersTotal.WithLabelValues("logs").Inc()
	defer metrics.StreamSubscribersTotal.WithLabelValues("logs").Dec()

	sub := s.logs.Subscribe(jobID, fromSequence)
	defer s.logs.Unsubscribe(jobID, sub)

	done := readUntilClosed(conn)
	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	statusTick := time.NewTicker(time.Second)
	defer statusTick.Stop()

	var drain <-chan time.Time
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-statusTick.C:
			if job, err := s.machine.Get(jobID); err == nil && job.Status.IsTerminal() && drain == nil {
				drain = time.After(streamDrainGrace)
			}
		case rec, ok := <-sub:
			if !ok {
				return
			}
			if err := sendJSON(conn, streamMessage{Type: "log", Record: &rec}); err != nil {
				return
			}
			if job, err := s.machine.Get(jobID); err == nil && job.Status.IsTerminal() && drain == nil {
				timer := time.NewTimer(streamDrainGrace)
				defer timer.Stop()
				drain = timer.C
			}
		case <-drain:
			_ = sendJSON(conn, streamMessage{Type: "closed"})
			return
		}
	}
}

// handleStreamMetrics relays a periodic engine-wide metrics snapshot until
// the client disconnects.
func (s *Server) handleStreamMetrics(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("metrics stream upgrade failed")
		return
	}
	defer conn.Close()
	metrics.StreamSubscribersTotal.WithLabelValues("metrics").Inc()
	defer metrics.StreamSubscribersTotal.WithLabelValues("metrics").Dec()

	interval := time.Second
	if v := r.URL.Query().Get("intervalMs"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			interval = time.Duration(ms) * time.Millisecond
		}
	}

	done := readUntilClosed(conn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-ticker.C:
			msg := streamMessage{Type: "metrics", Metrics: &streamMetrics{
				Ledger: s.ledger.Snapshot(),
				Jobs:   jobCountsByStatus(s.machine.ListJobs()),
			}}
			if err := sendJSON(conn, msg); err != nil {
				return
			}
		}
	}
}

func jobCountsByStatus(jobs []*domain.Job) map[string]int {
	counts := make(map[string]int)
	for _, j := range jobs {
		counts[string(j.Status)]++
	}
	return counts
}

// readUntilClosed drains and discards incoming frames (the protocol is
// server-push only) and closes done when the peer disconnects or a read
// error occurs, mirroring the teacher's dedicated-reader-goroutine pattern.
func readUntilClosed(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}

func sendJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
