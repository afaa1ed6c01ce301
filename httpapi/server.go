// Package httpapi implements the HTTP and WebSocket surface of spec.md
// section 6, routed with github.com/julienschmidt/httprouter the way
// the teacher routes its RPC and debug endpoints, and upgrading
// WebSocket connections with github.com/gorilla/websocket.
package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/PlatformNetwork/term-executor/archive"
	"github.com/PlatformNetwork/term-executor/auth"
	"github.com/PlatformNetwork/term-executor/common"
	"github.com/PlatformNetwork/term-executor/config"
	"github.com/PlatformNetwork/term-executor/engine"
	"github.com/PlatformNetwork/term-executor/eventbus"
	"github.com/PlatformNetwork/term-executor/log"
	"github.com/PlatformNetwork/term-executor/metrics"
	"github.com/PlatformNetwork/term-executor/quorum"
	"github.com/PlatformNetwork/term-executor/session"
	"github.com/PlatformNetwork/term-executor/validator"
)

var logger = log.NewModuleLogger(log.ModuleAPI)

// Version is the build-reported version string for GET /status.
const Version = "0.1.0"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires every collaborator component behind the HTTP surface.
type Server struct {
	cfg       config.Config
	verifier  *auth.Verifier
	directory *validator.Directory
	consensus *quorum.Manager
	registry  *session.Registry
	loader    *archive.Loader
	engine    *engine.BatchEngine
	bus       *eventbus.Bus
	metrics   *metrics.Registry

	startedAt time.Time
	router    *httprouter.Router
}

// New builds a Server and registers all routes.
func New(cfg config.Config, verifier *auth.Verifier, directory *validator.Directory, consensus *quorum.Manager,
	registry *session.Registry, loader *archive.Loader, eng *engine.BatchEngine, bus *eventbus.Bus, m *metrics.Registry) *Server {
	s := &Server{
		cfg: cfg, verifier: verifier, directory: directory, consensus: consensus,
		registry: registry, loader: loader, engine: eng, bus: bus, metrics: m,
		startedAt: time.Now(),
	}
	s.router = httprouter.New()
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/metrics", s.handleMetrics)
	s.router.POST("/submit", s.handleSubmit)
	s.router.GET("/batch/:id", s.handleBatch)
	s.router.GET("/batch/:id/tasks", s.handleBatchTasks)
	s.router.GET("/batch/:id/task/:task_id", s.handleBatchTask)
	s.router.GET("/batches", s.handleBatches)
	s.router.GET("/ws", s.handleWS)
	return s
}

// Handler returns the root http.Handler for the process's HTTP server.
func (s *Server) Handler() http.Handler { return s.router }

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Code: code, Message: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":              Version,
		"uptime_secs":          int64(time.Since(s.startedAt).Seconds()),
		"active_batches":       stats.Active,
		"total_batches":        stats.Created,
		"completed_batches":    stats.Completed,
		"tasks_passed":         s.metrics.TasksPassedCount(),
		"tasks_failed":         s.metrics.TasksFailedCount(),
		"max_concurrent_tasks": s.cfg.MaxConcurrent,
		"has_active_batch":     s.registry.HasActiveBatch(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := s.metrics.Render()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to render metrics")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.directory.Len() == 0 {
		writeError(w, http.StatusServiceUnavailable, "whitelist_empty", "validator whitelist is not yet populated")
		return
	}
	if s.registry.HasActiveBatch() {
		writeError(w, http.StatusServiceUnavailable, "active_batch", "a batch is already running")
		return
	}

	envelope := auth.Envelope{
		Identity:     common.Identity(r.Header.Get("X-Hotkey")),
		Nonce:        r.Header.Get("X-Nonce"),
		SignatureHex: r.Header.Get("X-Signature"),
	}
	if err := s.verifier.Verify(envelope); err != nil {
		if authErr, ok := err.(*auth.Error); ok {
			writeError(w, http.StatusUnauthorized, string(authErr.Code), authErr.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "verification failed")
		return
	}

	if err := r.ParseMultipartForm(s.cfg.MaxArchiveBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_archive", "could not parse multipart body")
		return
	}
	file, _, err := r.FormFile("archive")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_archive", "missing archive field")
		return
	}
	defer file.Close()

	payload, err := readCapped(file, s.cfg.MaxArchiveBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_archive", "archive exceeds maximum size")
		return
	}

	hashBytes := sha256.Sum256(payload)
	hash := hex.EncodeToString(hashBytes[:])

	required := quorum.RequiredVotes(s.cfg.ConsensusThreshold, s.directory.Len())
	vote := s.consensus.RecordVote(hash, envelope.Identity, required)

	switch vote.Outcome {
	case quorum.AtCapacity:
		writeError(w, http.StatusTooManyRequests, "consensus_at_capacity", "too many pending payloads")
		return
	case quorum.AlreadyVoted:
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status": "pending_consensus", "votes": vote.Votes, "required": vote.Required,
		})
		return
	case quorum.Pending:
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status": "pending_consensus", "votes": vote.Votes, "required": vote.Required,
		})
		return
	}

	concurrentLimit := s.cfg.MaxConcurrent
	if n := r.URL.Query().Get("concurrent_tasks"); n != "" {
		if parsed, err := strconv.Atoi(n); err == nil && parsed >= 1 && parsed <= s.cfg.MaxConcurrent {
			concurrentLimit = parsed
		}
	}

	ctx := r.Context()
	extracted, err := s.loader.Load(ctx, hash, payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_archive", "archive could not be extracted")
		return
	}

	batch := s.registry.Create(concurrentLimit)
	s.engine.Spawn(batch, extracted, concurrentLimit)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"batch_id":         batch.ID,
		"total_tasks":      len(extracted.Tasks),
		"concurrent_tasks": concurrentLimit,
		"ws_url":           "/ws?batch_id=" + batch.ID,
	})
}

func readCapped(r io.Reader, limit int64) ([]byte, error) {
	lr := io.LimitReader(r, limit+1)
	buf := make([]byte, 0, 1<<20)
	tmp := make([]byte, 32*1024)
	for {
		n, err := lr.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if int64(len(buf)) > limit {
				return nil, io.ErrShortBuffer
			}
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	result, ok := s.registry.Get(ps.ByName("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBatchTasks(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	result, ok := s.registry.Get(ps.ByName("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, result.Tasks)
}

func (s *Server) handleBatchTask(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	result, ok := s.registry.Get(ps.ByName("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "batch not found")
		return
	}
	taskID := ps.ByName("task_id")
	for _, t := range result.Tasks {
		if t.TaskID == taskID {
			writeJSON(w, http.StatusOK, t)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "task not found")
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	batchID := r.URL.Query().Get("batch_id")
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "missing_batch_id", "batch_id query parameter is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(batchID)
	defer sub.Close()

	if snapshot, ok := s.registry.Get(batchID); ok {
		conn.WriteJSON(eventbus.Event{Kind: eventbus.KindSnapshot, BatchID: batchID, Data: snapshot})
	}

	for event := range sub.Events {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}
