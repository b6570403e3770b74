package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmax-ai/raciflow/pkg/buffer"
	"github.com/rmax-ai/raciflow/pkg/engine"
	"github.com/rmax-ai/raciflow/pkg/graph"
	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/reports"
	"github.com/rmax-ai/raciflow/pkg/store"
	"github.com/rmax-ai/raciflow/pkg/validation"
)

// Context keys
type contextKey string

const traceIDKey contextKey = "trace_id"

// Interfaces for dependencies to enable mocking

type EngineInterface interface {
	SetCell(ctx context.Context, task, role string, cell matrix.Cell) error
	Flush(ctx context.Context, force bool) (buffer.Outcome, error)
	Matrix(ctx context.Context) (*matrix.Matrix, error)
	Preview(ctx context.Context) (*matrix.Matrix, validation.Result, error)
	Pending() []matrix.Change
	State() buffer.State
	Dropped() int
	Graph() (*graph.Graph, error)
	DeleteNode(ctx context.Context, id string) error
	LastResult() (engine.LastPass, bool)
}

type StoreInterface interface {
	ReadRecentEvents(ctx context.Context, limit int) ([]*store.Event, error)
	QueryEvents(ctx context.Context, filter store.EventFilter) ([]*store.Event, error)

	// Webhooks
	RegisterWebhook(ctx context.Context, cfg *store.WebhookConfig) error
	ListWebhooks(ctx context.Context) ([]*store.WebhookConfig, error)
	DeleteWebhook(ctx context.Context, webhookID string) error
}

// Server encapsulates the HTTP API server
type Server struct {
	engine EngineInterface
	store  StoreInterface
	server *http.Server
	logger *slog.Logger

	// tokenHash guards write endpoints when set.
	tokenHash string

	// TLS Config
	tlsCertFile string
	tlsKeyFile  string
}

// NewServer creates a new API server instance. st may be nil when the
// daemon runs without an event log; event, webhook and event report
// endpoints then answer 503.
func NewServer(eng EngineInterface, st StoreInterface, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: eng,
		store:  st,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/v1/matrix", s.handleMatrix)
	mux.HandleFunc("/v1/matrix/cells", s.withAuth(s.handleSetCell))
	mux.HandleFunc("/v1/buffer", s.handleBuffer)
	mux.HandleFunc("/v1/flush", s.withAuth(s.handleFlush))
	mux.HandleFunc("/v1/validation", s.handleValidation)
	mux.HandleFunc("/v1/graph", s.handleGraph)
	mux.HandleFunc("/v1/graph/nodes/", s.withAuth(s.handleGraphNode))
	mux.HandleFunc("/v1/result", s.handleResult)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/webhooks", s.withAuth(s.handleWebhooks))
	mux.HandleFunc("/v1/webhooks/", s.withAuth(s.handleWebhook))
	mux.HandleFunc("/v1/reports", s.handleReports)

	// Middleware: Logging, Panic Recovery, Security Headers
	handler := s.withLogging(s.withRecovery(withSecureHeaders(mux)))

	// Use default port if addr is empty
	if addr == "" {
		addr = ":8090"
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	return s
}

// SetTLS configures the server to use TLS
func (s *Server) SetTLS(certFile, keyFile string) {
	s.tlsCertFile = certFile
	s.tlsKeyFile = keyFile
}

// SetAuthToken requires "Authorization: Bearer <token>" on write endpoints.
// An empty token disables the check.
func (s *Server) SetAuthToken(token string) {
	if token == "" {
		s.tokenHash = ""
		return
	}
	s.tokenHash = hashToken(token)
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the HTTP server (blocking)
func (s *Server) Start() error {
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		s.logger.Info("server_starting_tls", "addr", s.server.Addr)
		if err := s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
	s.logger.Info("server_starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("server_stopping")
	return s.server.Shutdown(ctx)
}

// handleMatrix returns the stored matrix, or with ?pending=true the matrix
// as it would look after the next flush.
func (s *Server) handleMatrix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	var (
		m   *matrix.Matrix
		err error
	)
	if pending, _ := strconv.ParseBool(r.URL.Query().Get("pending")); pending {
		m, _, err = s.engine.Preview(r.Context())
	} else {
		m, err = s.engine.Matrix(r.Context())
	}
	if err != nil {
		s.logger.Error("failed_to_load_matrix", "trace_id", getTraceID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_server_error")
		return
	}
	s.writeJSON(w, r, http.StatusOK, m)
}

// handleSetCell buffers one cell edit.
func (s *Server) handleSetCell(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	var req SetCellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body")
		return
	}
	if req.Task == "" || req.Role == "" {
		writeError(w, http.StatusBadRequest, "missing_required_fields")
		return
	}
	cell, err := matrix.ParseCell(req.Cell)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cell")
		return
	}

	if err := s.engine.SetCell(r.Context(), req.Task, req.Role, cell); err != nil {
		if errors.Is(err, matrix.ErrEmptyName) {
			writeError(w, http.StatusBadRequest, "missing_required_fields")
			return
		}
		if errors.Is(err, matrix.ErrReservedName) {
			writeError(w, http.StatusBadRequest, "reserved_task_name")
			return
		}
		s.logger.Error("failed_to_set_cell", "trace_id", getTraceID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_server_error")
		return
	}

	s.logger.Info("cell_buffered", "trace_id", getTraceID(r.Context()), "task", req.Task, "role", req.Role, "cell", cell.String())
	s.writeJSON(w, r, http.StatusAccepted, s.bufferState())
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.bufferState())
}

func (s *Server) bufferState() BufferResponse {
	pending := s.engine.Pending()
	if pending == nil {
		pending = []matrix.Change{}
	}
	return BufferResponse{State: s.engine.State(), Pending: pending, Dropped: s.engine.Dropped()}
}

// handleFlush triggers the buffer. The outcome is returned even when
// validation kept the edits buffered.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	var req FlushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json_body")
		return
	}

	out, err := s.engine.Flush(r.Context(), req.Force)
	if err != nil {
		s.logger.Error("flush_failed", "trace_id", getTraceID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "flush_failed")
		return
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

// handleValidation validates the matrix including pending edits.
func (s *Server) handleValidation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	_, vr, err := s.engine.Preview(r.Context())
	if err != nil {
		s.logger.Error("failed_to_validate", "trace_id", getTraceID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_server_error")
		return
	}
	s.writeJSON(w, r, http.StatusOK, vr)
}

// handleGraph returns the current process graph.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	g, err := s.engine.Graph()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "graph_not_available")
		return
	}
	s.writeJSON(w, r, http.StatusOK, g)
}

// handleGraphNode deletes a node: DELETE /v1/graph/nodes/{id}.
func (s *Server) handleGraphNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/graph/nodes/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "invalid_node_id")
		return
	}

	err := s.engine.DeleteNode(r.Context(), id)
	switch {
	case err == nil:
		s.logger.Info("node_deleted", "trace_id", getTraceID(r.Context()), "node", id)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, graph.ErrNodeNotFound):
		writeError(w, http.StatusNotFound, "node_not_found")
	case errors.Is(err, engine.ErrGraphReadOnly):
		writeError(w, http.StatusServiceUnavailable, "graph_not_available")
	default:
		s.logger.Error("failed_to_delete_node", "trace_id", getTraceID(r.Context()), "node", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_server_error")
	}
}

// handleResult returns the last reconciliation pass.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	last, ok := s.engine.LastResult()
	if !ok {
		writeError(w, http.StatusNotFound, "no_pass_yet")
		return
	}
	s.writeJSON(w, r, http.StatusOK, last)
}

// handleEvents returns recent events for diagnostics. Filters (type, task,
// role) switch to a filtered query.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "event_log_not_available")
		return
	}

	q := r.URL.Query()
	limit := 50
	if l := q.Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}

	var (
		events []*store.Event
		err    error
	)
	if typ, task, role := q.Get("type"), q.Get("task"), q.Get("role"); typ != "" || task != "" || role != "" {
		filter := store.EventFilter{Task: task, Role: role, Limit: limit}
		if typ != "" {
			filter.EventTypes = []store.EventType{store.EventType(typ)}
		}
		events, err = s.store.QueryEvents(r.Context(), filter)
	} else {
		events, err = s.store.ReadRecentEvents(r.Context(), limit)
	}
	if err != nil {
		s.logger.Error("failed_to_read_events", "trace_id", getTraceID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_server_error")
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	s.writeJSON(w, r, http.StatusOK, events)
}

// handleReports generates and streams CSV reports.
func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	q := r.URL.Query()
	reportType := reports.ReportType(q.Get("type"))
	if reportType == "" {
		writeError(w, http.StatusBadRequest, "missing_type")
		return
	}

	// Default time range: last 24h if not specified
	to := time.Now()
	if toStr := q.Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to")
			return
		}
	}
	from := to.Add(-24 * time.Hour)
	if fromStr := q.Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from")
			return
		}
	}

	params := reports.ReportParams{
		Start:   from,
		End:     to,
		Filters: make(map[string]string),
	}
	for _, key := range []string{"task", "role", "event_type", "kind"} {
		if v := q.Get(key); v != "" {
			params.Filters[key] = v
		}
	}

	src := reports.Sources{Matrix: s.engine, Graph: s.engine}
	if s.store != nil {
		src.Events = s.store
	}
	gen, err := reports.NewReportGenerator(reportType, src)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_report_type")
		return
	}

	reader, err := gen.Generate(r.Context(), params)
	if err != nil {
		s.logger.Error("failed_to_generate_report", "trace_id", getTraceID(r.Context()), "type", reportType, "error", err)
		writeError(w, http.StatusInternalServerError, "report_generation_failed")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	filename := fmt.Sprintf("report_%s_%d.csv", reportType, time.Now().Unix())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.Error("failed_to_stream_report", "trace_id", getTraceID(r.Context()), "error", err)
	}
}

// handleHealth returns simple status
func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed_to_encode_response", "trace_id", getTraceID(r.Context()), "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// Middleware: Auth
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.tokenHash == "" || r.Method == http.MethodGet {
			next(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if subtle.ConstantTimeCompare([]byte(hashToken(parts[1])), []byte(s.tokenHash)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next(w, r)
	}
}

// Middleware: Panic Recovery
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic_recovered", "error", err, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal_server_error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Middleware: Request Logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = generateTraceID()
		}
		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		r = r.WithContext(ctx)

		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(ww, r)

		s.logger.Info("http_request",
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func generateTraceID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func getTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// statusWriter captures HTTP status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func generateToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano()) // Fallback
	}
	return hex.EncodeToString(b)
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// Middleware: Secure Headers
func withSecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data:;")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("X-XSS-Protection", "1; mode=block")

		next.ServeHTTP(w, r)
	})
}
