package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/noFAYZ/sync-tracker/internal/database"
	"github.com/noFAYZ/sync-tracker/internal/tracker"
	"github.com/noFAYZ/sync-tracker/pkg/config"
	"github.com/noFAYZ/sync-tracker/pkg/logger"
	"github.com/noFAYZ/sync-tracker/pkg/models"
	"github.com/sirupsen/logrus"
)

// Version is reported by the health endpoint
var Version = "dev"

// Connections starts and stops the per-domain push subscriptions
type Connections interface {
	Connect(ctx context.Context, domain models.Domain) error
	Disconnect(domain models.Domain) error
}

// HistoryReader serves the sync history log
type HistoryReader interface {
	History(ctx context.Context, q database.HistoryQuery) ([]database.HistoryRecord, error)
}

// MetricsReader serves recorded summary samples
type MetricsReader interface {
	SummaryHistory(ctx context.Context, since time.Time) ([]database.SummaryPoint, error)
}

// MessagingStats exposes the broker connection counters
type MessagingStats interface {
	GetStats() nats.Statistics
}

// HealthChecker is implemented by every backing service client
type HealthChecker interface {
	Health(ctx context.Context) error
}

// WebSocketHub serves the UI push channel
type WebSocketHub interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	ClientCount() int
}

// Deps are the components behind the API. Only Tracker is required.
type Deps struct {
	Tracker     *tracker.Tracker
	Connections Connections
	Hub         WebSocketHub
	History     HistoryReader
	Metrics     MetricsReader
	Messaging   MessagingStats
	Health      map[string]HealthChecker
}

// defaultSummaryWindow is used when /sync/summary/history has no since parameter
const defaultSummaryWindow = time.Hour

// Server represents the HTTP API server
type Server struct {
	cfg        *config.Config
	deps       Deps
	logger     *logrus.Entry
	router     *mux.Router
	httpServer *http.Server
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Deps, log logrus.FieldLogger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.WithComponent(log, "api"),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	s.router.Use(logger.Middleware(s.logger))
	s.router.Use(handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.logger),
		handlers.PrintRecoveryStack(true),
	))

	apiV1 := s.router.PathPrefix("/api/v1").Subrouter()

	apiV1.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Sync state. The summary routes must precede /sync/{domain}.
	apiV1.HandleFunc("/sync/summary", s.handleSummary).Methods("GET")
	apiV1.HandleFunc("/sync/summary/history", s.handleSummaryHistory).Methods("GET")
	apiV1.HandleFunc("/sync/{domain}", s.handleDomain).Methods("GET")
	apiV1.HandleFunc("/sync/{domain}", s.handleClearDomain).Methods("DELETE")
	apiV1.HandleFunc("/sync/{domain}/{entityId}", s.handleEntity).Methods("GET")
	apiV1.HandleFunc("/sync/{domain}/{entityId}", s.handleClearEntity).Methods("DELETE")
	apiV1.HandleFunc("/sync/{domain}/{entityId}/retry", s.handleRetry).Methods("POST")
	apiV1.HandleFunc("/sync/{domain}/{entityId}/history", s.handleHistory).Methods("GET")
	apiV1.HandleFunc("/retry/{entityId}", s.handleRetryEntity).Methods("POST")

	// Push subscriptions
	apiV1.HandleFunc("/connections", s.handleConnections).Methods("GET")
	apiV1.HandleFunc("/connections/{domain}/connect", s.handleConnect).Methods("POST")
	apiV1.HandleFunc("/connections/{domain}/disconnect", s.handleDisconnect).Methods("POST")

	apiV1.HandleFunc("/stats", s.handleStats).Methods("GET")
	apiV1.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// Handler returns the router wrapped in CORS when enabled. CORS sits outside the
// router so preflight requests never reach route matching.
func (s *Server) Handler() http.Handler {
	if !s.cfg.Security.CORSEnabled {
		return s.router
	}
	return handlers.CORS(
		handlers.AllowedOrigins(s.cfg.Security.CORSOrigins),
		handlers.AllowedMethods(s.cfg.Security.CORSMethods),
		handlers.AllowedHeaders(s.cfg.Security.CORSHeaders),
	)(s.router)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := s.cfg.GetServerAddr()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	s.logger.WithField("address", addr).Info("Starting HTTP server")

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		if strings.Contains(err.Error(), "address already in use") {
			return fmt.Errorf("port %d is already in use, use a different port: --port %d", s.cfg.Server.Port, s.cfg.Server.Port+1)
		}
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: http.StatusText(status), Code: status, Message: msg})
}

// statusFor maps tracker errors to HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, tracker.ErrUnknownDomain), errors.Is(err, tracker.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, tracker.ErrRetryLimitExceeded), errors.Is(err, tracker.ErrAmbiguousEntity):
		return http.StatusConflict
	case errors.Is(err, tracker.ErrResumeRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func domainVar(w http.ResponseWriter, r *http.Request) (models.Domain, bool) {
	d, err := models.ParseDomain(mux.Vars(r)["domain"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return d, true
}

// handleHealth pings every configured backing service
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	health := models.HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  make(map[string]models.ServiceHealth, len(s.deps.Health)),
		Version:   Version,
	}
	for name, checker := range s.deps.Health {
		if err := checker.Health(ctx); err != nil {
			health.Status = "degraded"
			health.Services[name] = models.ServiceHealth{Status: "unhealthy", Error: err.Error()}
			continue
		}
		health.Services[name] = models.ServiceHealth{Status: "healthy"}
	}
	if s.deps.Hub != nil {
		health.Connections = s.deps.Hub.ClientCount()
	}

	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Tracker.GetAggregateSnapshot())
}

// handleSummaryHistory returns summary samples since ?since=, either a duration
// back from now ("30m") or an RFC3339 time
func (s *Server) handleSummaryHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "sync metrics are disabled")
		return
	}
	since, err := parseSince(r.URL.Query().Get("since"), time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	points, err := s.deps.Metrics.SummaryHistory(r.Context(), since)
	if err != nil {
		s.logger.WithError(err).Error("Failed to read summary history")
		writeError(w, http.StatusInternalServerError, "failed to read summary history")
		return
	}
	if points == nil {
		points = []database.SummaryPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return now.Add(-defaultSummaryWindow), nil
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("since must be a positive duration or an RFC3339 time, got %q", v)
}

func (s *Server) handleDomain(w http.ResponseWriter, r *http.Request) {
	domain, ok := domainVar(w, r)
	if !ok {
		return
	}
	states, err := s.deps.Tracker.GetSnapshot(domain)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"domain":   domain,
		"entities": s.deps.Tracker.Views(states),
	})
}

func (s *Server) handleClearDomain(w http.ResponseWriter, r *http.Request) {
	domain, ok := domainVar(w, r)
	if !ok {
		return
	}
	if err := s.deps.Tracker.ClearDomain(domain); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	domain, ok := domainVar(w, r)
	if !ok {
		return
	}
	state, err := s.deps.Tracker.GetEntity(domain, mux.Vars(r)["entityId"])
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Tracker.View(state))
}

func (s *Server) handleClearEntity(w http.ResponseWriter, r *http.Request) {
	domain, ok := domainVar(w, r)
	if !ok {
		return
	}
	if err := s.deps.Tracker.Clear(domain, mux.Vars(r)["entityId"]); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type retryResponse struct {
	Outcome tracker.RetryOutcome `json:"outcome"`
	Entity  *tracker.EntityView  `json:"entity,omitempty"`
	JobID   models.JobID         `json:"jobId,omitempty"`
	Error   string               `json:"error,omitempty"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	domain, ok := domainVar(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.retryContext(r)
	defer cancel()
	res, err := s.deps.Tracker.Retry(ctx, domain, mux.Vars(r)["entityId"])
	s.writeRetry(w, res, err)
}

func (s *Server) handleRetryEntity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.retryContext(r)
	defer cancel()
	res, err := s.deps.Tracker.RetryEntity(ctx, mux.Vars(r)["entityId"])
	s.writeRetry(w, res, err)
}

// retryContext detaches the resume round trip from the request. A client that
// hangs up must not revert a resume the server may already have accepted.
func (s *Server) retryContext(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := s.cfg.Resume.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
}

func (s *Server) writeRetry(w http.ResponseWriter, res tracker.RetryResult, err error) {
	if err != nil && res.Outcome == 0 {
		writeError(w, statusFor(err), err.Error())
		return
	}

	resp := retryResponse{Outcome: res.Outcome, JobID: res.JobID}
	if res.Entity.EntityID != "" {
		view := s.deps.Tracker.View(res.Entity)
		resp.Entity = &view
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = statusFor(err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "sync history is disabled")
		return
	}
	domain, ok := domainVar(w, r)
	if !ok {
		return
	}

	q := database.HistoryQuery{
		Domain:   domain,
		EntityID: mux.Vars(r)["entityId"],
		Status:   models.Status(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = limit
	}

	records, err := s.deps.History.History(r.Context(), q)
	if err != nil {
		s.logger.WithError(err).Error("Failed to read sync history")
		writeError(w, http.StatusInternalServerError, "failed to read sync history")
		return
	}
	if records == nil {
		records = []database.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Tracker.Connections())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.controlConnection(w, r, func(d models.Domain) error {
		// the subscription outlives the request
		return s.deps.Connections.Connect(context.Background(), d)
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.controlConnection(w, r, func(d models.Domain) error {
		return s.deps.Connections.Disconnect(d)
	})
}

func (s *Server) controlConnection(w http.ResponseWriter, r *http.Request, fn func(models.Domain) error) {
	if s.deps.Connections == nil {
		writeError(w, http.StatusServiceUnavailable, "connections are not managed by this process")
		return
	}
	domain, ok := domainVar(w, r)
	if !ok {
		return
	}
	if err := fn(domain); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	for _, c := range s.deps.Tracker.Connections() {
		if c.Domain == domain {
			writeJSON(w, http.StatusAccepted, c)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"dispatch": s.deps.Tracker.Stats(),
	}
	if s.deps.Hub != nil {
		stats["websocketClients"] = s.deps.Hub.ClientCount()
	}
	if s.deps.Messaging != nil {
		ns := s.deps.Messaging.GetStats()
		stats["nats"] = map[string]uint64{
			"inMsgs":     ns.InMsgs,
			"outMsgs":    ns.OutMsgs,
			"inBytes":    ns.InBytes,
			"outBytes":   ns.OutBytes,
			"reconnects": ns.Reconnects,
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleWebSocket establishes the UI push channel
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "websocket service unavailable")
		return
	}
	s.deps.Hub.HandleWebSocket(w, r)
}
