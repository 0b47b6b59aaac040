package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capturelab/voicemix/internal/config"
	"github.com/capturelab/voicemix/internal/metrics"
	"github.com/capturelab/voicemix/internal/mixdown"
	"github.com/capturelab/voicemix/internal/output"
	"github.com/capturelab/voicemix/internal/session"
)

// HTTPServer provides the HTTP control API for recording sessions
type HTTPServer struct {
	server     *http.Server
	logger     *slog.Logger
	config     *config.Config
	sessionMgr *session.Manager
	udpServer  *UDPServer
	metrics    *metrics.Metrics

	startTime time.Time
}

// startRequest is the body for POST /sessions/start
type startRequest struct {
	TargetID   uint64 `json:"target_id"`
	TargetName string `json:"target_name"`
	EpochMono  int64  `json:"epoch_mono"`
}

// stopRequest is the body for POST /sessions/stop
type stopRequest struct {
	TargetID uint64 `json:"target_id"`
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, sessionMgr *session.Manager, udpServer *UDPServer, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		sessionMgr: sessionMgr,
		udpServer:  udpServer,
		metrics:    m,
		startTime:  time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session control and monitoring endpoints
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/start", h.withMetrics("/sessions/start", h.handleStart))
	mux.HandleFunc("/sessions/stop", h.withMetrics("/sessions/stop", h.handleStop))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		// Call the original handler
		handler(ww, r)

		// Record metrics
		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// writeJSON writes v as the JSON response body with the given status
func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError writes the JSON error envelope {"error": code, "detail": detail}
func (h *HTTPServer) writeError(w http.ResponseWriter, status int, code, detail string) {
	h.writeJSON(w, status, map[string]string{
		"error":  code,
		"detail": detail,
	})
}

// handleStart implements the POST /sessions/start endpoint
func (h *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if req.TargetID == 0 {
		h.writeError(w, http.StatusBadRequest, "bad_request", "target_id is required")
		return
	}

	sess, err := h.sessionMgr.Start(req.TargetID, req.TargetName, req.EpochMono)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyRecording):
			h.writeError(w, http.StatusConflict, "already_recording", err.Error())
		case errors.Is(err, session.ErrSessionLimit):
			h.writeError(w, http.StatusServiceUnavailable, "session_limit", err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, sess.Snapshot())
}

// handleStop implements the POST /sessions/stop endpoint
func (h *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if req.TargetID == 0 {
		h.writeError(w, http.StatusBadRequest, "bad_request", "target_id is required")
		return
	}

	// Finalization keeps running even if the client disconnects, so the
	// request context is deliberately not used here
	artifacts, err := h.sessionMgr.Stop(context.Background(), req.TargetID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotRecording):
			h.writeError(w, http.StatusNotFound, "not_recording", err.Error())
		case errors.Is(err, mixdown.ErrMixdownFailed):
			h.writeError(w, http.StatusInternalServerError, "mixdown_failed", err.Error())
		case errors.Is(err, output.ErrPersistFailed):
			h.writeError(w, http.StatusInternalServerError, "persist_failed", err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusOK, artifacts)
}

// handleSessions implements the GET /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	sessions := h.sessionMgr.GetAllSessions()

	response := map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	}

	h.writeJSON(w, http.StatusOK, response)
}

// handleSessionDetail implements the GET /sessions/{target_id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	// Extract target ID from URL path
	targetIDStr := r.URL.Path[len("/sessions/"):]
	if targetIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "bad_request", "target id required")
		return
	}

	targetID, err := strconv.ParseUint(targetIDStr, 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid target id '%s'", targetIDStr))
		return
	}

	sess, exists := h.sessionMgr.GetSession(targetID)
	if !exists {
		h.writeError(w, http.StatusNotFound, "not_recording", fmt.Sprintf("target %d is not being recorded", targetID))
		return
	}

	h.writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	uptime := time.Since(h.startTime)
	udpStats := h.udpServer.GetStatistics()
	mgrStats := h.sessionMgr.GetStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "voicemix",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"udp_server": map[string]interface{}{
				"status":            "running",
				"packets_received":  udpStats.PacketsReceived,
				"packets_processed": udpStats.PacketsProcessed,
				"packets_dropped":   udpStats.PacketsDropped,
				"parse_errors":      udpStats.ParseErrors,
				"queue_size":        udpStats.QueueSize,
			},
			"session_manager": map[string]interface{}{
				"status":             "running",
				"active_sessions":    mgrStats.ActiveSessions,
				"sessions_started":   mgrStats.SessionsStarted,
				"sessions_completed": mgrStats.SessionsCompleted,
				"sessions_failed":    mgrStats.SessionsFailed,
			},
		},
	}

	h.writeJSON(w, http.StatusOK, health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	// Return sanitized configuration
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"udp_port":                h.config.Server.UDPPort,
			"bind_address":            h.config.Server.BindAddress,
			"buffer_size":             h.config.Server.BufferSize,
			"max_concurrent_sessions": h.config.Server.MaxConcurrentSessions,
		},
		"audio": map[string]interface{}{
			"sample_rate": h.config.Audio.SampleRate,
			"channels":    h.config.Audio.Channels,
			"bit_depth":   h.config.Audio.BitDepth,
		},
		"recording": map[string]interface{}{
			"output_dir":      h.config.Recording.OutputDir,
			"merge":           h.config.Recording.Merge,
			"save_individual": h.config.Recording.SaveIndividual,
			"zip":             h.config.Recording.Zip,
			"bitrate":         h.config.Recording.Bitrate,
			"on_empty":        h.config.Recording.OnEmpty,
			"max_duration":    h.config.Recording.MaxDuration,
		},
		"mixer": map[string]interface{}{
			"ffmpeg_path": h.config.Mixer.FFmpegPath,
			"timeout":     h.config.Mixer.Timeout,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	h.writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	udpStats := h.udpServer.GetStatistics()
	mgrStats := h.sessionMgr.GetStats()
	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"udp": map[string]interface{}{
			"packets_received":  udpStats.PacketsReceived,
			"packets_processed": udpStats.PacketsProcessed,
			"packets_dropped":   udpStats.PacketsDropped,
			"parse_errors":      udpStats.ParseErrors,
			"queue_size":        udpStats.QueueSize,
			"queue_capacity":    udpStats.QueueCapacity,
		},
		"sessions": map[string]interface{}{
			"active_count":       mgrStats.ActiveSessions,
			"sessions_started":   mgrStats.SessionsStarted,
			"sessions_completed": mgrStats.SessionsCompleted,
			"sessions_failed":    mgrStats.SessionsFailed,
		},
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	if r.URL.Path != "/" {
		h.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no such endpoint: %s", r.URL.Path))
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Voice Channel Recording Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                      "API documentation",
			"GET /health":                "Service health check",
			"POST /sessions/start":       "Start recording a target",
			"POST /sessions/stop":        "Stop recording and assemble artifacts",
			"GET /sessions":              "List all active recording sessions",
			"GET /sessions/{target_id}":  "Get detailed session information",
			"GET /config":                "Get service configuration",
			"GET /stats":                 "Get service statistics",
			"GET /metrics":               "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	h.writeJSON(w, http.StatusOK, apiDoc)
}
