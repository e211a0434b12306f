// Package api is the HTTP surface of the platform: a small JSON REST
// API for operators plus the /ws endpoint browsers connect to.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/clawinfra/arbnet/internal/core"
	"github.com/clawinfra/arbnet/internal/hub"
	"github.com/clawinfra/arbnet/internal/types"
)

// Server is the HTTP API server.
type Server struct {
	port       int
	core       *core.Core
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new API server over an assembled core.
func NewServer(port int, c *core.Core, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:   port,
		core:   c,
		logger: logger.With("component", "api"),
	}
}

// Handler builds the routed handler with middleware applied. Exposed
// separately from Start so tests can mount it on a test server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/bots", s.handleBots)
	mux.HandleFunc("/api/bots/", s.handleBotAction)
	mux.HandleFunc("/api/opportunities", s.handleOpportunities)
	mux.HandleFunc("/api/opportunities/process", s.handleProcess)
	mux.HandleFunc("/api/autonomous/start", s.handleAutonomousStart)
	mux.HandleFunc("/api/autonomous/stop", s.handleAutonomousStop)
	mux.HandleFunc("/api/emergency-stop", s.handleEmergencyStop)

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.port),
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWS upgrades the connection and parks it in the hub until the
// read loop ends.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // accept any Origin for dev convenience
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}

	h := s.core.Hub()
	if err := h.Connect(clientID, hub.NewWSSocket(conn)); err != nil {
		s.logger.Error("hub connect failed", "client", clientID, "error", err)
		conn.Close(websocket.StatusInternalError, "hub connect failed")
		return
	}
	defer h.Disconnect(clientID)

	s.logger.Info("websocket client connected", "client", clientID, "remote", r.RemoteAddr)
	if err := h.ReadPump(r.Context(), clientID, conn); err != nil {
		s.logger.Debug("websocket client gone", "client", clientID, "error", err)
	}
}

// handleStatus returns the platform summary.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.core.Status())
}

// handleMetrics returns per-subsystem counters.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.core.DetailedMetrics())
}

// handleBots lists every registered bot.
func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.core.Service().AllBots())
}

// handleBotAction routes /api/bots/{id}/{start|stop|mode}.
func (s *Server) handleBotAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/bots/")
	parts := strings.SplitN(rest, "/", 2)
	botID := parts[0]
	if botID == "" {
		writeError(w, http.StatusNotFound, "bot id required")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		desc, err := s.core.Service().BotStatus(botID)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, desc)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch parts[1] {
	case "start":
		var body struct {
			Config map[string]string `json:"config"`
		}
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&body) // empty body is fine
		}
		if err := s.core.Service().StartBot(r.Context(), botID, body.Config); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "started", "bot_id": botID})

	case "stop":
		if err := s.core.Service().StopBot(r.Context(), botID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "bot_id": botID})

	case "mode":
		var body struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.core.ConfigureBotMode(botID, body.Mode); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "mode_set", "bot_id": botID, "mode": body.Mode})

	default:
		writeError(w, http.StatusNotFound, "unknown bot action: "+parts[1])
	}
}

// handleOpportunities returns a live scan for ?token=, or the recent
// ring when no token is given.
func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if token := r.URL.Query().Get("token"); token != "" {
		ops, err := s.core.Service().GetOpportunities(r.Context(), token, limit)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, ops)
		return
	}
	writeJSON(w, http.StatusOK, s.core.Service().RecentOpportunities(limit))
}

// handleProcess runs one opportunity through the full pipeline.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var op types.Opportunity
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeError(w, http.StatusBadRequest, "invalid opportunity body: "+err.Error())
		return
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	rec, err := s.core.ProcessOpportunity(r.Context(), op)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAutonomousStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	// Background context: the loop must outlive this request.
	s.core.StartAutonomousMode(context.Background())
	writeJSON(w, http.StatusOK, map[string]string{"status": "autonomous"})
}

func (s *Server) handleAutonomousStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.core.StopAutonomousMode()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.core.EmergencyStop(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "halted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
