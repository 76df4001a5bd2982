// Package gateway is the HTTP and WebSocket front door: session
// launch, per-room config and admin delivery, the tool surface, and
// the event stream.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/niahq/nia/internal/forwarder"
	"github.com/niahq/nia/internal/logging"
	"github.com/niahq/nia/internal/metrics"
	"github.com/niahq/nia/internal/operator"
	"github.com/niahq/nia/internal/roomurl"
	"github.com/niahq/nia/internal/runner"
	"github.com/niahq/nia/internal/statestore"
	"github.com/niahq/nia/internal/tools"
	"github.com/niahq/nia/internal/wshub"
	"github.com/niahq/nia/pkg/config"
)

// Server represents the gateway HTTP server
type Server struct {
	cfg     *config.Config
	state   *statestore.State
	hub     *wshub.Hub
	disp    *tools.Dispatcher
	op      *operator.Operator
	runners *runner.Registry
	logs    *logging.Manager
	metrics *metrics.Metrics
	client  *http.Client

	// roomTenants caches room→tenant from join envelopes so tool calls
	// without explicit tenant context can still resolve one.
	mu          sync.RWMutex
	roomTenants map[string]string
}

// NewServer creates a new gateway server. op and runners may be nil
// when the process is a pure front door (queue mode without an
// embedded operator).
func NewServer(cfg *config.Config, state *statestore.State, hub *wshub.Hub, disp *tools.Dispatcher, op *operator.Operator, runners *runner.Registry, logs *logging.Manager) *Server {
	return &Server{
		cfg:         cfg,
		state:       state,
		hub:         hub,
		disp:        disp,
		op:          op,
		runners:     runners,
		logs:        logs,
		metrics:     metrics.NewMetrics(),
		client:      &http.Client{Timeout: 10 * time.Second},
		roomTenants: make(map[string]string),
	}
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("/join", s.handleJoin)
	mux.HandleFunc("/start", s.handleJoin)
	mux.HandleFunc("/leave", s.handleLeave)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/admin", s.handleAdmin)

	// Events
	mux.HandleFunc("/emit-event", s.handleEmitEvent)
	mux.HandleFunc("/ws/events", s.hub.ServeWS)

	// Tools
	mux.HandleFunc("/api/tools/list", s.handleToolsList)
	mux.HandleFunc("/api/tools/invoke", s.handleToolsInvoke)
	mux.HandleFunc("/api/tools/execute", s.handleToolsExecute)

	// Room state
	mux.HandleFunc("/api/room/active-note", s.handleActiveNote)
	mux.HandleFunc("/api/room/active-applet", s.handleActiveApplet)

	// System
	mux.HandleFunc("/default-room", s.handleDefaultRoom)
	mux.HandleFunc("/api/active-rooms", s.handleActiveRooms)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// Apply middleware
	handler := s.loggingMiddleware(mux)
	handler = s.corsMiddleware(handler)
	handler = s.authMiddleware(handler)

	return otelhttp.NewHandler(handler, "nia-gateway")
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := 0
	if s.runners != nil {
		sessions = s.runners.Len()
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"sessions":   sessions,
		"ws_clients": s.hub.ClientCount(),
	})
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, fmt.Sprintf("%d", rec.status)).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(elapsed.Seconds())
		if s.logs != nil {
			s.logs.Log(logging.LogLevelInfo, "gateway", fmt.Sprintf("%s %s %d %s", r.Method, r.URL.Path, rec.status, elapsed), nil)
		}
		if s.cfg.Debug {
			log.Printf("gateway: %s %s %d %s", r.Method, r.URL.Path, rec.status, elapsed)
		}
	})
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		// Handle preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authRequired reports whether a request must carry credentials. The
// state-mutating session surface is protected; read paths, the event
// stream, and the tool surface stay open for UI clients.
func authRequired(r *http.Request) bool {
	switch r.URL.Path {
	case "/join", "/start", "/leave", "/config", "/admin":
		return true
	case "/api/room/active-note", "/api/room/active-applet":
		return r.Method == http.MethodPost
	}
	return false
}

// authMiddleware handles authentication
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authRequired(r) {
			next.ServeHTTP(w, r)
			return
		}

		// Skip auth if no credentials are configured (dev mode)
		if s.cfg.Auth.TokenHash == "" && s.cfg.Auth.JWTSecret == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			s.respondError(w, http.StatusUnauthorized, "missing credentials", "")
			return
		}

		if s.cfg.Auth.TokenHash != "" &&
			bcrypt.CompareHashAndPassword([]byte(s.cfg.Auth.TokenHash), []byte(token)) == nil {
			next.ServeHTTP(w, r)
			return
		}

		if s.cfg.Auth.JWTSecret != "" {
			parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(s.cfg.Auth.JWTSecret), nil
			})
			if err == nil && parsed.Valid {
				next.ServeHTTP(w, r)
				return
			}
		}

		s.respondError(w, http.StatusUnauthorized, "invalid credentials", "")
	})
}

// bearerToken extracts credentials from the Authorization header, with
// X-API-Key as a fallback.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// Helper functions

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message, detail string) {
	body := map[string]string{"error": message}
	if detail != "" {
		body["detail"] = detail
	}
	s.respondJSON(w, status, body)
}

// parseJSON decodes a request body
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// requirePost guards a POST-only handler. Returns false after writing
// the error when the method is wrong.
func (s *Server) requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// canonical normalizes a room URL per server config.
func (s *Server) canonical(raw string) (string, error) {
	return roomurl.Canonical(raw, s.cfg.Server.LowercasePaths)
}

// setRoomTenant records the room→tenant association in the local cache
// and the shared store.
func (s *Server) setRoomTenant(room, tenant string) {
	if tenant == "" {
		return
	}
	s.mu.Lock()
	s.roomTenants[room] = tenant
	s.mu.Unlock()
	_ = s.state.SetRoomTenant(context.Background(), room, tenant)
}

// roomTenant resolves the tenant for a room: local cache first, then
// the shared store, then the configured default.
func (s *Server) roomTenant(room string) string {
	s.mu.RLock()
	tenant := s.roomTenants[room]
	s.mu.RUnlock()
	if tenant != "" {
		return tenant
	}
	if t, err := s.state.GetRoomTenant(context.Background(), room); err == nil && t != "" {
		return t
	}
	return s.cfg.Mesh.DefaultTenant
}

// emitterFor returns the best event emitter for a room: the live
// session's forwarder when it is hosted in-process (so envelopes reach
// both WS clients and the room's app-message channel), otherwise a
// WS-only forwarder scoped to the room's active session.
func (s *Server) emitterFor(r *http.Request, room string) tools.Emitter {
	if s.runners != nil {
		if sess, ok := s.runners.ByRoom(room); ok {
			return sess.Forwarder()
		}
	}
	sessionID := ""
	if lock, err := s.state.GetLock(r.Context(), room); err == nil {
		sessionID = lock.SessionID
	}
	return forwarder.New(sessionID, s.hub, nil)
}
