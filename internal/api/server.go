// Package api is the HTTP/SSE front door (spec §6): the matchmaking stream,
// session reconnect/disconnect, cancel, popular interests, and the health
// surface, wired through rate limiting and maintenance-mode gating.
//
// The lineage's own ws package fronts a full-duplex WebSocket with epoll and
// a worker pool; this spec's transport is one-way server push, so the
// framing machinery is gone, but the ambient shape — a Server struct holding
// an http.Server, a ServeMux wired with /health-style JSON handlers and a
// mounted /metrics — carries over directly from ws/server.go.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/whisper/matchcore/internal/matchengine"
	"github.com/whisper/matchcore/internal/metrics"
	"github.com/whisper/matchcore/internal/notifybus"
	"github.com/whisper/matchcore/internal/protocol"
	"github.com/whisper/matchcore/internal/queuestore"
	"github.com/whisper/matchcore/internal/ratelimit"
	"github.com/whisper/matchcore/internal/sessionmgr"
)

// ConnChecker reports connectivity of an ambient dependency for /status.
type ConnChecker interface {
	Ping(ctx context.Context) error
}

// Config holds tunable parameters for the API server.
type Config struct {
	ListenAddr      string
	PublicURL       string // RENDER_EXTERNAL_URL, recorded in /status only
	RateLimit       ratelimit.Rule
	MaintenanceFlag *atomic.Bool
}

// Server is the HTTP/SSE front door.
type Server struct {
	config     Config
	engine     *matchengine.Engine
	sessions   *sessionmgr.Manager
	bus        *notifybus.Bus
	store      *queuestore.Store
	limiter    *ratelimit.Limiter
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires a Server against the match engine, session manager,
// notification bus, queue store and rate limiter.
func NewServer(config Config, engine *matchengine.Engine, sessions *sessionmgr.Manager, bus *notifybus.Bus, store *queuestore.Store, limiter *ratelimit.Limiter) *Server {
	if config.MaintenanceFlag == nil {
		config.MaintenanceFlag = &atomic.Bool{}
	}
	return &Server{
		config:   config,
		engine:   engine,
		sessions: sessions,
		bus:      bus,
		store:    store,
		limiter:  limiter,
	}
}

// Start configures the mux and begins serving. It blocks on
// http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/matchmaking", s.handleMatchmaking)
	mux.HandleFunc("/session/", s.handleSessionReconnect)
	mux.HandleFunc("/session/disconnect", s.handleSessionDisconnect)
	mux.HandleFunc("/cancel_matchmaking", s.handleCancel)
	mux.HandleFunc("/interests/popular", s.handlePopularInterests)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/maintenance", s.handleMaintenance)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	log.Printf("api: server listening on %s", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: http server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) inMaintenance() bool {
	return s.config.MaintenanceFlag.Load()
}

// writeSSEFrame writes one "data: <json>\n\n" frame and flushes.
func writeSSEFrame(w http.ResponseWriter, data []byte) {
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleMatchmaking(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if s.inMaintenance() {
		frame, _ := protocol.NewMaintenanceFrame("matchmaking is temporarily unavailable")
		w.WriteHeader(http.StatusServiceUnavailable)
		writeSSEFrame(w, frame)
		return
	}

	if userID == "" {
		frame, _ := protocol.NewErrorFrame("userId is required")
		w.WriteHeader(http.StatusBadRequest)
		writeSSEFrame(w, frame)
		return
	}

	allowed, _ := s.limiter.Allow(r.Context(), userID, s.config.RateLimit)
	if !allowed {
		frame, _ := protocol.NewErrorFrame("rate limit exceeded")
		w.WriteHeader(http.StatusTooManyRequests)
		writeSSEFrame(w, frame)
		return
	}

	var interests []string
	if raw := r.URL.Query().Get("interest"); raw != "" {
		interests = strings.Split(raw, ",")
	}

	// Subscribe before calling FindOrQueue so a concurrent match against
	// this user can never publish before the subscription exists.
	notified := make(chan []byte, 1)
	if err := s.bus.Subscribe(userID, func(payload []byte) {
		select {
		case notified <- payload:
		default:
		}
	}); err != nil {
		log.Printf("api: subscribe %s: %v", userID, err)
		frame, _ := protocol.NewErrorFrame("temporarily unavailable")
		w.WriteHeader(http.StatusInternalServerError)
		writeSSEFrame(w, frame)
		return
	}

	outcome, err := s.engine.FindOrQueue(r.Context(), userID, interests)
	if err != nil {
		_ = s.bus.Unsubscribe(userID)
		s.writeEngineError(w, err)
		return
	}

	if outcome.Matched != nil {
		_ = s.bus.Unsubscribe(userID)
		frame, _ := protocol.NewMatchedFrame(
			outcome.Matched.PartnerUserID,
			strings.Join(outcome.Matched.CommonInterests, ","),
			outcome.Matched.ChatID,
			outcome.Matched.ChatServerURL,
		)
		w.WriteHeader(http.StatusOK)
		writeSSEFrame(w, frame)
		return
	}

	waitFrame, _ := protocol.NewWaitingFrame()
	w.WriteHeader(http.StatusOK)
	writeSSEFrame(w, waitFrame)

	select {
	case payload := <-notified:
		_ = s.bus.Unsubscribe(userID)
		writeSSEFrame(w, payload)
	case <-r.Context().Done():
		_ = s.bus.Unsubscribe(userID)
		_ = s.engine.Cancel(context.Background(), userID)
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, matchengine.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, matchengine.ErrDiscoveryUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, matchengine.ErrStoreUnavailable):
		status = http.StatusInternalServerError
	}
	frame, _ := protocol.NewErrorFrame(err.Error())
	w.WriteHeader(status)
	writeSSEFrame(w, frame)
}

func (s *Server) handleSessionReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/session/"))
	if userID == "" || userID == "disconnect" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	rec, err := s.sessions.GetSessionForUser(r.Context(), userID)
	if err != nil {
		log.Printf("api: get session for %s: %v", userID, err)
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if rec == nil {
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "No active session for this user"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"chatId":       rec.ChatID,
		"serverUrl":    rec.ServerURL,
		"participants": rec.Participants,
	})
}

func (s *Server) handleSessionDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.UserID) == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	ended, err := s.sessions.End(r.Context(), body.UserID)
	if err != nil {
		log.Printf("api: end session for %s: %v", body.UserID, err)
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	if !ended {
		http.Error(w, "no active session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.UserID) == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	allowed, _ := s.limiter.Allow(r.Context(), body.UserID, s.config.RateLimit)
	if !allowed {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if err := s.engine.Cancel(r.Context(), body.UserID); err != nil {
		log.Printf("api: cancel for %s: %v", body.UserID, err)
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePopularInterests(w http.ResponseWriter, r *http.Request) {
	if s.inMaintenance() {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}

	const topN = 8
	counts, err := s.engine.PopularInterests(r.Context(), topN)
	if err != nil {
		log.Printf("api: popular interests: %v", err)
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}

	type row struct {
		Interest string `json:"interest"`
		Count    int64  `json:"count"`
	}
	out := make([]row, 0, len(counts))
	for _, c := range counts {
		out = append(out, row{Interest: c.Tag, Count: c.Count})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	storeState := "ok"
	if err := s.store.Ping(ctx); err != nil {
		storeState = "unreachable"
	}
	busState := "ok"
	if !s.bus.Connected() {
		busState = "unreachable"
	}

	state := "ok"
	if s.inMaintenance() {
		state = "maintenance"
	}

	sessionCount, _ := s.store.CountKeysWithPrefix(ctx, "chat_session:")
	queuedCount, _ := s.store.CountKeysWithPrefix(ctx, "user_interests:")

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	hostname, _ := os.Hostname()

	resp := struct {
		State        string `json:"state"`
		Store        string `json:"store"`
		Bus          string `json:"bus"`
		ChatSessions int64  `json:"chatSessions"`
		QueuedUsers  int64  `json:"queuedUsers"`
		Uptime       string `json:"uptime"`
		MemAllocMB   uint64 `json:"memAllocMb"`
		Hostname     string `json:"hostname"`
		PublicURL    string `json:"publicUrl,omitempty"`
	}{
		State:        state,
		Store:        storeState,
		Bus:          busState,
		ChatSessions: sessionCount,
		QueuedUsers:  queuedCount,
		Uptime:       time.Since(s.startedAt).Round(time.Second).String(),
		MemAllocMB:   mem.Alloc / (1024 * 1024),
		Hostname:     hostname,
		PublicURL:    s.config.PublicURL,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if s.inMaintenance() {
		http.Error(w, "MAINTENANCE", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ACTIVE"))
}
