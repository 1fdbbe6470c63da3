// Package server exposes the HTTP surface: the WebSocket upgrade behind the
// connection gate, the history API and the health check.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/store"
)

// Server wires the hub, the message store and the connection gate behind an
// HTTP router.
type Server struct {
	cfg     *Config
	hub     *Hub
	store   store.MessageStore
	proc    *processor
	origins *originPolicy
	logger  zerolog.Logger

	upgrader websocket.Upgrader
}

// NewServer builds the relay around the given store. The hub is created but
// not started; call Start.
func NewServer(cfg *Config, st store.MessageStore, logger zerolog.Logger) *Server {
	hub := NewHub(cfg.PingInterval, cfg.EvictionInterval, logger)

	return &Server{
		cfg:     cfg,
		hub:     hub,
		store:   st,
		proc:    newProcessor(st, hub, cfg.StoreWriteTimeout, logger),
		origins: newOriginPolicy(cfg.AllowedOrigins, logger),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The gate rejects after the upgrade so the peer receives a
			// proper policy-violation close code instead of a bare 403.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Hub returns the connection registry for shutdown coordination.
func (s *Server) Hub() *Hub { return s.hub }

// Start launches the hub event loop.
func (s *Server) Start() {
	go s.hub.Run()
	s.logger.Info().Msg("hub started")
}

// Shutdown stops the hub and waits for client goroutines to drain.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.hub.Shutdown(timeout)
}

// Routes configures the application router: WebSocket endpoint, history API
// and health check.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/api/messages", s.handleGetMessages).Methods(http.MethodGet)
	r.HandleFunc("/api/messages", s.handleCreateMessage).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// handleWebSocket upgrades the connection, applies the origin gate, replays
// recent history and hands the client to the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if !s.origins.permits(r) {
		incr("rejects", 1)
		s.logger.Warn().Str("origin", r.Header.Get("Origin")).Msg("rejected connection from disallowed origin")

		reason := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "origin not allowed")
		_ = conn.WriteControl(websocket.CloseMessage, reason, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	client := newClient(conn, s.hub, s.proc, s.cfg, s.logger)
	client.addr = r.RemoteAddr

	// Queue the history replay before the client joins the broadcast
	// domain so it is the first frame the peer reads.
	// The request context dies with the upgrade; the replay query gets its
	// own bounded context.
	s.queueHistory(context.Background(), client)

	s.hub.Attach(client)
}

// queueHistory pushes the recent-history frame onto the client's send
// buffer. A store failure degrades to an empty replay; the connection
// proceeds either way.
func (s *Server) queueHistory(ctx context.Context, c *Client) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreWriteTimeout)
	defer cancel()

	messages, err := s.store.Recent(ctx, s.cfg.HistoryLimit)
	if err != nil {
		s.logger.Error().Err(err).Str("client_id", c.id).Msg("history replay query failed")
		messages = nil
	}

	payload, err := encodeHistory(messages)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode history frame")
		return
	}
	c.send <- payload
}

// createMessageRequest is the POST /api/messages body.
type createMessageRequest struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

type apiError struct {
	Error string `json:"error"`
}

// handleGetMessages returns the most recent messages in ascending
// chronological order.
func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.StoreWriteTimeout)
	defer cancel()

	messages, err := s.store.Recent(ctx, s.cfg.HistoryLimit)
	if err != nil {
		s.logger.Error().Err(err).Msg("history query failed")
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "failed to fetch messages"})
		return
	}
	if messages == nil {
		messages = []store.StoredMessage{}
	}

	writeJSON(w, http.StatusOK, messages)
}

// handleCreateMessage persists a message submitted over plain HTTP and
// returns the stored record. It does not broadcast; the WebSocket path owns
// fan-out.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid JSON body"})
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "username and message are required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.StoreWriteTimeout)
	defer cancel()

	stored, err := s.store.Insert(ctx, store.ChatMessage{Username: username, Body: req.Message})
	if err != nil {
		incr("store.errors", 1)
		s.logger.Error().Err(err).Msg("message persistence failed")
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "failed to create message"})
		return
	}

	writeJSON(w, http.StatusCreated, stored)
}

// handleHealth reports process and store liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.StoreWriteTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
