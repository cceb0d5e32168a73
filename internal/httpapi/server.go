package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/friddaylabs/fridday/internal/chat"
	"github.com/friddaylabs/fridday/internal/config"
	"github.com/friddaylabs/fridday/internal/llm"
	"github.com/friddaylabs/fridday/internal/memory"
	"github.com/friddaylabs/fridday/internal/observability"
	"github.com/friddaylabs/fridday/internal/store"
)

// Server exposes the chat service and session store over HTTP.
type Server struct {
	cfg      config.Config
	chat     *chat.Service
	store    store.Store
	metrics  *observability.Metrics
	provider string
	upgrader websocket.Upgrader
}

func New(cfg config.Config, chatService *chat.Service, st store.Store, metrics *observability.Metrics, provider string) *Server {
	return &Server{
		cfg:      cfg,
		chat:     chatService,
		store:    st,
		metrics:  metrics,
		provider: provider,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser connections must come from the same origin unless
				// the deployment explicitly opts out. Non-browser clients
				// omit Origin and are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/chat", s.handleChat)
	r.Get("/v1/chat/ws", s.handleChatWS)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Delete("/v1/sessions/{id}", s.handleDeleteSession)
	r.Get("/v1/sessions/{id}/messages", s.handleSessionMessages)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"provider": s.provider,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"provider": s.provider,
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.LatencySnapshot())
}

type chatRequest struct {
	SessionID string        `json:"session_id"`
	UserID    string        `json:"user_id"`
	Message   string        `json:"message"`
	Profile   *chat.Profile `json:"profile,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	out, err := s.chat.Send(r.Context(), chat.SendInput{
		SessionID: req.SessionID,
		UserID:    defaultUserID(req.UserID),
		Message:   req.Message,
		Profile:   req.Profile,
	}, nil)
	if err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func respondChatError(w http.ResponseWriter, err error) {
	code := chatErrorCode(err)
	status := map[string]int{
		"empty_message":     http.StatusBadRequest,
		"session_not_found": http.StatusNotFound,
		"provider_error":    http.StatusBadGateway,
		"internal_error":    http.StatusInternalServerError,
	}[code]
	respondError(w, status, code, err.Error())
}

func chatErrorCode(err error) string {
	var serr *llm.ServiceError
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, store.ErrSessionNotFound):
		return "session_not_found"
	case errors.As(err, &serr):
		return "provider_error"
	default:
		return "internal_error"
	}
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.store.CreateSession(r.Context(), defaultUserID(req.UserID), strings.TrimSpace(req.Title))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	s.metrics.ActiveSessions.Inc()
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := defaultUserID(r.URL.Query().Get("user_id"))
	activeOnly := false
	if raw := strings.TrimSpace(r.URL.Query().Get("active")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "active must be a boolean")
			return
		}
		activeOnly = parsed
	}
	sessions, err := s.store.ListSessions(r.Context(), userID, activeOnly)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	if sess.IsActive {
		if err := s.store.DeactivateSession(r.Context(), sess.ID, sess.UserID); err != nil {
			respondError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		s.metrics.ActiveSessions.Dec()
		sess.IsActive = false
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteSession(r.Context(), sess.ID, sess.UserID); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	s.chat.ForgetSession(sess.ID)
	if sess.IsActive {
		s.metrics.ActiveSessions.Dec()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	history, err := s.store.History(r.Context(), sess.ID, sess.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if history == nil {
		history = []memory.Turn{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"summary":    sess.Summary,
		"messages":   history,
	})
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (store.Session, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return store.Session{}, false
	}
	sess, err := s.store.GetSession(r.Context(), id, defaultUserID(r.URL.Query().Get("user_id")))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return store.Session{}, false
	}
	return sess, true
}

func defaultUserID(userID string) string {
	if strings.TrimSpace(userID) == "" {
		return "anonymous"
	}
	return strings.TrimSpace(userID)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
