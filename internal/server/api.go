package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Tyrowin/huddle/internal/account"
	"github.com/Tyrowin/huddle/internal/chat"
	"github.com/Tyrowin/huddle/internal/store"
)

const (
	maxRequestBody  = 1 << 20
	maxHistoryLimit = 200
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type logoutRequest struct {
	SessionToken string `json:"sessionToken"`
}

type sessionResponse struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	RoomID   string `json:"roomId,omitempty"`
}

type historyResponse struct {
	RoomID   string               `json:"roomId"`
	Messages []chat.StoredMessage `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	id, err := s.accounts.Register(r.Context(), req.Username, req.Password)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusCreated, id)
	case errors.Is(err, account.ErrUsernameTaken):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, account.ErrInvalidUsername),
		errors.Is(err, account.ErrWeakPassword),
		errors.Is(err, account.ErrPasswordTooLong):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("registration failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "registration failed")
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	login, err := s.accounts.Login(r.Context(), req.Username, req.Password)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, login)
	case errors.Is(err, account.ErrInvalidCredentials):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	default:
		s.log.Error("login failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "login failed")
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.SessionToken == "" {
		s.writeError(w, http.StatusBadRequest, "sessionToken is required")
		return
	}
	if err := s.accounts.Logout(r.Context(), req.SessionToken); err != nil {
		s.log.Error("logout failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSession resolves the token from ?token= or an Authorization bearer
// header.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	id, err := s.accounts.Session(r.Context(), token)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrSessionExpired):
		s.writeError(w, http.StatusUnauthorized, "Invalid or expired session")
		return
	default:
		s.log.Error("session lookup failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}

	resp := sessionResponse{UserID: id.UserID, Username: id.Username}
	if roomID, err := s.sessions.SessionRoom(r.Context(), token); err == nil {
		resp.RoomID = roomID
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(r.PathValue("roomId"))
	if roomID == "" {
		s.writeError(w, http.StatusBadRequest, "roomId is required")
		return
	}

	limit, ok := queryInt(r, "limit", s.cfg.Chat.HistoryLimit)
	if !ok || limit <= 0 {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok || offset < 0 {
		s.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	msgs, err := s.db.RoomHistory(r.Context(), roomID, limit, offset)
	if err != nil {
		s.log.Error("history lookup failed", zap.String("room_id", roomID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, historyResponse{RoomID: roomID, Messages: msgs})
}

func queryInt(r *http.Request, key string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("error writing JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
