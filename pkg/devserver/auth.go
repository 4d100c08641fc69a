package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/go-go-golems/borak/pkg/persistence/chatstore"
)

const (
	tokenCookie       = "access_token"
	tokenMaxAge       = 7 * 24 * time.Hour
	minPasswordLength = 6
)

type userKey struct{}

func userID(ctx context.Context) int64 {
	id, _ := ctx.Value(userKey{}).(int64)
	return id
}

// authed resolves the access_token cookie to a user or answers 401.
func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ck, err := r.Cookie(tokenCookie)
		if err != nil || ck.Value == "" {
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		s.tokensMu.RLock()
		id, ok := s.tokens[ck.Value]
		s.tokensMu.RUnlock()
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
	})
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if !decode(w, r, &c) {
		return
	}
	c.Username = strings.TrimSpace(c.Username)
	if c.Username == "" {
		writeDetail(w, http.StatusBadRequest, "Username is required")
		return
	}
	if len(c.Password) < minPasswordLength {
		writeDetail(w, http.StatusBadRequest, "Password must be at least 6 characters")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(c.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, errors.Wrap(err, "hash password"))
		return
	}
	if _, err := s.store.CreateUser(r.Context(), c.Username, string(hash)); err != nil {
		if errors.Is(err, chatstore.ErrUserExists) {
			writeDetail(w, http.StatusBadRequest, "Username already exists")
			return
		}
		writeError(w, err)
		return
	}
	log.Info().Str("component", "devserver").Str("username", c.Username).Msg("user registered")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "User created successfully"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if !decode(w, r, &c) {
		return
	}
	u, err := s.store.UserByName(r.Context(), c.Username)
	if err != nil || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(c.Password)) != nil {
		writeDetail(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err := s.store.TouchLogin(r.Context(), u.ID); err != nil {
		log.Warn().Err(err).Str("component", "devserver").Msg("could not record login")
	}

	token := uuid.NewString()
	s.tokensMu.Lock()
	s.tokens[token] = u.ID
	s.tokensMu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(tokenMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "username": u.Username})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if ck, err := r.Cookie(tokenCookie); err == nil {
		s.tokensMu.Lock()
		delete(s.tokens, ck.Value)
		s.tokensMu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: tokenCookie, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.UserByID(r.Context(), userID(r.Context()))
	if err != nil {
		if errors.Is(err, chatstore.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "User not found")
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": u.ID, "username": u.Username})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":        s.opts.Models,
		"default":       s.opts.DefaultModel,
		"vision_models": s.opts.VisionModels,
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Str("component", "devserver").Msg("write response")
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeError(w http.ResponseWriter, err error) {
	log.Error().Err(err).Str("component", "devserver").Msg("request failed")
	writeDetail(w, http.StatusInternalServerError, "Internal server error")
}
