package api

import (
	"errors"
	"net/http"

	"github.com/org/credvault/internal/auth"
	"github.com/org/credvault/internal/pipeline"
)

// LoginHandler handles POST /v1/auth/login
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password required")
		return
	}

	token, plaintext, err := s.auth.Login(r.Context(), req.Email, req.Password, pipeline.ClientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"token":      plaintext,
			"expires_at": token.ExpiresAt,
		},
	})
}

// LogoutHandler handles POST /v1/auth/logout
func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if token == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.auth.Logout(r.Context(), token, pipeline.ClientIP(r)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
