package api

import (
	"net/http"

	"github.com/org/credvault/internal/passcrypt"
)

// PasswordGenerateHandler handles POST /v1/password/generate
func (s *Server) PasswordGenerateHandler(w http.ResponseWriter, r *http.Request) {
	opts := passcrypt.DefaultGenerateOptions()

	var req struct {
		Length           *int  `json:"length"`
		Uppercase        *bool `json:"uppercase"`
		Lowercase        *bool `json:"lowercase"`
		Numbers          *bool `json:"numbers"`
		Symbols          *bool `json:"symbols"`
		ExcludeAmbiguous *bool `json:"exclude_ambiguous"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Length != nil {
		opts.Length = *req.Length
	}
	if req.Uppercase != nil {
		opts.Uppercase = *req.Uppercase
	}
	if req.Lowercase != nil {
		opts.Lowercase = *req.Lowercase
	}
	if req.Numbers != nil {
		opts.Numbers = *req.Numbers
	}
	if req.Symbols != nil {
		opts.Symbols = *req.Symbols
	}
	if req.ExcludeAmbiguous != nil {
		opts.ExcludeAmbiguous = *req.ExcludeAmbiguous
	}
	if opts.Length < 4 || opts.Length > 256 {
		writeError(w, http.StatusBadRequest, "length must be between 4 and 256")
		return
	}

	password, err := passcrypt.Generate(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	score := passcrypt.Score(password)

	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"password": password,
			"strength": score,
			"label":    passcrypt.StrengthLabel(score),
		},
	})
}

// PasswordScoreHandler handles POST /v1/password/score
func (s *Server) PasswordScoreHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Password == "" {
		writeError(w, http.StatusBadRequest, "password required")
		return
	}

	score := passcrypt.Score(req.Password)
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"strength":    score,
			"label":       passcrypt.StrengthLabel(score),
			"compromised": passcrypt.IsCompromised(req.Password),
		},
	})
}

// PasswordValidateHandler handles POST /v1/password/validate
func (s *Server) PasswordValidateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Password == "" {
		writeError(w, http.StatusBadRequest, "password required")
		return
	}

	problems := passcrypt.Validate(req.Password)
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"valid":    len(problems) == 0,
			"problems": problems,
		},
	})
}
