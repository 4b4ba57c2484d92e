package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DefaultTokenTTL is the lifetime of tokens issued by the login route.
const DefaultTokenTTL = 12 * time.Hour

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Role        string `json:"role"`
}

// handleLogin exchanges the admin password for a bearer token. The password
// is checked against a bcrypt hash; the route is off unless both a hash and
// a JWT secret are configured.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.opts.Validator == nil || s.opts.AdminPasswordHash == "" {
		WriteErrorR(w, r, http.StatusNotImplemented, "Not Implemented", "password login is not configured")
		return
	}
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "username and password are required")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.opts.AdminUser)) == 1
	err := bcrypt.CompareHashAndPassword([]byte(s.opts.AdminPasswordHash), []byte(req.Password))
	if err != nil && !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		WriteInternal(w, err)
		return
	}
	if !userOK || err != nil {
		s.logger.WarnContext(r.Context(), "login rejected", "username", req.Username)
		WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", "invalid username or password")
		return
	}

	tok, err := s.opts.Validator.Issue(s.opts.AdminUser, RoleAdmin, s.opts.TokenTTL)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	s.logger.InfoContext(r.Context(), "login succeeded", "username", s.opts.AdminUser)
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: tok,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.opts.TokenTTL.Seconds()),
		Role:        RoleAdmin,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": p.Subject, "role": p.Role})
}
