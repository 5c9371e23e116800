package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/OmgRod/PiBlock/pkg/config"

	"golang.org/x/crypto/bcrypt"
)

var authBypassPaths = map[string]struct{}{
	"/health": {},
}

// SetAuth replaces the control plane credentials. With neither an API key
// nor a username and password hash configured, every request is allowed.
func (s *Server) SetAuth(cfg config.ControlConfig) {
	header := cfg.AuthHeader
	if header == "" {
		header = "Authorization"
	}

	s.authMu.Lock()
	defer s.authMu.Unlock()
	s.authEnabled = cfg.AuthEnabled()
	s.apiKey = cfg.APIKey
	s.authHeader = header
	s.basicUser = cfg.Username
	s.passwordHash = cfg.PasswordHash
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isAuthRequired(r) {
			next.ServeHTTP(w, r)
			return
		}

		if s.authorizeRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		if _, _, ok := r.BasicAuth(); ok && s.hasBasicCredentials() {
			w.Header().Set("WWW-Authenticate", `Basic realm="PiBlock", charset="UTF-8"`)
		}
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

func (s *Server) isAuthRequired(r *http.Request) bool {
	s.authMu.RLock()
	enabled := s.authEnabled
	s.authMu.RUnlock()

	if !enabled {
		return false
	}

	_, bypass := authBypassPaths[r.URL.Path]
	return !bypass
}

func (s *Server) hasBasicCredentials() bool {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.basicUser != "" && s.passwordHash != ""
}

func (s *Server) authorizeRequest(r *http.Request) bool {
	s.authMu.RLock()
	apiKey := s.apiKey
	header := s.authHeader
	username := s.basicUser
	passwordHash := s.passwordHash
	s.authMu.RUnlock()

	if apiKey != "" {
		if token := extractAPIKey(r, header); token != "" {
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) == 1 {
				return true
			}
		}
	}

	if username != "" && passwordHash != "" {
		if user, pass, ok := r.BasicAuth(); ok {
			if subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 {
				return false
			}
			return bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(pass)) == nil
		}
	}

	return false
}

func extractAPIKey(r *http.Request, header string) string {
	value := strings.TrimSpace(r.Header.Get(header))
	if value == "" && !strings.EqualFold(header, "Authorization") {
		value = strings.TrimSpace(r.Header.Get("Authorization"))
	}
	if value == "" {
		return ""
	}

	parts := strings.Fields(value)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return ""
}
