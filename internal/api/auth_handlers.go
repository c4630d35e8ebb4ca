package api

import (
	"net"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/ascendore/ascendore-crm/internal/apperr"
	"github.com/ascendore/ascendore-crm/internal/models"
	"github.com/ascendore/ascendore-crm/internal/service"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" label:"Password" validate:"required"`
}

type updatePasswordRequest struct {
	CurrentPassword string `json:"current_password" label:"Current password" validate:"required"`
	NewPassword     string `json:"new_password" label:"New password" validate:"required"`
}

// HandleRegister creates a tenant and its owner
func (s *RESTServer) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterInput
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	result, err := s.auth.Register(r.Context(), req)
	if err != nil {
		s.authEvent("register", err)
		respondError(w, r, err)
		return
	}
	s.authEvent("register", nil)

	log.Info().
		Str("user_id", result.User.ID.String()).
		Str("organization_id", result.Organization.TenantID.String()).
		Msg("User registered successfully")

	respondData(w, http.StatusCreated, result, "Registration successful")
}

// HandleLogin exchanges credentials for a token
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		respondError(w, r, apperr.Validation(err.Error()))
		return
	}

	ip := clientIP(r)
	email := models.NormalizeEmail(req.Email)

	if s.limiter.Enabled() {
		decision, err := s.limiter.Allow(r.Context(), ip, email)
		if err != nil {
			log.Warn().Err(err).Msg("Login rate limiter unavailable")
		}
		if !decision.Allowed {
			if s.metrics != nil {
				s.metrics.AuthEvent("login", "throttled")
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter.Seconds())))
			respondError(w, r, apperr.RateLimited("Too many login attempts. Please try again later."))
			return
		}
	}

	result, err := s.auth.Authenticate(r.Context(), email, req.Password)
	if err != nil {
		s.authEvent("login", err)
		respondError(w, r, err)
		return
	}
	s.authEvent("login", nil)

	if err := s.limiter.Reset(r.Context(), ip, email); err != nil {
		log.Warn().Err(err).Msg("Failed to reset login attempts")
	}

	log.Info().Str("user_id", result.User.ID.String()).Msg("User logged in successfully")

	respondData(w, http.StatusOK, result, "Login successful")
}

// HandleMe returns the caller as currently stored
func (s *RESTServer) HandleMe(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		respondError(w, r, apperr.Unauthorized("", "Not authenticated"))
		return
	}

	current, err := s.auth.ResolveSession(r.Context(), session.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondData(w, http.StatusOK, current, "")
}

// HandleUpdatePassword changes the caller's password
func (s *RESTServer) HandleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		respondError(w, r, apperr.Unauthorized("", "Not authenticated"))
		return
	}

	var req updatePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		respondError(w, r, apperr.Validation(err.Error()))
		return
	}

	if err := s.auth.UpdatePassword(r.Context(), session.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		s.authEvent("password_change", err)
		respondError(w, r, err)
		return
	}
	s.authEvent("password_change", nil)

	respondData(w, http.StatusOK, nil, "Password updated successfully")
}

// HandleLogout records the logout. The client discards the token.
func (s *RESTServer) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if session, ok := SessionFromContext(r.Context()); ok {
		s.auth.RecordLogout(r.Context(), session.UserID, session.TenantID)
		log.Info().Str("user_id", session.UserID.String()).Msg("User logged out")
	}

	respondData(w, http.StatusOK, nil, "Logout successful")
}

// authEvent counts an auth outcome by error kind
func (s *RESTServer) authEvent(event string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	s.metrics.AuthEvent(event, outcome)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfterSeconds(secs float64) int {
	n := int(secs)
	if float64(n) < secs {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}
