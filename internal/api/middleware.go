package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ascendore/ascendore-crm/internal/apperr"
	"github.com/ascendore/ascendore-crm/internal/auth"
	"github.com/ascendore/ascendore-crm/internal/models"
)

// OrganizationHeader selects the tenant for a request when the caller
// belongs to more than one.
const OrganizationHeader = "X-Organization-ID"

type contextKey struct{ name string }

var sessionKey = &contextKey{"session"}

// Session is the authenticated caller attached to a request
type Session struct {
	UserID     uuid.UUID
	Email      string
	TenantID   uuid.UUID
	TenantName string
	Tier       string
	Role       models.Role
}

// SessionFromContext returns the session stored by Authenticate
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey).(*Session)
	return s, ok && s != nil
}

func withSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

func sessionFromClaims(c *auth.Claims) *Session {
	return &Session{
		UserID:     c.User.ID,
		Email:      c.User.Email,
		TenantID:   c.Organization.ID,
		TenantName: c.Organization.Name,
		Tier:       c.Organization.Tier,
		Role:       c.Organization.MemberRole,
	}
}

// Authenticate verifies the bearer token and attaches the session
func (s *RESTServer) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			respondError(w, r, apperr.Unauthorized(auth.ReasonMissing, "No authentication token provided"))
			return
		}

		claims, err := s.auth.VerifyToken(token)
		if err != nil {
			respondError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), sessionFromClaims(claims))))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	return token, token != ""
}

// RequireRole rejects callers whose role ranks below min
func RequireRole(min models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := SessionFromContext(r.Context())
			if !ok || session.TenantID == uuid.Nil {
				respondError(w, r, apperr.Forbidden("Organization context required"))
				return
			}
			if !session.Role.AtLeast(min) {
				respondError(w, r, apperr.Forbidden("Insufficient permissions. Required role: "+string(min)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoadOrganizationContext switches the session to the tenant named in the
// X-Organization-ID header after checking membership.
func (s *RESTServer) LoadOrganizationContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(OrganizationHeader))
		session, ok := SessionFromContext(r.Context())
		if raw == "" || !ok {
			next.ServeHTTP(w, r)
			return
		}

		tenantID, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, r, apperr.Validation("Invalid organization ID"))
			return
		}
		if tenantID == session.TenantID {
			next.ServeHTTP(w, r)
			return
		}

		org, err := s.auth.SwitchOrganization(r.Context(), session.UserID, tenantID)
		if err != nil {
			respondError(w, r, err)
			return
		}

		switched := *session
		switched.TenantID = org.TenantID
		switched.TenantName = org.TenantName
		switched.Role = org.Role
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), &switched)))
	})
}

// ActivityLogger records an activity for every successful response on the
// wrapped routes.
func (s *RESTServer) ActivityLogger(entityType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			session, ok := SessionFromContext(r.Context())
			if !ok || s.events == nil || ww.Status() < 200 || ww.Status() >= 300 {
				return
			}

			activity := &models.Activity{
				OrganizationID: session.TenantID,
				UserID:         session.UserID,
				Type:           models.ActivityTypeForMethod(r.Method),
				EntityType:     entityType,
				Description:    r.Method + " " + r.URL.Path,
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
			defer cancel()
			if err := s.events.Publish(ctx, activity); err != nil {
				log.Warn().Err(err).
					Str("entity_type", entityType).
					Str("organization_id", session.TenantID.String()).
					Msg("Failed to record activity")
			}
		})
	}
}

// requestLogger logs one line per request
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		event := log.Info()
		if status >= http.StatusInternalServerError {
			event = log.Error()
		}
		event.
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("HTTP request")
	})
}
