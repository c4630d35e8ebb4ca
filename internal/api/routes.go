package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/ascendore/ascendore-crm/internal/models"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.HandleRegister)
		r.Post("/login", s.HandleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.Authenticate)
			r.Get("/me", s.HandleMe)
			r.Put("/password", s.HandleUpdatePassword)
			r.Post("/logout", s.HandleLogout)
		})
	})

	// Tenant-scoped routes
	r.Route("/organization", func(r chi.Router) {
		r.Use(s.Authenticate)
		r.Use(s.LoadOrganizationContext)

		r.With(RequireRole(models.RoleViewer), s.ActivityLogger("organization")).
			Get("/", s.HandleGetOrganization)
		r.With(RequireRole(models.RoleAdmin)).
			Get("/admin-check", s.HandleAdminCheck)
	})
}
