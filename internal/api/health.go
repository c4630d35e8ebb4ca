package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

type healthResponse struct {
	Success   bool      `json:"success"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HandleHealth reports liveness and database reachability
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Success:   true,
		Service:   s.config.Server.Name,
		Version:   s.config.Server.Version,
		Status:    "healthy",
		Timestamp: s.now().UTC(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.auth.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("Health check failed")
		resp.Success = false
		resp.Status = "unhealthy"
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}
