package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// HealthHandler serves a JSON health check, suitable for the same mux as
// the Prometheus endpoint.
func (s *Server) HealthHandler(startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := map[string]any{
			"status":         "healthy",
			"uptime_seconds": int64(time.Since(startTime).Seconds()),
			"storage":        s.config.Storage,
			"codec":          s.config.Codec,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(health); err != nil {
			log.Printf("Error encoding health JSON: %v", err)
		}
	}
}
