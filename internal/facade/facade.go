// Package facade exposes a minimal HTTP surface over Memory Ops: the
// agent-facing server itself is out of scope, but its interface is
// demonstrated here at reference depth, generalized from the teacher's
// chi-based dashboard API (internal/server/rest) from host alerts to
// memory chain operations.
package facade

import (
	"encoding/json"
	"net/http"

	"github.com/tripwire/memchain/internal/memops"
)

// writeJSON writes v as a JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": message} with the given HTTP status code.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Server holds the dependencies needed by the facade's handlers.
type Server struct {
	chain *memops.Chain
}

// NewServer returns a Server backed by chain.
func NewServer(chain *memops.Chain) *Server {
	return &Server{chain: chain}
}

// handleHealthz responds to GET /healthz. It requires no authentication so
// load balancers and orchestrators can probe liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
