package facade

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewRouter returns a configured chi.Router for the reference tool-call
// facade.
//
// Route layout:
//
//	GET  /healthz              – liveness probe (no authentication)
//	GET  /v1/recall            – ranked recall (no authentication)
//	GET  /v1/introspect/{seq}  – single-entry introspection (no authentication)
//	POST /v1/commit            – append a memory (JWT required when pubKey != nil)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on the
// commit route. Pass nil to disable JWT validation entirely, e.g. for local
// development or tests that only cover request parsing.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/recall", srv.handleRecall)
		r.Get("/introspect/{seq}", srv.handleIntrospect)

		r.Group(func(r chi.Router) {
			if pubKey != nil {
				r.Use(JWTMiddleware(pubKey))
			}
			r.Post("/commit", srv.handleCommit)
		})
	})

	return otelhttp.NewHandler(r, "memchain.facade")
}
