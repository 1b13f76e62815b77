package rest

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter returns a configured chi.Router for the ledger API.
//
// Route layout:
//
//	GET  /                 – API banner (no authentication required)
//	GET  /health           – liveness/readiness probe (no authentication required)
//	POST /events           – append a new event (X-API-Key required)
//	GET  /events           – paginated event query (X-API-Key required)
//	GET  /events/{id}      – fetch a single event (X-API-Key required)
//	GET  /verify           – full-chain or windowed verification (X-API-Key required)
//	GET  /verify/archive   – primary-vs-archive reconciliation (X-API-Key required)
//	GET  /export           – CSV/JSON bulk export (X-API-Key required)
//
// apiKey is the pre-shared key enforced on every authenticated route.
// corsAllowOrigins is a comma-separated origin list, or "*".
func NewRouter(srv *Server, apiKey, corsAllowOrigins string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(corsAllowOrigins))

	r.Get("/", srv.handleRoot)
	r.Get("/health", srv.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(APIKeyMiddleware(apiKey))

		r.Post("/events", srv.handleCreateEvent)
		r.Get("/events", srv.handleListEvents)
		r.Get("/events/{event_id}", srv.handleGetEvent)

		r.Get("/verify", srv.handleVerify)
		r.Get("/verify/archive", srv.handleVerifyArchive)

		r.Get("/export", srv.handleExport)
	})

	return r
}

func corsMiddleware(allowOrigins string) func(http.Handler) http.Handler {
	origins := []string{"*"}
	if allowOrigins != "" && allowOrigins != "*" {
		parts := strings.Split(allowOrigins, ",")
		origins = make([]string, len(parts))
		for i, p := range parts {
			origins[i] = strings.TrimSpace(p)
		}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
}
