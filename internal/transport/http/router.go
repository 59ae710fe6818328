package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-verify-broker/internal/application/verification"
	"github.com/go-verify-broker/internal/config"
	jwtinfra "github.com/go-verify-broker/internal/infrastructure/jwt"
	"github.com/go-verify-broker/internal/notify"
	"github.com/go-verify-broker/internal/transport/http/handler"
	appmiddleware "github.com/go-verify-broker/internal/transport/http/middleware"
	"golang.org/x/time/rate"
)

// Deps holds the wired application components the router exposes.
type Deps struct {
	VerificationSvc verification.Service
	Hub             *notify.Hub
	JWTProvider     *jwtinfra.Provider
}

// NewRouter builds and returns the application router.
func NewRouter(cfg *config.Config, deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	authMw := appmiddleware.Auth(deps.JWTProvider)

	// Number purchases spend real balance; keep bursts off the provider.
	purchaseRL := appmiddleware.NewRateLimiter(rate.Limit(1), 5)

	healthH := handler.NewHealthHandler(deps.VerificationSvc)
	verH := handler.NewVerificationHandler(deps.VerificationSvc)
	wsH := handler.NewWSHandler(deps.Hub, deps.JWTProvider, cfg.PongTimeout, cfg.PingInterval)

	r.Route("/v1", func(r chi.Router) {
		// ── Public routes (no auth) ──────────────────────────────────────────
		r.Get("/health-check/{action}", healthH.Ping)

		// Token is carried in the query string or header; verified in-handler
		// because websocket clients can't always set arbitrary headers.
		r.Get("/ws", wsH.Connect)

		// ── Authenticated routes ─────────────────────────────────────────────
		r.Group(func(r chi.Router) {
			r.Use(authMw)

			r.Get("/health", healthH.Status)
			r.With(purchaseRL.Limit).Post("/verifications", verH.Create)
			r.Get("/verifications", verH.List)
			r.Get("/verifications/{id}", verH.Get)
			r.Delete("/verifications/{id}", verH.Cancel)
		})
	})

	return r
}
