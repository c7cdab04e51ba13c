// Package api provides the REST API for GoCall
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/btafoya/gocall/internal/config"
)

// NewRouter creates and configures the API router
func NewRouter(deps *Dependencies) chi.Router {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", APIKeyHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	healthHandler := NewHealthHandler(config.APIVersion, deps)
	tokenHandler := NewTokenHandler(deps)
	phoneHandler := NewPhoneHandler(deps)
	reservationHandler := NewReservationHandler(deps)
	historyHandler := NewHistoryHandler(deps)
	connectHandler := NewConnectHandler(deps)
	debugHandler := NewDebugHandler(deps)
	tlsHandler := NewTLSHandler(deps)

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/api/health", healthHandler.Health)
	r.Get("/api/ready", healthHandler.Ready)
	r.Get("/api/live", healthHandler.Live)

	// Credential gateway, same contract as the remote one
	r.Post("/token", tokenHandler.Issue)

	r.Route("/api", func(r chi.Router) {
		r.Use(APIKeyMiddleware(deps.Config.APIKeyHash))

		r.Route("/phone", func(r chi.Router) {
			r.Get("/", phoneHandler.Get)
			r.Get("/events", phoneHandler.Events)
			r.Post("/initialize", phoneHandler.Initialize)
			r.Post("/calls", phoneHandler.MakeCall)
			r.Post("/answer", phoneHandler.Answer)
			r.Post("/reject", phoneHandler.Reject)
			r.Post("/hangup", phoneHandler.Hangup)
			r.Post("/mute", phoneHandler.Mute)
		})

		r.Route("/reservations", func(r chi.Router) {
			r.Get("/", reservationHandler.List)
			r.Post("/", reservationHandler.Create)
			r.Post("/refresh", reservationHandler.Refresh)
			r.Post("/{id}/call", reservationHandler.StartCall)
			r.Post("/{id}/cancel", reservationHandler.Cancel)
		})

		r.Get("/history", historyHandler.List)
		r.Get("/history/stats", historyHandler.Stats)

		r.Get("/connect", connectHandler.Get)
		r.Get("/connect/qr", connectHandler.QRCode)

		r.Get("/tls/status", tlsHandler.GetStatus)
		r.Post("/tls/reload", tlsHandler.ReloadCertificates)

		if deps.Config.DebugMode {
			r.Get("/debug/state", debugHandler.State)
		}
	})

	return r
}
