// Package admin is the operator HTTP API mounted under /admin
package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes mounts the admin API on mux. Every route requires token
// unless it is empty.
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, token string) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(token))

	r.Route("/subscriptions", func(r chi.Router) {
		r.Get("/", handlers.handleListSubscriptions)
		r.Get("/{id}", handlers.handleGetSubscription)
		r.Delete("/{id}", handlers.handleUnsubscribe)
		r.Post("/{id}/replay", handlers.handleReplay)
	})

	r.Post("/subjects/{subject}/revoke", handlers.handleRevokeSubject)

	r.Route("/shards", func(r chi.Router) {
		r.Get("/", handlers.handleListShards)
		r.Post("/{shard}/records", handlers.handleAppend)
	})

	r.Route("/deliveries/failed", func(r chi.Router) {
		r.Get("/", handlers.handleFailedDeliveries)
		r.Post("/{key}/retry", handlers.handleRetryDelivery)
	})

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	if token == "" {
		log.Warn().Msg("Admin endpoints enabled at /admin/* without a token")
		return
	}
	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
