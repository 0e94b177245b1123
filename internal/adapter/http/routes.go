package http

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all operator API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/healthz", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", h.InsertEvent)
		r.Get("/events/{id}", h.GetEvent)

		r.Get("/tasks/{id}/delivery", h.DeliveryState)
		r.Get("/deliveries/abandoned", h.AbandonedDeliveries)
	})
}
