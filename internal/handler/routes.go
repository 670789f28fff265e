package handler

import (
	"github.com/go-chi/chi/v5"

	"github.com/aidchain/orchestrator/internal/middleware"
	"github.com/aidchain/orchestrator/internal/service"
)

// API groups the handlers mounted under /api.
type API struct {
	Requests *RequestHandler
	Delivery *DeliveryHandler
	Webhooks *WebhookHandler
	Auth     *AuthHandler
	Tokens   service.TokenService
}

// Register mounts every API route. Submission and delivery confirmation
// require a bearer token; webhooks authenticate with the fulfiller's shared
// secret instead.
func (a API) Register(r chi.Router) {
	auth := middleware.Auth(a.Tokens)

	r.With(auth).Post("/requests", a.Requests.Submit)
	r.Get("/requests/{id}", a.Requests.Get)
	r.Get("/requests/{id}/pipeline", a.Requests.Pipeline)
	r.Get("/requests/user/{addr}", a.Requests.UserRequests)
	r.Get("/pipeline/active", a.Requests.ActivePipelines)
	r.Get("/fund/stats", a.Requests.FundStats)
	r.Get("/events/active", a.Requests.ActiveEvents)

	r.With(auth).Post("/delivery/confirm", a.Delivery.Confirm)
	r.Post("/webhooks/{fulfiller}", a.Webhooks.Receive)
	r.Post("/auth/login", a.Auth.Login)
}
