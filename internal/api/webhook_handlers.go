package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/pkg/httputil"
	"github.com/ignite/sendpipe/internal/service/webhooks"
)

// WebhookRegistry manages a user's outbound webhooks.
type WebhookRegistry interface {
	Create(ctx context.Context, userID string, in webhooks.CreateInput) (*domain.Webhook, error)
	List(ctx context.Context, userID string) ([]domain.Webhook, error)
	Get(ctx context.Context, userID, id string) (*domain.Webhook, error)
	Update(ctx context.Context, userID, id string, in webhooks.UpdateInput) (*domain.Webhook, error)
	RotateSecret(ctx context.Context, userID, id string) (*domain.Webhook, error)
	Delete(ctx context.Context, userID, id string) error
	SendTest(ctx context.Context, userID, id string) (*domain.WebhookDelivery, error)
	Deliveries(ctx context.Context, userID, id string, limit, offset int) ([]domain.WebhookDelivery, int, error)
}

// WebhookHandler serves /api/webhooks.
type WebhookHandler struct {
	registry WebhookRegistry
}

// NewWebhookHandler creates the handler.
func NewWebhookHandler(reg WebhookRegistry) *WebhookHandler {
	return &WebhookHandler{registry: reg}
}

// Routes mounts the webhook management endpoints.
func (h *WebhookHandler) Routes(r chi.Router) {
	r.Post("/", h.HandleCreate)
	r.Get("/", h.HandleList)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Patch("/", h.HandleUpdate)
		r.Delete("/", h.HandleDelete)
		r.Post("/rotate-secret", h.HandleRotateSecret)
		r.Post("/test", h.HandleTest)
		r.Get("/deliveries", h.HandleDeliveries)
	})
}

// HandleCreate registers a webhook after a successful test delivery. The
// response is the only time the secret is shown in full.
//
//	POST /api/webhooks
func (h *WebhookHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var in webhooks.CreateInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	hook, err := h.registry.Create(r.Context(), UserID(r.Context()), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.Created(w, hook)
}

// HandleList returns the caller's webhooks with masked secrets.
//
//	GET /api/webhooks
func (h *WebhookHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	hooks, err := h.registry.List(r.Context(), UserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if hooks == nil {
		hooks = []domain.Webhook{}
	}
	httputil.OK(w, map[string]interface{}{"webhooks": hooks})
}

// HandleGet returns one webhook with a masked secret.
//
//	GET /api/webhooks/{id}
func (h *WebhookHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	hook, err := h.registry.Get(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, hook)
}

// HandleUpdate renames, re-targets, re-subscribes or toggles a webhook.
//
//	PATCH /api/webhooks/{id}
func (h *WebhookHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var in webhooks.UpdateInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	hook, err := h.registry.Update(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, hook)
}

// HandleDelete removes a webhook.
//
//	DELETE /api/webhooks/{id}
func (h *WebhookHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.NoContent(w)
}

// HandleRotateSecret issues a new secret; the old one stops verifying
// immediately.
//
//	POST /api/webhooks/{id}/rotate-secret
func (h *WebhookHandler) HandleRotateSecret(w http.ResponseWriter, r *http.Request) {
	hook, err := h.registry.RotateSecret(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"id": hook.ID, "secret": hook.Secret})
}

// HandleTest sends one webhook.test delivery and returns its log entry.
//
//	POST /api/webhooks/{id}/test
func (h *WebhookHandler) HandleTest(w http.ResponseWriter, r *http.Request) {
	del, err := h.registry.SendTest(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"success":  del.Status == domain.DeliverySuccess,
		"delivery": del,
	})
}

// HandleDeliveries pages through a webhook's delivery log.
//
//	GET /api/webhooks/{id}/deliveries?limit=&offset=
func (h *WebhookHandler) HandleDeliveries(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, 50, 100)
	dels, total, err := h.registry.Deliveries(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), p.Limit, p.Offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if dels == nil {
		dels = []domain.WebhookDelivery{}
	}
	httputil.OK(w, NewPaginatedResponse(dels, p, total))
}
