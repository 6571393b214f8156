package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/sendpipe/internal/pkg/httputil"
	"github.com/ignite/sendpipe/internal/service/inbound"
)

// InboundProcessor applies provider delivery callbacks.
type InboundProcessor interface {
	Handle(ctx context.Context, credentialID string, raw []byte, headers http.Header) (inbound.Result, error)
}

// InboundHandler serves the provider callback endpoint.
type InboundHandler struct {
	processor InboundProcessor
	maxBody   int64
}

// NewInboundHandler creates the handler. maxBody bounds the payload size.
func NewInboundHandler(p InboundProcessor, maxBody int64) *InboundHandler {
	return &InboundHandler{processor: p, maxBody: maxBody}
}

// HandleProviderWebhook verifies and applies one provider callback. The
// optional {credentialID} path segment selects the signing secret.
//
//	POST /webhooks/provider
//	POST /webhooks/provider/{credentialID}
func (h *InboundHandler) HandleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	raw, ok := httputil.ReadBody(w, r, h.maxBody)
	if !ok {
		return
	}

	_, err := h.processor.Handle(r.Context(), chi.URLParam(r, "credentialID"), raw, r.Header)
	switch {
	case err == nil:
		httputil.OK(w, map[string]bool{"received": true})
	case errors.Is(err, inbound.ErrInvalidSignature):
		httputil.BadRequest(w, "invalid signature")
	case errors.Is(err, inbound.ErrMalformedPayload):
		httputil.BadRequest(w, "malformed payload")
	default:
		httputil.InternalError(w, err)
	}
}
