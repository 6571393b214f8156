package api

import (
	"errors"
	"net/http"

	"github.com/ignite/sendpipe/internal/pkg/httputil"
	"github.com/ignite/sendpipe/internal/service/ledger"
	"github.com/ignite/sendpipe/internal/service/webhooks"
)

// writeServiceError maps service errors to HTTP responses. Unknown errors
// are logged and answered with a generic 500.
func writeServiceError(w http.ResponseWriter, err error) {
	var ve *webhooks.ValidationError
	switch {
	case errors.As(err, &ve):
		httputil.ErrorWithCode(w, http.StatusBadRequest, "validation_error", ve.Error(),
			map[string]string{"field": ve.Field})
	case errors.Is(err, webhooks.ErrNotFound), errors.Is(err, webhooks.ErrDeliveryNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, webhooks.ErrTestDeliveryFailed):
		httputil.ErrorWithCode(w, http.StatusUnprocessableEntity, "test_delivery_failed", err.Error(), nil)
	case errors.Is(err, ledger.ErrInvalidJob):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
