package webhooks

import (
	"errors"
	"fmt"
)

// Sentinel errors for the webhooks service layer.
var (
	ErrNotFound           = errors.New("webhook not found")
	ErrDeliveryNotFound   = errors.New("webhook delivery not found")
	ErrTestDeliveryFailed = errors.New("test delivery failed")
)

// ValidationError reports invalid registration input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
