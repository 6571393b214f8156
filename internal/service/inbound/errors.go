package inbound

import "errors"

// Sentinel errors for the inbound service layer.
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)
