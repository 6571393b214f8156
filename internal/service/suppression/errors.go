package suppression

import "errors"

// Sentinel errors for the suppression service layer.
var (
	ErrNotFound      = errors.New("contact not found")
	ErrInvalidStatus = errors.New("status is not a suppression status")
)
