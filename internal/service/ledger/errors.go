package ledger

import "errors"

// Sentinel errors for the ledger service layer.
var (
	ErrNotFound   = errors.New("email send not found")
	ErrInvalidJob = errors.New("invalid send job")
)
