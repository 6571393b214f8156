// Package httputil provides shared HTTP response/request utilities for handlers.
//
// Handlers use these helpers instead of raw http.ResponseWriter calls so JSON
// formatting, error envelopes and internal-error logging stay consistent.
package httputil
