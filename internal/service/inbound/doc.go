// Package inbound ingests provider delivery callbacks.
//
// Every request is signature-checked before its body is parsed. Verified
// events are matched to their EmailSend by provider message id and folded
// into the ledger; bounces and complaints suppress the contact, and state
// changes are forwarded to the owner's webhooks. Providers deliver at least
// once, so duplicates and events for unknown messages are accepted as
// no-ops.
package inbound
