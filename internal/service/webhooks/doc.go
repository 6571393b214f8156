// Package webhooks redistributes platform events to user-owned HTTP
// endpoints.
//
// A Registry manages subscriptions. A Dispatcher fans one event out to
// every matching active webhook, writing one WebhookDelivery row per target
// and updating it in place across retries. Payloads are signed with the
// webhook's secret in the X-Webhook-Signature header:
//
//	X-Webhook-Signature: t=<unix>,v1=<hex hmac-sha256(secret, "<unix>.<body>")>
//
// Failed attempts are retried on a fixed schedule until MaxAttempts, after
// which the delivery is failed for good.
package webhooks
