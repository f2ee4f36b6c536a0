// Package cloudapi implements the transport driver for the WhatsApp Cloud API.
//
// Inbound messages arrive on a webhook (WebhookHandler) that the gateway
// mounts on its HTTP server; the GET handshake answers hub.challenge when
// hub.verify_token matches. Notifications must carry an X-Hub-Signature-256
// HMAC of the body keyed by the app secret when one is configured. Outbound messages are posted to
// {api_url}/{phone_id}/messages with the bearer token. A 401 from the Graph
// API ends the session with transport.ErrLoggedOut.
package cloudapi
