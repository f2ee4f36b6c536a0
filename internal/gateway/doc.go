// Package gateway wires the switchboard components together and serves the
// operator HTTP API.
//
// # Lifecycle
//
// New opens the store, builds the configured transport driver and assembles
// the routing service around them. Run listens on server.http_addr, starts
// the routing loop and connects the transport, then blocks until its context
// is cancelled. Shutdown stops accepting requests, disconnects the transport,
// drains queued routing work and closes the store.
//
// # HTTP API
//
// Health endpoints are unauthenticated:
//
//	GET  /health                              liveness, always "OK"
//	GET  /health/ready                        200 only while the transport is connected
//
// Everything under /api passes through auth.HTTPAuthMiddleware:
//
//	GET  /api/transport/status                current transport snapshot
//	POST /api/transport/connect               start the connection loop
//	POST /api/transport/disconnect            stop it
//	GET  /api/conversations                   ?status=open|active|waiting|closed|all&limit=N
//	GET  /api/conversations/{id}              conversation with client and unread count
//	GET  /api/conversations/{id}/messages     ?limit=N, oldest first
//	POST /api/conversations/{id}/messages     {"content": "..."} as the operator
//	POST /api/conversations/{id}/take         assign to the operator, silence the bot
//	POST /api/conversations/{id}/release      hand back to the bot
//	POST /api/conversations/{id}/close        close the conversation
//	POST /api/conversations/{id}/read         mark client messages read
//	GET  /api/events                          Server-Sent Events, ?topics=a,b
//	GET  /api/ws                              WebSocket events and commands
//
// Errors are JSON objects with an "error" field. A message that cannot be
// delivered because the transport is down returns 503; a driver failure
// returns 502; acting on a closed conversation returns 409.
//
// # Streams
//
// Both stream endpoints first send a transport_status event with the current
// snapshot, then every published event as {"topic", "payload", "at"}.
// WebSocket clients may send
//
//	{"type": "send_message", "conversation_id": "...", "content": "...", "request_id": "..."}
//
// and receive a message_sent reply carrying success and, on failure, error.
//
// # Webhooks
//
// With the cloudapi driver the verification and event webhook is mounted at
// transport.cloudapi.webhook_path without operator auth.
package gateway
