// Package gateway wires the tradepost services to their transports.
//
// # Components
//
// New opens the configured store (SQLite or Postgres), attaches a
// changefeed.Hub as its change publisher and builds the domain services on
// top: chat.Directory, chat.Stream, notify.Feed, notify.Trigger and
// inquiry.Service. When configured it also starts a Redis relay for
// multi-instance delivery and a Kafka sink that exports every change.
//
// # HTTP API
//
// All /api routes require a bearer JWT (or X-User-ID in development mode).
//
//	GET  /api/conversations                 list with partner names
//	POST /api/conversations                 get or create by (buyer, seller, product)
//	GET  /api/conversations/{id}/messages   history with rendered HTML
//	POST /api/conversations/{id}/messages   send (Idempotency-Key supported)
//	POST /api/conversations/{id}/read       mark partner messages read
//	GET  /api/conversations/{id}/events     SSE message stream
//	GET  /api/notifications                 newest 50 plus unread_count
//	POST /api/notifications/{id}/read
//	POST /api/notifications/read-all
//	GET  /api/notifications/events          SSE notification stream
//	GET  /api/inquiries, POST /api/inquiries, POST /api/inquiries/{id}/status
//	PUT  /api/profile                       caller's display identity
//	POST /api/admin/seed                    admin only
//	GET  /api/ws                            WebSocket session
//
// Errors are JSON {"error": "..."}: validation 400, not a participant 403,
// not found 404, storage failure 503.
//
// # WebSocket
//
// Each connection owns a session.ChatSession and session.NotificationSession.
// Client frames are {"op": ...} with ops open, send, draft, mark_read,
// mark_all_read, refresh and logout. Server frames are session.Event values.
// Slow clients whose send buffer fills are disconnected.
//
// # gRPC
//
// The standard grpc.health.v1 service reports SERVING while the store
// answers pings.
package gateway
