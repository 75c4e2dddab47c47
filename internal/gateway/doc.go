// Package gateway wires the switchboard components into a running server.
//
// # Overview
//
// The Gateway owns every long-lived component and their lifecycles: the
// SQLite store, the cache, the lead directory, the websocket hub, the
// conversation bridge with its handoff controller, the voice and SMS
// channels, and the optional AMQP event exporter.
//
// # HTTP Surface
//
//   - GET /ws - dashboard websocket (bearer token or token query parameter)
//   - POST /webhooks/sms - Twilio inbound message webhook
//   - POST /webhooks/voice/{event} - voice provider webhooks: call_started,
//     transcript, tool_call, call_ended
//   - POST /api/calls - place an outbound AI call (JWT)
//   - GET /api/conversations/{id} - live conversation snapshot (JWT)
//   - GET /api/stats - organization dashboard statistics (JWT)
//   - GET /health, GET /health/ready - liveness and readiness
//   - GET /metrics - Prometheus metrics when enabled
//
// # gRPC Surface
//
// When server.grpc_addr is set, the standard grpc.health.v1 service is served
// there so orchestrators can probe the gateway without HTTP.
//
// # Lifecycle
//
// Run starts the servers and background loops under one errgroup. Cancelling
// the context, or any member failing, triggers Shutdown with a fresh
// five-second deadline.
package gateway
