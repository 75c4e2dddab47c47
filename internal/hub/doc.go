// Package hub manages live dashboard and agent websocket connections.
//
// # Topics
//
// Connections subscribe to named topics:
//
//	organization:<id>   every conversation in an organization (joined on connect)
//	conversation:<id>   one conversation
//
// Broadcast delivers to the subscriber set as it is at the moment of the call.
// Send and Broadcast never fail: a vanished client is a false return or a
// lower delivery count.
//
// # Liveness
//
// Sweep is one heartbeat tick. A session that has not answered the previous
// probe is evicted; every other session is marked pending and probed with a
// websocket ping. A pong, or any inbound frame, marks it live again. A client
// that never answers is therefore evicted on the second tick.
//
// # Protocol
//
// Clients send JSON frames of the form {"type": ..., "data": {...}}. Command
// frames (send_chat_message, take_conversation, release_conversation) are
// handed to the injected Commands implementation, which also decides whether a
// connection may subscribe to a conversation. Malformed or unknown frames
// are answered with an error frame on that connection only.
package hub
