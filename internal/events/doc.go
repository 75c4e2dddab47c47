// Package events defines the conversation events fanned out to dashboard
// connections and, optionally, exported to an AMQP topic exchange.
//
// Every event has a type, the conversation and organization it belongs to,
// and a typed payload. The hub delivers events as JSON frames; the exporter
// wraps them in a {meta, data} envelope and publishes them with routing key
// conversation.<type>.
package events
