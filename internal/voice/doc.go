// Package voice talks to the AI voice agent provider.
//
// Outbound calls are placed over the provider's HTTP API. While a call is
// live the gateway holds one websocket per voice conversation and uses it to
// inject dashboard text, pause the AI for a human agent and resume it.
package voice
