// Package tools holds the named handlers the voice agent can invoke mid-call.
//
// A Registry maps tool names to handlers and runs each call under a timeout.
// Unknown tools, handler errors and timeouts all come back as a Result with
// Error set so the voice agent can recover verbally instead of hanging.
package tools
