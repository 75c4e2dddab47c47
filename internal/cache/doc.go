// Package cache provides the read-through, invalidate-on-write cache that sits
// in front of the durable store.
//
// # Contract
//
// The cache is an accelerator, never a source of truth. Every operation on
// [Cache] is best-effort:
//
//   - Get never fails. Backend errors, decode errors and expired envelopes are
//     logged and reported as a miss so the caller falls through to the store.
//   - Set, Invalidate and InvalidatePattern swallow backend errors. The caller
//     already holds the authoritative value.
//
// # Backends
//
// Two [Backend] implementations are provided:
//
//   - MemoryBackend: process-local LRU with per-key TTL and a periodic sweep
//   - RedisBackend: shared Redis instance, prefix deletes via SCAN
//
// # Keys
//
// Keys are namespaced by entity type so prefix invalidation never crosses
// entities:
//
//	lead:<e164>:<orgID>     lead by phone within an organization
//	org:<e164>              organization by inbound phone number
//	ctx:<leadID>            recent conversational context
//	conv:<leadID>:<limit>   recent conversation list
//	summaries:<leadID>      conversation summaries
//	session:<leadID>        live session / handoff state
//	stats:<orgID>           dashboard aggregates
//
// Writers call [Cache.InvalidateLead] after updating the store so every key
// derived from a lead disappears as one unit.
package cache
