// Package directory resolves organizations, leads and conversations through
// the cache, falling back to the durable store on every miss or cache failure.
//
// Reads follow the read-through pattern. Writes go to the store first and then
// invalidate every cache key derived from the touched lead before returning, so
// a crash between the two can only leave the cache stale, never ahead.
package directory
