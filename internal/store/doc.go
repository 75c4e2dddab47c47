// Package store provides durable persistence for the switchboard gateway using SQLite.
//
// # Data Models
//
//   - Organization: a business reached through one inbound phone number
//   - Lead: a customer of an organization, unique per (organization, phone)
//   - Conversation: one interaction lifecycle over voice or SMS
//   - Message: an utterance or text within a conversation
//   - InventoryItem, Appointment: business data exposed to voice tools
//
// The store is the source of truth. Every value held by the cache package must
// be re-derivable from here, and callers write here before invalidating.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC 3339 text in UTC.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicate: a unique constraint rejected the insert
//
// # Testing
//
// Use NewSQLiteStore(":memory:") for tests with real SQLite.
package store
