// Package store provides persistent storage for switchboard using SQLite.
//
// # Data Models
//
//   - Client: a chat participant identified by its transport address, with the
//     bot state and client type learned so far
//   - Conversation: one support session; status is active, waiting or closed
//   - Message: one inbound or outbound message, tagged with its sender kind
//
// A client has at most one open (active or waiting) conversation. The schema
// enforces this with a partial unique index, and a transport event id is
// recorded at most once so redelivered events cannot create duplicate rows.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC text so ordering by column value
// matches chronological order.
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateClient: address already registered
//   - ErrDuplicateConversation: client already has an open conversation
//   - ErrDuplicateMessage: transport event id already recorded
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(t.TempDir()+"/x.db")
// or NewSQLiteStore(":memory:") for integration tests.
//
// # Migrations
//
// Migrations live in internal/store/migrations, are embedded into the binary
// and applied with golang-migrate when the store opens.
package store
