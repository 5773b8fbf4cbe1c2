// Package store provides persistence for the relay's external collaborators using SQLite.
//
// The relay core only consumes narrow interfaces:
//
//   - Notifications: pending notifications delivered once per eligible client connect
//   - ConnectionLog: one row per websocket connection, used for advertising eligibility
//   - Catalog: game titles and genres listed by the bot
//
// SQLiteStore implements all of them in a single struct. MockStore is an
// in-memory twin for tests.
//
// Timestamps are stored as fixed-width UTC strings so ordering and range
// queries work with plain string comparison.
package store
