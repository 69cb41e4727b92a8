// Package store provides persistent storage for tradepost.
//
// # Architecture
//
// The package is interface-driven. Each relation has its own interface and
// Store composes them:
//
//   - ConversationStore: buyer/seller threads with a last-message summary
//   - MessageStore: append-only messages whose only mutable field is Read
//   - NotificationStore: recipient-scoped feed entries
//   - ProfileStore: public user identity used for partner lookup
//   - ProductStore: product references used to route inquiries
//   - InquiryStore: buyer inquiries and their status lifecycle
//
// Three implementations exist:
//
//   - SQLiteStore: single-node default, modernc.org/sqlite with WAL
//   - PostgresStore: pgx pool for deployments with several gateways
//   - MockStore: in-memory, with per-method failure injection for tests
//
// # Change Events
//
// Every committed write is reported to a ChangePublisher as a Change. The
// changefeed hub implements ChangePublisher and fans changes out to live
// subscribers. Publishing happens after commit and must not block.
//
// InsertMessage updates the owning conversation's LastMessage and
// LastMessageAt in the same transaction, so it emits two changes: the message
// insert followed by the conversation update.
//
// # Ordering
//
// Messages are listed by created_at ascending. Ties are broken by Seq, a
// store-assigned insertion counter. Conversations are listed by
// last_message_at descending with never-messaged conversations last.
//
// # Error Handling
//
//   - ErrNotFound: requested row does not exist, or is not owned by the caller
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
//	s := store.NewMockStore()
//	s.FailOn("InsertMessage", errors.New("boom"))
//
// Use NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) for integration
// tests with real SQLite.
package store
