// Package chat implements the Conversation Directory and the Message Stream.
//
// # Directory
//
// A conversation is identified by the exact (buyer, seller, product) triple.
// GetOrCreateConversation looks the triple up and creates a conversation only
// when none exists. It never retries: two concurrent identical calls may both
// create a conversation, and both are kept.
//
// # Stream
//
// Messages are append-only. SendMessage trims content and rejects blank input
// before any store call. A committed send fans out to subscribers through the
// change feed; Subscribe scopes that feed to one conversation.
//
// # Errors
//
//   - *ValidationError: bad input, nothing was written (errors.Is(err, ErrValidation))
//   - *PersistenceError: the store rejected the operation
//   - ErrNotFound: the conversation does not exist
//   - ErrNotParticipant: the caller is neither buyer nor seller
//
// Reads fail soft: they return an empty, non-nil slice alongside the error.
package chat
