// Package session holds the per-client view state that sits on top of the
// chat and notify layers.
//
// A ChatSession owns the conversation list, the open conversation, its
// messages and the compose draft. It holds at most one live message
// subscription, replaces it on every Open and releases it on Reset and Close.
// History fetched for a conversation that is no longer open is discarded.
//
// A NotificationSession owns the notification list. New items are prepended
// as they arrive, so the list may briefly exceed the feed cap until the next
// Start refetches it.
//
// Both push updates to an Emitter, which is the WebSocket writer in the
// gateway. Reset clears everything when the signed-in user changes.
package session
