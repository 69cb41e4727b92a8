// Package notify implements the Notification Feed and the trigger that fills it.
//
// The feed is a rolling view of a recipient's DefaultLimit most recent
// notifications, newest first. Live inserts arrive through Subscribe and are
// prepended by the session layer, so an in-memory list can grow past the cap
// until the next refetch.
//
// UnreadCount is computed from the items a caller holds. It is never persisted
// and never fetched separately.
//
// The Trigger listens for message and inquiry inserts on the change feed and
// notifies the counterpart. The author of an event is never notified.
package notify
