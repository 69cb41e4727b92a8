// Package dedupe provides a time and size bounded cache used to make writes
// idempotent. Message sends carrying a client message id store the resulting
// message here so that a retried send returns the original instead of
// appending a duplicate. The Matrix relay uses the same cache to skip
// notifications it has already posted during the current run.
package dedupe
