// Package dedupe remembers recently handled keys for a bounded time.
//
// The bot receive pipeline marks each envelope once its message is queued.
// If the acknowledgement is lost the service redelivers the envelope on the
// next connection; the pipeline sees the key, acknowledges again, and drops
// the duplicate.
package dedupe
