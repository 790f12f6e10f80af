// Package bot wraps one bot's protocol client.
//
// # Lifecycle
//
// A Session moves through
//
//	Created -> Started -> Verified -> Stopped
//
// Start loads the persisted protocol store and fills in a password and
// signaling key the first time. RequestVerification and VerifyNumber drive
// registration. Send and Receive open their long-lived connections lazily on
// first use and keep them until Stop. Stop is idempotent and is the only
// way to cancel a session.
//
// After every operation that can change protocol state the session writes a
// fresh snapshot of the store through the repository. The write is not
// transactional with the network operation; if the process dies in between,
// the protocol re-establishes the affected sessions.
//
// # Receiving
//
// The first Receive opens a receiver and starts a goroutine that turns
// protocol events into Messages on a bounded queue:
//
//   - message: attachments are saved by the AttachmentPersister, the Message
//     is queued, then the envelope is acknowledged
//   - empty: the batch is complete; the connection stays open
//   - error: the receiver is torn down and the next Receive reports it
//
// The first Receive waits a short grace window for the initial batch before
// draining the queue. Later calls drain immediately.
//
// # Concurrency
//
// Callers serialize operations on one session. The session keeps its own
// fields consistent, but a Send racing a Stop fails rather than waiting.
package bot
