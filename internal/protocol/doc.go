// Package protocol is the boundary between a bot session and the secure
// messaging library that does the actual cryptography and networking.
//
// A Library hands out three kinds of sub-clients for a bot, each bound to
// the bot's Credentials and its protostore.Store:
//
//   - AccountManager requests verification codes and registers the device.
//   - Sender delivers outgoing messages and reports per-recipient failures.
//   - Receiver streams inbound Events, downloads attachments, and
//     acknowledges envelopes once they have been handled.
//
// The library persists its key material only through the Store it was
// given. It never writes the blob itself; the bot session does that.
//
// relay provides a Library backed by a remote protocol engine over a
// websocket; protocoltest provides an in-memory fake for tests.
package protocol
