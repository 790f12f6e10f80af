// Package protostore is the persistence backend the protocol library talks to.
//
// # Overview
//
// Each bot owns one Store. The library reads and writes its key material
// (identity keys, sessions, prekeys, queued envelopes, groups, and scalar
// configuration) through the Store, and the bot session persists the whole
// thing as a single blob after every operation.
//
// # Namespaces
//
// Entries live in explicit namespaces, one sub-map each:
//
//	identityKey    peer name        -> IdentityRecord
//	session        name.device      -> SessionEntry
//	preKey         key id           -> KeyPair
//	signedPreKey   key id           -> KeyPair
//	unprocessed    envelope id      -> UnprocessedEnvelope
//	group          group id         -> record
//	configuration  scalar key       -> value
//
// Enumeration walks one sub-map, so a "session" lookup can never match
// keys from another namespace.
//
// # Values
//
// Every entry is a Value: a small typed union of string, binary, int, bool,
// list, and record. Encode and Decode are total over Value. Binary buffers are
// written as {"$bin":"<base64>"} and come back byte for byte. Anything that
// cannot be represented fails with an apperr.ErrSerialization error.
//
// # Blob format
//
// Snapshot produces a JSON object keyed by namespace, whose members map entry
// ids to string-encoded JSON values:
//
//	{"configuration":{"password":"\"s3cret\""},"session":{"+1555.1":"{...}"}}
//
// Load accepts the same shape. An empty blob yields an empty Store.
//
// # Identity trust
//
// IsTrustedIdentity trusts a peer on first use and afterwards only when the
// presented key byte-equals the stored one. SaveIdentity with a new key
// downgrades VERIFIED to UNVERIFIED and archives every other device session
// for that peer.
package protostore
