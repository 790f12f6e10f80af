// ABOUTME: Peer identity keys with trust-on-first-use and verification status
// ABOUTME: A changed key downgrades VERIFIED and archives the peer's other device sessions

package protostore

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

// VerifiedStatus is the user-visible verification state of a peer identity.
type VerifiedStatus int

// Verification states.
const (
	VerifiedDefault VerifiedStatus = iota
	VerifiedVerified
	VerifiedUnverified
)

func (v VerifiedStatus) String() string {
	switch v {
	case VerifiedDefault:
		return "DEFAULT"
	case VerifiedVerified:
		return "VERIFIED"
	case VerifiedUnverified:
		return "UNVERIFIED"
	default:
		return fmt.Sprintf("VerifiedStatus(%d)", int(v))
	}
}

// IdentityRecord is what the store remembers about a peer's identity key.
type IdentityRecord struct {
	PublicKey           []byte
	FirstUse            bool
	Timestamp           time.Time
	Verified            VerifiedStatus
	NonblockingApproval bool
}

func (r IdentityRecord) value() Value {
	return Record(map[string]Value{
		"publicKey":           Binary(r.PublicKey),
		"firstUse":            Bool(r.FirstUse),
		"timestamp":           Int(r.Timestamp.UnixMilli()),
		"verified":            Int(int64(r.Verified)),
		"nonblockingApproval": Bool(r.NonblockingApproval),
	})
}

func identityFromValue(v Value) (*IdentityRecord, error) {
	pub, err := fieldBinary(v, "publicKey")
	if err != nil {
		return nil, err
	}
	ts, err := fieldInt(v, "timestamp")
	if err != nil {
		return nil, err
	}
	verified, err := fieldInt(v, "verified")
	if err != nil {
		return nil, err
	}
	firstUse, err := optionalBool(v, "firstUse")
	if err != nil {
		return nil, err
	}
	nonblocking, err := optionalBool(v, "nonblockingApproval")
	if err != nil {
		return nil, err
	}
	return &IdentityRecord{
		PublicKey:           pub,
		FirstUse:            firstUse,
		Timestamp:           time.UnixMilli(ts),
		Verified:            VerifiedStatus(verified),
		NonblockingApproval: nonblocking,
	}, nil
}

// LoadIdentity returns the stored identity record for a peer name.
func (s *Store) LoadIdentity(name string) (*IdentityRecord, error) {
	v, err := s.Get(NamespaceIdentityKey, name)
	if err != nil {
		return nil, err
	}
	return identityFromValue(v)
}

// IsTrustedIdentity reports whether key may be used for name: always on first
// use, afterwards only when it equals the stored key.
func (s *Store) IsTrustedIdentity(name string, key []byte) (bool, error) {
	rec, err := s.LoadIdentity(name)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Equal(rec.PublicKey, key), nil
}

// SaveIdentity records key for addr's peer and reports whether it replaced a
// different key. On a change, VERIFIED becomes UNVERIFIED (DEFAULT stays
// DEFAULT) and sessions for the peer's other devices are archived.
func (s *Store) SaveIdentity(addr Address, key []byte, nonblockingApproval bool) (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	now := time.Now()

	existing, err := s.LoadIdentity(addr.Name)
	switch {
	case errors.Is(err, ErrNotFound):
		return false, s.putIdentity(addr.Name, IdentityRecord{
			PublicKey:           key,
			FirstUse:            true,
			Timestamp:           now,
			Verified:            VerifiedDefault,
			NonblockingApproval: nonblockingApproval,
		})
	case err != nil:
		return false, err
	}

	if bytes.Equal(existing.PublicKey, key) {
		if nonblockingApproval && !existing.NonblockingApproval {
			existing.NonblockingApproval = true
			return false, s.putIdentity(addr.Name, *existing)
		}
		return false, nil
	}

	verified := VerifiedDefault
	if existing.Verified == VerifiedVerified {
		verified = VerifiedUnverified
	}
	if err := s.putIdentity(addr.Name, IdentityRecord{
		PublicKey:           key,
		FirstUse:            false,
		Timestamp:           now,
		Verified:            verified,
		NonblockingApproval: nonblockingApproval,
	}); err != nil {
		return false, err
	}
	if err := s.archiveSiblings(addr); err != nil {
		return true, err
	}
	return true, nil
}

// SetVerified updates the verification state of a peer whose key matches.
func (s *Store) SetVerified(name string, status VerifiedStatus, key []byte) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	rec, err := s.LoadIdentity(name)
	if err != nil {
		return err
	}
	if !bytes.Equal(rec.PublicKey, key) {
		return fmt.Errorf("identity key for %s does not match", name)
	}
	rec.Verified = status
	return s.putIdentity(name, *rec)
}

// SetApproval marks a peer identity as approved without blocking sends.
func (s *Store) SetApproval(name string, nonblockingApproval bool) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	rec, err := s.LoadIdentity(name)
	if err != nil {
		return err
	}
	rec.NonblockingApproval = nonblockingApproval
	return s.putIdentity(name, *rec)
}

// RemoveIdentity forgets a peer's identity key.
func (s *Store) RemoveIdentity(name string) {
	s.Remove(NamespaceIdentityKey, name)
}

func (s *Store) putIdentity(name string, rec IdentityRecord) error {
	return s.Put(NamespaceIdentityKey, name, rec.value())
}
