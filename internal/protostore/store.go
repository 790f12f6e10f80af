// ABOUTME: Namespaced key-value store backing one bot's protocol state
// ABOUTME: Loads from and snapshots to the single JSON blob the repository persists

package protostore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/2389/sigbot/internal/apperr"
)

// ErrNotFound is returned when a namespace has no entry for the requested id.
var ErrNotFound = errors.New("protostore: not found")

// Namespace names one sub-map of the store.
type Namespace string

// Namespaces, in snapshot order.
const (
	NamespaceIdentityKey   Namespace = "identityKey"
	NamespaceSession       Namespace = "session"
	NamespacePreKey        Namespace = "preKey"
	NamespaceSignedPreKey  Namespace = "signedPreKey"
	NamespaceUnprocessed   Namespace = "unprocessed"
	NamespaceGroup         Namespace = "group"
	NamespaceConfiguration Namespace = "configuration"
)

// Namespaces lists every namespace.
var Namespaces = []Namespace{
	NamespaceIdentityKey,
	NamespaceSession,
	NamespacePreKey,
	NamespaceSignedPreKey,
	NamespaceUnprocessed,
	NamespaceGroup,
	NamespaceConfiguration,
}

// Valid reports whether ns is one of the known namespaces.
func (ns Namespace) Valid() bool {
	for _, known := range Namespaces {
		if ns == known {
			return true
		}
	}
	return false
}

// ParseNamespace validates a namespace name.
func ParseNamespace(s string) (Namespace, error) {
	ns := Namespace(s)
	if !ns.Valid() {
		return "", apperr.Errorf(apperr.ErrBadRequest, "protostore.ParseNamespace", "unknown namespace %q", s)
	}
	return ns, nil
}

// Configuration keys used by the bot session.
const (
	ConfigNumber         = "number"
	ConfigPassword       = "password"
	ConfigSignalingKey   = "signaling_key"
	ConfigRegistrationID = "registrationId"
	ConfigIdentityKey    = "identityKey"
	ConfigDeviceID       = "deviceId"
	ConfigProfileKey     = "profileKey"
)

// Store holds one bot's protocol state. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	spaces map[Namespace]map[string]Value

	// opMu serializes read-modify-write helpers built on Get and Put.
	opMu sync.Mutex
}

// New returns an empty store.
func New() *Store {
	s := &Store{spaces: make(map[Namespace]map[string]Value, len(Namespaces))}
	for _, ns := range Namespaces {
		s.spaces[ns] = make(map[string]Value)
	}
	return s
}

// Load rebuilds a store from a snapshot blob. Nil or empty data yields an empty store.
func Load(data []byte) (*Store, error) {
	s := New()
	if len(data) == 0 {
		return s, nil
	}

	var doc map[string]map[string]string
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperr.E(apperr.ErrSerialization, "protostore.Load", err)
	}

	for name, entries := range doc {
		ns := Namespace(name)
		if !ns.Valid() {
			return nil, apperr.Errorf(apperr.ErrSerialization, "protostore.Load", "unknown namespace %q", name)
		}
		for id, encoded := range entries {
			v, err := Decode([]byte(encoded))
			if err != nil {
				return nil, fmt.Errorf("loading %s %q: %w", ns, id, err)
			}
			s.spaces[ns][id] = v
		}
	}
	return s, nil
}

// Snapshot serializes the whole store. Empty namespaces are omitted.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := make(map[string]map[string]string, len(s.spaces))
	for ns, entries := range s.spaces {
		if len(entries) == 0 {
			continue
		}
		out := make(map[string]string, len(entries))
		for id, v := range entries {
			encoded, err := Encode(v)
			if err != nil {
				return nil, fmt.Errorf("snapshot %s %q: %w", ns, id, err)
			}
			out[id] = string(encoded)
		}
		doc[string(ns)] = out
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, apperr.E(apperr.ErrSerialization, "protostore.Snapshot", err)
	}
	return data, nil
}

// Get returns the entry stored under id in ns.
func (s *Store) Get(ns Namespace, id string) (Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.spaces[ns]
	if !ok {
		return Value{}, fmt.Errorf("namespace %q: %w", ns, ErrNotFound)
	}
	v, ok := entries[id]
	if !ok {
		return Value{}, ErrNotFound
	}
	return v, nil
}

// Put stores v under id in ns, replacing any previous entry.
func (s *Store) Put(ns Namespace, id string, v Value) error {
	if !ns.Valid() {
		return apperr.Errorf(apperr.ErrBadRequest, "protostore.Put", "unknown namespace %q", ns)
	}
	// Reject values the snapshot could not write back.
	if _, err := Encode(v); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.spaces[ns][id] = v
	return nil
}

// Remove deletes the entry under id in ns. Missing entries are not an error.
func (s *Store) Remove(ns Namespace, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entries, ok := s.spaces[ns]; ok {
		delete(entries, id)
	}
}

// RemoveAll clears one namespace.
func (s *Store) RemoveAll(ns Namespace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spaces[ns]; ok {
		s.spaces[ns] = make(map[string]Value)
	}
}

// Keys returns the ids stored in ns, sorted.
func (s *Store) Keys(ns Namespace) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.spaces[ns]
	keys := make([]string, 0, len(entries))
	for id := range entries {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}

// All returns a copy of every entry in ns.
func (s *Store) All(ns Namespace) map[string]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Value, len(s.spaces[ns]))
	for id, v := range s.spaces[ns] {
		out[id] = v
	}
	return out
}

// Len returns the number of entries in ns.
func (s *Store) Len(ns Namespace) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.spaces[ns])
}

// GetConfig returns a configuration value.
func (s *Store) GetConfig(key string) (Value, error) {
	return s.Get(NamespaceConfiguration, key)
}

// PutConfig stores a configuration value.
func (s *Store) PutConfig(key string, v Value) error {
	return s.Put(NamespaceConfiguration, key, v)
}

// ConfigString returns a string configuration value, or "" when unset or not a string.
func (s *Store) ConfigString(key string) string {
	v, err := s.GetConfig(key)
	if err != nil {
		return ""
	}
	str, _ := v.AsString()
	return str
}

// ConfigBinary returns a binary configuration value, or nil when unset or not binary.
func (s *Store) ConfigBinary(key string) []byte {
	v, err := s.GetConfig(key)
	if err != nil {
		return nil
	}
	b, _ := v.AsBinary()
	return b
}

// LocalRegistrationID returns the stored registration id.
func (s *Store) LocalRegistrationID() (uint32, error) {
	v, err := s.GetConfig(ConfigRegistrationID)
	if err != nil {
		return 0, err
	}
	n, ok := v.AsInt()
	if !ok {
		return 0, apperr.Errorf(apperr.ErrSerialization, "protostore.LocalRegistrationID", "registration id is %s", v.Kind())
	}
	return uint32(n), nil
}

// PutLocalRegistrationID stores the registration id.
func (s *Store) PutLocalRegistrationID(id uint32) error {
	return s.PutConfig(ConfigRegistrationID, Int(int64(id)))
}

// IdentityKeyPair returns the bot's own identity key pair.
func (s *Store) IdentityKeyPair() (*KeyPair, error) {
	v, err := s.GetConfig(ConfigIdentityKey)
	if err != nil {
		return nil, err
	}
	return keyPairFromValue(v)
}

// PutIdentityKeyPair stores the bot's own identity key pair.
func (s *Store) PutIdentityKeyPair(kp KeyPair) error {
	return s.PutConfig(ConfigIdentityKey, kp.value())
}
