// ABOUTME: Key pair records and the prekey / signed prekey namespaces
// ABOUTME: Key ids are stored as decimal strings inside their namespace

package protostore

import (
	"sort"
	"strconv"

	"github.com/2389/sigbot/internal/apperr"
)

// KeyPair is a public/private key pair as raw bytes.
type KeyPair struct {
	PubKey  []byte
	PrivKey []byte
}

func (kp KeyPair) value() Value {
	return Record(map[string]Value{
		"pubKey":  Binary(kp.PubKey),
		"privKey": Binary(kp.PrivKey),
	})
}

func keyPairFromValue(v Value) (*KeyPair, error) {
	pub, err := fieldBinary(v, "pubKey")
	if err != nil {
		return nil, err
	}
	priv, err := fieldBinary(v, "privKey")
	if err != nil {
		return nil, err
	}
	return &KeyPair{PubKey: pub, PrivKey: priv}, nil
}

// LoadPreKey returns the prekey with the given id.
func (s *Store) LoadPreKey(id uint32) (*KeyPair, error) {
	return s.loadKeyPair(NamespacePreKey, id)
}

// StorePreKey saves a prekey.
func (s *Store) StorePreKey(id uint32, kp KeyPair) error {
	return s.Put(NamespacePreKey, keyID(id), kp.value())
}

// RemovePreKey deletes a prekey once it has been consumed.
func (s *Store) RemovePreKey(id uint32) {
	s.Remove(NamespacePreKey, keyID(id))
}

// PreKeyIDs lists stored prekey ids in ascending order.
func (s *Store) PreKeyIDs() []uint32 {
	return s.keyIDs(NamespacePreKey)
}

// LoadSignedPreKey returns the signed prekey with the given id.
func (s *Store) LoadSignedPreKey(id uint32) (*KeyPair, error) {
	return s.loadKeyPair(NamespaceSignedPreKey, id)
}

// StoreSignedPreKey saves a signed prekey.
func (s *Store) StoreSignedPreKey(id uint32, kp KeyPair) error {
	return s.Put(NamespaceSignedPreKey, keyID(id), kp.value())
}

// RemoveSignedPreKey deletes a signed prekey.
func (s *Store) RemoveSignedPreKey(id uint32) {
	s.Remove(NamespaceSignedPreKey, keyID(id))
}

// SignedPreKeyIDs lists stored signed prekey ids in ascending order.
func (s *Store) SignedPreKeyIDs() []uint32 {
	return s.keyIDs(NamespaceSignedPreKey)
}

func (s *Store) loadKeyPair(ns Namespace, id uint32) (*KeyPair, error) {
	v, err := s.Get(ns, keyID(id))
	if err != nil {
		return nil, err
	}
	return keyPairFromValue(v)
}

func (s *Store) keyIDs(ns Namespace) []uint32 {
	keys := s.Keys(ns)
	ids := make([]uint32, 0, len(keys))
	for _, k := range keys {
		n, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func keyID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Record field helpers. A missing or mistyped field is a serialization error.

func fieldBinary(v Value, name string) ([]byte, error) {
	f, ok := v.Field(name)
	if !ok {
		return nil, missingField(name)
	}
	b, ok := f.AsBinary()
	if !ok {
		return nil, wrongKind(name, KindBinary, f.Kind())
	}
	return b, nil
}

func fieldString(v Value, name string) (string, error) {
	f, ok := v.Field(name)
	if !ok {
		return "", missingField(name)
	}
	s, ok := f.AsString()
	if !ok {
		return "", wrongKind(name, KindString, f.Kind())
	}
	return s, nil
}

func fieldInt(v Value, name string) (int64, error) {
	f, ok := v.Field(name)
	if !ok {
		return 0, missingField(name)
	}
	n, ok := f.AsInt()
	if !ok {
		return 0, wrongKind(name, KindInt, f.Kind())
	}
	return n, nil
}

// optionalBool treats a missing field as false.
func optionalBool(v Value, name string) (bool, error) {
	f, ok := v.Field(name)
	if !ok {
		return false, nil
	}
	b, ok := f.AsBool()
	if !ok {
		return false, wrongKind(name, KindBool, f.Kind())
	}
	return b, nil
}

// optionalBinary treats a missing or null field as nil.
func optionalBinary(v Value, name string) ([]byte, error) {
	f, ok := v.Field(name)
	if !ok || f.IsNull() {
		return nil, nil
	}
	b, ok := f.AsBinary()
	if !ok {
		return nil, wrongKind(name, KindBinary, f.Kind())
	}
	return b, nil
}

func missingField(name string) error {
	return apperr.Errorf(apperr.ErrSerialization, "protostore", "missing field %q", name)
}

func wrongKind(name string, want, got Kind) error {
	return apperr.Errorf(apperr.ErrSerialization, "protostore", "field %q is %s, want %s", name, got, want)
}
