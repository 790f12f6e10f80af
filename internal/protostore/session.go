// ABOUTME: Per-device session records keyed by "name.device"
// ABOUTME: Archived sessions stay in the blob but load as not found

package protostore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Address identifies one device of a peer.
type Address struct {
	Name     string
	DeviceID uint32
}

// String renders the address as name.device.
func (a Address) String() string {
	return a.Name + "." + strconv.FormatUint(uint64(a.DeviceID), 10)
}

// ParseAddress parses name.device. The device id follows the last dot.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Address{}, fmt.Errorf("invalid address %q", s)
	}
	dev, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("invalid device id in address %q: %w", s, err)
	}
	return Address{Name: s[:i], DeviceID: uint32(dev)}, nil
}

// SessionEntry is a stored session for one device.
type SessionEntry struct {
	Record   []byte
	DeviceID uint32
	Number   string
	Closed   bool
}

func (e SessionEntry) value() Value {
	return Record(map[string]Value{
		"record":   Binary(e.Record),
		"deviceId": Int(int64(e.DeviceID)),
		"number":   String(e.Number),
		"closed":   Bool(e.Closed),
	})
}

func sessionFromValue(v Value) (*SessionEntry, error) {
	rec, err := fieldBinary(v, "record")
	if err != nil {
		return nil, err
	}
	dev, err := fieldInt(v, "deviceId")
	if err != nil {
		return nil, err
	}
	number, err := fieldString(v, "number")
	if err != nil {
		return nil, err
	}
	closed, err := optionalBool(v, "closed")
	if err != nil {
		return nil, err
	}
	return &SessionEntry{Record: rec, DeviceID: uint32(dev), Number: number, Closed: closed}, nil
}

// LoadSession returns the open session record for addr.
func (s *Store) LoadSession(addr Address) ([]byte, error) {
	entry, err := s.sessionEntry(addr)
	if err != nil {
		return nil, err
	}
	if entry.Closed {
		return nil, ErrNotFound
	}
	return entry.Record, nil
}

// StoreSession saves an open session record for addr.
func (s *Store) StoreSession(addr Address, record []byte) error {
	return s.Put(NamespaceSession, addr.String(), SessionEntry{
		Record:   record,
		DeviceID: addr.DeviceID,
		Number:   addr.Name,
	}.value())
}

// ContainsSession reports whether addr has an open session.
func (s *Store) ContainsSession(addr Address) bool {
	_, err := s.LoadSession(addr)
	return err == nil
}

// RemoveSession deletes addr's session.
func (s *Store) RemoveSession(addr Address) {
	s.Remove(NamespaceSession, addr.String())
}

// RemoveAllSessions deletes every session belonging to name.
func (s *Store) RemoveAllSessions(name string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	entries, err := s.sessionsFor(name)
	if err != nil {
		return err
	}
	for id := range entries {
		s.Remove(NamespaceSession, id)
	}
	return nil
}

// ArchiveSession closes addr's session without deleting it.
func (s *Store) ArchiveSession(addr Address) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.archive(func(id string, e *SessionEntry) bool { return id == addr.String() })
}

// ArchiveSiblingSessions closes the sessions of every other device of addr's peer.
func (s *Store) ArchiveSiblingSessions(addr Address) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.archiveSiblings(addr)
}

// ArchiveAllSessions closes every session belonging to name.
func (s *Store) ArchiveAllSessions(name string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.archive(func(_ string, e *SessionEntry) bool { return e.Number == name })
}

// DeviceIDs returns the device ids with open sessions for name, ascending.
func (s *Store) DeviceIDs(name string) ([]uint32, error) {
	entries, err := s.sessionsFor(name)
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(entries))
	for _, e := range entries {
		if !e.Closed {
			ids = append(ids, e.DeviceID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// archiveSiblings requires opMu.
func (s *Store) archiveSiblings(addr Address) error {
	return s.archive(func(_ string, e *SessionEntry) bool {
		return e.Number == addr.Name && e.DeviceID != addr.DeviceID
	})
}

// archive requires opMu.
func (s *Store) archive(match func(id string, e *SessionEntry) bool) error {
	for id, v := range s.All(NamespaceSession) {
		e, err := sessionFromValue(v)
		if err != nil {
			return fmt.Errorf("session %q: %w", id, err)
		}
		if e.Closed || !match(id, e) {
			continue
		}
		e.Closed = true
		if err := s.Put(NamespaceSession, id, e.value()); err != nil {
			return err
		}
	}
	return nil
}

// sessionsFor matches on the stored number, never on an id prefix.
func (s *Store) sessionsFor(name string) (map[string]*SessionEntry, error) {
	out := make(map[string]*SessionEntry)
	for id, v := range s.All(NamespaceSession) {
		e, err := sessionFromValue(v)
		if err != nil {
			return nil, fmt.Errorf("session %q: %w", id, err)
		}
		if e.Number == name {
			out[id] = e
		}
	}
	return out, nil
}

func (s *Store) sessionEntry(addr Address) (*SessionEntry, error) {
	v, err := s.Get(NamespaceSession, addr.String())
	if err != nil {
		return nil, err
	}
	return sessionFromValue(v)
}
