// ABOUTME: Queue of inbound envelopes received but not yet fully processed
// ABOUTME: Each envelope carries its own retry count, updated independently

package protostore

import (
	"fmt"
	"sort"
)

// UnprocessedEnvelope is a queued inbound envelope.
type UnprocessedEnvelope struct {
	ID              string
	Envelope        []byte
	Timestamp       int64
	Attempts        int
	Source          string
	SourceDevice    uint32
	ServerTimestamp int64
	Decrypted       []byte
}

func (u UnprocessedEnvelope) value() Value {
	fields := map[string]Value{
		"id":        String(u.ID),
		"envelope":  Binary(u.Envelope),
		"timestamp": Int(u.Timestamp),
		"attempts":  Int(int64(u.Attempts)),
	}
	if u.Source != "" {
		fields["source"] = String(u.Source)
		fields["sourceDevice"] = Int(int64(u.SourceDevice))
	}
	if u.ServerTimestamp != 0 {
		fields["serverTimestamp"] = Int(u.ServerTimestamp)
	}
	if u.Decrypted != nil {
		fields["decrypted"] = Binary(u.Decrypted)
	}
	return Record(fields)
}

func unprocessedFromValue(v Value) (*UnprocessedEnvelope, error) {
	id, err := fieldString(v, "id")
	if err != nil {
		return nil, err
	}
	env, err := fieldBinary(v, "envelope")
	if err != nil {
		return nil, err
	}
	ts, err := fieldInt(v, "timestamp")
	if err != nil {
		return nil, err
	}
	attempts, err := fieldInt(v, "attempts")
	if err != nil {
		return nil, err
	}
	decrypted, err := optionalBinary(v, "decrypted")
	if err != nil {
		return nil, err
	}
	u := &UnprocessedEnvelope{
		ID:        id,
		Envelope:  env,
		Timestamp: ts,
		Attempts:  int(attempts),
		Decrypted: decrypted,
	}
	if f, ok := v.Field("source"); ok {
		u.Source, _ = f.AsString()
	}
	if f, ok := v.Field("sourceDevice"); ok {
		n, _ := f.AsInt()
		u.SourceDevice = uint32(n)
	}
	if f, ok := v.Field("serverTimestamp"); ok {
		u.ServerTimestamp, _ = f.AsInt()
	}
	return u, nil
}

// UnprocessedUpdate carries the fields filled in once an envelope is decrypted.
type UnprocessedUpdate struct {
	Source          string
	SourceDevice    uint32
	ServerTimestamp int64
	Decrypted       []byte
}

// AddUnprocessed queues an envelope, replacing any with the same id.
func (s *Store) AddUnprocessed(u UnprocessedEnvelope) error {
	if u.ID == "" {
		return fmt.Errorf("unprocessed envelope id is required")
	}
	return s.Put(NamespaceUnprocessed, u.ID, u.value())
}

// GetUnprocessed returns one queued envelope.
func (s *Store) GetUnprocessed(id string) (*UnprocessedEnvelope, error) {
	v, err := s.Get(NamespaceUnprocessed, id)
	if err != nil {
		return nil, err
	}
	return unprocessedFromValue(v)
}

// UpdateUnprocessedAttempts sets the retry count of one envelope.
func (s *Store) UpdateUnprocessedAttempts(id string, attempts int) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	u, err := s.GetUnprocessed(id)
	if err != nil {
		return err
	}
	u.Attempts = attempts
	return s.Put(NamespaceUnprocessed, id, u.value())
}

// UpdateUnprocessedWithData records decryption results for one envelope.
func (s *Store) UpdateUnprocessedWithData(id string, upd UnprocessedUpdate) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	u, err := s.GetUnprocessed(id)
	if err != nil {
		return err
	}
	u.Source = upd.Source
	u.SourceDevice = upd.SourceDevice
	u.ServerTimestamp = upd.ServerTimestamp
	u.Decrypted = upd.Decrypted
	return s.Put(NamespaceUnprocessed, id, u.value())
}

// RemoveUnprocessed drops one envelope from the queue.
func (s *Store) RemoveUnprocessed(id string) {
	s.Remove(NamespaceUnprocessed, id)
}

// RemoveAllUnprocessed empties the queue.
func (s *Store) RemoveAllUnprocessed() {
	s.RemoveAll(NamespaceUnprocessed)
}

// AllUnprocessed returns the queue ordered by timestamp, then id.
func (s *Store) AllUnprocessed() ([]*UnprocessedEnvelope, error) {
	all := s.All(NamespaceUnprocessed)
	out := make([]*UnprocessedEnvelope, 0, len(all))
	for id, v := range all {
		u, err := unprocessedFromValue(v)
		if err != nil {
			return nil, fmt.Errorf("unprocessed %q: %w", id, err)
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UnprocessedCount returns the queue length.
func (s *Store) UnprocessedCount() int {
	return s.Len(NamespaceUnprocessed)
}
