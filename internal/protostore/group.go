// ABOUTME: Group records, stored as opaque values owned by the protocol library
// ABOUTME: Groups are enumerated and removed like any other namespace

package protostore

// PutGroup stores a group record.
func (s *Store) PutGroup(id string, record Value) error {
	return s.Put(NamespaceGroup, id, record)
}

// GetGroup returns a group record.
func (s *Store) GetGroup(id string) (Value, error) {
	return s.Get(NamespaceGroup, id)
}

// GroupIDs lists stored group ids.
func (s *Store) GroupIDs() []string {
	return s.Keys(NamespaceGroup)
}

// RemoveGroup deletes a group record.
func (s *Store) RemoveGroup(id string) {
	s.Remove(NamespaceGroup, id)
}
