package sqlite

// Exec runs a raw statement. Tests use it to break the schema.
func (s *Store) Exec(query string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(query)
	return err
}
