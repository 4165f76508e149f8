package service

// LockTable holds the service's table lock as holder until the returned
// func is called.
func (s *IngestService) LockTable(holder string) func() {
	key := storeKey(s.db.Path(), s.pipeline.Table)
	if _, ok := s.guard.TryLock(key, holder); !ok {
		panic("table already locked")
	}
	return func() { s.guard.Unlock(key) }
}
