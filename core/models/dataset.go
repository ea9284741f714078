package models

import "sync"

// DataSet is an ordered set of data entries with unique keys
type DataSet struct {
	mu      sync.RWMutex
	entries []DataEntry
	index   map[string]int
}

// NewDataSet builds a set from entries, failing on the first duplicate key
func NewDataSet(entries ...DataEntry) (*DataSet, error) {
	s := &DataSet{index: make(map[string]int)}
	for _, e := range entries {
		if err := s.Add(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers an entry; a key already present yields *KeyConflictError
func (s *DataSet) Add(e DataEntry) error {
	if err := CheckKey(e.Key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index == nil {
		s.index = make(map[string]int)
	}
	if _, ok := s.index[e.Key]; ok {
		return &KeyConflictError{Key: e.Key}
	}
	s.index[e.Key] = len(s.entries)
	s.entries = append(s.entries, e)
	return nil
}

// Get returns the entry registered under key
func (s *DataSet) Get(key string) (DataEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[key]
	if !ok {
		return DataEntry{}, false
	}
	return s.entries[i], true
}

// Entries returns a copy of the entries in insertion order
func (s *DataSet) Entries() []DataEntry {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DataEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries
func (s *DataSet) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
