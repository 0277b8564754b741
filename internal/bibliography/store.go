package bibliography

import "sync"

// CollectionStore holds the last merged collection list. Writers replace the
// whole snapshot; readers always see one complete cycle.
type CollectionStore struct {
	mu          sync.RWMutex
	collections []Collection
}

// NewCollectionStore returns an empty store.
func NewCollectionStore() *CollectionStore {
	return &CollectionStore{}
}

// Current returns the last merged set. The slice must not be modified.
func (s *CollectionStore) Current() []Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collections
}

// Replace swaps in a new snapshot.
func (s *CollectionStore) Replace(collections []Collection) {
	s.mu.Lock()
	s.collections = collections
	s.mu.Unlock()
}

// Len returns the number of collections in the snapshot.
func (s *CollectionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections)
}

// Flatten concatenates every collection's items in collection order. Items
// carry the ids and collection keys resolved when the snapshot was merged.
func (s *CollectionStore) Flatten() []Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.collections {
		total += len(c.Items)
	}
	items := make([]Source, 0, total)
	for _, c := range s.collections {
		items = append(items, c.Items...)
	}
	return items
}

// Specs returns the snapshot without items, as sent back to the server so it
// can skip unchanged collection bodies.
func (s *CollectionStore) Specs() []CollectionSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	specs := make([]CollectionSpec, 0, len(s.collections))
	for _, c := range s.collections {
		specs = append(specs, c.Spec())
	}
	return specs
}
