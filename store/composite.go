package store

import "fmt"

// CompositeStore is a priority-ordered list of underlying stores: reads
// search in order, writes go to the first writable member. Read-only
// members (e.g. a shared system location) are never written to, per
// spec §4.B.
type CompositeStore struct {
	Stores []Store
}

func NewCompositeStore(stores ...Store) *CompositeStore {
	return &CompositeStore{Stores: stores}
}

func (c *CompositeStore) Contains(d Digest) bool {
	_, ok := c.Path(d)
	return ok
}

func (c *CompositeStore) Path(d Digest) (string, bool) {
	for _, s := range c.Stores {
		if p, ok := s.Path(d); ok {
			return p, true
		}
	}
	return "", false
}

func (c *CompositeStore) Add(d Digest, b Builder) error {
	for _, s := range c.Stores {
		ds, ok := s.(*DirStore)
		if ok && ds.ReadOnly {
			continue
		}
		return s.Add(d, b)
	}
	return fmt.Errorf("store: no writable store available for %s", d)
}

func (c *CompositeStore) Remove(d Digest) error {
	var firstErr error
	for _, s := range c.Stores {
		if err := s.Remove(d); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *CompositeStore) ListAll() ([]Digest, error) {
	seen := map[Digest]bool{}
	var all []Digest
	for _, s := range c.Stores {
		digests, err := s.ListAll()
		if err != nil {
			return nil, err
		}
		for _, d := range digests {
			if !seen[d] {
				seen[d] = true
				all = append(all, d)
			}
		}
	}
	return all, nil
}
