package strings

// OrderedSet collects distinct strings in insertion order. It is not safe for
// concurrent use; build one per call.
type OrderedSet struct {
	seen  map[string]struct{}
	items []string
}

// NewOrderedSet returns a set seeded with values.
func NewOrderedSet(values ...string) *OrderedSet {
	s := &OrderedSet{seen: make(map[string]struct{}, len(values))}
	for _, v := range values {
		s.Add(v)
	}
	return s
}

// Add inserts v if it is non-empty and not yet present. Reports whether v was added.
func (s *OrderedSet) Add(v string) bool {
	if v == "" {
		return false
	}
	if _, ok := s.seen[v]; ok {
		return false
	}
	s.seen[v] = struct{}{}
	s.items = append(s.items, v)
	return true
}

// Contains reports whether v is in the set.
func (s *OrderedSet) Contains(v string) bool {
	_, ok := s.seen[v]
	return ok
}

// Len returns the number of distinct values.
func (s *OrderedSet) Len() int {
	return len(s.items)
}

// Values returns a copy of the values in insertion order. Never nil.
func (s *OrderedSet) Values() []string {
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}
