package crawler

// seenSet records item URLs already observed during one run. It is owned by
// the controller goroutine of a single (source, shard) run and only grows.
type seenSet struct {
	seen map[string]struct{}
}

func newSeenSet() *seenSet {
	return &seenSet{seen: make(map[string]struct{})}
}

// MarkIfNew stores url if it has not been seen before and reports whether it
// was new. Empty URLs are never new.
func (s *seenSet) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	if _, ok := s.seen[url]; ok {
		return false
	}
	s.seen[url] = struct{}{}
	return true
}

// FilterNew marks every candidate as seen and returns the ones that were new,
// in page order. Duplicates within the same page collapse to the first one.
func (s *seenSet) FilterNew(candidates []RawCandidate) []RawCandidate {
	fresh := make([]RawCandidate, 0, len(candidates))
	for _, c := range candidates {
		if s.MarkIfNew(c.Href) {
			fresh = append(fresh, c)
		}
	}
	return fresh
}

// Len returns the number of distinct URLs observed.
func (s *seenSet) Len() int {
	return len(s.seen)
}
