package monitor

// SeenSet records which messages have already been replied to within the
// current connection epoch. The server's unseen flag is the authoritative
// cross-epoch signal; this set only guards against double replies when
// consecutive searches inside one epoch return overlapping results.
//
// Owned by the monitor loop goroutine, so no locking.
type SeenSet struct {
	ids map[string]struct{}
}

func NewSeenSet() *SeenSet {
	return &SeenSet{ids: make(map[string]struct{})}
}

func (s *SeenSet) MarkSeen(id string) {
	s.ids[id] = struct{}{}
}

func (s *SeenSet) IsSeen(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Reset clears the set. Called at every epoch boundary.
func (s *SeenSet) Reset() {
	clear(s.ids)
}

func (s *SeenSet) Len() int {
	return len(s.ids)
}
