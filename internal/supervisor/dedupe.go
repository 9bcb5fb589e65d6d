package supervisor

// dedupeCap bounds how many recent update ids the ring remembers.
const dedupeCap = 4000

// dedupeRing tracks recently seen update ids so redelivered updates never
// dispatch twice in one supervisor lifetime. Only the main loop touches
// it, so it carries no lock.
type dedupeRing struct {
	seen  map[int64]struct{}
	order []int64
	limit int
}

func newDedupeRing(limit int) *dedupeRing {
	if limit <= 0 {
		limit = dedupeCap
	}
	return &dedupeRing{
		seen:  make(map[int64]struct{}, limit),
		limit: limit,
	}
}

// Seen reports whether id was already processed, marking it seen
// otherwise. A zero id is never deduplicated.
func (r *dedupeRing) Seen(id int64) bool {
	if id == 0 {
		return false
	}
	if _, ok := r.seen[id]; ok {
		return true
	}
	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
	for len(r.seen) > r.limit && len(r.order) > 0 {
		delete(r.seen, r.order[0])
		r.order = r.order[1:]
	}
	return false
}
