package stream

// dedupCapacity bounds the number of retained event keys. When the ring
// overflows, the oldest half is evicted in one sweep.
const dedupCapacity = 200

// dedupRing remembers recently seen composite event keys with bounded
// memory. Not safe for concurrent use; the normalizer serializes access.
type dedupRing struct {
	keys  map[string]struct{}
	order []string
	cap   int
}

func newDedupRing(capacity int) *dedupRing {
	return &dedupRing{
		keys: make(map[string]struct{}, capacity),
		cap:  capacity,
	}
}

// seen marks key and reports whether it was already present.
func (r *dedupRing) seen(key string) bool {
	if _, ok := r.keys[key]; ok {
		return true
	}
	r.keys[key] = struct{}{}
	r.order = append(r.order, key)
	if len(r.order) > r.cap {
		half := r.order[:len(r.order)/2]
		for _, k := range half {
			delete(r.keys, k)
		}
		r.order = append([]string(nil), r.order[len(r.order)/2:]...)
	}
	return false
}

// len reports how many keys are currently retained.
func (r *dedupRing) len() int {
	return len(r.order)
}
