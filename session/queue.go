package session

// request is the C4 read-request pair (n, predicate). n is the exact
// number of decrypted bytes the predicate wants; predicate's boolean
// return controls retention at the queue head (spec.md §3).
type request struct {
	n         int
	predicate func([]byte) bool
}

// requestQueue is the ordered structure Q from spec.md §4.4: front is the
// next request to satisfy. Modeled as a plain slice; sessions rarely hold
// more than a handful of pending requests, so slice-shift costs are
// negligible next to the syscalls driving the loop.
type requestQueue struct {
	items []request
}

func (q *requestQueue) empty() bool { return len(q.items) == 0 }

func (q *requestQueue) front() (*request, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return &q.items[0], true
}

// pushBack enqueues an ordinary top-level read_until request behind any
// already-pending ones, preserving FIFO registration order (spec.md §8
// property 3 and scenario S2 require this; see DESIGN.md for why this
// differs from a literal reading of spec.md §4.4 step 5).
func (q *requestQueue) pushBack(r request) {
	q.items = append(q.items, r)
}

// pushFront inserts r ahead of everything currently queued. Used only by
// the nested-stack drain so a predicate's own nested reads run before any
// older top-level request (spec.md §4.4's "LIFO -> FIFO transfer").
func (q *requestQueue) pushFront(r request) {
	q.items = append(q.items, request{})
	copy(q.items[1:], q.items)
	q.items[0] = r
}

func (q *requestQueue) popFront() {
	if len(q.items) == 0 {
		return
	}
	q.items = q.items[1:]
}

// nestedStack is S from spec.md §4.4: a LIFO collecting reads issued
// while in_callback is true. drainInto pops items most-recently-pushed
// first and pushes each onto the front of dst, which — because each
// pushFront displaces the previous one — reconstructs the original push
// order at the very front of dst (the "LIFO -> FIFO transfer").
type nestedStack struct {
	items []request
}

func (s *nestedStack) push(r request) {
	s.items = append(s.items, r)
}

func (s *nestedStack) drainInto(dst *requestQueue) {
	for i := len(s.items) - 1; i >= 0; i-- {
		dst.pushFront(s.items[i])
	}
	s.items = s.items[:0]
}
