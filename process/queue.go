package process

// eventQueue is the FIFO of pending events of one run. Events are ordered by
// their sequence number, which the run assigns monotonically at enqueue
// time, so dispatch order equals enqueue order for a given process and
// input.
type eventQueue struct {
	items []pendingEvent
	head  int
	seq   uint64
}

// push appends ev and stamps it with the next sequence number.
func (q *eventQueue) push(ev pendingEvent) {
	q.seq++
	ev.seq = q.seq
	q.items = append(q.items, ev)
}

// pop removes the oldest pending event.
func (q *eventQueue) pop() (pendingEvent, bool) {
	if q.head >= len(q.items) {
		return pendingEvent{}, false
	}
	ev := q.items[q.head]
	q.items[q.head] = pendingEvent{}
	q.head++

	// Reclaim the consumed prefix once it dominates the slice.
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return ev, true
}

// Len returns the number of pending events.
func (q *eventQueue) Len() int {
	return len(q.items) - q.head
}

// clear drops every pending event.
func (q *eventQueue) clear() {
	q.items = nil
	q.head = 0
}
