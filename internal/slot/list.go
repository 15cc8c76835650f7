// Package slot implements the shared request arena: a fixed-size array of
// slots indexed by int, with three doubly-linked index lists (free, pending,
// busy) threaded through a single links array — blocked is a status tag on
// pending-list members, not a list of its own. This is the "arena-of-indices"
// technique in place of unsafe intrusive pointers, generalizing the
// teacher's queue.TagState slot bookkeeping (which tracked a single status
// byte per tag with no list structure) into the list-based state machine
// the ordering gate and cancellation need.
package slot

const nilIndex = -1

// link holds one slot's intrusive prev/next indices within whichever list it
// currently belongs to. A slot is a member of exactly one list at a time, so
// a single link per slot suffices for all three lists.
type link struct {
	prev, next int
}

// list is an index-based doubly linked list over a links array shared by an
// Arena's three lists.
type list struct {
	head, tail int
	size       int
}

func newList() list { return list{head: nilIndex, tail: nilIndex} }

func (l *list) pushBack(links []link, idx int) {
	links[idx] = link{prev: l.tail, next: nilIndex}
	if l.tail != nilIndex {
		links[l.tail].next = idx
	} else {
		l.head = idx
	}
	l.tail = idx
	l.size++
}

func (l *list) pushFront(links []link, idx int) {
	links[idx] = link{prev: nilIndex, next: l.head}
	if l.head != nilIndex {
		links[l.head].prev = idx
	} else {
		l.tail = idx
	}
	l.head = idx
	l.size++
}

func (l *list) popFront(links []link) (int, bool) {
	if l.head == nilIndex {
		return nilIndex, false
	}
	idx := l.head
	l.remove(links, idx)
	return idx, true
}

func (l *list) remove(links []link, idx int) {
	ln := links[idx]
	if ln.prev != nilIndex {
		links[ln.prev].next = ln.next
	} else {
		l.head = ln.next
	}
	if ln.next != nilIndex {
		links[ln.next].prev = ln.prev
	} else {
		l.tail = ln.prev
	}
	links[idx] = link{prev: nilIndex, next: nilIndex}
	l.size--
}

// each calls fn for every index currently on the list, front to back,
// stopping early if fn returns false. fn may not mutate list membership of
// idx beyond what's already happened; removal of idx itself mid-iteration is
// safe since the next link is captured before fn runs.
func (l *list) each(links []link, fn func(idx int) bool) {
	for idx := l.head; idx != nilIndex; {
		next := links[idx].next
		if !fn(idx) {
			return
		}
		idx = next
	}
}
