package engine

import "slices"

// SimultaneousEntries groups messages pushed to a queue at the same clock
// and discrete step. Consumers receive it as a single queue entry.
type SimultaneousEntries []any

// Queue is a component's FIFO of opaque messages.
//
// Messages pushed at the same simulated instant and discrete step are merged
// into one SimultaneousEntries entry. A push to an empty queue wakes its
// component if it was parked waiting on queues.
type Queue struct {
	owner   *Component
	name    string
	entries []any

	stamped bool
	clock   float64
	step    int64
}

func newQueue(owner *Component, name string) *Queue {
	return &Queue{owner: owner, name: name}
}

// Name returns the queue's declared name.
func (q *Queue) Name() string { return q.name }

// Component returns the queue's owner.
func (q *Queue) Component() *Component { return q.owner }

// Len returns the number of entries. A SimultaneousEntries counts once.
func (q *Queue) Len() int { return len(q.entries) }

// Push appends msg to the queue.
func (q *Queue) Push(msg any) {
	clock, step := q.now()
	if q.stamped && clock == q.clock && step == q.step && len(q.entries) > 0 {
		last := len(q.entries) - 1
		switch head := q.entries[last].(type) {
		case SimultaneousEntries:
			q.entries[last] = append(slices.Clip(head), msg)
		default:
			q.entries[last] = SimultaneousEntries{head, msg}
		}
		return
	}

	wasEmpty := len(q.entries) == 0
	q.stamped = true
	q.clock, q.step = clock, step
	q.entries = append(q.entries, msg)
	if wasEmpty {
		q.owner.queueReady()
	}
}

// Pop removes and returns the head entry, which may be a
// SimultaneousEntries.
func (q *Queue) Pop() (any, error) {
	if len(q.entries) == 0 {
		return nil, q.owner.newError(ErrCodeQueueEmpty, q.name, "pop from empty queue")
	}
	msg := q.entries[0]

	// Nil out the slot so the backing array does not retain the message.
	q.entries[0] = nil
	if len(q.entries) == 1 {
		q.entries = q.entries[:0]
	} else {
		q.entries = q.entries[1:]
	}
	return msg, nil
}

// Unpop puts msg back at the head of the queue. An empty SimultaneousEntries
// is dropped and a single-element one is unwrapped.
func (q *Queue) Unpop(msg any) {
	if se, ok := msg.(SimultaneousEntries); ok {
		switch len(se) {
		case 0:
			return
		case 1:
			msg = se[0]
		}
	}
	wasEmpty := len(q.entries) == 0
	q.entries = append([]any{msg}, q.entries...)
	if wasEmpty {
		q.owner.queueReady()
	}
}

// HeadMatches reports whether at least one message in the head entry
// satisfies every condition.
func (q *Queue) HeadMatches(conds ...func(any) bool) bool {
	if len(q.entries) == 0 {
		return false
	}
	if se, ok := q.entries[0].(SimultaneousEntries); ok {
		for _, msg := range se {
			if matchesAll(msg, conds) {
				return true
			}
		}
		return false
	}
	return matchesAll(q.entries[0], conds)
}

// Entries returns a copy of the queue contents, head first.
func (q *Queue) Entries() []any {
	return append([]any(nil), q.entries...)
}

func (q *Queue) now() (float64, int64) {
	if q.owner == nil || q.owner.world == nil {
		return 0, 0
	}
	w := q.owner.world
	return w.Clock(), w.discreteStep
}

func matchesAll(msg any, conds []func(any) bool) bool {
	for _, cond := range conds {
		if !cond(msg) {
			return false
		}
	}
	return true
}
