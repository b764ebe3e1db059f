package engine

// Predicate is a compiled boolean guard expression.
type Predicate func(c *Component) (bool, error)

// GuardKind selects how a guard is evaluated.
type GuardKind uint8

const (
	// GuardPredicate evaluates a compiled boolean expression.
	GuardPredicate GuardKind = iota + 1
	// GuardWait holds while a queue is non-empty.
	GuardWait
	// GuardMatch holds while some entry at the head of a queue matches every
	// condition.
	GuardMatch
	// GuardEvent holds while a linked component exports an event.
	GuardEvent
)

// Guard is one condition of a transition. All guards of a transition must
// hold for it to fire.
type Guard struct {
	Kind GuardKind

	Pred Predicate
	// Strict marks a predicate that reads only strict values through no
	// links, so its truth cannot change during a discrete update.
	Strict bool

	Queue string
	Match []func(any) bool

	Link  string
	Event string

	Text string
}

// When guards on a predicate.
func When(p Predicate) Guard {
	return Guard{Kind: GuardPredicate, Pred: p}
}

// WhenStrict guards on a predicate that depends only on strict values.
func WhenStrict(p Predicate) Guard {
	return Guard{Kind: GuardPredicate, Pred: p, Strict: true}
}

// Wait guards on a queue having at least one entry.
func Wait(queue string) Guard {
	return Guard{Kind: GuardWait, Queue: queue}
}

// Match guards on some entry at the head of a queue satisfying all conds.
func Match(queue string, conds ...func(any) bool) Guard {
	return Guard{Kind: GuardMatch, Queue: queue, Match: conds}
}

// OnEvent guards on the linked component exporting event.
func OnEvent(link, event string) Guard {
	return Guard{Kind: GuardEvent, Link: link, Event: event}
}

type guardRef struct {
	g     Guard
	queue int
	link  int
}

func (t *Type) compileGuard(g Guard) (guardRef, error) {
	ref := guardRef{g: g, queue: -1, link: -1}
	switch g.Kind {
	case GuardPredicate:
		if g.Pred == nil {
			return ref, newTypeError(t.name, "", "predicate guard without predicate")
		}
	case GuardWait, GuardMatch:
		ref.queue = t.QueueIndex(g.Queue)
		if ref.queue < 0 {
			return ref, newTypeError(t.name, g.Queue, "guard on undeclared queue")
		}
	case GuardEvent:
		ref.link = t.LinkIndex(g.Link)
		if ref.link < 0 {
			return ref, newTypeError(t.name, g.Link, "event guard on undeclared link")
		}
	default:
		return ref, newTypeError(t.name, "", "unknown guard kind")
	}
	return ref, nil
}

// evalGuard evaluates one guard against pre-microstep values.
func (c *Component) evalGuard(ref *guardRef) (bool, error) {
	switch ref.g.Kind {
	case GuardPredicate:
		return ref.g.Pred(c)
	case GuardWait:
		return c.queues[ref.queue].Len() > 0, nil
	case GuardMatch:
		return c.queues[ref.queue].HeadMatches(ref.g.Match...), nil
	case GuardEvent:
		partner := c.linked(ref.link)
		if partner == nil {
			return false, nil
		}
		_, ok := partner.Event(ref.g.Event)
		return ok, nil
	}
	return false, nil
}

// waitsOnEmptyQueue reports whether some guard of e waits on an empty queue,
// so that e cannot fire until something is pushed.
func (c *Component) waitsOnEmptyQueue(e *edge) bool {
	for i := range e.guards {
		ref := &e.guards[i]
		if ref.queue >= 0 && c.queues[ref.queue].Len() == 0 {
			return true
		}
	}
	return false
}
