package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inboxOwner(t *testing.T) (*World, *Queue) {
	t.Helper()
	typ := NewType("Mailbox").Queue("inbox")
	w := newTestWorld(t)
	c := mustCreate(t, w, typ, "m")
	return w, c.Queue("inbox")
}

func equals(want any) func(any) bool {
	return func(msg any) bool { return msg == want }
}

func TestQueue_SimultaneousPushesMerge(t *testing.T) {
	_, q := inboxOwner(t)

	q.Push("a")
	q.Push("b")
	q.Push("c")
	assert.Equal(t, 1, q.Len())

	assert.True(t, q.HeadMatches(equals("b")))
	assert.False(t, q.HeadMatches(equals("z")))
	assert.False(t, q.HeadMatches(equals("b"), equals("c")), "one message must satisfy every condition")

	msg, err := q.Pop()
	require.NoError(t, err)
	se, ok := msg.(SimultaneousEntries)
	require.True(t, ok)
	assert.Equal(t, SimultaneousEntries{"a", "b", "c"}, se)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_PushesAtDifferentInstants(t *testing.T) {
	w, q := inboxOwner(t)

	q.Push("a")
	step(t, w, 1)
	q.Push("b")

	require.Equal(t, 2, q.Len())
	first, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, "a", first)
	assert.Equal(t, []any{"b"}, q.Entries())
}

func TestQueue_PopEmpty(t *testing.T) {
	_, q := inboxOwner(t)

	_, err := q.Pop()
	require.Error(t, err)
	assert.True(t, IsQueueEmptyError(err))
	assert.False(t, q.HeadMatches())
}

func TestQueue_Unpop(t *testing.T) {
	_, q := inboxOwner(t)

	q.Unpop(SimultaneousEntries{})
	assert.Equal(t, 0, q.Len(), "empty batches are dropped")

	q.Unpop(SimultaneousEntries{"only"})
	head, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, "only", head, "single-message batches are unwrapped")

	q.Unpop(SimultaneousEntries{"x", "y"})
	head, err = q.Pop()
	require.NoError(t, err)
	assert.Equal(t, SimultaneousEntries{"x", "y"}, head)
}

func TestQueue_PushAfterUnpopKeepsCallerBatch(t *testing.T) {
	_, q := inboxOwner(t)

	q.Push("a")
	_, err := q.Pop()
	require.NoError(t, err)

	batch := make(SimultaneousEntries, 2, 4)
	batch[0], batch[1] = "x", "y"
	q.Unpop(batch)
	q.Push("z")

	assert.Equal(t, []any{SimultaneousEntries{"x", "y", "z"}}, q.Entries())
	assert.Equal(t, SimultaneousEntries{"x", "y"}, batch)
	assert.Nil(t, batch[:3][2], "spare capacity of the caller's batch is untouched")
}

func TestQueue_WaitGuardSleepsUntilPush(t *testing.T) {
	var got []any
	typ := NewType("Consumer").Queue("inbox")
	typ.Transition(&Transition{
		Name:   "take",
		Guards: []Guard{Wait("inbox")},
		Actions: []Action{func(c *Component) error {
			msg, err := c.Queue("inbox").Pop()
			if err != nil {
				return err
			}
			got = append(got, msg)
			return nil
		}},
	})

	w := newTestWorld(t)
	c := mustCreate(t, w, typ, "c")

	c.Queue("inbox").Push("m1")
	step(t, w, 0)
	assert.Equal(t, []any{"m1"}, got)
	assert.Equal(t, queueSleep, c.sleep)

	c.Queue("inbox").Push("m2")
	assert.Equal(t, awake, c.sleep)
	step(t, w, 1)
	assert.Equal(t, []any{"m1", "m2"}, got)
}

func TestQueue_PushInActionWakesConsumer(t *testing.T) {
	var got []any
	consumer := NewType("Consumer").Queue("inbox")
	consumer.Transition(&Transition{
		Name:   "take",
		Guards: []Guard{Wait("inbox")},
		Actions: []Action{func(c *Component) error {
			msg, err := c.Queue("inbox").Pop()
			got = append(got, msg)
			return err
		}},
	})
	producer := NewType("Producer").Link("to", "Consumer", false)
	producer.Transition(&Transition{
		Name: "send",
		Dest: producer.State("Done"),
		Actions: []Action{func(c *Component) error {
			to, err := c.Link("to")
			if err != nil {
				return err
			}
			to.Queue("inbox").Push(Message{"kind": "hello"})
			return nil
		}},
	})

	w := newTestWorld(t)
	c := mustCreate(t, w, consumer, "c")
	p := mustCreate(t, w, producer, "p")
	require.NoError(t, p.SetLink("to", c))

	step(t, w, 0)
	assert.Equal(t, []any{Message{"kind": "hello"}}, got)
}

func TestQueue_MatchGuard(t *testing.T) {
	typ := NewType("Listener").Queue("inbox")
	stopped := typ.State("Stopped")
	typ.Transition(&Transition{
		Name:   "stop",
		Dest:   stopped,
		Guards: []Guard{Match("inbox", FieldEquals("kind", "stop"))},
	})

	w := newTestWorld(t)
	c := mustCreate(t, w, typ, "l")
	q := c.Queue("inbox")

	q.Push(Message{"kind": "go"})
	step(t, w, 1)
	assert.Equal(t, Enter, c.State())

	_, err := q.Pop()
	require.NoError(t, err)
	q.Push(Message{"kind": "go"})
	q.Push(Message{"kind": "stop"})
	step(t, w, 1)
	assert.Equal(t, stopped, c.State())
}
