package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peerType declares a component that fires once, in sync with its peer,
// exporting e.
func peerType() (*Type, *State) {
	typ := NewType("Peer").Link("peer", "Peer", false)
	done := typ.State("Done")
	typ.Transition(&Transition{
		Name:   "fire",
		Dest:   done,
		Syncs:  []Sync{{Link: "peer", Event: "e"}},
		Events: []Event{{Name: "e"}},
	})
	return typ, done
}

func TestSync_CyclicRingsSettle(t *testing.T) {
	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("ring=%d", n), func(t *testing.T) {
			typ, done := peerType()
			rec := NewRecorder()
			w := newTestWorld(t, WithHooks(rec))

			comps := make([]*Component, n)
			for i := range comps {
				comps[i] = mustCreate(t, w, typ, fmt.Sprintf("p%d", i))
			}
			for i, c := range comps {
				require.NoError(t, c.SetLink("peer", comps[(i+1)%n]))
			}

			step(t, w, 0)

			for _, c := range comps {
				assert.Equal(t, done, c.State(), c.Name())
				trs := transitionsOf(rec, c.Name())
				require.Len(t, trs, 1)
				assert.Equal(t, int64(1), trs[0].Microstep, "all peers fire in the first microstep")
			}
		})
	}
}

func TestSync_PartnerNeverExports(t *testing.T) {
	silent := NewType("Silent")
	waiter := NewType("Waiter").Link("other", "", false)
	waiter.Transition(&Transition{
		Name:  "wait",
		Dest:  waiter.State("Done"),
		Syncs: []Sync{{Link: "other", Event: "e"}},
	})

	w := newTestWorld(t)
	s := mustCreate(t, w, silent, "s")
	c := mustCreate(t, w, waiter, "w")
	require.NoError(t, c.SetLink("other", s))

	step(t, w, 10)
	assert.Equal(t, Enter, c.State())
}

func TestSync_NilLinkDoesNotFire(t *testing.T) {
	typ, _ := peerType()
	w := newTestWorld(t)
	c := mustCreate(t, w, typ, "lonely")

	step(t, w, 3)
	assert.Equal(t, Enter, c.State())
}

func TestSync_WrongEventDoesNotFire(t *testing.T) {
	emitter := NewType("Emitter")
	emitter.Transition(&Transition{
		Name:   "emit",
		Dest:   emitter.State("Done"),
		Events: []Event{{Name: "other"}},
	})
	waiter := NewType("Waiter").Link("em", "Emitter", false)
	waiter.Transition(&Transition{
		Name:  "wait",
		Dest:  waiter.State("Done"),
		Syncs: []Sync{{Link: "em", Event: "e"}},
	})

	w := newTestWorld(t)
	em := mustCreate(t, w, emitter, "em")
	c := mustCreate(t, w, waiter, "w")
	require.NoError(t, c.SetLink("em", em))

	step(t, w, 1)
	assert.Equal(t, "Done", em.State().Name())
	assert.Equal(t, Enter, c.State())
}

func TestSync_ActionSeesPartnerBeforeSwitch(t *testing.T) {
	emitter := NewType("Emitter")
	emitter.Transition(&Transition{
		Name: "emit",
		Dest: emitter.State("Done"),
		Events: []Event{{Name: "e", Value: func(*Component) (any, error) {
			return 42.0, nil
		}}},
	})

	var partnerState string
	var eventValue any
	waiter := NewType("Waiter").Link("em", "Emitter", false)
	waiter.Transition(&Transition{
		Name:  "wait",
		Dest:  waiter.State("Done"),
		Syncs: []Sync{{Link: "em", Event: "e"}},
		Actions: []Action{func(c *Component) error {
			em, err := c.Link("em")
			if err != nil {
				return err
			}
			partnerState = em.State().Name()
			eventValue, _ = em.Event("e")
			return nil
		}},
	})

	// The waiter is created first so it is scanned before its partner.
	w := newTestWorld(t)
	c := mustCreate(t, w, waiter, "w")
	em := mustCreate(t, w, emitter, "em")
	require.NoError(t, c.SetLink("em", em))

	step(t, w, 0)
	assert.Equal(t, "Done", c.State().Name())
	assert.Equal(t, "Enter", partnerState)
	assert.Equal(t, 42.0, eventValue)

	_, exported := em.Event("e")
	assert.False(t, exported, "events are cleared when the discrete update ends")
}

func TestSync_PriorityFallback(t *testing.T) {
	silent := NewType("Silent")
	typ := NewType("Chooser").Link("other", "", false)
	t1, t2 := typ.State("T1"), typ.State("T2")
	typ.Transition(&Transition{
		Name:  "t1",
		Dest:  t1,
		Syncs: []Sync{{Link: "other", Event: "e"}},
	}).Transition(&Transition{
		Name: "t2",
		Dest: t2,
	})

	for i := 0; i < 3; i++ {
		w := newTestWorld(t)
		s := mustCreate(t, w, silent, "s")
		c := mustCreate(t, w, typ, "c")
		require.NoError(t, c.SetLink("other", s))

		step(t, w, 0)
		assert.Equal(t, t2, c.State())
	}
}

func TestSync_RetryResumesAfterFailedCandidate(t *testing.T) {
	emitter := NewType("Emitter")
	emitter.Transition(&Transition{
		Name:   "emit",
		Dest:   emitter.State("Done"),
		Events: []Event{{Name: "go"}},
	})

	typ := NewType("Chooser").Link("silent", "", false).Link("em", "", false)
	typ.Transition(&Transition{
		Name:  "first",
		Dest:  typ.State("First"),
		Syncs: []Sync{{Link: "silent", Event: "go"}},
	}).Transition(&Transition{
		Name:  "second",
		Dest:  typ.State("Second"),
		Syncs: []Sync{{Link: "em", Event: "go"}},
	}).Transition(&Transition{
		Name: "third",
		Dest: typ.State("Third"),
	})

	w := newTestWorld(t)
	s := mustCreate(t, w, NewType("Silent"), "s")
	em := mustCreate(t, w, emitter, "em")
	c := mustCreate(t, w, typ, "c")
	require.NoError(t, c.SetLink("silent", s))
	require.NoError(t, c.SetLink("em", em))

	step(t, w, 0)
	assert.Equal(t, "Second", c.State().Name())
}

func TestSync_AbortPropagatesToDependents(t *testing.T) {
	// b prefers a transition that syncs with a silent component and exports
	// e; a prefers syncing with b on e. Once b falls back, a must too.
	silent := NewType("Silent")

	bt := NewType("B").Link("x", "", false)
	bt.Transition(&Transition{
		Name:   "b1",
		Dest:   bt.State("B1"),
		Syncs:  []Sync{{Link: "x", Event: "never"}},
		Events: []Event{{Name: "e"}},
	}).Transition(&Transition{Name: "b2", Dest: bt.State("B2")})

	at := NewType("A").Link("b", "B", false)
	at.Transition(&Transition{
		Name:  "a1",
		Dest:  at.State("A1"),
		Syncs: []Sync{{Link: "b", Event: "e"}},
	}).Transition(&Transition{Name: "a2", Dest: at.State("A2")})

	w := newTestWorld(t)
	a := mustCreate(t, w, at, "a")
	b := mustCreate(t, w, bt, "b")
	x := mustCreate(t, w, silent, "x")
	require.NoError(t, a.SetLink("b", b))
	require.NoError(t, b.SetLink("x", x))

	step(t, w, 0)
	assert.Equal(t, "A2", a.State().Name())
	assert.Equal(t, "B2", b.State().Name())
}

func TestEvents_VisibleInNextMicrostep(t *testing.T) {
	src := NewType("Src")
	src.Transition(&Transition{
		Name: "tick",
		Dest: src.State("Done"),
		Events: []Event{{Name: "tick", Value: func(*Component) (any, error) {
			return "hello", nil
		}}},
	})

	var seen any
	dst := NewType("Dst").Link("src", "Src", false)
	dst.Transition(&Transition{
		Name:   "saw",
		Dest:   dst.State("Saw"),
		Guards: []Guard{OnEvent("src", "tick")},
		Actions: []Action{func(c *Component) error {
			other, err := c.Link("src")
			if err != nil {
				return err
			}
			seen, _ = other.Event("tick")
			return nil
		}},
	})

	rec := NewRecorder()
	w := newTestWorld(t, WithHooks(rec))
	s := mustCreate(t, w, src, "src")
	d := mustCreate(t, w, dst, "dst")
	require.NoError(t, d.SetLink("src", s))

	step(t, w, 0)
	assert.Equal(t, "Saw", d.State().Name())
	assert.Equal(t, "hello", seen)

	trs := transitionsOf(rec, "dst")
	require.Len(t, trs, 1)
	assert.Equal(t, int64(2), trs[0].Microstep)
}

func TestResets_ParallelAssignment(t *testing.T) {
	typ := NewType("Swap").
		Continuous("x", Piecewise, 1).
		Continuous("y", Piecewise, 2).
		Constant("k", Piecewise, 3)
	typ.Transition(&Transition{
		Name: "swap",
		Dest: typ.State("Done"),
		Resets: []Reset{
			{Var: "x", Value: get("y")},
			{Var: "y", Value: get("x")},
		},
		ConstResets: []Reset{{Var: "k", Value: get("x")}},
	})

	rec := NewRecorder()
	w := newTestWorld(t, WithHooks(rec))
	c := mustCreate(t, w, typ, "s")
	step(t, w, 0)

	assert.Equal(t, 2.0, c.MustGet("x"))
	assert.Equal(t, 1.0, c.MustGet("y"))
	assert.Equal(t, 1.0, c.MustGet("k"), "constant resets read pre-microstep values too")

	var resets []string
	for _, ev := range rec.Events() {
		if ev.Kind == TraceReset {
			resets = append(resets, ev.Var)
		}
	}
	assert.Equal(t, []string{"x", "y", "k"}, resets)
}

func TestResets_ActionsBeforeApplyPostsAfter(t *testing.T) {
	var inAction, inPost float64
	typ := NewType("Order").Continuous("x", Piecewise, 1)
	typ.Transition(&Transition{
		Name:   "bump",
		Dest:   typ.State("Done"),
		Resets: []Reset{{Var: "x", Value: Literal(5)}},
		Actions: []Action{func(c *Component) error {
			inAction = c.MustGet("x")
			return nil
		}},
		Posts: []Action{func(c *Component) error {
			inPost = c.MustGet("x")
			return nil
		}},
	})

	w := newTestWorld(t)
	mustCreate(t, w, typ, "o")
	step(t, w, 0)

	assert.Equal(t, 1.0, inAction)
	assert.Equal(t, 5.0, inPost)
}

func TestResets_AlgebraicTargetFails(t *testing.T) {
	typ := NewType("Alg").
		Continuous("x", Piecewise, 0).
		Flow(nil, Algebraic("x", Literal(1)))
	typ.Transition(&Transition{
		Name:   "bad",
		Dest:   typ.State("Done"),
		Resets: []Reset{{Var: "x", Value: Literal(2)}},
	})

	w := newTestWorld(t)
	mustCreate(t, w, typ, "a")

	err := w.Step(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, IsAlgebraicAssignmentError(err))
}

func TestResets_LinkAndConnect(t *testing.T) {
	src := NewType("Src").Continuous("x", Piecewise, 7)
	typ := NewType("Rewire").Link("to", "Src", false).Input("in", false)
	typ.Transition(&Transition{
		Name: "rewire",
		Dest: typ.State("Done"),
		LinkResets: []LinkReset{{Link: "to", Target: func(c *Component) (*Component, error) {
			return c.World().Component("src"), nil
		}}},
		Connects: []Connect{{Input: "in", Source: func(c *Component) (PortRef, error) {
			return PortRef{Component: c.World().Component("src"), Name: "x"}, nil
		}}},
	})

	w := newTestWorld(t)
	s := mustCreate(t, w, src, "src")
	c := mustCreate(t, w, typ, "r")
	step(t, w, 0)

	got, err := c.Link("to")
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, 7.0, c.MustGet("in"))
}

func TestStrictness_ResetOfStrictVariableRejected(t *testing.T) {
	typ := NewType("Strict").Continuous("x", Strict, 1)
	typ.Transition(&Transition{
		Name:   "same",
		Dest:   typ.State("Done"),
		Resets: []Reset{{Var: "x", Value: Literal(1)}},
	})

	w := newTestWorld(t)
	_, err := w.Create(typ)
	require.Error(t, err)
	assert.True(t, IsStrictnessError(err), "the declaration is checked, not the value")
}

func TestStrictness_ActionWriteRejected(t *testing.T) {
	typ := NewType("Strict").Continuous("x", Strict, 1)
	typ.Transition(&Transition{
		Name: "poke",
		Dest: typ.State("Done"),
		Actions: []Action{func(c *Component) error {
			return c.Set("x", 2)
		}},
	})

	w := newTestWorld(t)
	mustCreate(t, w, typ, "s")
	err := w.Step(context.Background(), 0)
	assert.True(t, IsStrictnessError(err))
}

func TestStrictness_HiddenDependencyDetected(t *testing.T) {
	typ := NewType("Leaky").
		Continuous("p", Piecewise, 0).
		Continuous("s", Strict, 0)
	next := typ.State("Next")
	typ.Flow([]*State{Enter, next}, Algebraic("s", get("p")).WithText("p"))
	typ.Transition(&Transition{
		Name: "watch",
		Dest: typ.State("Never"),
		Guards: []Guard{WhenStrict(func(c *Component) (bool, error) {
			s, err := c.Get("s")
			return s > 100, err
		})},
	}).Transition(&Transition{
		Name:   "leak",
		Dest:   next,
		Resets: []Reset{{Var: "p", Value: Literal(5)}},
	})

	w := newTestWorld(t)
	mustCreate(t, w, typ, "l")

	err := w.Step(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, IsStrictnessError(err))

	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "s", re.Variable)
	assert.Equal(t, "p", re.Formula)
}

func TestStrictSleep_GuardEvaluatedOncePerUpdate(t *testing.T) {
	ticker := NewType("Ticker")
	a, b, c := ticker.State("A"), ticker.State("B"), ticker.State("C")
	ticker.Transition(&Transition{Dest: a}).
		Transition(&Transition{Dest: b}, a).
		Transition(&Transition{Dest: c}, b)

	sleeper := NewType("Sleeper").Continuous("x", Strict, 0)
	sleeper.Transition(&Transition{
		Name:   "wake",
		Dest:   sleeper.State("Awake"),
		Guards: []Guard{WhenStrict(never)},
	})

	rec := &Recorder{Guards: true}
	w := newTestWorld(t, WithHooks(rec))
	mustCreate(t, w, ticker, "ticker")
	mustCreate(t, w, sleeper, "sleeper")
	step(t, w, 0)

	count := 0
	for _, ev := range rec.Events() {
		if ev.Kind == TraceGuard && ev.Component == "sleeper" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Len(t, transitionsOf(rec, "ticker"), 3)
}

func TestZeno_ErrorAfterLimit(t *testing.T) {
	fired := 0
	typ := NewType("Loop")
	typ.Transition(&Transition{
		Name: "spin",
		Actions: []Action{func(*Component) error {
			fired++
			return nil
		}},
	})

	w := newTestWorld(t, WithZenoLimit(10))
	mustCreate(t, w, typ, "z")

	err := w.Step(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, IsZenoError(err))

	ze, ok := AsZenoError(err)
	require.True(t, ok)
	assert.Equal(t, 11, ze.Steps)
	assert.Equal(t, 10, ze.Limit)
	assert.Equal(t, 10, fired)
	assert.Equal(t, int64(10), w.DiscreteStep())
}

func TestZeno_RefusedMicrostepLeavesNoTrace(t *testing.T) {
	fired := 0
	typ := NewType("Loop")
	typ.Transition(&Transition{
		Name: "spin",
		Actions: []Action{func(*Component) error {
			fired++
			return nil
		}},
	})

	rec := NewRecorder()
	w := newTestWorld(t, WithZenoLimit(3), WithHooks(rec))
	mustCreate(t, w, typ, "z")

	err := w.Step(context.Background(), 1)
	require.True(t, IsZenoError(err))
	assert.Contains(t, err.Error(), "4 microsteps > 3 limit")
	assert.Equal(t, 3, fired)
	assert.Len(t, transitionsOf(rec, "z"), 3)
}

func TestZeno_HandlerDecides(t *testing.T) {
	typ := NewType("Loop")
	typ.Transition(&Transition{Name: "spin"})

	stop := errors.New("enough")
	calls := 0
	w := newTestWorld(t,
		WithZenoLimit(5),
		WithZenoHandler(func(w *World, ze *ZenoError) error {
			calls++
			if calls == 3 {
				return stop
			}
			return nil
		}),
	)
	mustCreate(t, w, typ, "z")

	err := w.Step(context.Background(), 0)
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 3, calls)
	// Microsteps 6 and 7 were let through; 8 was refused.
	assert.Equal(t, int64(7), w.DiscreteStep())
}

func TestZeno_Unlimited(t *testing.T) {
	count := 0
	typ := NewType("Counter")
	done := typ.State("Done")
	typ.Transition(&Transition{
		Name: "count",
		Guards: []Guard{When(func(*Component) (bool, error) {
			return count < 500, nil
		})},
		Actions: []Action{func(*Component) error {
			count++
			return nil
		}},
	}).Transition(&Transition{Name: "done", Dest: done})

	w := newTestWorld(t, WithZenoLimit(ZenoUnlimited))
	c := mustCreate(t, w, typ, "c")

	step(t, w, 0)
	assert.Equal(t, 500, count)
	assert.Equal(t, done, c.State())
}

func TestExit_RemovesComponent(t *testing.T) {
	mortal := NewType("Mortal").Continuous("x", Piecewise, 3)
	mortal.Transition(&Transition{
		Name: "die",
		Dest: Exit,
		Guards: []Guard{When(func(c *Component) (bool, error) {
			return c.World().Clock() >= 0.2-1e-9, nil
		})},
	})
	watcher := NewType("Watcher").Link("m", "Mortal", false)

	w := newTestWorld(t)
	m := mustCreate(t, w, mortal, "m")
	wc := mustCreate(t, w, watcher, "w")
	require.NoError(t, wc.SetLink("m", m))

	step(t, w, 1)
	assert.True(t, m.Alive())

	step(t, w, 1)
	assert.False(t, m.Alive())
	assert.Nil(t, m.World())
	assert.Equal(t, Exit, m.State())
	assert.Nil(t, w.Component("m"))
	assert.Equal(t, 1, w.Size())

	// Exited components stay readable for inspection.
	assert.Equal(t, 3.0, m.MustGet("x"))

	_, err := wc.LinkGet(wc.Type().LinkIndex("m"), "x")
	assert.True(t, IsNilLinkError(err))
}

func TestActions_CreateComponents(t *testing.T) {
	child := NewType("Child")
	parent := NewType("Parent")
	parent.Transition(&Transition{
		Name: "spawn",
		Dest: parent.State("Done"),
		Actions: []Action{func(c *Component) error {
			_, err := c.World().Create(child)
			return err
		}},
	})

	w := newTestWorld(t)
	mustCreate(t, w, parent, "p")
	step(t, w, 0)

	require.Equal(t, 2, w.Size())
	assert.NotNil(t, w.Component("Child1"))
}

func TestSetDest_RetargetsFromAction(t *testing.T) {
	typ := NewType("Retarget")
	s := typ.State("S")
	typ.Transition(&Transition{
		Name: "leave",
		Dest: Exit,
		Actions: []Action{func(c *Component) error {
			return c.SetDest(s)
		}},
	})
	typ.Transition(&Transition{Name: "finally", Dest: Exit}, s)

	rec := NewRecorder()
	w := newTestWorld(t, WithHooks(rec))
	c := mustCreate(t, w, typ, "r")
	step(t, w, 0)

	got := transitionsOf(rec, "r")
	require.Len(t, got, 2)
	assert.Equal(t, "leave", got[0].Transition)
	assert.Equal(t, "Enter", got[0].From)
	assert.Equal(t, "S", got[0].To)
	assert.Equal(t, "finally", got[1].Transition)
	assert.Equal(t, "S", got[1].From)
	assert.Equal(t, "Exit", got[1].To)
	assert.False(t, c.Alive())
}

func TestSetDest_FromPost(t *testing.T) {
	typ := NewType("Late")
	a, b := typ.State("A"), typ.State("B")
	typ.Transition(&Transition{
		Name: "go",
		Dest: a,
		Posts: []Action{func(c *Component) error {
			return c.SetDest(b)
		}},
	})

	w := newTestWorld(t)
	c := mustCreate(t, w, typ, "l")
	step(t, w, 0)

	assert.Equal(t, b, c.State())
}

func TestSetDest_Rejected(t *testing.T) {
	other := NewType("Other")
	foreign := other.State("S")

	var fromGuard, fromForeign, fromNil error
	typ := NewType("Strict")
	done := typ.State("Done")
	typ.Transition(&Transition{
		Name: "go",
		Dest: done,
		Guards: []Guard{When(func(c *Component) (bool, error) {
			fromGuard = c.SetDest(done)
			return true, nil
		})},
		Actions: []Action{func(c *Component) error {
			fromForeign = c.SetDest(foreign)
			fromNil = c.SetDest(nil)
			return nil
		}},
	})

	w := newTestWorld(t)
	c := mustCreate(t, w, typ, "s")
	step(t, w, 0)

	for _, err := range []error{fromGuard, fromForeign, fromNil} {
		var re *RuntimeError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, ErrCodeTransition, re.Code)
	}
	assert.Contains(t, fromForeign.Error(), "not a state of Strict")
	assert.Equal(t, done, c.State())

	// Between steps there is no transition to retarget.
	assert.Error(t, c.SetDest(done))
}

func TestGuards_NonStrictErrorsPropagate(t *testing.T) {
	typ := NewType("Reader").Input("in", false)
	typ.Transition(&Transition{
		Name: "read",
		Dest: typ.State("Done"),
		Guards: []Guard{When(func(c *Component) (bool, error) {
			v, err := c.Get("in")
			return v > 0, err
		})},
	})

	w := newTestWorld(t)
	mustCreate(t, w, typ, "r")
	err := w.Step(context.Background(), 0)
	assert.True(t, IsUnconnectedInputError(err))
}
