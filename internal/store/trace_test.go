package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/ir"
	"github.com/roach88/hybridsim/internal/queryir"
	"github.com/roach88/hybridsim/internal/testutil"
)

func recordBouncingBall(t *testing.T, steps int) (*engine.World, *engine.Recorder, string) {
	t.Helper()
	p := testutil.Program(t, "bouncing")
	rec := engine.NewRecorder()
	w := testutil.World(t, p, "bounce-run", engine.WithHooks(rec))
	require.NoError(t, w.Step(context.Background(), steps))
	return w, rec, p.Hash
}

func TestAppendAndReadTrace(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, rec, hash := recordBouncingBall(t, 300)
	events := rec.Events()
	require.NotEmpty(t, events)

	traceHash, err := s.AppendTrace(ctx, "bounce-run", hash, events)
	require.NoError(t, err)

	got, err := s.ReadTrace(ctx, "bounce-run")
	require.NoError(t, err)
	assert.Equal(t, events, got)

	want, err := ir.TraceHash(events)
	require.NoError(t, err)
	assert.Equal(t, want, traceHash)

	stored, err := s.TraceHash(ctx, "bounce-run")
	require.NoError(t, err)
	assert.Equal(t, traceHash, stored)
	assert.NoError(t, s.VerifyTrace(ctx, "bounce-run"))
}

func TestAppendTraceRenumbers(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	events := []engine.TraceEvent{
		{Seq: 1, Kind: engine.TraceTransition, Component: "a", Transition: "serve", From: "Serve", To: "Wait"},
		{Seq: 2, Kind: engine.TraceReset, Component: "a", Var: "hits", Value: 1.0},
	}

	first, err := s.AppendTrace(ctx, "r", "h", events)
	require.NoError(t, err)
	second, err := s.AppendTrace(ctx, "r", "h", events)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	got, err := s.ReadTrace(ctx, "r")
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Equal(t, "hits", got[3].Var)
	assert.Equal(t, 1.0, got[3].Value)
}

func TestTraceGuardEventsKeepEnabled(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	yes, no := true, false
	events := []engine.TraceEvent{
		{Seq: 1, Kind: engine.TraceGuard, Component: "a", Transition: "serve", From: "Serve", Enabled: &yes},
		{Seq: 2, Kind: engine.TraceGuard, Component: "a", Transition: "serve", From: "Serve", Enabled: &no},
		{Seq: 3, Kind: engine.TraceReset, Component: "a", Var: "partner", Value: "b"},
	}

	_, err := s.AppendTrace(ctx, "r", "h", events)
	require.NoError(t, err)
	got, err := s.ReadTrace(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, events, got)
}

func TestReadComponentTrace(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	events := []engine.TraceEvent{
		{Kind: engine.TraceBegin},
		{Kind: engine.TraceTransition, Component: "a", Transition: "serve"},
		{Kind: engine.TraceTransition, Component: "b", Transition: "receive"},
		{Kind: engine.TraceEnd},
	}
	_, err := s.AppendTrace(ctx, "r", "h", events)
	require.NoError(t, err)

	got, err := s.ReadComponentTrace(ctx, "r", "b")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "receive", got[0].Transition)
	assert.Equal(t, int64(3), got[0].Seq)
}

func TestQueryTrace(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	events := []engine.TraceEvent{
		{Kind: engine.TraceBegin, Clock: 0},
		{Kind: engine.TraceTransition, Component: "a", Transition: "serve", Clock: 1, Step: 4},
		{Kind: engine.TraceReset, Component: "a", Var: "hits", Value: 1.0, Clock: 1, Step: 4},
		{Kind: engine.TraceTransition, Component: "b", Transition: "receive", Clock: 1, Step: 4, Microstep: 1},
		{Kind: engine.TraceTransition, Component: "b", Transition: "serve", Clock: 2, Step: 8},
		{Kind: engine.TraceEnd, Clock: 2, Step: 8},
	}
	_, err := s.AppendTrace(ctx, "r", "h", events)
	require.NoError(t, err)
	_, err = s.AppendTrace(ctx, "other", "h", events)
	require.NoError(t, err)

	transitions := func(got []engine.TraceEvent) []string {
		var out []string
		for _, ev := range got {
			out = append(out, ev.Component+"."+ev.Transition)
		}
		return out
	}

	t.Run("kind and clock range", func(t *testing.T) {
		got, err := s.QueryTrace(ctx, "r", queryir.Select{Filter: queryir.And{Predicates: []queryir.Predicate{
			queryir.Equals{Field: queryir.FieldKind, Value: ir.IRString("transition")},
			queryir.Between{Field: queryir.FieldClock, Min: ir.IRFloat(0.5), Max: ir.IRFloat(1.5)},
		}}})
		require.NoError(t, err)
		assert.Equal(t, []string{"a.serve", "b.receive"}, transitions(got))
		assert.Equal(t, int64(2), got[0].Seq)
	})

	t.Run("transition names", func(t *testing.T) {
		got, err := s.QueryTrace(ctx, "r", queryir.Select{Filter: queryir.In{
			Field:  queryir.FieldTransition,
			Values: []ir.IRValue{ir.IRString("serve")},
		}})
		require.NoError(t, err)
		assert.Equal(t, []string{"a.serve", "b.serve"}, transitions(got))
	})

	t.Run("limit", func(t *testing.T) {
		got, err := s.QueryTrace(ctx, "r", queryir.Select{Limit: 2})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, engine.TraceBegin, got[0].Kind)
	})

	t.Run("microstep", func(t *testing.T) {
		got, err := s.QueryTrace(ctx, "r", queryir.Select{Filter: queryir.Between{
			Field: queryir.FieldMicrostep, Min: ir.IRInt(1),
		}})
		require.NoError(t, err)
		assert.Equal(t, []string{"b.receive"}, transitions(got))
	})

	t.Run("invalid query", func(t *testing.T) {
		_, err := s.QueryTrace(ctx, "r", queryir.Select{Filter: queryir.Equals{
			Field: queryir.FieldStep, Value: ir.IRString("x"),
		}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid query")
	})

	t.Run("unknown run", func(t *testing.T) {
		got, err := s.QueryTrace(ctx, "nope", queryir.Select{})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestVerifyTraceDetectsTampering(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, rec, hash := recordBouncingBall(t, 300)

	_, err := s.AppendTrace(ctx, "bounce-run", hash, rec.Events())
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE trace_events SET to_state = 'Resting' WHERE seq = 1`)
	require.NoError(t, err)

	err = s.VerifyTrace(ctx, "bounce-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestTraceHashUnknownRun(t *testing.T) {
	s := createTestStore(t)

	_, err := s.TraceHash(context.Background(), "nope")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestEmptyTrace(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.SaveWorldSnapshot(ctx, sampleSnapshot("r"), "h", "")
	require.NoError(t, err)

	got, err := s.ReadTrace(ctx, "r")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, s.VerifyTrace(ctx, "r"))
}

func TestResumedRunContinuesTrace(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	p := testutil.Program(t, "thermostat")

	rec := engine.NewRecorder()
	w := testutil.World(t, p, "thermo", engine.WithHooks(rec))
	require.NoError(t, w.Step(ctx, 200))
	info, err := s.SaveSnapshot(ctx, w, p.Hash, "")
	require.NoError(t, err)
	_, err = s.AppendTrace(ctx, w.RunID(), p.Hash, rec.Events())
	require.NoError(t, err)
	before := len(rec.Events())

	rec2 := engine.NewRecorder()
	resumed, err := s.LoadSnapshot(ctx, info.ID, p.Types,
		engine.WithHooks(rec2), engine.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)
	require.NoError(t, resumed.Step(ctx, 200))
	require.NotEmpty(t, rec2.Events())
	_, err = s.AppendTrace(ctx, resumed.RunID(), p.Hash, rec2.Events())
	require.NoError(t, err)

	got, err := s.ReadTrace(ctx, "thermo")
	require.NoError(t, err)
	assert.Len(t, got, before+len(rec2.Events()))
	assert.Equal(t, int64(before+1), got[before].Seq)
	assert.NoError(t, s.VerifyTrace(ctx, "thermo"))
}
