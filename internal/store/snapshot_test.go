package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/testutil"
)

func TestSaveAndReadSnapshot(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	snap := sampleSnapshot("run-1")

	info, err := s.SaveWorldSnapshot(ctx, snap, "model-hash", "checkpoint")
	require.NoError(t, err)
	assert.Equal(t, "snap-0001", info.ID)
	assert.Equal(t, int64(1), info.Seq)
	assert.Equal(t, "run-1", info.RunID)
	assert.Equal(t, "checkpoint", info.Label)
	assert.InDelta(t, 3.0, info.Clock, 1e-12)
	assert.Equal(t, 2, info.Components)
	assert.Len(t, info.ContentHash, 64)

	got, readInfo, err := s.ReadSnapshot(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
	assert.Equal(t, info, readInfo)
}

func TestReadSnapshotRestoresMessages(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	info, err := s.SaveWorldSnapshot(ctx, sampleSnapshot("run-1"), "h", "")
	require.NoError(t, err)
	got, _, err := s.ReadSnapshot(ctx, info.ID)
	require.NoError(t, err)

	inbox := got.Components[0].Queues["inbox"]
	require.Len(t, inbox, 2)
	msg, ok := inbox[0].Messages[0].(engine.Message)
	require.True(t, ok, "objects come back as engine.Message")
	assert.True(t, engine.FieldEquals("kind", "ball")(msg))
	assert.True(t, inbox[1].Simultaneous)
	assert.Equal(t, 2.5, inbox[1].Messages[0])
}

func TestReadSnapshotNotFound(t *testing.T) {
	s := createTestStore(t)

	_, _, err := s.ReadSnapshot(context.Background(), "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestReadSnapshotDetectsTampering(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	info, err := s.SaveWorldSnapshot(ctx, sampleSnapshot("run-1"), "h", "")
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE snapshot_values SET value = 99 WHERE component = 'a' AND name = 't'`)
	require.NoError(t, err)

	_, _, err = s.ReadSnapshot(ctx, info.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content hash mismatch")
}

func TestSaveSnapshotRejectsModelChange(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.SaveWorldSnapshot(ctx, sampleSnapshot("run-1"), "model-a", "")
	require.NoError(t, err)
	_, err = s.SaveWorldSnapshot(ctx, sampleSnapshot("run-1"), "model-b", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "was recorded with model")

	infos, err := s.ListSnapshots(ctx, "")
	require.NoError(t, err)
	assert.Len(t, infos, 1, "failed save leaves nothing behind")
}

func TestSaveSnapshotRequiresRunID(t *testing.T) {
	s := createTestStore(t)

	_, err := s.SaveWorldSnapshot(context.Background(), sampleSnapshot(""), "h", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing run id")
}

func TestSaveSnapshotEmptyWorld(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	w := engine.NewWorld(engine.WithRunID("empty"), engine.WithLogger(testutil.DiscardLogger()))

	info, err := s.SaveSnapshot(ctx, w, "h", "")
	require.NoError(t, err)
	got, _, err := s.ReadSnapshot(ctx, info.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Components)
	assert.Equal(t, engine.DefaultTimeStep, got.TimeStep)
}

func TestListSnapshots(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, run := range []string{"run-1", "run-2", "run-1"} {
		_, err := s.SaveWorldSnapshot(ctx, sampleSnapshot(run), "h", "")
		require.NoError(t, err)
	}

	all, err := s.ListSnapshots(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, info := range all {
		assert.Equal(t, int64(i+1), info.Seq)
		assert.Equal(t, 2, info.Components)
		assert.InDelta(t, 3.0, info.Clock, 1e-12)
	}

	run1, err := s.ListSnapshots(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, run1, 2)
	assert.Equal(t, []string{"snap-0001", "snap-0003"}, []string{run1[0].ID, run1[1].ID})

	none, err := s.ListSnapshots(ctx, "run-3")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLatestSnapshotAndResolveRun(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for range 2 {
		_, err := s.SaveWorldSnapshot(ctx, sampleSnapshot("run-1"), "h", "")
		require.NoError(t, err)
	}

	latest, err := s.LatestSnapshot(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "snap-0002", latest.ID)

	_, err = s.LatestSnapshot(ctx, "run-9")
	require.ErrorIs(t, err, sql.ErrNoRows)

	run, err := s.ResolveRun(ctx, "snap-0001")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run)

	run, err = s.ResolveRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run)

	_, err = s.ResolveRun(ctx, "nothing")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestLoadSnapshotResumesWorld(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	p := testutil.Program(t, "thermostat")

	original := testutil.World(t, p, "thermo")
	require.NoError(t, original.Step(ctx, 50))
	info, err := s.SaveSnapshot(ctx, original, p.Hash, "")
	require.NoError(t, err)
	assert.Equal(t, p.Hash, info.ModelHash)

	restored, err := s.LoadSnapshot(ctx, info.ID, p.Types, engine.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)
	assert.Equal(t, "thermo", restored.RunID())
	assert.Equal(t, original.StepCount(), restored.StepCount())
	assert.InDelta(t, original.Clock(), restored.Clock(), 1e-12)
	assert.Equal(t, original.ClockFinish(), restored.ClockFinish())
	assert.Equal(t, original.ZenoLimit(), restored.ZenoLimit())

	require.NoError(t, original.Step(ctx, 100))
	require.NoError(t, restored.Step(ctx, 100))
	for _, name := range []string{"heater", "room"} {
		want, got := original.Component(name), restored.Component(name)
		require.NotNil(t, got, name)
		assert.Equal(t, want.State().Name(), got.State().Name(), name)
		for v, x := range want.Values() {
			assert.InDelta(t, x, got.Values()[v], 1e-9, "%s.%s", name, v)
		}
	}
}

func TestLoadSnapshotUnknownType(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	info, err := s.SaveWorldSnapshot(ctx, sampleSnapshot("run-1"), "h", "")
	require.NoError(t, err)

	_, err = s.LoadSnapshot(ctx, info.ID, map[string]*engine.Type{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown type "Player"`)
}
