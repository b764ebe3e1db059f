package testutil

import (
	"log/slog"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/model"
)

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// RepoRoot returns the repository root, found relative to this file.
func RepoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..")
}

// ModelDir returns the path of a model under testdata/models.
func ModelDir(name string) string {
	return filepath.Join(RepoRoot(), "testdata", "models", name)
}

// Program loads and compiles a model from testdata/models.
func Program(t testing.TB, name string) *model.Program {
	t.Helper()
	res, errs := model.Load(ModelDir(name), model.LoadModeCollectAll)
	require.Empty(t, errs, "load %s", name)
	p, errs := model.Compile(res.Model, res.Positions)
	require.Empty(t, errs, "compile %s", name)
	return p
}

// World builds the initial world of a compiled model with run ID runID and
// a discard logger. opts are applied last.
func World(t testing.TB, p *model.Program, runID string, opts ...engine.WorldOption) *engine.World {
	t.Helper()
	base := []engine.WorldOption{
		engine.WithRunID(runID),
		engine.WithLogger(DiscardLogger()),
	}
	w, err := p.NewWorld(append(base, opts...)...)
	require.NoError(t, err)
	return w
}
