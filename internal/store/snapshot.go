package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/ir"
)

// SnapshotInfo describes a stored snapshot without its component data.
type SnapshotInfo struct {
	ID          string  `json:"id"`
	Seq         int64   `json:"seq"`
	RunID       string  `json:"run_id"`
	Label       string  `json:"label,omitempty"`
	ModelHash   string  `json:"model_hash"`
	ContentHash string  `json:"content_hash"`
	Clock       float64 `json:"clock"`
	StepCount   int64   `json:"step_count"`
	Components  int     `json:"components"`
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SaveSnapshot captures w and stores it under a fresh ID. modelHash ties the
// snapshot to the model its types were built from; a run's snapshots must
// all share one model hash.
func (s *Store) SaveSnapshot(ctx context.Context, w *engine.World, modelHash, label string) (SnapshotInfo, error) {
	snap, err := w.Snapshot()
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("save snapshot: %w", err)
	}
	return s.SaveWorldSnapshot(ctx, snap, modelHash, label)
}

// SaveWorldSnapshot stores an already captured snapshot.
func (s *Store) SaveWorldSnapshot(ctx context.Context, snap *engine.WorldSnapshot, modelHash, label string) (SnapshotInfo, error) {
	if snap.RunID == "" {
		return SnapshotInfo{}, fmt.Errorf("save snapshot: missing run id")
	}
	hash, err := ir.SnapshotHash(snap)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("save snapshot: %w", err)
	}
	info := SnapshotInfo{
		ID:          s.ids.Generate(),
		RunID:       snap.RunID,
		Label:       label,
		ModelHash:   modelHash,
		ContentHash: hash,
		Clock:       snap.Clock(),
		StepCount:   snap.StepCount,
		Components:  len(snap.Components),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("save snapshot: %w", err)
	}
	defer tx.Rollback()

	if err := ensureRun(ctx, tx, snap.RunID, modelHash); err != nil {
		return SnapshotInfo{}, fmt.Errorf("save snapshot: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM snapshots`).Scan(&info.Seq); err != nil {
		return SnapshotInfo{}, fmt.Errorf("save snapshot: next seq: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots
		(id, seq, run_id, label, content_hash, time_step, clock_start, clock_finish, zeno_limit, step_count, discrete_step)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		info.ID, info.Seq, info.RunID, info.Label, info.ContentHash,
		snap.TimeStep, snap.ClockStart, snap.ClockFinish, snap.ZenoLimit,
		snap.StepCount, snap.DiscreteStep,
	)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("save snapshot: %w", err)
	}
	for i, cs := range snap.Components {
		if err := writeComponent(ctx, tx, info.ID, i, cs); err != nil {
			return SnapshotInfo{}, fmt.Errorf("save snapshot: component %s: %w", cs.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return SnapshotInfo{}, fmt.Errorf("save snapshot: commit: %w", err)
	}
	return info, nil
}

func writeComponent(ctx context.Context, q querier, id string, pos int, cs engine.ComponentSnapshot) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO snapshot_components (snapshot_id, position, name, type, state)
		VALUES (?, ?, ?, ?, ?)
	`, id, pos, cs.Name, cs.Type, cs.State); err != nil {
		return err
	}
	for _, name := range sortedKeys(cs.Values) {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO snapshot_values (snapshot_id, component, kind, name, value)
			VALUES (?, ?, 'var', ?, ?)
		`, id, cs.Name, name, cs.Values[name]); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(cs.Constants) {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO snapshot_values (snapshot_id, component, kind, name, value)
			VALUES (?, ?, 'const', ?, ?)
		`, id, cs.Name, name, cs.Constants[name]); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(cs.Links) {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO snapshot_links (snapshot_id, component, name, target)
			VALUES (?, ?, ?, ?)
		`, id, cs.Name, name, cs.Links[name]); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(cs.Inputs) {
		src := cs.Inputs[name]
		if _, err := q.ExecContext(ctx, `
			INSERT INTO snapshot_inputs (snapshot_id, component, name, source_component, source_variable)
			VALUES (?, ?, ?, ?, ?)
		`, id, cs.Name, name, src.Component, src.Variable); err != nil {
			return err
		}
	}
	for _, queue := range sortedKeys(cs.Queues) {
		for i, entry := range cs.Queues[queue] {
			msgs, err := marshalMessages(entry.Messages)
			if err != nil {
				return fmt.Errorf("queue %s: %w", queue, err)
			}
			if _, err := q.ExecContext(ctx, `
				INSERT INTO snapshot_queue_entries (snapshot_id, component, queue, position, simultaneous, messages)
				VALUES (?, ?, ?, ?, ?, ?)
			`, id, cs.Name, queue, i, entry.Simultaneous, msgs); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadSnapshot loads the snapshot stored under id and checks its content
// hash. Returns an error wrapping sql.ErrNoRows if not found.
func (s *Store) ReadSnapshot(ctx context.Context, id string) (*engine.WorldSnapshot, SnapshotInfo, error) {
	snap := &engine.WorldSnapshot{}
	info := SnapshotInfo{ID: id}
	err := s.db.QueryRowContext(ctx, `
		SELECT s.seq, s.run_id, s.label, s.content_hash, r.model_hash,
		       s.time_step, s.clock_start, s.clock_finish, s.zeno_limit, s.step_count, s.discrete_step
		FROM snapshots s JOIN runs r ON r.run_id = s.run_id
		WHERE s.id = ?
	`, id).Scan(
		&info.Seq, &info.RunID, &info.Label, &info.ContentHash, &info.ModelHash,
		&snap.TimeStep, &snap.ClockStart, &snap.ClockFinish, &snap.ZenoLimit,
		&snap.StepCount, &snap.DiscreteStep,
	)
	if err != nil {
		return nil, SnapshotInfo{}, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	snap.RunID = info.RunID

	comps, err := s.readComponents(ctx, id)
	if err != nil {
		return nil, SnapshotInfo{}, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	snap.Components = comps
	info.Clock = snap.Clock()
	info.StepCount = snap.StepCount
	info.Components = len(comps)

	hash, err := ir.SnapshotHash(snap)
	if err != nil {
		return nil, SnapshotInfo{}, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	if hash != info.ContentHash {
		return nil, SnapshotInfo{}, fmt.Errorf("read snapshot %s: content hash mismatch: stored %s, computed %s", id, info.ContentHash, hash)
	}
	return snap, info, nil
}

func (s *Store) readComponents(ctx context.Context, id string) ([]engine.ComponentSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, state FROM snapshot_components
		WHERE snapshot_id = ?
		ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	comps := []engine.ComponentSnapshot{}
	index := make(map[string]int)
	for rows.Next() {
		var cs engine.ComponentSnapshot
		if err := rows.Scan(&cs.Name, &cs.Type, &cs.State); err != nil {
			return nil, fmt.Errorf("scan component: %w", err)
		}
		index[cs.Name] = len(comps)
		comps = append(comps, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := s.readValues(ctx, id, comps, index); err != nil {
		return nil, err
	}
	if err := s.readLinks(ctx, id, comps, index); err != nil {
		return nil, err
	}
	if err := s.readInputs(ctx, id, comps, index); err != nil {
		return nil, err
	}
	if err := s.readQueues(ctx, id, comps, index); err != nil {
		return nil, err
	}
	return comps, nil
}

func (s *Store) readValues(ctx context.Context, id string, comps []engine.ComponentSnapshot, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT component, kind, name, value FROM snapshot_values
		WHERE snapshot_id = ?
		ORDER BY component, kind, name
	`, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var comp, kind, name string
		var value float64
		if err := rows.Scan(&comp, &kind, &name, &value); err != nil {
			return fmt.Errorf("scan value: %w", err)
		}
		cs := &comps[index[comp]]
		switch kind {
		case "var":
			if cs.Values == nil {
				cs.Values = make(map[string]float64)
			}
			cs.Values[name] = value
		case "const":
			if cs.Constants == nil {
				cs.Constants = make(map[string]float64)
			}
			cs.Constants[name] = value
		}
	}
	return rows.Err()
}

func (s *Store) readLinks(ctx context.Context, id string, comps []engine.ComponentSnapshot, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT component, name, target FROM snapshot_links
		WHERE snapshot_id = ?
		ORDER BY component, name
	`, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var comp, name, target string
		if err := rows.Scan(&comp, &name, &target); err != nil {
			return fmt.Errorf("scan link: %w", err)
		}
		cs := &comps[index[comp]]
		if cs.Links == nil {
			cs.Links = make(map[string]string)
		}
		cs.Links[name] = target
	}
	return rows.Err()
}

func (s *Store) readInputs(ctx context.Context, id string, comps []engine.ComponentSnapshot, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT component, name, source_component, source_variable FROM snapshot_inputs
		WHERE snapshot_id = ?
		ORDER BY component, name
	`, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var comp, name string
		var src engine.PortSnapshot
		if err := rows.Scan(&comp, &name, &src.Component, &src.Variable); err != nil {
			return fmt.Errorf("scan input: %w", err)
		}
		cs := &comps[index[comp]]
		if cs.Inputs == nil {
			cs.Inputs = make(map[string]engine.PortSnapshot)
		}
		cs.Inputs[name] = src
	}
	return rows.Err()
}

func (s *Store) readQueues(ctx context.Context, id string, comps []engine.ComponentSnapshot, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT component, queue, simultaneous, messages FROM snapshot_queue_entries
		WHERE snapshot_id = ?
		ORDER BY component, queue, position
	`, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var comp, queue, data string
		var entry engine.QueueEntry
		if err := rows.Scan(&comp, &queue, &entry.Simultaneous, &data); err != nil {
			return fmt.Errorf("scan queue entry: %w", err)
		}
		msgs, err := unmarshalMessages(data)
		if err != nil {
			return fmt.Errorf("queue %s.%s: %w", comp, queue, err)
		}
		entry.Messages = msgs
		cs := &comps[index[comp]]
		if cs.Queues == nil {
			cs.Queues = make(map[string][]engine.QueueEntry)
		}
		cs.Queues[queue] = append(cs.Queues[queue], entry)
	}
	return rows.Err()
}

// LoadSnapshot reads a snapshot and rebuilds its world from types. The
// restored world has run the engine's restore hook and can be stepped
// right away. opts are applied after the snapshot's own settings.
func (s *Store) LoadSnapshot(ctx context.Context, id string, types map[string]*engine.Type, opts ...engine.WorldOption) (*engine.World, error) {
	snap, _, err := s.ReadSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	w, err := engine.RestoreWorld(snap, types, opts...)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", id, err)
	}
	return w, nil
}

// ListSnapshots returns stored snapshots ordered by seq. An empty runID
// lists every run.
func (s *Store) ListSnapshots(ctx context.Context, runID string) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.seq, s.run_id, s.label, r.model_hash, s.content_hash,
		       s.step_count * s.time_step + s.clock_start, s.step_count,
		       (SELECT COUNT(*) FROM snapshot_components c WHERE c.snapshot_id = s.id)
		FROM snapshots s JOIN runs r ON r.run_id = s.run_id
		WHERE ? = '' OR s.run_id = ?
		ORDER BY s.seq ASC
	`, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var infos []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(
			&info.ID, &info.Seq, &info.RunID, &info.Label, &info.ModelHash, &info.ContentHash,
			&info.Clock, &info.StepCount, &info.Components,
		); err != nil {
			return nil, fmt.Errorf("list snapshots: scan: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return infos, nil
}

// LatestSnapshot returns the most recent snapshot of a run.
// Returns an error wrapping sql.ErrNoRows if the run has none.
func (s *Store) LatestSnapshot(ctx context.Context, runID string) (SnapshotInfo, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM snapshots WHERE run_id = ? ORDER BY seq DESC LIMIT 1
	`, runID).Scan(&id)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("latest snapshot of run %s: %w", runID, err)
	}
	_, info, err := s.ReadSnapshot(ctx, id)
	return info, err
}

// ResolveRun maps a snapshot ID or a run ID to a run ID.
// Returns an error wrapping sql.ErrNoRows if ref names neither.
func (s *Store) ResolveRun(ctx context.Context, ref string) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id FROM runs WHERE run_id = ?
		UNION ALL
		SELECT run_id FROM snapshots WHERE id = ?
		LIMIT 1
	`, ref, ref).Scan(&runID)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", ref, err)
	}
	return runID, nil
}

// ensureRun registers runID on first use and rejects a later write under
// a different model.
func ensureRun(ctx context.Context, q querier, runID, modelHash string) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO runs (run_id, model_hash, engine_version, ir_version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, runID, modelHash, ir.EngineVersion, ir.IRVersion); err != nil {
		return fmt.Errorf("register run %s: %w", runID, err)
	}
	var stored string
	if err := q.QueryRowContext(ctx, `SELECT model_hash FROM runs WHERE run_id = ?`, runID).Scan(&stored); err != nil {
		return fmt.Errorf("register run %s: %w", runID, err)
	}
	if stored != modelHash {
		return fmt.Errorf("run %s was recorded with model %s, not %s", runID, short(stored), short(modelHash))
	}
	return nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// marshalMessages encodes queue messages as a JSON array with HTML
// escaping disabled.
func marshalMessages(msgs []any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msgs); err != nil {
		return "", fmt.Errorf("marshal messages: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalMessages decodes a JSON array of messages. Objects come back as
// engine.Message and numbers as float64.
func unmarshalMessages(data string) ([]any, error) {
	var raw []any
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	for i, m := range raw {
		if obj, ok := m.(map[string]any); ok {
			raw[i] = engine.Message(obj)
		}
	}
	return raw, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
