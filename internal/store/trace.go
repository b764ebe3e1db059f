package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/ir"
	"github.com/roach88/hybridsim/internal/queryir"
	"github.com/roach88/hybridsim/internal/querysql"
)

var traceQueries = querysql.NewSQLCompiler("trace_events",
	"seq", "step", "microstep", "clock", "kind", "component",
	"transition", "from_state", "to_state", "var", "value", "enabled",
)

// AppendTrace stores events after the run's existing trace and returns
// the hash of the whole trace. Events are renumbered so seq stays dense
// across the recorders of a resumed run; their own Seq is ignored.
func (s *Store) AppendTrace(ctx context.Context, runID, modelHash string, events []engine.TraceEvent) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("append trace: %w", err)
	}
	defer tx.Rollback()

	if err := ensureRun(ctx, tx, runID, modelHash); err != nil {
		return "", fmt.Errorf("append trace: %w", err)
	}
	var last int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM trace_events WHERE run_id = ?
	`, runID).Scan(&last); err != nil {
		return "", fmt.Errorf("append trace: last seq: %w", err)
	}

	for i, ev := range events {
		value, err := marshalTraceValue(ev.Value)
		if err != nil {
			return "", fmt.Errorf("append trace: event %d: %w", i, err)
		}
		var enabled sql.NullBool
		if ev.Enabled != nil {
			enabled = sql.NullBool{Bool: *ev.Enabled, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trace_events
			(run_id, seq, step, microstep, clock, kind, component, transition, from_state, to_state, var, value, enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			runID, last+int64(i)+1, ev.Step, ev.Microstep, ev.Clock, string(ev.Kind),
			ev.Component, ev.Transition, ev.From, ev.To, ev.Var, value, enabled,
		)
		if err != nil {
			return "", fmt.Errorf("append trace: event %d: %w", i, err)
		}
	}

	all, err := readTrace(ctx, tx, runID, queryir.Select{})
	if err != nil {
		return "", fmt.Errorf("append trace: %w", err)
	}
	hash, err := ir.TraceHash(all)
	if err != nil {
		return "", fmt.Errorf("append trace: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET trace_hash = ? WHERE run_id = ?`, hash, runID); err != nil {
		return "", fmt.Errorf("append trace: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("append trace: commit: %w", err)
	}
	return hash, nil
}

// ReadTrace returns a run's trace events ordered by seq.
func (s *Store) ReadTrace(ctx context.Context, runID string) ([]engine.TraceEvent, error) {
	return s.QueryTrace(ctx, runID, queryir.Select{})
}

// ReadComponentTrace returns the events of one component of a run.
func (s *Store) ReadComponentTrace(ctx context.Context, runID, component string) ([]engine.TraceEvent, error) {
	return s.QueryTrace(ctx, runID, queryir.ComponentEvents(component))
}

// QueryTrace returns the events of a run matching q, ordered by seq.
func (s *Store) QueryTrace(ctx context.Context, runID string, q queryir.Query) ([]engine.TraceEvent, error) {
	events, err := readTrace(ctx, s.db, runID, q)
	if err != nil {
		return nil, fmt.Errorf("read trace %s: %w", runID, err)
	}
	return events, nil
}

// TraceHash returns the stored hash of a run's trace. The hash is empty
// for a run with no trace. Returns an error wrapping sql.ErrNoRows for an
// unknown run.
func (s *Store) TraceHash(ctx context.Context, runID string) (string, error) {
	var hash string
	if err := s.db.QueryRowContext(ctx, `SELECT trace_hash FROM runs WHERE run_id = ?`, runID).Scan(&hash); err != nil {
		return "", fmt.Errorf("trace hash %s: %w", runID, err)
	}
	return hash, nil
}

// VerifyTrace recomputes a run's trace hash from its stored events and
// compares it with the recorded one.
func (s *Store) VerifyTrace(ctx context.Context, runID string) error {
	stored, err := s.TraceHash(ctx, runID)
	if err != nil {
		return err
	}
	events, err := s.ReadTrace(ctx, runID)
	if err != nil {
		return err
	}
	if len(events) == 0 && stored == "" {
		return nil
	}
	computed, err := ir.TraceHash(events)
	if err != nil {
		return fmt.Errorf("verify trace %s: %w", runID, err)
	}
	if computed != stored {
		return fmt.Errorf("verify trace %s: hash mismatch: stored %s, computed %s", runID, short(stored), short(computed))
	}
	return nil
}

func readTrace(ctx context.Context, db querier, runID string, q queryir.Query) ([]engine.TraceEvent, error) {
	query, params, err := traceQueries.Compile(runID, q)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []engine.TraceEvent{}
	for rows.Next() {
		ev, err := scanTraceEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func scanTraceEvent(rows *sql.Rows) (engine.TraceEvent, error) {
	var ev engine.TraceEvent
	var kind string
	var value sql.NullString
	var enabled sql.NullBool
	if err := rows.Scan(
		&ev.Seq, &ev.Step, &ev.Microstep, &ev.Clock, &kind,
		&ev.Component, &ev.Transition, &ev.From, &ev.To, &ev.Var,
		&value, &enabled,
	); err != nil {
		return engine.TraceEvent{}, fmt.Errorf("scan trace event: %w", err)
	}
	ev.Kind = engine.TraceEventKind(kind)
	if value.Valid {
		if err := json.Unmarshal([]byte(value.String), &ev.Value); err != nil {
			return engine.TraceEvent{}, fmt.Errorf("trace event %d: unmarshal value: %w", ev.Seq, err)
		}
	}
	if enabled.Valid {
		b := enabled.Bool
		ev.Enabled = &b
	}
	return ev, nil
}

func marshalTraceValue(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal value: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
