// Package querysql compiles trace queries to parameterized SQLite SQL.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/hybridsim/internal/ir"
	"github.com/roach88/hybridsim/internal/queryir"
)

// SQLCompiler compiles queryir queries against one trace table.
//
// Every query is scoped to a run, ordered by seq and carries its values
// as ? parameters, never interpolated.
type SQLCompiler struct {
	Table   string
	Columns []string
}

// NewSQLCompiler returns a compiler selecting columns from table.
func NewSQLCompiler(table string, columns ...string) *SQLCompiler {
	return &SQLCompiler{Table: table, Columns: columns}
}

// Compile converts q into SQL selecting the events of runID. Invalid
// queries are rejected before any SQL is built.
func (c *SQLCompiler) Compile(runID string, q queryir.Query) (string, []any, error) {
	if err := queryir.Validate(q).Err(); err != nil {
		return "", nil, err
	}
	switch query := q.(type) {
	case queryir.Select:
		return c.compileSelect(runID, query)
	case *queryir.Select:
		return c.compileSelect(runID, *query)
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
}

func (c *SQLCompiler) compileSelect(runID string, q queryir.Select) (string, []any, error) {
	columns := "*"
	if len(c.Columns) > 0 {
		columns = strings.Join(c.Columns, ", ")
	}

	where := "run_id = ?"
	params := []any{runID}
	if q.Filter != nil {
		filterSQL, filterParams, err := c.compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		where += " AND " + filterSQL
		params = append(params, filterParams...)
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY seq ASC", columns, c.Table, where)
	if q.Limit > 0 {
		sql += " LIMIT ?"
		params = append(params, int64(q.Limit))
	}
	return sql, params, nil
}

func (c *SQLCompiler) compilePredicate(p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case queryir.Equals:
		return c.compileEquals(pred)
	case *queryir.Equals:
		return c.compileEquals(*pred)
	case queryir.In:
		return c.compileIn(pred)
	case *queryir.In:
		return c.compileIn(*pred)
	case queryir.Between:
		return c.compileBetween(pred)
	case *queryir.Between:
		return c.compileBetween(*pred)
	case queryir.And:
		return c.compileAnd(pred)
	case *queryir.And:
		return c.compileAnd(*pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (c *SQLCompiler) compileEquals(eq queryir.Equals) (string, []any, error) {
	param, err := irValueToParam(eq.Value)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", eq.Field, err)
	}
	return fmt.Sprintf("%s = ?", eq.Field), []any{param}, nil
}

func (c *SQLCompiler) compileIn(in queryir.In) (string, []any, error) {
	params := make([]any, 0, len(in.Values))
	for _, v := range in.Values {
		param, err := irValueToParam(v)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", in.Field, err)
		}
		params = append(params, param)
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(params)), ", ")
	return fmt.Sprintf("%s IN (%s)", in.Field, marks), params, nil
}

func (c *SQLCompiler) compileBetween(b queryir.Between) (string, []any, error) {
	var parts []string
	var params []any
	if b.Min != nil {
		param, err := irValueToParam(b.Min)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", b.Field, err)
		}
		parts = append(parts, fmt.Sprintf("%s >= ?", b.Field))
		params = append(params, param)
	}
	if b.Max != nil {
		param, err := irValueToParam(b.Max)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", b.Field, err)
		}
		parts = append(parts, fmt.Sprintf("%s <= ?", b.Field))
		params = append(params, param)
	}
	return strings.Join(parts, " AND "), params, nil
}

func (c *SQLCompiler) compileAnd(and queryir.And) (string, []any, error) {
	if len(and.Predicates) == 0 {
		return "1 = 1", nil, nil
	}

	var sqlParts []string
	var allParams []any
	for _, pred := range and.Predicates {
		sql, params, err := c.compilePredicate(pred)
		if err != nil {
			return "", nil, err
		}
		sqlParts = append(sqlParts, sql)
		allParams = append(allParams, params...)
	}
	return strings.Join(sqlParts, " AND "), allParams, nil
}

// irValueToParam converts a scalar ir.IRValue to a SQL parameter.
func irValueToParam(v ir.IRValue) (any, error) {
	switch val := v.(type) {
	case ir.IRString:
		return string(val), nil
	case ir.IRInt:
		return int64(val), nil
	case ir.IRFloat:
		return float64(val), nil
	case ir.IRBool:
		return bool(val), nil
	default:
		return nil, fmt.Errorf("unsupported IRValue type for SQL parameter: %T", v)
	}
}
