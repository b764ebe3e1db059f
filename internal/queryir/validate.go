package queryir

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/roach88/hybridsim/internal/ir"
)

// ValidationResult lists the problems found in a query.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Err returns the problems as a single error, or nil for a valid query.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return errors.New("invalid query: " + strings.Join(r.Errors, "; "))
}

// Validate checks a query against the trace fields: known field names,
// value types that match the field, a non-empty In, ordered Between
// bounds and a non-negative limit. It never stops at the first problem.
func Validate(query Query) ValidationResult {
	v := &validator{}
	v.validateQuery(query)
	return ValidationResult{Valid: len(v.errors) == 0, Errors: v.errors}
}

type validator struct {
	errors []string
}

func (v *validator) addError(format string, args ...any) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}

func (v *validator) validateQuery(q Query) {
	switch query := q.(type) {
	case nil:
		v.addError("nil query")
	case Select:
		v.validateSelect(query)
	case *Select:
		v.validateSelect(*query)
	default:
		v.addError("unknown query type %T", q)
	}
}

func (v *validator) validateSelect(sel Select) {
	if sel.Limit < 0 {
		v.addError("negative limit %d", sel.Limit)
	}
	if sel.Filter != nil {
		v.validatePredicate(sel.Filter)
	}
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case Equals:
		v.validateValue(pred.Field, pred.Value)
	case *Equals:
		v.validateValue(pred.Field, pred.Value)
	case In:
		v.validateIn(pred)
	case *In:
		v.validateIn(*pred)
	case Between:
		v.validateBetween(pred)
	case *Between:
		v.validateBetween(*pred)
	case And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	case *And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	case nil:
		v.addError("nil predicate")
	default:
		v.addError("unknown predicate type %T", p)
	}
}

func (v *validator) validateIn(in In) {
	if len(in.Values) == 0 {
		v.addError("field %s: empty IN list", in.Field)
		return
	}
	for _, val := range in.Values {
		v.validateValue(in.Field, val)
	}
}

func (v *validator) validateBetween(b Between) {
	ft, ok := fieldTypes[b.Field]
	if !ok {
		v.addError("unknown field %q", b.Field)
		return
	}
	if ft == textField {
		v.addError("field %s: range on a text field", b.Field)
		return
	}
	if b.Min == nil && b.Max == nil {
		v.addError("field %s: range without bounds", b.Field)
		return
	}
	lo, loOK := v.bound(b.Field, b.Min)
	hi, hiOK := v.bound(b.Field, b.Max)
	if loOK && hiOK && lo > hi {
		v.addError("field %s: empty range [%g, %g]", b.Field, lo, hi)
	}
}

// bound validates one side of a range and returns it as a float.
func (v *validator) bound(f Field, val ir.IRValue) (float64, bool) {
	if val == nil {
		return 0, false
	}
	if !v.validateValue(f, val) {
		return 0, false
	}
	switch x := val.(type) {
	case ir.IRInt:
		return float64(x), true
	case ir.IRFloat:
		return float64(x), true
	}
	return 0, false
}

// validateValue reports whether val fits field f.
func (v *validator) validateValue(f Field, val ir.IRValue) bool {
	ft, ok := fieldTypes[f]
	if !ok {
		v.addError("unknown field %q", f)
		return false
	}
	switch x := val.(type) {
	case ir.IRString:
		if ft != textField {
			v.addError("field %s: string value %q for a numeric field", f, string(x))
			return false
		}
		if f == FieldKind && !slices.Contains(Kinds, string(x)) {
			v.addError("field kind: unknown event kind %q", string(x))
			return false
		}
		return true
	case ir.IRInt:
		if ft == textField {
			v.addError("field %s: number %d for a text field", f, int64(x))
			return false
		}
		return true
	case ir.IRFloat:
		if ft != realField {
			v.addError("field %s: float %g for a %s field", f, float64(x), ft)
			return false
		}
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			v.addError("field %s: non-finite value", f)
			return false
		}
		return true
	case nil:
		v.addError("field %s: missing value", f)
	default:
		v.addError("field %s: unsupported value type %T", f, val)
	}
	return false
}

func (t fieldType) String() string {
	switch t {
	case textField:
		return "text"
	case intField:
		return "integer"
	default:
		return "real"
	}
}
