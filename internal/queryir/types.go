package queryir

import "github.com/roach88/hybridsim/internal/ir"

// Query is a trace query. Sealed to this package.
type Query interface {
	queryNode()
}

// Predicate is a filter condition over trace fields. Sealed to this
// package.
type Predicate interface {
	predicateNode()
}

// Field names a column of a trace event.
type Field string

const (
	FieldComponent  Field = "component"
	FieldTransition Field = "transition"
	FieldKind       Field = "kind"
	FieldVar        Field = "var"
	FieldFrom       Field = "from_state"
	FieldTo         Field = "to_state"
	FieldClock      Field = "clock"
	FieldStep       Field = "step"
	FieldMicrostep  Field = "microstep"
)

type fieldType int

const (
	textField fieldType = iota
	intField
	realField
)

var fieldTypes = map[Field]fieldType{
	FieldComponent:  textField,
	FieldTransition: textField,
	FieldKind:       textField,
	FieldVar:        textField,
	FieldFrom:       textField,
	FieldTo:         textField,
	FieldClock:      realField,
	FieldStep:       intField,
	FieldMicrostep:  intField,
}

// Kinds lists the values the kind field can take.
var Kinds = []string{"begin", "end", "transition", "reset", "guard"}

// Select reads the events of a run matching Filter, in sequence order.
// A nil Filter matches every event. Limit caps the number of events
// returned; zero means no cap.
type Select struct {
	Filter Predicate
	Limit  int
}

func (Select) queryNode() {}

// Equals matches events whose field equals Value.
type Equals struct {
	Field Field
	Value ir.IRValue
}

func (Equals) predicateNode() {}

// In matches events whose field equals any of Values.
type In struct {
	Field  Field
	Values []ir.IRValue
}

func (In) predicateNode() {}

// Between matches events whose numeric field lies in [Min, Max]. A nil
// bound leaves that side open.
type Between struct {
	Field Field
	Min   ir.IRValue
	Max   ir.IRValue
}

func (Between) predicateNode() {}

// And matches events satisfying every predicate. An empty And matches
// everything.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// ComponentEvents returns a query for every event of one component.
func ComponentEvents(component string) Select {
	return Select{Filter: Equals{Field: FieldComponent, Value: ir.IRString(component)}}
}
