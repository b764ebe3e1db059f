package engine

// State is an interned discrete mode of a component type.
//
// States are compared by identity. Enter and Exit are shared by every type:
// every component starts in Enter, and a transition to Exit removes the
// component from its world.
type State struct {
	name  string
	owner *Type
}

var (
	// Enter is the initial state of every component.
	Enter = &State{name: "Enter"}

	// Exit removes a component from further evolution.
	Exit = &State{name: "Exit"}
)

// Name returns the state's name.
func (s *State) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// Owner returns the type that declared the state, or nil for Enter and Exit.
func (s *State) Owner() *Type {
	return s.owner
}

// String implements fmt.Stringer.
func (s *State) String() string {
	if s == nil {
		return "<nil>"
	}
	if s.owner == nil {
		return s.name
	}
	return s.owner.name + "::" + s.name
}
