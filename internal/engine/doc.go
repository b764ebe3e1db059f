// Package engine implements the hybridsim simulation kernel.
//
// A World holds a population of Components. Each component is an instance
// of a Type: a hybrid automaton with continuous variables, constants, links
// to other components, inputs, queues and events, a set of discrete states,
// per-state flows and prioritized transitions.
//
// ARCHITECTURE:
//
// Step Structure:
// Every call to World.Step first settles the current instant with a discrete
// update, then repeats a continuous step followed by a discrete update.
//
//   - The continuous step integrates every differential flow with a fixed
//     four stage scheme (RK4, Euler, derivative and delay flows share the
//     stage loop). Algebraic flows are evaluated lazily at the stage they
//     are read.
//   - The discrete update runs microsteps until two consecutive guard passes
//     fire nothing. Each microstep selects at most one transition per
//     component, settles synchronization, exports events, computes resets
//     against pre-microstep values, runs actions, applies resets in
//     parallel, runs posts and switches states.
//
// Memoization:
// Algebraic values computed in discrete context are stamped with the
// world's discrete tick, which advances on every discrete change. A strict
// variable's value stays valid for the whole discrete update, so guards
// that read only strict values are evaluated once and their components
// sleep until the next continuous step.
//
// Handles:
// Links and input connections hold arena handles (slot plus generation),
// not pointers. A link to a component that exited resolves to nothing and
// fails with a nil link error when dereferenced.
//
// CRITICAL PATTERNS:
//
// Determinism:
// Components are visited in creation order everywhere. Transition priority
// is declaration order. The clock is derived as steps*dt+start and never
// accumulated. Two worlds built the same way and stepped the same way
// produce identical values bit for bit.
//
// Single Goroutine:
// A World is not safe for concurrent use. Types are immutable once sealed
// and may be shared by worlds running on different goroutines.
//
// Errors:
// Every fatal condition is a *RuntimeError with a Code (see errors.go) or a
// *ZenoError. Errors abort the current step and leave effects already
// applied in place.
package engine
