// Package model loads hybrid system models written in CUE and compiles them
// into engine types and worlds.
//
// A model directory holds one CUE package with two top-level fields:
//
//	types: Ball: {
//		continuous: {y: {value: 10}, v: 0}
//		constants: bounce: 0.8
//		states: ["Falling"]
//		flows: [{states: ["Falling"], var: "y", kind: "rk4", formula: "v"}]
//		transitions: [{name: "bounce", from: ["Falling"], guard: "y < 0", reset: {v: "-v * bounce"}}]
//	}
//	world: {
//		time_step: 0.01
//		components: b1: {type: "Ball", values: y: 5}
//	}
//
// Loading happens in three stages. Load decodes the CUE value into an
// ir.Model, recording the source position of every declaration. Validate
// checks names across types and the world population. Compile parses every
// formula, checks strictness, warns about algebraic cycles and seals the
// engine types. Errors of the first two stages are *LoadError values; the
// last stage reports *CompileError values. Both carry CUE positions.
package model
