// Package ir provides the intermediate representation of hybridsim models.
//
// Model files are decoded into these plain data types before any engine
// type is built, so a model can be validated, hashed and stored without
// compiling a single formula. All other internal packages may import ir;
// ir imports nothing internal.
//
// Key design constraints:
//   - Formulas stay as source text; the expr package compiles them
//   - All JSON tags use snake_case
//   - Declarations are slices in source order; map-shaped model syntax is
//     sorted by key when decoded so that two loads of one model are equal
//   - Identity hashes use MarshalCanonical, never encoding/json directly
package ir
