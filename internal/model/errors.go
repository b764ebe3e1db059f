package model

import (
	"fmt"

	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// Error code constants, unified across the loader, validator and compiler.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed

	// Decoding errors
	ErrCodeWrongKind    = "E101" // Field has the wrong CUE kind
	ErrCodeUnknownField = "E102" // Field not part of the model format
	ErrCodeMissingField = "E103" // Required field absent

	// Validation errors
	ErrCodeDuplicateName = "E110" // Name declared twice
	ErrCodeUnknownRef    = "E111" // Reference to an undeclared name
	ErrCodeInvalidKind   = "E112" // Invalid variable or flow kind
	ErrCodeExtendsCycle  = "E113" // Type inherits from itself
	ErrCodeInvalidWorld  = "E114" // Invalid world setting

	// Compilation errors
	ErrCodeFormula    = "E201" // Formula failed to parse or resolve
	ErrCodeStrictness = "E202" // Strict value depends on a non-strict one
	ErrCodeTypeError  = "E203" // Type rejected by the engine
)

// LoadError is an error found while loading a model, with the CUE source
// position it refers to when one is known.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CompileError is a formula or type that could not be compiled.
type CompileError struct {
	Code    string
	Type    string
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	loc := e.Type
	if e.Field != "" {
		loc += "." + e.Field
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, loc, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, loc, e.Message)
}

// CycleWarning reports algebraic flows that read each other within one
// state. Evaluating any of them fails with a circular definition error
// unless a conditional breaks the cycle, so cycles are warnings.
type CycleWarning struct {
	Type    string   `json:"type"`
	State   string   `json:"state"`
	Path    []string `json:"path"` // ["a", "b", "a"]
	Message string   `json:"message"`
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(code string, err error) *LoadError {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Code: code, Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{Code: code, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}
