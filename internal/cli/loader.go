package cli

import (
	"errors"
	"fmt"

	"github.com/roach88/hybridsim/internal/model"
)

// LoadFailure is a model that could not be loaded or compiled. Errors keeps
// every error found; Fatal is set when the model directory itself could not
// be read, which is a command error rather than a model error.
type LoadFailure struct {
	Errors []error
	Fatal  bool
}

func (e *LoadFailure) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d model errors, first: %v", len(e.Errors), e.Errors[0])
}

func (e *LoadFailure) Unwrap() []error { return e.Errors }

// fatalCodes are load errors about the directory rather than its content.
var fatalCodes = map[string]bool{
	model.ErrCodeNotFound:   true,
	model.ErrCodeScanError:  true,
	model.ErrCodeNoFiles:    true,
	model.ErrCodeLoadFailed: true,
}

// loadProgram loads and compiles the model in dir. The returned load result
// is non-nil whenever the directory could be read, even if the model has
// errors.
func loadProgram(dir string, mode model.LoadMode) (*model.Program, *model.LoadResult, error) {
	res, errs := model.Load(dir, mode)
	if len(errs) > 0 {
		return nil, res, &LoadFailure{Errors: errs, Fatal: res == nil && isFatal(errs[0])}
	}
	prog, errs := model.Compile(res.Model, res.Positions)
	if len(errs) > 0 {
		if mode == model.LoadModeFailFast {
			errs = errs[:1]
		}
		return nil, res, &LoadFailure{Errors: errs}
	}
	return prog, res, nil
}

func isFatal(err error) bool {
	var loadErr *model.LoadError
	return errors.As(err, &loadErr) && fatalCodes[loadErr.Code]
}

// loadError converts a loadProgram failure into an exit error. Models that
// fail to build are command errors for every command but validate.
func loadError(f *OutputFormatter, err error) error {
	var lf *LoadFailure
	if !errors.As(err, &lf) {
		_ = f.Error(model.ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load model", err)
	}
	first := describeError(lf.Errors[0])
	var details []CLIError
	if len(lf.Errors) > 1 {
		for _, e := range lf.Errors {
			details = append(details, describeError(e))
		}
	}
	msg := first.Message
	if loc := first.Location(); loc != "" {
		msg = loc + ": " + msg
	}
	_ = f.Error(first.Code, msg, details)
	return WrapExitError(ExitCommandError, "failed to load model", err)
}
