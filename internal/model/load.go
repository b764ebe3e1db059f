package model

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/hybridsim/internal/ir"
)

// LoadMode controls how errors are handled during model loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains a decoded model and where its declarations came from.
type LoadResult struct {
	Model     *ir.Model
	Positions Positions
	CUEValue  cue.Value // The raw CUE value for additional processing
	FileCount int       // Number of CUE files found
}

// Load reads every .cue file of dir as one CUE instance and decodes it into
// a model. Decoding and validation errors carry CUE source positions.
func Load(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("model directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing model directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{formatCUEError(ErrCodeLoadFailed, inst.Err)}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Validate(); err != nil {
		return nil, []error{formatCUEError(ErrCodeBuildFailed, err)}
	}

	res, errs := decodeValue(value, mode)
	res.FileCount = len(cueFiles)
	return res, errs
}

// LoadString decodes a model from CUE source text. filename is used in
// error positions.
func LoadString(filename, src string, mode LoadMode) (*LoadResult, []error) {
	value := cuecontext.New().CompileString(src, cue.Filename(filename))
	if err := value.Validate(); err != nil {
		return nil, []error{formatCUEError(ErrCodeBuildFailed, err)}
	}
	res, errs := decodeValue(value, mode)
	res.FileCount = 1
	return res, errs
}

func decodeValue(value cue.Value, mode LoadMode) (*LoadResult, []error) {
	d := newDecoder(mode)
	m := d.model(value)
	res := &LoadResult{Model: m, Positions: d.pos, CUEValue: value}
	if len(d.errs) > 0 {
		return res, d.errs
	}
	errs := Validate(m, d.pos)
	if mode == LoadModeFailFast && len(errs) > 1 {
		errs = errs[:1]
	}
	return res, errs
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
