package model

import (
	"fmt"
	"math/big"
	"slices"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/token"

	"github.com/roach88/hybridsim/internal/ir"
)

// Positions maps declaration paths such as "types.Ball.flows[0].formula"
// to CUE source positions.
type Positions map[string]token.Pos

// Lookup returns the position of path, or of its nearest recorded ancestor.
func (p Positions) Lookup(path string) token.Pos {
	for path != "" {
		if pos, ok := p[path]; ok {
			return pos
		}
		path = parentPath(path)
	}
	return token.NoPos
}

func parentPath(path string) string {
	if strings.HasSuffix(path, "]") {
		if i := strings.LastIndexByte(path, '['); i >= 0 {
			return path[:i]
		}
	}
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return ""
}

func indexPath(path string, i int) string { return fmt.Sprintf("%s[%d]", path, i) }

// field is one regular field of a CUE struct.
type field struct {
	label string
	path  string
	value cue.Value
}

type decoder struct {
	mode LoadMode
	pos  Positions
	errs []error
}

func newDecoder(mode LoadMode) *decoder {
	return &decoder{mode: mode, pos: make(Positions)}
}

func (d *decoder) fail(code string, v cue.Value, path, format string, args ...any) {
	if d.stopped() {
		return
	}
	d.errs = append(d.errs, &LoadError{
		Code:    code,
		Message: path + ": " + fmt.Sprintf(format, args...),
		Pos:     v.Pos(),
	})
}

// stopped reports whether fail-fast decoding already has its error.
func (d *decoder) stopped() bool {
	return d.mode == LoadModeFailFast && len(d.errs) > 0
}

func (d *decoder) expect(v cue.Value, path string, want cue.Kind) bool {
	if err := v.Err(); err != nil {
		if !d.stopped() {
			le := formatCUEError(ErrCodeWrongKind, err)
			le.Message = path + ": " + le.Message
			d.errs = append(d.errs, le)
		}
		return false
	}
	if v.Kind()&want == 0 {
		d.fail(ErrCodeWrongKind, v, path, "expected %s, got %s", want, v.IncompleteKind())
		return false
	}
	return true
}

// fields returns the regular fields of a struct in declaration order. With
// allowed labels given, any other label is reported.
func (d *decoder) fields(v cue.Value, path string, allowed ...string) []field {
	if !d.expect(v, path, cue.StructKind) {
		return nil
	}
	iter, err := v.Fields()
	if err != nil {
		d.errs = append(d.errs, formatCUEError(ErrCodeGeneric, err))
		return nil
	}
	var out []field
	for iter.Next() {
		label := iter.Label()
		p := path + "." + label
		if path == "" {
			p = label
		}
		d.pos[p] = iter.Value().Pos()
		if len(allowed) > 0 && !slices.Contains(allowed, label) {
			d.fail(ErrCodeUnknownField, iter.Value(), p, "unknown field %q", label)
			continue
		}
		out = append(out, field{label: label, path: p, value: iter.Value()})
	}
	return out
}

// list returns the elements of a list with their paths.
func (d *decoder) list(v cue.Value, path string) []field {
	if !d.expect(v, path, cue.ListKind) {
		return nil
	}
	iter, err := v.List()
	if err != nil {
		d.errs = append(d.errs, formatCUEError(ErrCodeGeneric, err))
		return nil
	}
	var out []field
	for i := 0; iter.Next(); i++ {
		p := indexPath(path, i)
		d.pos[p] = iter.Value().Pos()
		out = append(out, field{path: p, value: iter.Value()})
	}
	return out
}

func (d *decoder) str(f field) string {
	if !d.expect(f.value, f.path, cue.StringKind) {
		return ""
	}
	s, _ := f.value.String()
	return s
}

func (d *decoder) num(f field) float64 {
	if !d.expect(f.value, f.path, cue.NumberKind) {
		return 0
	}
	x, err := f.value.Float64()
	if err != nil {
		d.fail(ErrCodeWrongKind, f.value, f.path, "%v", err)
	}
	return x
}

func (d *decoder) integer(f field) int {
	if !d.expect(f.value, f.path, cue.IntKind) {
		return 0
	}
	n, err := f.value.Int64()
	if err != nil {
		d.fail(ErrCodeWrongKind, f.value, f.path, "%v", err)
	}
	return int(n)
}

func (d *decoder) boolean(f field) bool {
	if !d.expect(f.value, f.path, cue.BoolKind) {
		return false
	}
	b, _ := f.value.Bool()
	return b
}

// names decodes a string or a list of strings.
func (d *decoder) names(f field) []string {
	if f.value.Kind() == cue.StringKind {
		return []string{d.str(f)}
	}
	var out []string
	for _, e := range d.list(f.value, f.path) {
		out = append(out, d.str(e))
	}
	return out
}

// formula decodes formula text. Numbers and booleans are accepted as
// literal formulas.
func (d *decoder) formula(f field) string {
	switch f.value.Kind() {
	case cue.IntKind, cue.FloatKind:
		return strconv.FormatFloat(d.num(f), 'g', -1, 64)
	case cue.BoolKind:
		if d.boolean(f) {
			return "True"
		}
		return "False"
	}
	return d.str(f)
}

// assigns decodes a struct of name: formula pairs, keeping field order.
func (d *decoder) assigns(f field) []ir.Assign {
	var out []ir.Assign
	for _, e := range d.fields(f.value, f.path) {
		out = append(out, ir.Assign{Name: e.label, Formula: d.formula(e)})
	}
	return out
}

// value decodes an arbitrary concrete value: maps, lists and scalars.
func (d *decoder) value(f field) any {
	var x any
	if err := f.value.Decode(&x); err != nil {
		if !d.stopped() {
			le := formatCUEError(ErrCodeWrongKind, err)
			le.Message = f.path + ": " + le.Message
			d.errs = append(d.errs, le)
		}
		return nil
	}
	return normalize(x)
}

// normalize gives decoded integers one Go type, int64, whatever the CUE
// decoder chose; integers too large for it become float64.
func normalize(x any) any {
	switch v := x.(type) {
	case int:
		return int64(v)
	case *big.Int:
		if v.IsInt64() {
			return v.Int64()
		}
		f, _ := new(big.Float).SetInt(v).Float64()
		return f
	case []any:
		for i := range v {
			v[i] = normalize(v[i])
		}
	case map[string]any:
		for k := range v {
			v[k] = normalize(v[k])
		}
	}
	return x
}

func (d *decoder) scalars(f field) map[string]any {
	out := make(map[string]any)
	for _, e := range d.fields(f.value, f.path) {
		if !d.expect(e.value, e.path, cue.NumberKind|cue.StringKind|cue.BoolKind|cue.NullKind) {
			continue
		}
		out[e.label] = d.value(e)
	}
	return out
}

func (d *decoder) model(v cue.Value) *ir.Model {
	m := &ir.Model{}
	for _, f := range d.fields(v, "", "types", "world") {
		switch f.label {
		case "types":
			for _, tf := range d.fields(f.value, f.path) {
				m.Types = append(m.Types, d.typeSpec(tf))
			}
		case "world":
			m.World = d.world(f)
		}
	}
	if len(m.Types) == 0 && len(d.errs) == 0 {
		d.fail(ErrCodeMissingField, v, "types", "model declares no types")
	}
	return m
}

func (d *decoder) typeSpec(f field) ir.TypeSpec {
	ts := ir.TypeSpec{Name: f.label}
	for _, e := range d.fields(f.value, f.path,
		"extends", "continuous", "constants", "links", "inputs", "queues",
		"events", "states", "flows", "transitions") {
		switch e.label {
		case "extends":
			ts.Extends = d.str(e)
		case "continuous":
			ts.Continuous = d.vars(e)
		case "constants":
			ts.Constants = d.vars(e)
		case "links":
			for _, l := range d.fields(e.value, e.path) {
				ts.Links = append(ts.Links, d.link(l))
			}
		case "inputs":
			for _, in := range d.fields(e.value, e.path) {
				spec := ir.InputSpec{Name: in.label}
				for _, p := range d.fields(in.value, in.path, "strict") {
					spec.Strict = d.boolean(p)
				}
				ts.Inputs = append(ts.Inputs, spec)
			}
		case "queues":
			ts.Queues = d.names(e)
		case "events":
			ts.Events = d.names(e)
		case "states":
			ts.States = d.names(e)
		case "flows":
			for _, fl := range d.list(e.value, e.path) {
				ts.Flows = append(ts.Flows, d.flow(fl))
			}
		case "transitions":
			for _, tr := range d.list(e.value, e.path) {
				ts.Transitions = append(ts.Transitions, d.transition(tr))
			}
		}
	}
	return ts
}

// vars decodes variable declarations. A bare number is shorthand for
// {value: n}.
func (d *decoder) vars(f field) []ir.VarSpec {
	var out []ir.VarSpec
	for _, e := range d.fields(f.value, f.path) {
		spec := ir.VarSpec{Name: e.label}
		if e.value.Kind()&cue.NumberKind != 0 {
			spec.Value = d.num(e)
			out = append(out, spec)
			continue
		}
		for _, p := range d.fields(e.value, e.path, "kind", "value") {
			switch p.label {
			case "kind":
				spec.Kind = d.str(p)
			case "value":
				spec.Value = d.num(p)
			}
		}
		out = append(out, spec)
	}
	return out
}

// link decodes a link declaration. A bare string names the partner type.
func (d *decoder) link(f field) ir.LinkSpec {
	spec := ir.LinkSpec{Name: f.label}
	if f.value.Kind() == cue.StringKind {
		spec.Type = d.str(f)
		return spec
	}
	for _, p := range d.fields(f.value, f.path, "type", "strict") {
		switch p.label {
		case "type":
			spec.Type = d.str(p)
		case "strict":
			spec.Strict = d.boolean(p)
		}
	}
	return spec
}

func (d *decoder) flow(f field) ir.FlowSpec {
	var spec ir.FlowSpec
	seen := map[string]bool{}
	for _, p := range d.fields(f.value, f.path, "states", "var", "kind", "formula", "feedback", "delay") {
		seen[p.label] = true
		switch p.label {
		case "states":
			spec.States = d.names(p)
		case "var":
			spec.Var = d.str(p)
		case "kind":
			spec.Kind = d.str(p)
		case "formula":
			spec.Formula = d.formula(p)
		case "feedback":
			spec.Feedback = d.boolean(p)
		case "delay":
			spec.Delay = d.formula(p)
		}
	}
	for _, req := range []string{"var", "kind", "formula"} {
		if !seen[req] {
			d.fail(ErrCodeMissingField, f.value, f.path, "flow needs %q", req)
		}
	}
	return spec
}

func (d *decoder) transition(f field) ir.TransitionSpec {
	var spec ir.TransitionSpec
	for _, p := range d.fields(f.value, f.path,
		"name", "from", "to", "guard", "wait", "match", "on", "sync",
		"events", "reset", "constants", "links", "connect", "push", "pop") {
		switch p.label {
		case "name":
			spec.Name = d.str(p)
		case "from":
			spec.From = d.names(p)
		case "to":
			spec.To = d.str(p)
		case "guard":
			if p.value.Kind() == cue.ListKind {
				for _, g := range d.list(p.value, p.path) {
					spec.Guard = append(spec.Guard, d.formula(g))
				}
			} else {
				spec.Guard = []string{d.formula(p)}
			}
		case "wait":
			spec.Wait = d.names(p)
		case "match":
			for _, m := range d.list(p.value, p.path) {
				spec.Match = append(spec.Match, d.match(m))
			}
		case "on":
			spec.On = d.names(p)
		case "sync":
			for _, s := range d.fields(p.value, p.path) {
				spec.Sync = append(spec.Sync, ir.SyncSpec{Link: s.label, Event: d.str(s)})
			}
		case "events":
			spec.Events = d.events(p)
		case "reset":
			spec.Reset = d.assigns(p)
		case "constants":
			spec.Constants = d.assigns(p)
		case "links":
			spec.Links = d.assigns(p)
		case "connect":
			spec.Connect = d.assigns(p)
		case "push":
			for _, m := range d.list(p.value, p.path) {
				spec.Push = append(spec.Push, d.push(m))
			}
		case "pop":
			spec.Pop = d.names(p)
		}
	}
	return spec
}

// events decodes exported events: a struct of name: value formulas, or a
// list of names exported with no value.
func (d *decoder) events(f field) []ir.Assign {
	if f.value.Kind() == cue.StructKind {
		return d.assigns(f)
	}
	var out []ir.Assign
	for _, name := range d.names(f) {
		out = append(out, ir.Assign{Name: name})
	}
	return out
}

func (d *decoder) match(f field) ir.MatchSpec {
	var spec ir.MatchSpec
	for _, p := range d.fields(f.value, f.path, "queue", "fields") {
		switch p.label {
		case "queue":
			spec.Queue = d.str(p)
		case "fields":
			spec.Fields = d.scalars(p)
		}
	}
	return spec
}

func (d *decoder) push(f field) ir.PushSpec {
	var spec ir.PushSpec
	for _, p := range d.fields(f.value, f.path, "link", "queue", "value", "fields", "values") {
		switch p.label {
		case "link":
			spec.Link = d.str(p)
		case "queue":
			spec.Queue = d.str(p)
		case "value":
			spec.Value = d.formula(p)
		case "fields":
			spec.Fields = d.scalars(p)
		case "values":
			spec.Values = make(map[string]string)
			for _, a := range d.assigns(p) {
				spec.Values[a.Name] = a.Formula
			}
		}
	}
	return spec
}

func (d *decoder) world(f field) ir.WorldSpec {
	var ws ir.WorldSpec
	for _, p := range d.fields(f.value, f.path,
		"time_step", "zeno_limit", "clock_start", "clock_finish", "components") {
		switch p.label {
		case "time_step":
			ws.TimeStep = d.num(p)
		case "zeno_limit":
			n := d.integer(p)
			ws.ZenoLimit = &n
		case "clock_start":
			ws.ClockStart = d.num(p)
		case "clock_finish":
			ws.ClockFinish = d.num(p)
		case "components":
			for _, c := range d.fields(p.value, p.path) {
				ws.Components = append(ws.Components, d.component(c))
			}
		}
	}
	return ws
}

func (d *decoder) component(f field) ir.ComponentSpec {
	cs := ir.ComponentSpec{Name: f.label}
	for _, p := range d.fields(f.value, f.path,
		"type", "state", "values", "constants", "links", "connect", "queues") {
		switch p.label {
		case "type":
			cs.Type = d.str(p)
		case "state":
			cs.State = d.str(p)
		case "values":
			cs.Values = d.numberMap(p)
		case "constants":
			cs.Constants = d.numberMap(p)
		case "links":
			cs.Links = d.stringMap(p)
		case "connect":
			cs.Connect = d.stringMap(p)
		case "queues":
			cs.Queues = make(map[string][]any)
			for _, q := range d.fields(p.value, p.path) {
				msgs := []any{}
				for _, m := range d.list(q.value, q.path) {
					msgs = append(msgs, d.value(m))
				}
				cs.Queues[q.label] = msgs
			}
		}
	}
	if cs.Type == "" {
		d.fail(ErrCodeMissingField, f.value, f.path, "component needs a type")
	}
	return cs
}

func (d *decoder) numberMap(f field) map[string]float64 {
	out := make(map[string]float64)
	for _, e := range d.fields(f.value, f.path) {
		out[e.label] = d.num(e)
	}
	return out
}

func (d *decoder) stringMap(f field) map[string]string {
	out := make(map[string]string)
	for _, e := range d.fields(f.value, f.path) {
		out[e.label] = d.str(e)
	}
	return out
}
