package expr

import (
	"math"
	"sort"
)

type builtin struct {
	name string
	// minArgs and maxArgs bound the argument count; maxArgs < 0 is variadic.
	minArgs, maxArgs int
	call             func(args []float64) float64
}

func unary(name string, f func(float64) float64) *builtin {
	return &builtin{name: name, minArgs: 1, maxArgs: 1, call: func(a []float64) float64 { return f(a[0]) }}
}

func pair(name string, f func(float64, float64) float64) *builtin {
	return &builtin{name: name, minArgs: 2, maxArgs: 2, call: func(a []float64) float64 { return f(a[0], a[1]) }}
}

func foldArgs(name string, f func(float64, float64) float64) *builtin {
	return &builtin{name: name, minArgs: 1, maxArgs: -1, call: func(a []float64) float64 {
		acc := a[0]
		for _, v := range a[1:] {
			acc = f(acc, v)
		}
		return acc
	}}
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return x
}

var builtins = map[string]*builtin{}

func init() {
	for _, b := range []*builtin{
		unary("abs", math.Abs),
		unary("sqrt", math.Sqrt),
		unary("exp", math.Exp),
		unary("log", math.Log),
		unary("sin", math.Sin),
		unary("cos", math.Cos),
		unary("tan", math.Tan),
		unary("floor", math.Floor),
		unary("ceil", math.Ceil),
		unary("sign", sign),
		pair("atan2", math.Atan2),
		pair("pow", math.Pow),
		foldArgs("min", math.Min),
		foldArgs("max", math.Max),
	} {
		builtins[b.name] = b
	}
}

// Builtins returns the names of the callable functions.
func Builtins() []string {
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
