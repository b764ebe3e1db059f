package model

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/expr"
	"github.com/roach88/hybridsim/internal/ir"
)

// strictnessError is a strict algebraic flow that reads a value which may
// change in a discrete update.
type strictnessError struct {
	variable string
	ref      expr.Ref
}

func (e *strictnessError) Error() string {
	return fmt.Sprintf("strict variable %s depends on non-strict %s (%s)", e.variable, e.ref, e.ref.Kind)
}

// checkStrictFlow rejects an algebraic flow of a strict variable whose
// formula reads non-strict values or crosses a non-strict link.
func checkStrictFlow(scope expr.Scope, fs ir.FlowSpec, e *expr.Expr) error {
	if fs.Kind != ir.FlowAlgebraic {
		return nil
	}
	if k, ok := scope.Type.VarKindOf(fs.Var); !ok || k != engine.Strict {
		return nil
	}
	if ref, bad := e.NonStrict(scope); bad {
		return &strictnessError{variable: fs.Var, ref: ref}
	}
	return nil
}

// dependencyGraph maps an algebraic variable to the algebraic variables its
// formula reads.
type dependencyGraph map[string][]string

// analyzeCycles reports algebraic flows of one type that read each other in
// the same state.
//
// The algorithm:
//  1. For each state, find the flow in effect for each variable
//  2. Build variable -> read variable edges between algebraic flows
//  3. Use Tarjan's algorithm to find strongly connected components
//  4. Report each SCC with size > 1 or self-loops as a cycle warning
//
// Reads through links are not followed: which component a link refers to
// is only known at run time.
func analyzeCycles(typeName string, t *engine.Type, flows []compiledFlow) []CycleWarning {
	states := append([]string{engine.Enter.Name()}, t.StateNames()...)
	var warnings []CycleWarning
	for _, state := range states {
		graph := buildDependencyGraph(state, flows)
		for _, scc := range tarjanSCC(graph) {
			if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
				warnings = append(warnings, cycleSCCToWarning(typeName, state, scc, graph))
			}
		}
	}
	return warnings
}

// buildDependencyGraph constructs the graph of algebraic flows in effect in
// state. A later flow for a variable replaces an earlier one.
func buildDependencyGraph(state string, flows []compiledFlow) dependencyGraph {
	effective := make(map[string]compiledFlow)
	for _, f := range flows {
		in := len(f.spec.States) == 0 && state == engine.Enter.Name()
		if slices.Contains(f.spec.States, state) {
			in = true
		}
		if in {
			effective[f.spec.Var] = f
		}
	}

	graph := make(dependencyGraph)
	for v, f := range effective {
		if f.spec.Kind != ir.FlowAlgebraic {
			continue
		}
		graph[v] = []string{}
		for _, r := range f.expr.Refs() {
			if r.Link != "" || r.Kind != expr.RefVar {
				continue
			}
			if dep, ok := effective[r.Name]; ok && dep.spec.Kind == ir.FlowAlgebraic {
				graph[v] = append(graph[v], r.Name)
			}
		}
	}
	return graph
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph dependencyGraph) bool {
	return slices.Contains(graph[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in sorted order so results are deterministic.
func tarjanSCC(graph dependencyGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop the stack and emit an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	for _, node := range sortedNames(graph) {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// cycleSCCToWarning converts an SCC to a CycleWarning.
func cycleSCCToWarning(typeName, state string, scc []string, graph dependencyGraph) CycleWarning {
	path := []string{scc[0], scc[0]}
	if len(scc) > 1 {
		path = reconstructCyclePath(scc, graph)
	}
	return CycleWarning{
		Type:    typeName,
		State:   state,
		Path:    path,
		Message: fmt.Sprintf("algebraic cycle in %s.%s: %s", typeName, state, strings.Join(path, " -> ")),
	}
}

// reconstructCyclePath follows edges inside the SCC from its first node
// until it returns there.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)
	for {
		visited[current] = true
		var next string
		for _, neighbor := range graph[current] {
			if slices.Contains(scc, neighbor) && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}
