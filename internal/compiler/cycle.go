package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/cepcore/internal/runtime"
)

// CycleWarning represents a potential insert-into feedback loop.
//
// Cycles are warnings, not errors: a statement that routes its own output
// back into itself is legal and terminates when its filters stop matching.
type CycleWarning struct {
	Path    []string `json:"path"`    // Cycle path: ["a", "b", "a"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning" or "info"
}

// AnalyzeCycles builds the statement dependency graph and reports each
// strongly connected component.
//
// An edge a → b exists when a's insert_into type is the type of one of b's
// filter streams, or a's into_window is one of b's window streams.
//
// A DAG (no cycles) returns an empty warning list.
func AnalyzeCycles(defs []runtime.StatementDef) []CycleWarning {
	if len(defs) == 0 {
		return []CycleWarning{}
	}

	graph := buildDependencyGraph(defs)
	sccs := tarjanSCC(graph)

	warnings := []CycleWarning{}
	for _, scc := range sccs {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			warnings = append(warnings, cycleSCCToWarning(scc, graph))
		}
	}
	sort.Slice(warnings, func(i, j int) bool {
		return warnings[i].Path[0] < warnings[j].Path[0]
	})
	return warnings
}

// dependencyGraph maps statement name → statements fed by its output.
type dependencyGraph map[string][]string

func buildDependencyGraph(defs []runtime.StatementDef) dependencyGraph {
	graph := make(dependencyGraph, len(defs))

	byType := make(map[string][]string)
	byWindow := make(map[string][]string)
	for _, def := range defs {
		for _, s := range def.Streams {
			switch {
			case s.Window != "":
				byWindow[s.Window] = appendUnique(byWindow[s.Window], def.Name)
			case s.Filter != nil:
				byType[s.Filter.TypeName] = appendUnique(byType[s.Filter.TypeName], def.Name)
			}
		}
	}

	for _, def := range defs {
		edges := []string{}
		if def.InsertInto != nil {
			for _, to := range byType[def.InsertInto.TypeName] {
				edges = appendUnique(edges, to)
			}
		}
		if def.IntoWindow != "" {
			for _, to := range byWindow[def.IntoWindow] {
				edges = appendUnique(edges, to)
			}
		}
		sort.Strings(edges)
		graph[def.Name] = edges
	}
	return graph
}

func appendUnique(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph dependencyGraph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
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
			sort.Strings(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

func cycleSCCToWarning(scc []string, graph dependencyGraph) CycleWarning {
	if len(scc) == 1 {
		name := scc[0]
		return CycleWarning{
			Path:    []string{name, name},
			Message: fmt.Sprintf("Statement consumes its own output: %s → %s", name, name),
			Level:   "warning",
		}
	}

	path := reconstructCyclePath(scc, graph)
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("Potential cycle detected: %s", strings.Join(path, " → ")),
		Level:   "warning",
	}
}

// reconstructCyclePath walks SCC edges from the first member until it
// returns to the start.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	sccSet := make(map[string]bool, len(scc))
	for _, node := range scc {
		sccSet[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true

		var next string
		for _, neighbor := range graph[current] {
			if sccSet[neighbor] && (!visited[neighbor] || neighbor == start) {
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
