package compiler

import (
	"slices"
)

// dependencyGraph maps a shared collection to the shared collections it
// reads.
type dependencyGraph map[string][]string

// orderShared returns the shared pipelines in build order: every pipeline
// after the shared collections it reads. Cycles are reported as paths and
// their members are left out of the order.
//
// The algorithm:
//  1. Build shared → shared edges from from and with references
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Emit single-node components without self-loops in completion order,
//     which is dependency-first
func orderShared(shared map[string]Pipeline) (order []string, cycles [][]string) {
	graph := buildDependencyGraph(shared)
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || hasSelfLoop(scc[0], graph) {
			cycles = append(cycles, reconstructCyclePath(scc, graph))
			continue
		}
		order = append(order, scc[0])
	}
	return order, cycles
}

func buildDependencyGraph(shared map[string]Pipeline) dependencyGraph {
	graph := make(dependencyGraph, len(shared))
	for name, p := range shared {
		deps := []string{}
		refs := []string{p.From}
		for _, s := range p.Steps {
			refs = append(refs, s.With...)
		}
		for _, ref := range refs {
			if _, ok := shared[ref]; ok && !slices.Contains(deps, ref) {
				deps = append(deps, ref)
			}
		}
		slices.Sort(deps)
		graph[name] = deps
	}
	return graph
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph dependencyGraph) bool {
	return slices.Contains(graph[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in sorted order so the result is deterministic. A
// component is emitted only after every component it reaches.
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
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	for _, node := range sortedKeys(graph) {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// reconstructCyclePath builds a closed path through an SCC, starting at its
// first member.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	inSCC := make(map[string]bool, len(scc))
	for _, node := range scc {
		inSCC[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)
	for {
		visited[current] = true
		var next string
		for _, neighbor := range graph[current] {
			if inSCC[neighbor] && (!visited[neighbor] || neighbor == start) {
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

// SharedOrder returns the acyclic shared collection names, dependencies
// first. This is the order the service builds them in.
func (d *Definition) SharedOrder() []string {
	order, _ := orderShared(d.Shared)
	return order
}
