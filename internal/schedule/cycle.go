package schedule

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/ordserv/internal/hook"
)

// Cycle describes a set of rules whose invocations wait on each other.
type Cycle struct {
	Path    []string `json:"path"`    // ["A0/0/0", "B0/1/0", "A0/0/0"]
	Message string   `json:"message"` // Human-readable description
}

// graph maps an invocation to the invocations it releases.
type graph map[hook.Invocation][]hook.Invocation

// Analyze finds every cycle in the schedule's release graph.
//
// The algorithm:
//  1. Build after → release edges from the rules
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1, or a self-loop, as a cycle
//
// Nodes are visited in sorted order so the report is deterministic.
func Analyze(s *Schedule) []Cycle {
	if s == nil || len(s.Rules) == 0 {
		return nil
	}
	g := make(graph)
	for _, rule := range s.Rules {
		g[rule.After] = append(g[rule.After], rule.Release...)
	}

	var cycles []Cycle
	for _, scc := range tarjanSCC(g) {
		if len(scc) > 1 || hasSelfLoop(scc[0], g) {
			cycles = append(cycles, sccToCycle(scc, g))
		}
	}
	return cycles
}

func hasSelfLoop(node hook.Invocation, g graph) bool {
	for _, next := range g[node] {
		if next == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
func tarjanSCC(g graph) [][]hook.Invocation {
	var (
		index   = 0
		stack   []hook.Invocation
		indices = make(map[hook.Invocation]int)
		lowlink = make(map[hook.Invocation]int)
		onStack = make(map[hook.Invocation]bool)
		sccs    [][]hook.Invocation
	)

	var strongConnect func(hook.Invocation)
	strongConnect = func(v hook.Invocation) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []hook.Invocation
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sortInvocations(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]hook.Invocation, 0, len(g))
	for node := range g {
		nodes = append(nodes, node)
	}
	sortInvocations(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	sort.SliceStable(sccs, func(i, j int) bool {
		return sccs[i][0].String() < sccs[j][0].String()
	})
	return sccs
}

func sccToCycle(scc []hook.Invocation, g graph) Cycle {
	members := append([]hook.Invocation(nil), scc...)
	sortInvocations(members)

	if len(members) == 1 {
		name := members[0].String()
		return Cycle{
			Path:    []string{name, name},
			Message: fmt.Sprintf("%s releases itself", name),
		}
	}

	path := reconstructCyclePath(members, g)
	return Cycle{
		Path:    path,
		Message: fmt.Sprintf("rules wait on each other: %s", strings.Join(path, " → ")),
	}
}

// reconstructCyclePath walks edges inside the SCC from its first member
// until it returns to the start.
func reconstructCyclePath(scc []hook.Invocation, g graph) []string {
	inSCC := make(map[hook.Invocation]bool, len(scc))
	for _, node := range scc {
		inSCC[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current.String()}
	visited := make(map[hook.Invocation]bool)

	for {
		visited[current] = true

		var (
			next  hook.Invocation
			found bool
		)
		for _, neighbor := range g[current] {
			if inSCC[neighbor] && (!visited[neighbor] || neighbor == start) {
				next, found = neighbor, true
				break
			}
		}
		if !found {
			break
		}

		path = append(path, next.String())
		if next == start {
			break
		}
		current = next
	}
	return path
}
