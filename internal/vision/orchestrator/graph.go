package orchestrator

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidGraph is returned by New for a stage set that cannot be run.
var ErrInvalidGraph = errors.New("invalid stage graph")

type node struct {
	spec       StageSpec
	name       string
	deps       []string
	dependents []string
	order      int // position in topological order
}

func (n *node) every() int {
	if n.spec.Every <= 1 {
		return 1
	}
	return n.spec.Every
}

// graph is the validated, immutable stage DAG shared by every run.
type graph struct {
	nodes map[string]*node
	topo  []*node
}

func buildGraph(specs []StageSpec) (*graph, error) {
	g := &graph{nodes: make(map[string]*node, len(specs))}
	for i, spec := range specs {
		if spec.Stage == nil {
			return nil, fmt.Errorf("%w: stage %d is nil", ErrInvalidGraph, i)
		}
		name := spec.Stage.Name()
		if name == "" {
			return nil, fmt.Errorf("%w: stage %d has no name", ErrInvalidGraph, i)
		}
		if _, dup := g.nodes[name]; dup {
			return nil, fmt.Errorf("%w: duplicate stage %q", ErrInvalidGraph, name)
		}
		g.nodes[name] = &node{spec: spec, name: name, deps: dedupe(spec.Stage.DependsOn())}
	}

	for _, n := range g.nodes {
		for _, d := range n.deps {
			dep, ok := g.nodes[d]
			if !ok {
				return nil, fmt.Errorf("%w: stage %q depends on unknown stage %q", ErrInvalidGraph, n.name, d)
			}
			if d == n.name {
				return nil, fmt.Errorf("%w: stage %q depends on itself", ErrInvalidGraph, n.name)
			}
			if dep.spec.Deferred {
				return nil, fmt.Errorf("%w: stage %q cannot depend on deferred stage %q", ErrInvalidGraph, n.name, d)
			}
			if dep.every() != 1 && dep.every() != n.every() {
				return nil, fmt.Errorf("%w: stage %q (every %d) depends on %q (every %d)",
					ErrInvalidGraph, n.name, n.every(), d, dep.every())
			}
			dep.dependents = append(dep.dependents, n.name)
		}
	}

	// Kahn's algorithm over sorted names keeps launch order deterministic.
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	indeg := make(map[string]int, len(names))
	var queue []string
	for _, name := range names {
		n := g.nodes[name]
		sort.Strings(n.dependents)
		indeg[name] = len(n.deps)
		if indeg[name] == 0 {
			queue = append(queue, name)
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		n := g.nodes[name]
		n.order = len(g.topo)
		g.topo = append(g.topo, n)
		for _, d := range n.dependents {
			indeg[d]--
			if indeg[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if len(g.topo) != len(g.nodes) {
		var cyclic []string
		for _, name := range names {
			if indeg[name] > 0 {
				cyclic = append(cyclic, name)
			}
		}
		return nil, fmt.Errorf("%w: dependency cycle among %v", ErrInvalidGraph, cyclic)
	}
	return g, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
