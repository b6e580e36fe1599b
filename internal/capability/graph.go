package capability

import (
	"errors"
	"fmt"
	"sort"
)

// ErrCyclicInheritance indicates the declared inheritance edges form a cycle.
var ErrCyclicInheritance = errors.New("capability: cyclic inheritance")

// ErrUnknownCapability indicates a capability that is not in the catalog.
var ErrUnknownCapability = errors.New("capability: unknown capability")

// Graph holds the static inheritance closure for platform-wide capabilities.
// It is built once at startup and is safe for concurrent reads.
type Graph struct {
	specs    map[Capability]Spec
	closures map[Capability][]Capability
	all      []Capability
}

// ScopedGraph holds the static inheritance closure for application-scoped
// capabilities.
type ScopedGraph struct {
	specs    map[ScopedCapability]ScopedSpec
	closures map[ScopedCapability][]ScopedCapability
	all      []ScopedCapability
}

// NewGraph builds the platform-wide graph from the registration table. It
// fails if any inheritance edge points at an undeclared capability or if the
// edges form a cycle.
func NewGraph(catalog map[Capability]Spec) (*Graph, error) {
	edges := make(map[Capability][]Capability, len(catalog))
	for c, spec := range catalog {
		for _, dep := range spec.InheritsFrom {
			if _, ok := catalog[dep]; !ok {
				return nil, fmt.Errorf("%w: %s inherits undeclared %s", ErrUnknownCapability, c, dep)
			}
		}
		edges[c] = spec.InheritsFrom
	}
	closures, err := computeClosures(edges)
	if err != nil {
		return nil, err
	}

	all := make([]Capability, 0, len(catalog))
	for c := range catalog {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	// Superuser implies everything; its closure is the whole catalog rather
	// than whatever edges were declared for it.
	closures[Superuser] = all

	return &Graph{specs: catalog, closures: closures, all: all}, nil
}

// NewScopedGraph builds the application-scoped graph from its registration
// table, with the same edge and cycle checks as NewGraph.
func NewScopedGraph(catalog map[ScopedCapability]ScopedSpec) (*ScopedGraph, error) {
	edges := make(map[ScopedCapability][]ScopedCapability, len(catalog))
	for c, spec := range catalog {
		for _, dep := range spec.InheritsFrom {
			if _, ok := catalog[dep]; !ok {
				return nil, fmt.Errorf("%w: %s inherits undeclared %s", ErrUnknownCapability, c, dep)
			}
		}
		edges[c] = spec.InheritsFrom
	}
	closures, err := computeClosures(edges)
	if err != nil {
		return nil, err
	}

	all := make([]ScopedCapability, 0, len(catalog))
	for c := range catalog {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	return &ScopedGraph{specs: catalog, closures: closures, all: all}, nil
}

// MustGraph builds the default platform-wide graph and panics on failure.
// The catalog is compiled in, so a failure here is a programming error.
func MustGraph() *Graph {
	g, err := NewGraph(Catalog())
	if err != nil {
		panic(err)
	}
	return g
}

// MustScopedGraph builds the default application-scoped graph and panics on
// failure.
func MustScopedGraph() *ScopedGraph {
	g, err := NewScopedGraph(ScopedCatalog())
	if err != nil {
		panic(err)
	}
	return g
}

// Known reports whether the capability is declared in the catalog.
func (g *Graph) Known(c Capability) bool {
	_, ok := g.specs[c]
	return ok
}

// IsGlobalOnly reports whether the capability may only be granted
// platform-wide.
func (g *Graph) IsGlobalOnly(c Capability) bool {
	return g.specs[c].GlobalOnly
}

// Closure returns the capability itself plus every capability reachable via
// inheritance edges, in deterministic order. The returned slice is shared and
// must not be mutated.
func (g *Graph) Closure(c Capability) []Capability {
	return g.closures[c]
}

// All returns every declared capability in deterministic order.
func (g *Graph) All() []Capability {
	return g.all
}

// Known reports whether the scoped capability is declared.
func (g *ScopedGraph) Known(c ScopedCapability) bool {
	_, ok := g.specs[c]
	return ok
}

// Closure returns the scoped capability plus everything reachable via
// inheritance edges, in deterministic order.
func (g *ScopedGraph) Closure(c ScopedCapability) []ScopedCapability {
	return g.closures[c]
}

// All returns every declared scoped capability in deterministic order.
func (g *ScopedGraph) All() []ScopedCapability {
	return g.all
}

// computeClosures memoizes the transitive closure of every node with an
// three-color depth-first walk. A gray node reached twice is a cycle.
func computeClosures[C ~string](edges map[C][]C) (map[C][]C, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[C]int, len(edges))
	closures := make(map[C][]C, len(edges))

	var visit func(C) error
	visit = func(node C) error {
		switch color[node] {
		case gray:
			return fmt.Errorf("%w: at %s", ErrCyclicInheritance, node)
		case black:
			return nil
		}
		color[node] = gray
		reach := map[C]struct{}{node: {}}
		for _, dep := range edges[node] {
			if err := visit(dep); err != nil {
				return err
			}
			for _, c := range closures[dep] {
				reach[c] = struct{}{}
			}
		}
		color[node] = black

		closure := make([]C, 0, len(reach))
		for c := range reach {
			closure = append(closure, c)
		}
		sort.Slice(closure, func(i, j int) bool { return closure[i] < closure[j] })
		closures[node] = closure
		return nil
	}

	nodes := make([]C, 0, len(edges))
	for node := range edges {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	for _, node := range nodes {
		if err := visit(node); err != nil {
			return nil, err
		}
	}
	return closures, nil
}
