package engine

import (
	"fmt"
	"sort"

	"siteflow/internal/domain"
)

// Graph is the dependency graph of one version's steps, keyed by step key.
type Graph struct {
	Keys       []string
	DependsOn  map[string][]string
	Dependents map[string][]string
}

// BuildGraph validates step keys and dependency references. It does not
// check for cycles; see TopoSort.
func BuildGraph(steps []domain.StepDef) (*Graph, error) {
	g := &Graph{
		DependsOn:  make(map[string][]string, len(steps)),
		Dependents: make(map[string][]string, len(steps)),
	}
	for _, s := range steps {
		if s.StepKey == "" {
			return nil, invalidInput("step %s has empty key", s.ID)
		}
		if _, dup := g.DependsOn[s.StepKey]; dup {
			return nil, invalidInput("duplicate step key %s", s.StepKey)
		}
		g.Keys = append(g.Keys, s.StepKey)
		g.DependsOn[s.StepKey] = nil
	}
	for _, s := range steps {
		seen := map[string]bool{}
		for _, dep := range s.DependsOn {
			if dep == s.StepKey {
				return nil, &CyclicDependencyError{Cycle: []string{dep, dep}}
			}
			if _, ok := g.DependsOn[dep]; !ok {
				return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, s.StepKey, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.DependsOn[s.StepKey] = append(g.DependsOn[s.StepKey], dep)
			g.Dependents[dep] = append(g.Dependents[dep], s.StepKey)
		}
	}
	return g, nil
}

// TopoSort orders keys with Kahn's algorithm, ties broken by key order in
// g.Keys. On a cycle it returns a *CyclicDependencyError naming one cycle.
func (g *Graph) TopoSort() ([]string, error) {
	index := make(map[string]int, len(g.Keys))
	inDegree := make(map[string]int, len(g.Keys))
	for i, k := range g.Keys {
		index[k] = i
		inDegree[k] = len(g.DependsOn[k])
	}
	var queue []string
	for _, k := range g.Keys {
		if inDegree[k] == 0 {
			queue = append(queue, k)
		}
	}
	order := make([]string, 0, len(g.Keys))
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		order = append(order, k)
		var released []string
		for _, d := range g.Dependents[k] {
			inDegree[d]--
			if inDegree[d] == 0 {
				released = append(released, d)
			}
		}
		sort.Slice(released, func(i, j int) bool { return index[released[i]] < index[released[j]] })
		queue = append(queue, released...)
	}
	if len(order) != len(g.Keys) {
		return nil, &CyclicDependencyError{Cycle: g.findCycle(inDegree)}
	}
	return order, nil
}

// findCycle walks dependency edges among the nodes Kahn could not release
// until it revisits one.
func (g *Graph) findCycle(inDegree map[string]int) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := map[string]int{}
	var stack []string
	var cycle []string
	var visit func(k string) bool
	visit = func(k string) bool {
		state[k] = onStack
		stack = append(stack, k)
		for _, dep := range g.DependsOn[k] {
			switch state[dep] {
			case onStack:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[k] = done
		return false
	}
	for _, k := range g.Keys {
		if inDegree[k] > 0 && state[k] == unvisited {
			if visit(k) {
				return cycle
			}
		}
	}
	return nil
}

// ValidateDAG is BuildGraph followed by TopoSort.
func ValidateDAG(steps []domain.StepDef) ([]string, error) {
	g, err := BuildGraph(steps)
	if err != nil {
		return nil, err
	}
	return g.TopoSort()
}
