// Package graph provides ancestor-set bookkeeping over parent maps keyed by
// version id. The weave keeps its own integer-indexed variant inline; this
// package serves the pack and reconcile layers, which work with string ids.
package graph

import (
	"fmt"
	"sort"
)

// Closure returns the transitive ancestor closure of seeds, seeds included.
// Parents missing from the map are treated as having no parents.
func Closure(parents map[string][]string, seeds []string) map[string]struct{} {
	result := make(map[string]struct{}, len(seeds))
	pending := append([]string(nil), seeds...)
	for len(pending) > 0 {
		v := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, ok := result[v]; ok {
			continue
		}
		result[v] = struct{}{}
		pending = append(pending, parents[v]...)
	}
	return result
}

// TopoSort orders every version in the parent map ancestors-first. Parents
// not present as keys are treated as external and ignored. Returns an error
// on a cycle, which indicates corrupt ancestry.
func TopoSort(parents map[string][]string) ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(parents))
	order := make([]string, 0, len(parents))

	var visit func(v string) error
	visit = func(v string) error {
		switch state[v] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("cycle in ancestry at %q", v)
		}
		state[v] = visiting
		for _, p := range parents[v] {
			if _, ok := parents[p]; !ok {
				continue
			}
			if err := visit(p); err != nil {
				return err
			}
		}
		state[v] = done
		order = append(order, v)
		return nil
	}

	// Deterministic iteration keeps the output stable across runs.
	for _, v := range sortedKeys(parents) {
		if err := visit(v); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
