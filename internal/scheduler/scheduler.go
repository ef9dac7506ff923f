// Package scheduler orders a descriptor set so that every service comes after
// everything it depends on. It is pure: nothing here touches the host.
package scheduler

import (
	"fmt"

	"stackup/internal/descriptor"
	"stackup/internal/errors"
)

// Plan returns service ids in dependency order. Among services whose
// dependencies are all satisfied, the one declared first goes first, so the
// same set always yields the same plan. A cycle fails with a CYCLE error
// naming the services on it.
func Plan(set *descriptor.Set) ([]string, error) {
	ids := set.IDs()
	position := make(map[string]int, len(ids))
	for i, id := range ids {
		position[id] = i
	}

	remaining := make([]int, len(ids))
	dependents := make([][]int, len(ids))
	for i, svc := range set.Services {
		for _, dep := range uniq(svc.DependsOn) {
			j, ok := position[dep]
			if !ok {
				return nil, errors.ConfigValidationError(svc.ID+".depends_on", fmt.Sprintf("unknown service %q", dep))
			}
			remaining[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	placed := make([]bool, len(ids))
	order := make([]string, 0, len(ids))
	for len(order) < len(ids) {
		next := -1
		for i := range ids {
			if !placed[i] && remaining[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, errors.Cycle(findCycle(set, placed, position))
		}

		placed[next] = true
		order = append(order, ids[next])
		for _, d := range dependents[next] {
			remaining[d]--
		}
	}

	return order, nil
}

// findCycle walks the unplaced services and returns one cycle in path order,
// starting and ending at the same id.
func findCycle(set *descriptor.Set, placed []bool, position map[string]int) []string {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make([]int, len(set.Services))
	var stack []string

	var dfs func(i int) []string
	dfs = func(i int) []string {
		state[i] = visiting
		stack = append(stack, set.Services[i].ID)
		for _, dep := range set.Services[i].DependsOn {
			j := position[dep]
			if placed[j] {
				continue
			}
			switch state[j] {
			case visiting:
				for k, id := range stack {
					if id == dep {
						cycle := append([]string{}, stack[k:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if c := dfs(j); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[i] = visited
		return nil
	}

	for i := range set.Services {
		if !placed[i] && state[i] == unvisited {
			if c := dfs(i); c != nil {
				return c
			}
		}
	}
	return nil
}

// Dependents returns every service that transitively depends on id, in
// declaration order.
func Dependents(set *descriptor.Set, id string) []string {
	affected := map[string]bool{id: true}
	for changed := true; changed; {
		changed = false
		for _, svc := range set.Services {
			if affected[svc.ID] {
				continue
			}
			for _, dep := range svc.DependsOn {
				if affected[dep] {
					affected[svc.ID] = true
					changed = true
					break
				}
			}
		}
	}

	var out []string
	for _, svc := range set.Services {
		if svc.ID != id && affected[svc.ID] {
			out = append(out, svc.ID)
		}
	}
	return out
}

// Subset returns a new set with the requested services and everything they
// transitively depend on, keeping declaration order.
func Subset(set *descriptor.Set, ids []string) (*descriptor.Set, error) {
	keep := make(map[string]bool)
	var visit func(id string) error
	visit = func(id string) error {
		if keep[id] {
			return nil
		}
		svc, ok := set.Get(id)
		if !ok {
			return errors.NotFound("service", id)
		}
		keep[id] = true
		for _, dep := range svc.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	services := make([]*descriptor.Service, 0, len(keep))
	for _, svc := range set.Services {
		if keep[svc.ID] {
			services = append(services, svc)
		}
	}
	return descriptor.NewSet(set.Name, services)
}

func uniq(in []string) []string {
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
