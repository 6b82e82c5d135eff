package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// Validate checks that steps form a well-formed acyclic graph and returns them in a
// deterministic topological order. A cycle yields *CyclicDependencyError; any other
// problem yields *ValidationError.
func Validate(steps []Step) ([]Step, error) {
	issues := &ValidationError{}
	if len(steps) == 0 {
		issues.Add("at least one step is required")
		return nil, issues
	}

	byID := make(map[string]Step, len(steps))
	for i, step := range steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			issues.Add(fmt.Sprintf("steps[%d].id is required", i))
			continue
		}
		if id != step.ID {
			issues.Add(fmt.Sprintf("steps[%d].id must not have surrounding whitespace", i))
		}
		if _, dup := byID[id]; dup {
			issues.Add(fmt.Sprintf("steps[%d].id %q is duplicated", i, id))
			continue
		}
		if step.Compute == nil {
			issues.Add(fmt.Sprintf("step %q has no compute function", id))
		}
		if step.Timeout < 0 {
			issues.Add(fmt.Sprintf("step %q timeout must be >= 0", id))
		}
		byID[id] = step
	}
	for _, step := range steps {
		seen := make(map[string]struct{}, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			if dep == step.ID {
				issues.Add(fmt.Sprintf("step %q depends on itself", step.ID))
				continue
			}
			if _, ok := byID[dep]; !ok {
				issues.Add(fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep))
			}
			if _, dup := seen[dep]; dup {
				issues.Add(fmt.Sprintf("step %q lists dependency %q twice", step.ID, dep))
			}
			seen[dep] = struct{}{}
		}
	}
	if err := issues.OrNil(); err != nil {
		return nil, err
	}
	return topoSort(steps, byID)
}

func topoSort(steps []Step, byID map[string]Step) ([]Step, error) {
	inDegree := make(map[string]int, len(byID))
	dependents := make(map[string][]string, len(byID))
	for _, step := range steps {
		inDegree[step.ID] += 0
		for _, dep := range step.Dependencies {
			dependents[dep] = append(dependents[dep], step.ID)
			inDegree[step.ID]++
		}
	}

	ready := make([]string, 0, len(byID))
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	ordered := make([]Step, 0, len(byID))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byID[id])
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				sort.Strings(ready)
			}
		}
	}

	if len(ordered) != len(byID) {
		cyclic := make([]string, 0, len(byID)-len(ordered))
		for id, degree := range inDegree {
			if degree > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return nil, &CyclicDependencyError{Steps: cyclic}
	}
	return ordered, nil
}
