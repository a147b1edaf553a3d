package plan

import (
	"fmt"
	"strconv"

	"github.com/knothic/anvil/core"
)

// Validate checks the plan's structural invariants: at least an identity per
// step, unique step ids, dependencies that resolve, and an acyclic dependency
// relation. It runs before persistence so invalid plans are never stored.
func (p *Plan) Validate() error {
	ids := make(map[string]*Step, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %q has no id", s.Name)
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("duplicate step id %s", s.ID)
		}
		ids[s.ID] = s
	}

	for _, s := range p.Steps {
		for _, dep := range s.Deps {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("step %s depends on unknown step %s", s.ID, dep)
			}
		}
	}

	// Cycle detection via DFS over dependency edges; any back-edge is a cycle.
	const (
		white = 0 // unvisited
		gray  = 1 // on stack
		black = 2 // finished
	)
	color := make(map[string]int, len(p.Steps))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range ids[id].Deps {
			switch color[dep] {
			case gray:
				return fmt.Errorf("step %s: %w", id, core.ErrPlanCycle)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}

	return nil
}

// NormalizeDeps rewrites dependency references given as decimal indices into
// the submitted step list ("0", "1", …) to step identities. References that
// are neither a known identity nor a valid index are rejected. The submit
// path runs this before Validate.
func (p *Plan) NormalizeDeps() error {
	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		ids[s.ID] = true
	}

	for _, s := range p.Steps {
		for i, dep := range s.Deps {
			if ids[dep] {
				continue
			}
			idx, err := strconv.Atoi(dep)
			if err != nil || idx < 0 || idx >= len(p.Steps) {
				return fmt.Errorf("step %s: unknown dependency reference %q", s.ID, dep)
			}
			s.Deps[i] = p.Steps[idx].ID
		}
	}
	return nil
}
