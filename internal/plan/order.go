package plan

import "fmt"

// StartOrder returns the groups in launch order: declaration order, except
// that a group is always placed after every group named in its After list.
// Returns an error if the After lists form a cycle.
func (p *Plan) StartOrder() ([]ServiceGroup, error) {
	byName := make(map[string]int, len(p.Groups))
	for i, g := range p.Groups {
		byName[g.Name] = i
	}

	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	order := make([]ServiceGroup, 0, len(p.Groups))

	var visit func(name string) error
	visit = func(name string) error {
		if inStack[name] {
			return fmt.Errorf("group dependency cycle detected at %q", name)
		}
		if visited[name] {
			return nil
		}

		inStack[name] = true
		g := p.Groups[byName[name]]
		for _, dep := range g.After {
			if _, ok := byName[dep]; !ok {
				continue // reported by Validate
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		inStack[name] = false
		visited[name] = true
		order = append(order, g)
		return nil
	}

	for _, g := range p.Groups {
		if err := visit(g.Name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
