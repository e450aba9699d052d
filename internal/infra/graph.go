package infra

import (
	"context"
	"fmt"
	"strings"
)

// step is one convergence stage. after names the stages whose outputs it
// consumes.
type step struct {
	name  string
	after []string
	run   func(ctx context.Context) error
}

// order returns steps so each one follows everything it depends on.
// Independent steps keep their declaration order so passes are
// reproducible.
func order(steps []step) ([]step, error) {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, dup := index[s.name]; dup {
			return nil, fmt.Errorf("duplicate convergence step %q", s.name)
		}
		index[s.name] = i
	}
	for _, s := range steps {
		for _, dep := range s.after {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", s.name, dep)
			}
		}
	}

	done := make(map[string]bool, len(steps))
	sorted := make([]step, 0, len(steps))
	for len(sorted) < len(steps) {
		next := -1
		for i, s := range steps {
			if !done[s.name] && satisfied(s, done) {
				next = i
				break
			}
		}
		if next < 0 {
			var pending []string
			for _, s := range steps {
				if !done[s.name] {
					pending = append(pending, s.name)
				}
			}
			return nil, fmt.Errorf("dependency cycle among convergence steps: %s", strings.Join(pending, ", "))
		}
		done[steps[next].name] = true
		sorted = append(sorted, steps[next])
	}
	return sorted, nil
}

func satisfied(s step, done map[string]bool) bool {
	for _, dep := range s.after {
		if !done[dep] {
			return false
		}
	}
	return true
}
