package graph

import (
	"strings"

	"github.com/h3ow3d/infragraph/internal/cfgerr"
)

// TopoSort orders names so that every name comes after the names deps
// returns for it. Ties are broken by the order of names, so the result is
// deterministic. Dependencies outside names are dangling references.
func TopoSort(names []string, deps func(string) []string) ([]string, error) {
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}

	indegree := make([]int, len(names))
	dependents := make([][]int, len(names))
	for i, n := range names {
		for _, d := range deps(n) {
			j, ok := index[d]
			if !ok {
				return nil, cfgerr.Newf(opGraph, ErrDanglingReference, "%s depends on unknown %s", n, d)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// Ready set kept sorted by input position.
	var ready []int
	for i := range names {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]string, 0, len(names))
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		out = append(out, names[cur])
		for _, j := range dependents[cur] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = insertSorted(ready, j)
			}
		}
	}

	if len(out) != len(names) {
		var stuck []string
		for i, n := range names {
			if indegree[i] > 0 {
				stuck = append(stuck, n)
			}
		}
		return nil, cfgerr.Newf(opGraph, ErrCycle, "involving %s", strings.Join(stuck, ", "))
	}
	return out, nil
}

func insertSorted(s []int, v int) []int {
	i := 0
	for i < len(s) && s[i] < v {
		i++
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
