package cob

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/hashicorp/go-multierror"
	"github.com/hearth-dev/hearth/internal/storage"
)

// Graph is a loaded change DAG for one object: the surviving entries
// after pruning, plus the tip set evaluation reports back.
type Graph struct {
	// Root is the object id.
	Root plumbing.Hash
	// Entries holds every surviving change, keyed by id.
	Entries map[plumbing.Hash]*Change
	// children maps a change to the ids that declare it as parent.
	children map[plumbing.Hash][]plumbing.Hash
	// Pruned collects the reasons subtrees were dropped, one per root
	// cause, for warn-level reporting.
	Pruned *multierror.Error
}

// loadGraph walks backwards from the given tips, decoding every
// reachable change of the expected type, then prunes:
//
//   - changes that fail to decode or whose type does not match,
//   - changes whose signature does not verify,
//   - changes with a missing parent,
//
// and, transitively, every descendant of a pruned change. Pruning is
// per-subtree: the rest of the object stays evaluable.
func loadGraph(repo *storage.Repository, root plumbing.Hash, expected TypeName, tips []plumbing.Hash) (*Graph, error) {
	g := &Graph{Root: root, Entries: make(map[plumbing.Hash]*Change), children: make(map[plumbing.Hash][]plumbing.Hash)}
	bad := make(map[plumbing.Hash]string) // id -> prune reason (root causes only)

	queue := append([]plumbing.Hash(nil), tips...)
	visited := make(map[plumbing.Hash]bool)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		change, err := readChange(repo, id)
		if err != nil {
			bad[id] = err.Error()
			continue
		}
		if change.Type != expected {
			bad[id] = fmt.Sprintf("change %s: type %q does not match object type %q", id, change.Type, expected)
			continue
		}
		if !change.Verify() {
			bad[id] = fmt.Sprintf("change %s: signature does not verify against %s", id, change.Author.Did())
			continue
		}
		g.Entries[id] = change
		queue = append(queue, change.Parents...)
	}

	// A change whose parent is absent from the object database was
	// delivered ahead of its history; prune it the same way.
	for id, change := range g.Entries {
		for _, parent := range change.Parents {
			if _, ok := g.Entries[parent]; ok {
				continue
			}
			if _, alreadyBad := bad[parent]; alreadyBad {
				continue // descendant of a pruned subtree, swept below
			}
			bad[id] = fmt.Sprintf("change %s: missing parent %s", id, parent)
			break
		}
	}

	// Sweep descendants of every bad change. One log line per root
	// cause, not per descendant.
	for id := range g.Entries {
		g.children[id] = nil
	}
	for id, change := range g.Entries {
		for _, parent := range change.Parents {
			g.children[parent] = append(g.children[parent], id)
		}
	}
	var sweep []plumbing.Hash
	for id, reason := range bad {
		g.Pruned = multierror.Append(g.Pruned, fmt.Errorf("%s", reason))
		slog.Warn("pruned change subtree", "object", root.String(), "change", id.String(), "reason", reason)
		sweep = append(sweep, id)
	}
	for len(sweep) > 0 {
		id := sweep[0]
		sweep = sweep[1:]
		if _, ok := g.Entries[id]; ok {
			delete(g.Entries, id)
		}
		sweep = append(sweep, g.children[id]...)
	}

	if _, ok := g.Entries[root]; !ok {
		return nil, fmt.Errorf("cob: object %s has no valid root change", root)
	}
	return g, nil
}

// Order returns the deterministic total order over the surviving
// entries: a topological sort with ready candidates chosen by change id
// (lexicographic on OID), then Lamport clock. Every node observing the
// same subgraph computes the same order.
func (g *Graph) Order() []*Change {
	indegree := make(map[plumbing.Hash]int, len(g.Entries))
	for id, change := range g.Entries {
		count := 0
		for _, parent := range change.Parents {
			if _, ok := g.Entries[parent]; ok {
				count++
			}
		}
		indegree[id] = count
	}

	var ready []*Change
	for id, change := range g.Entries {
		if indegree[id] == 0 {
			ready = append(ready, change)
		}
	}
	sortReady(ready)

	out := make([]*Change, 0, len(g.Entries))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		out = append(out, next)

		released := false
		for _, child := range g.children[next.ID] {
			if _, ok := g.Entries[child]; !ok {
				continue
			}
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, g.Entries[child])
				released = true
			}
		}
		if released {
			sortReady(ready)
		}
	}
	return out
}

// sortReady orders ready candidates by OID, then Lamport clock. OIDs are
// unique, so the clock comparison only matters if ids ever collide; it
// is kept to match the agreed tie-break rule exactly.
func sortReady(ready []*Change) {
	sort.Slice(ready, func(i, j int) bool {
		cmp := compareHash(ready[i].ID, ready[j].ID)
		if cmp != 0 {
			return cmp < 0
		}
		return ready[i].Clock < ready[j].Clock
	})
}

func compareHash(a, b plumbing.Hash) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Tips returns the childless entries, sorted by id.
func (g *Graph) Tips() []plumbing.Hash {
	var tips []plumbing.Hash
	for id := range g.Entries {
		live := false
		for _, child := range g.children[id] {
			if _, ok := g.Entries[child]; ok {
				live = true
				break
			}
		}
		if !live {
			tips = append(tips, id)
		}
	}
	sort.Slice(tips, func(i, j int) bool { return compareHash(tips[i], tips[j]) < 0 })
	return tips
}
