// Package resolver computes ready/blocked partitions, cycle checks, and
// deterministic dispatch order over an immutable snapshot of the backlog.
// It never mutates and holds no state; the store hands it plain values.
package resolver

import (
	"sort"
)

// Node is the resolver's view of one feature.
type Node struct {
	ID           int64
	Priority     int64
	Passes       bool
	InProgress   bool
	Dependencies []int64
}

// Snapshot is a point-in-time view of all features in a project.
type Snapshot map[int64]Node

// Status tags used by Graph.
const (
	StatusDone       = "done"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusPending    = "pending"
)

// Blocked reports whether the feature has at least one non-passing dependency.
// Unknown dependency ids count as blocking; the store should never produce them.
func Blocked(s Snapshot, id int64) bool {
	n, ok := s[id]
	if !ok {
		return false
	}
	for _, dep := range n.Dependencies {
		d, ok := s[dep]
		if !ok || !d.Passes {
			return true
		}
	}
	return false
}

// Ready reports whether the feature is pending, unclaimed, and unblocked.
func Ready(s Snapshot, id int64) bool {
	n, ok := s[id]
	if !ok {
		return false
	}
	return !n.Passes && !n.InProgress && !Blocked(s, id)
}

// WouldCycle reports whether adding the edge from → to would close a cycle,
// i.e. whether from is reachable from to along existing dependency edges.
// A self edge (from == to) always cycles.
func WouldCycle(s Snapshot, from, to int64) bool {
	if from == to {
		return true
	}

	visited := make(map[int64]bool, len(s))
	stack := []int64{to}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == from {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if n, ok := s[cur]; ok {
			stack = append(stack, n.Dependencies...)
		}
	}
	return false
}

// rank is the composite scheduling score of a ready feature.
// Ordering: more unblocks first, then smaller remaining transitive
// dependency count, then lower priority, then lower id.
type rank struct {
	id       int64
	priority int64
	unblocks int
	depth    int
}

func rankLess(a, b rank) bool {
	if a.unblocks != b.unblocks {
		return a.unblocks > b.unblocks
	}
	if a.depth != b.depth {
		return a.depth < b.depth
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.id < b.id
}

// unblockCount counts features that would become ready if id passed:
// pending, unclaimed features whose only unmet dependency is id.
func unblockCount(s Snapshot, id int64) int {
	count := 0
	for _, g := range s {
		if g.Passes || g.InProgress {
			continue
		}
		dependsOnID := false
		othersMet := true
		for _, dep := range g.Dependencies {
			if dep == id {
				dependsOnID = true
				continue
			}
			d, ok := s[dep]
			if !ok || !d.Passes {
				othersMet = false
				break
			}
		}
		if dependsOnID && othersMet {
			count++
		}
	}
	return count
}

// transitiveDepth counts distinct non-passing features reachable through
// the dependency edges of id. For a ready feature the direct layer passes,
// so this measures unfinished work further down.
func transitiveDepth(s Snapshot, id int64) int {
	visited := make(map[int64]bool)
	var stack []int64
	if n, ok := s[id]; ok {
		stack = append(stack, n.Dependencies...)
	}

	depth := 0
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		n, ok := s[cur]
		if !ok {
			continue
		}
		if !n.Passes {
			depth++
		}
		stack = append(stack, n.Dependencies...)
	}
	return depth
}

// ReadyFeatures returns up to limit ready feature ids in dispatch order.
// The order is a total order, so identical snapshots produce identical
// results. limit <= 0 means no limit.
func ReadyFeatures(s Snapshot, limit int) []int64 {
	var ranks []rank
	for id, n := range s {
		if !Ready(s, id) {
			continue
		}
		ranks = append(ranks, rank{
			id:       id,
			priority: n.Priority,
			unblocks: unblockCount(s, id),
			depth:    transitiveDepth(s, id),
		})
	}

	sort.Slice(ranks, func(i, j int) bool { return rankLess(ranks[i], ranks[j]) })

	if limit > 0 && len(ranks) > limit {
		ranks = ranks[:limit]
	}

	ids := make([]int64, len(ranks))
	for i, r := range ranks {
		ids[i] = r.id
	}
	return ids
}

// BlockedFeature pairs a blocked feature with its current blocking set.
type BlockedFeature struct {
	ID        int64
	BlockedBy []int64
}

// BlockedFeatures returns up to limit blocked features ordered by priority
// then id, each with the sorted ids of its non-passing dependencies.
// limit <= 0 means no limit.
func BlockedFeatures(s Snapshot, limit int) []BlockedFeature {
	type entry struct {
		id       int64
		priority int64
	}
	var entries []entry
	for id, n := range s {
		if n.Passes || !Blocked(s, id) {
			continue
		}
		entries = append(entries, entry{id: id, priority: n.Priority})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].id < entries[j].id
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]BlockedFeature, 0, len(entries))
	for _, e := range entries {
		n := s[e.id]
		var blockedBy []int64
		for _, dep := range n.Dependencies {
			d, ok := s[dep]
			if !ok || !d.Passes {
				blockedBy = append(blockedBy, dep)
			}
		}
		sort.Slice(blockedBy, func(i, j int) bool { return blockedBy[i] < blockedBy[j] })
		out = append(out, BlockedFeature{ID: e.id, BlockedBy: blockedBy})
	}
	return out
}

// GraphNode is one node of the dependency graph view.
type GraphNode struct {
	ID     int64
	Status string
}

// GraphEdge is one dependency edge (From depends on To).
type GraphEdge struct {
	From int64
	To   int64
}

// GraphView is the full graph with computed status tags.
type GraphView struct {
	Nodes []GraphNode
	Edges []GraphEdge
}

// Graph returns every node with its status tag plus the edge list,
// both sorted by id for stable output.
func Graph(s Snapshot) GraphView {
	var view GraphView
	for id, n := range s {
		status := StatusPending
		switch {
		case n.Passes:
			status = StatusDone
		case n.InProgress:
			status = StatusInProgress
		case Blocked(s, id):
			status = StatusBlocked
		}
		view.Nodes = append(view.Nodes, GraphNode{ID: id, Status: status})
		for _, dep := range n.Dependencies {
			view.Edges = append(view.Edges, GraphEdge{From: id, To: dep})
		}
	}

	sort.Slice(view.Nodes, func(i, j int) bool { return view.Nodes[i].ID < view.Nodes[j].ID })
	sort.Slice(view.Edges, func(i, j int) bool {
		if view.Edges[i].From != view.Edges[j].From {
			return view.Edges[i].From < view.Edges[j].From
		}
		return view.Edges[i].To < view.Edges[j].To
	})
	return view
}
