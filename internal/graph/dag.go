package graph

import "github.com/forgebase/orchestrator/internal/model"

// DepGraph is an in-memory directed dependency graph over a TaskGraph's
// nodes, built once so the orchestrator and plan parser can ask dependency
// questions without round-tripping through SQLite.
type DepGraph struct {
	nodes   map[string]model.TaskNode
	forward map[string][]string // task -> depends on these
	reverse map[string][]string // task -> blocks these
}

// BuildDepGraph constructs a DepGraph from a TaskGraph's nodes.
func BuildDepGraph(g model.TaskGraph) *DepGraph {
	d := &DepGraph{
		nodes:   make(map[string]model.TaskNode, len(g.Nodes)),
		forward: make(map[string][]string),
		reverse: make(map[string][]string),
	}
	for _, n := range g.Nodes {
		d.nodes[n.TaskID] = n
	}
	for _, n := range g.Nodes {
		if len(n.Dependencies) == 0 {
			continue
		}
		d.forward[n.TaskID] = append(d.forward[n.TaskID], n.Dependencies...)
		for _, dep := range n.Dependencies {
			d.reverse[dep] = append(d.reverse[dep], n.TaskID)
		}
	}
	return d
}

// DependsOn returns a copy of the IDs the given task depends on.
func (d *DepGraph) DependsOn(id string) []string {
	s := d.forward[id]
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// Blocks returns a copy of the IDs blocked by the given task.
func (d *DepGraph) Blocks(id string) []string {
	s := d.reverse[id]
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// Ready returns the IDs of tasks whose dependencies are all in done.
func (d *DepGraph) Ready(done map[string]bool) []string {
	var out []string
	for id, n := range d.nodes {
		if done[id] {
			continue
		}
		blocked := false
		for _, dep := range n.Dependencies {
			if !done[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, id)
		}
	}
	return out
}

// DetectCycle reports whether the graph contains a cycle, returning the ID
// of a task that participates in one if so.
func DetectCycle(g model.TaskGraph) (string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))
	deps := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		deps[n.TaskID] = n.Dependencies
	}

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, n := range g.Nodes {
		if color[n.TaskID] == white {
			if visit(n.TaskID) {
				return n.TaskID, true
			}
		}
	}
	return "", false
}

// TopoSort returns the task IDs in an order consistent with their
// dependency edges. It assumes the graph is acyclic; callers should run
// DetectCycle first.
func TopoSort(g model.TaskGraph) []string {
	deps := make(map[string][]string, len(g.Nodes))
	var ids []string
	for _, n := range g.Nodes {
		deps[n.TaskID] = n.Dependencies
		ids = append(ids, n.TaskID)
	}

	visited := make(map[string]bool, len(ids))
	var order []string
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range deps[id] {
			visit(dep)
		}
		order = append(order, id)
	}
	for _, id := range ids {
		visit(id)
	}
	return order
}
