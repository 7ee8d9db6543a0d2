package graph

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/BTreeMap/LeadFlow/internal/models"
)

// Flow is a validated, indexed flow graph. It is never mutated after Compile
// and is shared by every conversation running it.
type Flow struct {
	id       string
	name     string
	start    *models.Node
	nodes    map[string]*models.Node
	outgoing map[string][]models.Decision
}

// Compile validates g and builds its execution index. Outgoing decisions are
// sorted by ascending priority, ties broken by ascending output handle.
func Compile(g *models.FlowGraph) (*Flow, error) {
	if err := Validate(g); err != nil {
		slog.Warn("graph.Compile: validation failed", "flowID", g.ID, "error", err)
		return nil, err
	}

	f := &Flow{
		id:       g.ID,
		name:     g.Name,
		nodes:    make(map[string]*models.Node, len(g.Nodes)),
		outgoing: make(map[string][]models.Decision),
	}
	for i := range g.Nodes {
		n := g.Nodes[i]
		f.nodes[n.ID] = &n
		if n.Type == models.NodeStart {
			f.start = f.nodes[n.ID]
		}
	}
	for _, d := range g.Edges {
		f.outgoing[d.SourceNodeID] = append(f.outgoing[d.SourceNodeID], d)
	}
	for id := range f.outgoing {
		decisions := f.outgoing[id]
		sort.SliceStable(decisions, func(i, j int) bool { return decisions[i].Less(decisions[j]) })
	}

	slog.Debug("graph.Compile: compiled flow", "flowID", f.id, "nodes", len(f.nodes))
	return f, nil
}

// Load parses, validates and compiles a JSON or YAML flow document.
func Load(data []byte) (*Flow, error) {
	g, err := Parse(data)
	if err != nil {
		return nil, err
	}
	f, err := Compile(g)
	if err != nil {
		return nil, fmt.Errorf("flow %q: %w", g.ID, err)
	}
	return f, nil
}

func (f *Flow) ID() string   { return f.id }
func (f *Flow) Name() string { return f.name }

// Start returns the entry node.
func (f *Flow) Start() *models.Node { return f.start }

// Node looks up a node by id.
func (f *Flow) Node(id string) (*models.Node, bool) {
	n, ok := f.nodes[id]
	return n, ok
}

// Outgoing returns the ordered decisions leaving a node. The slice is shared
// and must not be modified.
func (f *Flow) Outgoing(id string) []models.Decision {
	return f.outgoing[id]
}

// Default returns the node's Sempre decision, or its first decision.
func (f *Flow) Default(id string) (models.Decision, bool) {
	if d, ok := f.Always(id); ok {
		return d, true
	}
	if decisions := f.outgoing[id]; len(decisions) > 0 {
		return decisions[0], true
	}
	return models.Decision{}, false
}

// Always returns the node's Sempre decision, if it has one.
func (f *Flow) Always(id string) (models.Decision, bool) {
	for _, d := range f.outgoing[id] {
		if models.IsAlways(d.Condition) {
			return d, true
		}
	}
	return models.Decision{}, false
}

// OnlyAlways reports whether the node's sole decision is Sempre.
func (f *Flow) OnlyAlways(id string) bool {
	decisions := f.outgoing[id]
	return len(decisions) == 1 && models.IsAlways(decisions[0].Condition)
}

// Nodes returns every node ordered by id.
func (f *Flow) Nodes() []*models.Node {
	out := make([]*models.Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NodeCount returns the number of nodes in the flow.
func (f *Flow) NodeCount() int { return len(f.nodes) }
