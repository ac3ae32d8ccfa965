package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/habitushome/habitus/pkg/core"
	"github.com/habitushome/habitus/pkg/graph"
	"github.com/habitushome/habitus/pkg/miner"
)

// Query API caps.
const (
	MaxStateNodes  = 500
	MaxStateEdges  = 1500
	MaxPageSize    = 100
	MaxPatternRows = 20
)

// StateFilter scopes a GetState query. A Center switches the query to a
// neighborhood expansion.
type StateFilter struct {
	Kinds      []graph.NodeKind
	Domains    []string
	Center     string
	Hops       int
	LimitNodes int
	LimitEdges int
}

// StateView is the graph slice returned to external consumers.
type StateView struct {
	Nodes         []graph.Node `json:"nodes"`
	Edges         []graph.Edge `json:"edges"`
	GeneratedAtMS int64        `json:"generated_at_ms"`
}

// NodePage is one page of a GetNodes listing.
type NodePage struct {
	Nodes   []graph.Node `json:"nodes"`
	Page    int          `json:"page"`
	PerPage int          `json:"per_page"`
	Total   int          `json:"total"`
}

// GetState returns a filtered slice of the graph. With a center set the
// slice is the center's neighborhood; every returned edge has both
// endpoints in the returned node set.
func (c *Core) GetState(ctx context.Context, f StateFilter) (StateView, error) {
	limitNodes := f.LimitNodes
	if limitNodes <= 0 || limitNodes > MaxStateNodes {
		limitNodes = MaxStateNodes
	}
	limitEdges := f.LimitEdges
	if limitEdges <= 0 || limitEdges > MaxStateEdges {
		limitEdges = MaxStateEdges
	}
	view := StateView{GeneratedAtMS: time.Now().UnixMilli()}

	if f.Center != "" {
		hops := f.Hops
		if hops <= 0 {
			hops = 1
		}
		nodes, edges, err := c.graph.Neighborhood(ctx, f.Center, hops, limitNodes, limitEdges)
		if err != nil {
			return StateView{}, err
		}
		view.Nodes, view.Edges = nodes, edges
		return view, nil
	}

	nodes, err := c.graph.GetNodes(ctx, graph.NodeFilter{
		Kinds: f.Kinds, Domains: f.Domains, Limit: limitNodes,
	})
	if err != nil {
		return StateView{}, err
	}
	edges, err := c.graph.GetEdges(ctx, graph.EdgeFilter{Limit: limitEdges})
	if err != nil {
		return StateView{}, err
	}

	// Keep the closure property: drop edges leaving the node slice.
	inSet := make(map[string]struct{}, len(nodes))
	for i := range nodes {
		inSet[nodes[i].ID] = struct{}{}
	}
	kept := edges[:0]
	for _, e := range edges {
		if _, ok := inSet[e.From]; !ok {
			continue
		}
		if _, ok := inSet[e.To]; !ok {
			continue
		}
		kept = append(kept, e)
	}
	view.Nodes, view.Edges = nodes, kept
	return view, nil
}

// GetNodes lists nodes paginated and sorted by score, label or
// updated_at. Pages are 1-based.
func (c *Core) GetNodes(ctx context.Context, page, perPage int, sortBy, order string) (NodePage, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 || perPage > MaxPageSize {
		perPage = MaxPageSize
	}

	switch sortBy {
	case "", "score", "label", "updated_at":
	default:
		return NodePage{}, core.NewErrorf(core.CodeInvalidInput, "unknown sort field %q", sortBy)
	}
	desc := true
	switch strings.ToLower(order) {
	case "", "desc":
	case "asc":
		desc = false
	default:
		return NodePage{}, core.NewErrorf(core.CodeInvalidInput, "unknown sort order %q", order)
	}

	nodes, err := c.graph.GetNodes(ctx, graph.NodeFilter{})
	if err != nil {
		return NodePage{}, err
	}

	less := func(a, b *graph.Node) bool {
		switch sortBy {
		case "label":
			if a.Label != b.Label {
				return a.Label < b.Label
			}
		case "updated_at":
			if a.UpdatedAtMS != b.UpdatedAtMS {
				return a.UpdatedAtMS < b.UpdatedAtMS
			}
		default:
			if a.Score != b.Score {
				return a.Score < b.Score
			}
		}
		return a.ID < b.ID
	}
	sort.Slice(nodes, func(i, j int) bool {
		if desc {
			return less(&nodes[j], &nodes[i])
		}
		return less(&nodes[i], &nodes[j])
	})

	total := len(nodes)
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return NodePage{Nodes: nodes[start:end], Page: page, PerPage: perPage, Total: total}, nil
}

// Prune triggers an immediate maintenance pass on the graph.
func (c *Core) Prune(ctx context.Context) (graph.PruneResult, error) {
	return c.graph.Prune(ctx, time.Now().UnixMilli())
}

// Patterns returns the best rules from the most recent mining run.
func (c *Core) Patterns(limit int) []miner.Rule {
	if limit <= 0 || limit > MaxPatternRows {
		limit = MaxPatternRows
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rules := c.lastRules
	if len(rules) > limit {
		rules = rules[:limit]
	}
	out := make([]miner.Rule, len(rules))
	copy(out, rules)
	return out
}

// GetStats aggregates component statistics.
func (c *Core) GetStats() map[string]any {
	gs := c.graph.Stats()

	c.mu.Lock()
	pipelineStats := map[string]any{
		"events_ingested": c.ingested,
		"events_rejected": c.rejected,
		"events_cached":   c.events.len(),
		"last_event_key":  string(c.lastKey),
		"last_tick_ms":    c.lastTickMS,
		"last_mine_ms":    c.lastMineMS,
		"suggestions":     len(c.suggestions),
	}
	c.mu.Unlock()

	return map[string]any{
		"graph": map[string]any{
			"nodes":     gs.Nodes,
			"edges":     gs.Edges,
			"max_nodes": gs.MaxNodes,
			"max_edges": gs.MaxEdges,
		},
		"pipeline":   pipelineStats,
		"neurons":    c.neurons.Stats(),
		"miner":      c.miner.Stats(),
		"candidates": c.candidates.Stats(),
		"synapses":   c.synapses.Stats(),
		"dispatch":   c.bus.Stats(),
		"workers":    c.pool.Stats(),
		"daemons":    c.daemons.Stats(),
		"storage":    c.files.Stats(),
	}
}
