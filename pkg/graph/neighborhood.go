package graph

import (
	"context"
	"sort"
	"time"

	"github.com/habitushome/habitus/pkg/core"
)

// Neighborhood returns the nodes within `hops` of center together with
// every edge whose both endpoints are inside the returned node set.
//
// Expansion runs in set-valued bulk passes: per hop the union of outbound
// and inbound incident edges for the whole frontier, then one bulk node
// materialization, then one bulk edge fetch restricted to the final node
// set. No per-node queries are issued.
func (s *MemoryStore) Neighborhood(ctx context.Context, center string, hops, maxNodes, maxEdges int) ([]Node, []Edge, error) {
	if hops < 1 || hops > 3 {
		return nil, nil, core.NewErrorf(core.CodeInvalidInput, "hops must be in [1,3], got %d", hops)
	}
	if maxNodes <= 0 {
		maxNodes = s.limits.MaxNodes
	}
	if maxEdges <= 0 {
		maxEdges = s.limits.MaxEdges
	}
	if err := cancelled(ctx); err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.nodes) == 0 {
		return []Node{}, []Edge{}, nil
	}
	if _, ok := s.nodes[center]; !ok {
		return nil, nil, core.WrapError(core.CodeNotFound, "neighborhood center not found", core.ErrNodeNotFound).WithContext("node_id", center)
	}

	visited := map[string]struct{}{center: {}}
	frontier := []string{center}

	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		if err := cancelled(ctx); err != nil {
			return nil, nil, err
		}
		next := make(map[string]struct{})
		// Outbound union inbound over the whole frontier.
		for _, id := range frontier {
			for eid := range s.outbound[id] {
				next[s.edges[eid].To] = struct{}{}
			}
			for eid := range s.inbound[id] {
				next[s.edges[eid].From] = struct{}{}
			}
		}
		frontier = frontier[:0]
		for id := range next {
			if _, seen := visited[id]; seen {
				continue
			}
			visited[id] = struct{}{}
			frontier = append(frontier, id)
		}
	}

	nowMS := time.Now().UnixMilli()

	// Bulk node materialization, trimmed by salience.
	nodes := make([]Node, 0, len(visited))
	for id := range visited {
		nodes = append(nodes, *s.nodes[id])
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].ID == center {
			return true
		}
		if nodes[j].ID == center {
			return false
		}
		si := nodes[i].EffectiveScore(nowMS, s.limits.NodeHalfLife)
		sj := nodes[j].EffectiveScore(nowMS, s.limits.NodeHalfLife)
		if si != sj {
			return si > sj
		}
		return nodes[i].UpdatedAtMS > nodes[j].UpdatedAtMS
	})
	if len(nodes) > maxNodes {
		nodes = nodes[:maxNodes]
	}
	kept := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		kept[n.ID] = struct{}{}
	}

	// Single bulk edge fetch restricted to the final node set.
	edges := make([]Edge, 0)
	i := 0
	for _, e := range s.edges {
		i++
		if i%cancelCheckStride == 0 {
			if err := cancelled(ctx); err != nil {
				return nil, nil, err
			}
		}
		if _, ok := kept[e.From]; !ok {
			continue
		}
		if _, ok := kept[e.To]; !ok {
			continue
		}
		edges = append(edges, *e)
	}
	sort.Slice(edges, func(i, j int) bool {
		wi := edges[i].EffectiveWeight(nowMS, s.limits.EdgeHalfLife)
		wj := edges[j].EffectiveWeight(nowMS, s.limits.EdgeHalfLife)
		if wi != wj {
			return wi > wj
		}
		return edges[i].UpdatedAtMS > edges[j].UpdatedAtMS
	})
	if len(edges) > maxEdges {
		edges = edges[:maxEdges]
	}

	return nodes, edges, nil
}
